package btree

import (
	"bytes"

	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// EntryChange is one key's difference between two tree versions. Before
// is nil for an insertion, After is nil for a deletion.
type EntryChange struct {
	Key    []byte
	Before *types.Entry
	After  *types.Entry
}

// diffIter walks a tree in key order without eagerly loading subtrees.
// The top of the stack may be an unloaded frame, which lets the diff
// skip a whole subtree when both sides are about to enter the same one.
type diffIter struct {
	tr    *Tree
	t     *coroutine.Task
	stack []diffFrame
}

// A frame covers one node. For an internal node the item sequence
// alternates child and entry (child 0, entry 0, child 1, ... child n);
// for a leaf it is the entries alone. pos indexes into that sequence.
type diffFrame struct {
	id     types.ObjectIdentifier
	loaded *node
	pos    int
}

func (f *diffFrame) done() bool {
	if f.loaded.isLeaf() {
		return f.pos >= len(f.loaded.entries)
	}
	return f.pos >= 2*len(f.loaded.entries)+1
}

func (f *diffFrame) atChild() bool {
	return !f.loaded.isLeaf() && f.pos%2 == 0
}

func (f *diffFrame) childId() types.ObjectIdentifier {
	return f.loaded.children[f.pos/2]
}

func (f *diffFrame) entry() types.Entry {
	if f.loaded.isLeaf() {
		return f.loaded.entries[f.pos]
	}
	return f.loaded.entries[f.pos/2]
}

func newDiffIter(tr *Tree, t *coroutine.Task, root types.ObjectIdentifier) *diffIter {
	return &diffIter{tr: tr, t: t, stack: []diffFrame{{id: root}}}
}

// settle pops exhausted frames. Afterwards the top frame is either an
// unloaded subtree, a pending child, or positioned at an entry.
func (it *diffIter) settle() {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.loaded == nil || !top.done() {
			return
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
}

// pendingSubtree returns the identifier of the subtree the iterator
// would enter next, if the next step is a descent.
func (it *diffIter) pendingSubtree() (types.ObjectIdentifier, bool) {
	it.settle()
	if len(it.stack) == 0 {
		return types.ObjectIdentifier{}, false
	}
	top := &it.stack[len(it.stack)-1]
	if top.loaded == nil {
		return top.id, true
	}
	if top.atChild() {
		return top.childId(), true
	}
	return types.ObjectIdentifier{}, false
}

// skipSubtree steps over the pending subtree without loading it.
func (it *diffIter) skipSubtree() {
	top := &it.stack[len(it.stack)-1]
	if top.loaded == nil {
		it.stack = it.stack[:len(it.stack)-1]
		return
	}
	top.pos++
}

// descend enters the pending subtree.
func (it *diffIter) descend() error {
	top := &it.stack[len(it.stack)-1]
	if top.loaded == nil {
		n, err := it.tr.readNode(it.t, top.id)
		if err != nil {
			return err
		}
		top.loaded = n
		return nil
	}
	child := top.childId()
	top.pos++
	it.stack = append(it.stack, diffFrame{id: child})
	return nil
}

// peek returns the entry the iterator is positioned at, or nil at the
// end. Must only be called when no subtree is pending.
func (it *diffIter) peek() *types.Entry {
	it.settle()
	if len(it.stack) == 0 {
		return nil
	}
	e := it.stack[len(it.stack)-1].entry()
	return &e
}

func (it *diffIter) advance() {
	it.stack[len(it.stack)-1].pos++
}

// Diff reports the entry-level changes between the versions rooted at
// before and after, in key order. Subtrees shared by identifier between
// the two versions are skipped without being loaded, so the cost scales
// with the size of the change, not the size of the page.
func (tr *Tree) Diff(t *coroutine.Task, before, after types.ObjectIdentifier) ([]EntryChange, error) {
	if before == after {
		return nil, nil
	}

	a := newDiffIter(tr, t, before)
	b := newDiffIter(tr, t, after)
	var changes []EntryChange

	for {
		aId, aPending := a.pendingSubtree()
		bId, bPending := b.pendingSubtree()

		// Both sides entering the same subtree: unchanged, skip it whole.
		if aPending && bPending && aId == bId {
			a.skipSubtree()
			b.skipSubtree()
			continue
		}
		if aPending {
			if err := a.descend(); err != nil {
				return nil, err
			}
			continue
		}
		if bPending {
			if err := b.descend(); err != nil {
				return nil, err
			}
			continue
		}

		ae := a.peek()
		be := b.peek()
		if ae == nil && be == nil {
			return changes, nil
		}

		switch {
		case be == nil || (ae != nil && bytes.Compare(ae.Key, be.Key) < 0):
			changes = append(changes, EntryChange{Key: ae.Key, Before: ae})
			a.advance()
		case ae == nil || bytes.Compare(be.Key, ae.Key) < 0:
			changes = append(changes, EntryChange{Key: be.Key, After: be})
			b.advance()
		default:
			if ae.Value != be.Value || ae.Priority != be.Priority {
				changes = append(changes, EntryChange{Key: ae.Key, Before: ae, After: be})
			}
			a.advance()
			b.advance()
		}
	}
}
