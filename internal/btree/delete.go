package btree

import (
	"fmt"

	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// removeResult reports the rewritten node and how many entries it ended
// up with, so the parent can decide whether it underflowed.
type removeResult struct {
	id   types.ObjectIdentifier
	size int
}

// Delete returns the root of a new tree version without key. Deleting a
// key that is not present fails with ErrNotFound and produces no new
// version.
func (tr *Tree) Delete(t *coroutine.Task, bag *objectstore.TokenBag, root types.ObjectIdentifier, key []byte) (types.ObjectIdentifier, error) {
	res, err := tr.remove(t, bag, root, key)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}

	// An internal root left without entries has exactly one child; the
	// tree shrinks by one level.
	n, err := tr.readNode(t, res.id)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}
	if len(n.entries) == 0 && !n.isLeaf() {
		return n.children[0], nil
	}
	return res.id, nil
}

func (tr *Tree) remove(t *coroutine.Task, bag *objectstore.TokenBag, nodeId types.ObjectIdentifier, key []byte) (removeResult, error) {
	n, err := tr.readNode(t, nodeId)
	if err != nil {
		return removeResult{}, err
	}

	idx, found := getEntryOrChildIndex(n.entries, key)

	updated := &node{
		entries:  append([]types.Entry(nil), n.entries...),
		children: append([]types.ObjectIdentifier(nil), n.children...),
	}

	switch {
	case found && n.isLeaf():
		updated.entries = append(updated.entries[:idx], updated.entries[idx+1:]...)

	case found:
		// Replace the separator by its in-order predecessor, then repair
		// the child the predecessor was pulled from.
		childRes, pred, err := tr.removeLargest(t, bag, n.children[idx])
		if err != nil {
			return removeResult{}, err
		}
		updated.entries[idx] = pred
		updated.children[idx] = childRes.id
		if err := tr.repairChild(t, bag, updated, idx, childRes.size); err != nil {
			return removeResult{}, err
		}

	case n.isLeaf():
		return removeResult{}, fmt.Errorf("key %q: %w", key, types.ErrNotFound)

	default:
		childRes, err := tr.remove(t, bag, n.children[idx], key)
		if err != nil {
			return removeResult{}, err
		}
		updated.children[idx] = childRes.id
		if err := tr.repairChild(t, bag, updated, idx, childRes.size); err != nil {
			return removeResult{}, err
		}
	}

	id, err := tr.writeNode(t, bag, updated)
	if err != nil {
		return removeResult{}, err
	}
	return removeResult{id: id, size: len(updated.entries)}, nil
}

// removeLargest pulls the in-order maximum entry out of the subtree.
func (tr *Tree) removeLargest(t *coroutine.Task, bag *objectstore.TokenBag, nodeId types.ObjectIdentifier) (removeResult, types.Entry, error) {
	n, err := tr.readNode(t, nodeId)
	if err != nil {
		return removeResult{}, types.Entry{}, err
	}

	updated := &node{
		entries:  append([]types.Entry(nil), n.entries...),
		children: append([]types.ObjectIdentifier(nil), n.children...),
	}

	var pred types.Entry
	if n.isLeaf() {
		if len(updated.entries) == 0 {
			return removeResult{}, types.Entry{}, fmt.Errorf("%w: empty leaf during predecessor pull", types.ErrCorruptIndex)
		}
		pred = updated.entries[len(updated.entries)-1]
		updated.entries = updated.entries[:len(updated.entries)-1]
	} else {
		last := len(updated.children) - 1
		childRes, p, err := tr.removeLargest(t, bag, updated.children[last])
		if err != nil {
			return removeResult{}, types.Entry{}, err
		}
		pred = p
		updated.children[last] = childRes.id
		if err := tr.repairChild(t, bag, updated, last, childRes.size); err != nil {
			return removeResult{}, types.Entry{}, err
		}
	}

	id, err := tr.writeNode(t, bag, updated)
	if err != nil {
		return removeResult{}, types.Entry{}, err
	}
	return removeResult{id: id, size: len(updated.entries)}, pred, nil
}

// repairChild fixes up parent.children[idx] after a removal left it with
// childSize entries: borrow from a sibling when one can spare an entry,
// merge with a sibling otherwise. parent is mutated in place and written
// by the caller.
func (tr *Tree) repairChild(t *coroutine.Task, bag *objectstore.TokenBag, parent *node, idx int, childSize int) error {
	if childSize >= tr.minEntries {
		return nil
	}

	child, err := tr.readNode(t, parent.children[idx])
	if err != nil {
		return err
	}

	if idx > 0 {
		left, err := tr.readNode(t, parent.children[idx-1])
		if err != nil {
			return err
		}
		if len(left.entries) > tr.minEntries {
			return tr.rotateFromLeft(t, bag, parent, idx, left, child)
		}
		return tr.mergeChildren(t, bag, parent, idx-1, left, child)
	}

	right, err := tr.readNode(t, parent.children[idx+1])
	if err != nil {
		return err
	}
	if len(right.entries) > tr.minEntries {
		return tr.rotateFromRight(t, bag, parent, idx, child, right)
	}
	return tr.mergeChildren(t, bag, parent, idx, child, right)
}

func (tr *Tree) rotateFromLeft(t *coroutine.Task, bag *objectstore.TokenBag, parent *node, idx int, left, child *node) error {
	sep := parent.entries[idx-1]

	newChild := &node{
		entries: append([]types.Entry{sep}, child.entries...),
	}
	newLeft := &node{
		entries: append([]types.Entry(nil), left.entries[:len(left.entries)-1]...),
	}
	if !child.isLeaf() {
		movedChild := left.children[len(left.children)-1]
		newChild.children = append([]types.ObjectIdentifier{movedChild}, child.children...)
		newLeft.children = append([]types.ObjectIdentifier(nil), left.children[:len(left.children)-1]...)
	}
	parent.entries[idx-1] = left.entries[len(left.entries)-1]

	leftId, err := tr.writeNode(t, bag, newLeft)
	if err != nil {
		return err
	}
	childId, err := tr.writeNode(t, bag, newChild)
	if err != nil {
		return err
	}
	parent.children[idx-1] = leftId
	parent.children[idx] = childId
	return nil
}

func (tr *Tree) rotateFromRight(t *coroutine.Task, bag *objectstore.TokenBag, parent *node, idx int, child, right *node) error {
	sep := parent.entries[idx]

	newChild := &node{
		entries: append(append([]types.Entry(nil), child.entries...), sep),
	}
	newRight := &node{
		entries: append([]types.Entry(nil), right.entries[1:]...),
	}
	if !child.isLeaf() {
		movedChild := right.children[0]
		newChild.children = append(append([]types.ObjectIdentifier(nil), child.children...), movedChild)
		newRight.children = append([]types.ObjectIdentifier(nil), right.children[1:]...)
	}
	parent.entries[idx] = right.entries[0]

	childId, err := tr.writeNode(t, bag, newChild)
	if err != nil {
		return err
	}
	rightId, err := tr.writeNode(t, bag, newRight)
	if err != nil {
		return err
	}
	parent.children[idx] = childId
	parent.children[idx+1] = rightId
	return nil
}

// mergeChildren folds children sepIdx and sepIdx+1 plus their separator
// into one node.
func (tr *Tree) mergeChildren(t *coroutine.Task, bag *objectstore.TokenBag, parent *node, sepIdx int, left, right *node) error {
	merged := &node{
		entries: append(append(append([]types.Entry(nil), left.entries...), parent.entries[sepIdx]), right.entries...),
	}
	if !left.isLeaf() {
		merged.children = append(append([]types.ObjectIdentifier(nil), left.children...), right.children...)
	}

	mergedId, err := tr.writeNode(t, bag, merged)
	if err != nil {
		return err
	}

	parent.entries = append(parent.entries[:sepIdx], parent.entries[sepIdx+1:]...)
	parent.children = append(parent.children[:sepIdx], parent.children[sepIdx+1:]...)
	parent.children[sepIdx] = mergedId
	return nil
}
