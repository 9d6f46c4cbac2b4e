// Package btree implements the versioned, persistent key-value index of
// a page. Every node is itself a piece in the object store; a mutation
// rewrites only the path from the affected leaf to the root and reuses
// every sibling subtree by identifier, so versions share structure.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-ledger/internal/binaryCoder"
	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxEntries is the node fanout: a node holding more entries
	// is split around its median.
	DefaultMaxEntries = 32
	// A non-root node holding fewer entries after a delete borrows from
	// or merges with a sibling.
	minEntriesDivisor = 4
)

type Tree struct {
	store      *objectstore.Store
	log        *logrus.Logger
	maxEntries int
	minEntries int
}

func New(store *objectstore.Store, logger *logrus.Logger) *Tree {
	return NewWithFanout(store, logger, DefaultMaxEntries)
}

// NewWithFanout allows tests to force splits with a small fanout.
func NewWithFanout(store *objectstore.Store, logger *logrus.Logger, maxEntries int) *Tree {
	if logger == nil {
		logger = logrus.New()
	}
	if maxEntries < 3 {
		maxEntries = 3
	}
	return &Tree{
		store:      store,
		log:        logger,
		maxEntries: maxEntries,
		minEntries: maxEntries / minEntriesDivisor,
	}
}

// node is the in-memory form of one tree node. For an internal node
// len(children) == len(entries)+1; a leaf has no children.
type node struct {
	entries  []types.Entry
	children []types.ObjectIdentifier
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

func (tr *Tree) readNode(t *coroutine.Task, id types.ObjectIdentifier) (*node, error) {
	piece, err := tr.store.Get(t, id)
	if errors.Is(err, types.ErrNotFound) {
		// An entry pointing at a missing node means the index itself is
		// damaged; this is fatal for the page and never retried.
		return nil, fmt.Errorf("%w: tree node %s missing", types.ErrCorruptIndex, id.Digest)
	}
	if err != nil {
		return nil, err
	}

	entries, children, err := binaryCoder.BytesToNode(piece.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: tree node %s: %v", types.ErrCorruptIndex, id.Digest, err)
	}
	if len(children) != 0 && len(children) != len(entries)+1 {
		return nil, fmt.Errorf("%w: tree node %s has %d entries but %d children",
			types.ErrCorruptIndex, id.Digest, len(entries), len(children))
	}
	return &node{entries: entries, children: children}, nil
}

func (tr *Tree) writeNode(t *coroutine.Task, bag *objectstore.TokenBag, n *node) (types.ObjectIdentifier, error) {
	content := binaryCoder.NodeToBytes(n.entries, n.children)

	refs := make([]types.ObjectIdentifier, 0, len(n.entries)+len(n.children))
	for _, e := range n.entries {
		refs = append(refs, e.Value)
	}
	refs = append(refs, n.children...)

	id, token, err := tr.store.Put(t, content, refs)
	if err != nil {
		return types.ObjectIdentifier{}, fmt.Errorf("writing tree node: %w", err)
	}
	bag.Add(token)
	return id, nil
}

// EmptyRoot writes and returns the root of an empty tree.
func (tr *Tree) EmptyRoot(t *coroutine.Task, bag *objectstore.TokenBag) (types.ObjectIdentifier, error) {
	return tr.writeNode(t, bag, &node{})
}

// getEntryOrChildIndex is the descent primitive: it returns the index of
// the exact matching entry, or the index of the first entry whose key
// exceeds the target, which is also the child to descend into.
func getEntryOrChildIndex(entries []types.Entry, key []byte) (int, bool) {
	idx := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if idx < len(entries) && bytes.Equal(entries[idx].Key, key) {
		return idx, true
	}
	return idx, false
}

// Get resolves key in the tree rooted at root.
func (tr *Tree) Get(t *coroutine.Task, root types.ObjectIdentifier, key []byte) (types.Entry, error) {
	current := root
	for {
		n, err := tr.readNode(t, current)
		if err != nil {
			return types.Entry{}, err
		}

		idx, found := getEntryOrChildIndex(n.entries, key)
		if found {
			return n.entries[idx], nil
		}
		if n.isLeaf() {
			return types.Entry{}, fmt.Errorf("key %q: %w", key, types.ErrNotFound)
		}
		current = n.children[idx]
	}
}

// insertResult carries the outcome of a recursive insert: either one
// replacement node, or a split into two nodes around a separator.
type insertResult struct {
	id    types.ObjectIdentifier
	split bool
	sep   types.Entry
	right types.ObjectIdentifier
}

// Put returns the root of a new tree version with key set to value. All
// subtrees off the rewritten path are reused by identifier.
func (tr *Tree) Put(t *coroutine.Task, bag *objectstore.TokenBag, root types.ObjectIdentifier, key []byte, value types.ObjectIdentifier, priority types.Priority) (types.ObjectIdentifier, error) {
	entry := types.Entry{Key: append([]byte(nil), key...), Value: value, Priority: priority}

	res, err := tr.insert(t, bag, root, entry)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}
	if !res.split {
		return res.id, nil
	}

	// The old root split; grow the tree by one level.
	return tr.writeNode(t, bag, &node{
		entries:  []types.Entry{res.sep},
		children: []types.ObjectIdentifier{res.id, res.right},
	})
}

func (tr *Tree) insert(t *coroutine.Task, bag *objectstore.TokenBag, nodeId types.ObjectIdentifier, entry types.Entry) (insertResult, error) {
	n, err := tr.readNode(t, nodeId)
	if err != nil {
		return insertResult{}, err
	}

	idx, found := getEntryOrChildIndex(n.entries, entry.Key)

	updated := &node{
		entries:  append([]types.Entry(nil), n.entries...),
		children: append([]types.ObjectIdentifier(nil), n.children...),
	}

	switch {
	case found:
		updated.entries[idx] = entry
	case n.isLeaf():
		updated.entries = append(updated.entries, types.Entry{})
		copy(updated.entries[idx+1:], updated.entries[idx:])
		updated.entries[idx] = entry
	default:
		childRes, err := tr.insert(t, bag, n.children[idx], entry)
		if err != nil {
			return insertResult{}, err
		}
		updated.children[idx] = childRes.id
		if childRes.split {
			updated.entries = append(updated.entries, types.Entry{})
			copy(updated.entries[idx+1:], updated.entries[idx:])
			updated.entries[idx] = childRes.sep

			updated.children = append(updated.children, types.ObjectIdentifier{})
			copy(updated.children[idx+2:], updated.children[idx+1:])
			updated.children[idx+1] = childRes.right
		}
	}

	if len(updated.entries) <= tr.maxEntries {
		id, err := tr.writeNode(t, bag, updated)
		if err != nil {
			return insertResult{}, err
		}
		return insertResult{id: id}, nil
	}

	return tr.splitNode(t, bag, updated)
}

func (tr *Tree) splitNode(t *coroutine.Task, bag *objectstore.TokenBag, n *node) (insertResult, error) {
	mid := len(n.entries) / 2
	sep := n.entries[mid]

	left := &node{entries: append([]types.Entry(nil), n.entries[:mid]...)}
	right := &node{entries: append([]types.Entry(nil), n.entries[mid+1:]...)}
	if !n.isLeaf() {
		left.children = append([]types.ObjectIdentifier(nil), n.children[:mid+1]...)
		right.children = append([]types.ObjectIdentifier(nil), n.children[mid+1:]...)
	}

	leftId, err := tr.writeNode(t, bag, left)
	if err != nil {
		return insertResult{}, err
	}
	rightId, err := tr.writeNode(t, bag, right)
	if err != nil {
		return insertResult{}, err
	}

	return insertResult{id: leftId, split: true, sep: sep, right: rightId}, nil
}

// Entries returns every entry of the tree in key order.
func (tr *Tree) Entries(t *coroutine.Task, root types.ObjectIdentifier) ([]types.Entry, error) {
	var out []types.Entry
	err := tr.walk(t, root, func(e types.Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func (tr *Tree) walk(t *coroutine.Task, id types.ObjectIdentifier, fn func(types.Entry) error) error {
	n, err := tr.readNode(t, id)
	if err != nil {
		return err
	}

	for i, e := range n.entries {
		if !n.isLeaf() {
			if err := tr.walk(t, n.children[i], fn); err != nil {
				return err
			}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if !n.isLeaf() {
		return tr.walk(t, n.children[len(n.children)-1], fn)
	}
	return nil
}
