package btree

import (
	"bytes"
	"sort"

	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Merge combines two divergent tree versions relative to their common
// ancestor. Non-overlapping changes from both sides are kept; when both
// sides changed the same key the entry whose value digest compares
// greater byte-lexicographically wins, and a concurrent write beats a
// concurrent delete. The result is rebuilt bottom-up from the merged
// entry set, so every device computing the same merge arrives at the
// same root identifier regardless of which side it calls left.
func (tr *Tree) Merge(t *coroutine.Task, bag *objectstore.TokenBag, base, left, right types.ObjectIdentifier) (types.ObjectIdentifier, error) {
	if left == right {
		return left, nil
	}

	leftChanges, err := tr.Diff(t, base, left)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}
	rightChanges, err := tr.Diff(t, base, right)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}

	merged := make(map[string]*types.Entry)
	baseEntries, err := tr.Entries(t, base)
	if err != nil {
		return types.ObjectIdentifier{}, err
	}
	for i := range baseEntries {
		merged[string(baseEntries[i].Key)] = &baseEntries[i]
	}

	rightByKey := make(map[string]EntryChange, len(rightChanges))
	for _, c := range rightChanges {
		rightByKey[string(c.Key)] = c
	}

	for _, c := range leftChanges {
		key := string(c.Key)
		other, conflict := rightByKey[key]
		if !conflict {
			applyChange(merged, key, c.After)
			continue
		}
		delete(rightByKey, key)
		applyChange(merged, key, resolveConflict(c.After, other.After))
	}
	for key, c := range rightByKey {
		applyChange(merged, key, c.After)
	}

	entries := make([]types.Entry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})

	return tr.build(t, bag, entries)
}

func applyChange(merged map[string]*types.Entry, key string, after *types.Entry) {
	if after == nil {
		delete(merged, key)
	} else {
		merged[key] = after
	}
}

// resolveConflict picks a winner for a key both sides changed. The rule
// only looks at the two values, never at which device produced them, so
// all devices agree on the outcome.
func resolveConflict(left, right *types.Entry) *types.Entry {
	switch {
	case left == nil && right == nil:
		return nil
	case left == nil:
		return right
	case right == nil:
		return left
	case bytes.Compare(left.Value.Digest[:], right.Value.Digest[:]) >= 0:
		return left
	default:
		return right
	}
}

// build writes a canonical tree over the sorted entry set. Leaves are
// filled left to right to the fanout limit and separators are spaced
// evenly, so the shape depends only on the entries.
func (tr *Tree) build(t *coroutine.Task, bag *objectstore.TokenBag, entries []types.Entry) (types.ObjectIdentifier, error) {
	if len(entries) <= tr.maxEntries {
		return tr.writeNode(t, bag, &node{entries: entries})
	}

	// ceil((len+1)/(max+1)) child groups, so the separators plus full
	// groups can always hold the entries; recursion handles groups that
	// still exceed the fanout.
	groups := (len(entries) + tr.maxEntries + 1) / (tr.maxEntries + 1)
	if groups > tr.maxEntries+1 {
		groups = tr.maxEntries + 1
	}
	seps := groups - 1

	root := &node{}
	start := 0
	for i := 0; i < seps; i++ {
		// Separator positions split the entries into near-equal groups.
		sepIdx := (i + 1) * len(entries) / groups
		childId, err := tr.build(t, bag, append([]types.Entry(nil), entries[start:sepIdx]...))
		if err != nil {
			return types.ObjectIdentifier{}, err
		}
		root.children = append(root.children, childId)
		root.entries = append(root.entries, entries[sepIdx])
		start = sepIdx + 1
	}
	childId, err := tr.build(t, bag, append([]types.Entry(nil), entries[start:]...))
	if err != nil {
		return types.ObjectIdentifier{}, err
	}
	root.children = append(root.children, childId)

	return tr.writeNode(t, bag, root)
}
