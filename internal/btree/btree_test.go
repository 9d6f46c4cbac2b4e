package btree

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/i5heu/ouroboros-ledger/internal/encryption"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, fanout int) (*Tree, *coroutine.Dispatcher) {
	t.Helper()
	kv := keyValStore.NewMemoryStore()
	store := objectstore.New(kv, encryption.Passthrough{}, nil)
	d := coroutine.NewDispatcher(nil)
	t.Cleanup(d.Close)
	return NewWithFanout(store, nil, fanout), d
}

func valueId(v string) types.ObjectIdentifier {
	return types.ObjectIdentifier{
		Digest:        types.DigestOf([]byte(v)),
		DeletionScope: types.ScopePage,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	tr, d := newTestTree(t, DefaultMaxEntries)

	err := d.RunBlocking("roundtrip", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)

		root, err = tr.Put(task, &bag, root, []byte("alpha"), valueId("one"), types.PriorityEager)
		require.NoError(t, err)

		entry, err := tr.Get(task, root, []byte("alpha"))
		require.NoError(t, err)
		assert.Equal(t, valueId("one"), entry.Value)
		assert.Equal(t, types.PriorityEager, entry.Priority)

		// Overwrite replaces the value in place.
		root, err = tr.Put(task, &bag, root, []byte("alpha"), valueId("two"), types.PriorityLazy)
		require.NoError(t, err)

		entry, err = tr.Get(task, root, []byte("alpha"))
		require.NoError(t, err)
		assert.Equal(t, valueId("two"), entry.Value)
		assert.Equal(t, types.PriorityLazy, entry.Priority)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	tr, d := newTestTree(t, DefaultMaxEntries)

	err := d.RunBlocking("missing", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)

		_, err = tr.Get(task, root, []byte("never put"))
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestSmallFanoutSplitsKeepAllEntriesOrdered(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("splits", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			root, err = tr.Put(task, &bag, root, key, valueId(fmt.Sprintf("v%d", i)), types.PriorityEager)
			require.NoError(t, err)
		}

		entries, err := tr.Entries(task, root)
		require.NoError(t, err)
		require.Len(t, entries, 100)
		for i, e := range entries {
			assert.Equal(t, fmt.Sprintf("key-%03d", i), string(e.Key))
		}

		for i := 0; i < 100; i++ {
			entry, err := tr.Get(task, root, []byte(fmt.Sprintf("key-%03d", i)))
			require.NoError(t, err)
			assert.Equal(t, valueId(fmt.Sprintf("v%d", i)), entry.Value)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRebalancesAndPreservesOthers(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("delete", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)

		for i := 0; i < 60; i++ {
			key := []byte(fmt.Sprintf("key-%02d", i))
			root, err = tr.Put(task, &bag, root, key, valueId(fmt.Sprintf("v%d", i)), types.PriorityEager)
			require.NoError(t, err)
		}

		for i := 0; i < 60; i += 2 {
			root, err = tr.Delete(task, &bag, root, []byte(fmt.Sprintf("key-%02d", i)))
			require.NoError(t, err)
		}

		for i := 0; i < 60; i++ {
			_, err := tr.Get(task, root, []byte(fmt.Sprintf("key-%02d", i)))
			if i%2 == 0 {
				assert.True(t, errors.Is(err, types.ErrNotFound), "key-%02d should be gone", i)
			} else {
				assert.NoError(t, err, "key-%02d should survive", i)
			}
		}

		_, err = tr.Delete(task, &bag, root, []byte("absent"))
		assert.True(t, errors.Is(err, types.ErrNotFound))

		// Empty the tree entirely.
		for i := 1; i < 60; i += 2 {
			root, err = tr.Delete(task, &bag, root, []byte(fmt.Sprintf("key-%02d", i)))
			require.NoError(t, err)
		}
		entries, err := tr.Entries(task, root)
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
}

func TestOldVersionsStayReadableAfterMutation(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("versions", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			root, err = tr.Put(task, &bag, root, []byte(fmt.Sprintf("k%02d", i)), valueId("old"), types.PriorityEager)
			require.NoError(t, err)
		}

		oldRoot := root
		root, err = tr.Put(task, &bag, root, []byte("k10"), valueId("new"), types.PriorityEager)
		require.NoError(t, err)
		assert.NotEqual(t, oldRoot, root)

		entry, err := tr.Get(task, oldRoot, []byte("k10"))
		require.NoError(t, err)
		assert.Equal(t, valueId("old"), entry.Value)

		entry, err = tr.Get(task, root, []byte("k10"))
		require.NoError(t, err)
		assert.Equal(t, valueId("new"), entry.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestReplayAgainstMapModel(t *testing.T) {
	tr, d := newTestTree(t, 4)
	rng := rand.New(rand.NewSource(7))

	err := d.RunBlocking("replay", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		model := make(map[string]types.ObjectIdentifier)

		for step := 0; step < 400; step++ {
			key := fmt.Sprintf("key-%02d", rng.Intn(40))
			if rng.Intn(3) == 0 {
				_, present := model[key]
				newRoot, err := tr.Delete(task, &bag, root, []byte(key))
				if present {
					require.NoError(t, err, "step %d delete %s", step, key)
					root = newRoot
					delete(model, key)
				} else {
					assert.True(t, errors.Is(err, types.ErrNotFound))
				}
			} else {
				v := valueId(fmt.Sprintf("v-%d", step))
				root, err = tr.Put(task, &bag, root, []byte(key), v, types.PriorityEager)
				require.NoError(t, err, "step %d put %s", step, key)
				model[key] = v
			}
		}

		entries, err := tr.Entries(task, root)
		require.NoError(t, err)
		require.Len(t, entries, len(model))
		for _, e := range entries {
			assert.Equal(t, model[string(e.Key)], e.Value, "key %s", e.Key)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDiffReportsExactChanges(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("diff", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		base, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			base, err = tr.Put(task, &bag, base, []byte(fmt.Sprintf("k%02d", i)), valueId("base"), types.PriorityEager)
			require.NoError(t, err)
		}

		changed := base
		changed, err = tr.Put(task, &bag, changed, []byte("k05"), valueId("modified"), types.PriorityEager)
		require.NoError(t, err)
		changed, err = tr.Delete(task, &bag, changed, []byte("k17"))
		require.NoError(t, err)
		changed, err = tr.Put(task, &bag, changed, []byte("k99"), valueId("inserted"), types.PriorityEager)
		require.NoError(t, err)

		changes, err := tr.Diff(task, base, changed)
		require.NoError(t, err)
		require.Len(t, changes, 3)

		assert.Equal(t, "k05", string(changes[0].Key))
		require.NotNil(t, changes[0].Before)
		require.NotNil(t, changes[0].After)
		assert.Equal(t, valueId("base"), changes[0].Before.Value)
		assert.Equal(t, valueId("modified"), changes[0].After.Value)

		assert.Equal(t, "k17", string(changes[1].Key))
		assert.NotNil(t, changes[1].Before)
		assert.Nil(t, changes[1].After)

		assert.Equal(t, "k99", string(changes[2].Key))
		assert.Nil(t, changes[2].Before)
		require.NotNil(t, changes[2].After)
		assert.Equal(t, valueId("inserted"), changes[2].After.Value)

		same, err := tr.Diff(task, changed, changed)
		require.NoError(t, err)
		assert.Empty(t, same)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeKeepsDisjointChangesFromBothSides(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("merge-disjoint", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		base, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			base, err = tr.Put(task, &bag, base, []byte(fmt.Sprintf("k%02d", i)), valueId("base"), types.PriorityEager)
			require.NoError(t, err)
		}

		left, err := tr.Put(task, &bag, base, []byte("k03"), valueId("from-left"), types.PriorityEager)
		require.NoError(t, err)
		right, err := tr.Delete(task, &bag, base, []byte("k15"))
		require.NoError(t, err)

		merged, err := tr.Merge(task, &bag, base, left, right)
		require.NoError(t, err)

		entry, err := tr.Get(task, merged, []byte("k03"))
		require.NoError(t, err)
		assert.Equal(t, valueId("from-left"), entry.Value)

		_, err = tr.Get(task, merged, []byte("k15"))
		assert.True(t, errors.Is(err, types.ErrNotFound))

		entry, err = tr.Get(task, merged, []byte("k10"))
		require.NoError(t, err)
		assert.Equal(t, valueId("base"), entry.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeIsSymmetricAndDeterministic(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("merge-symmetric", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		base, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			base, err = tr.Put(task, &bag, base, []byte(fmt.Sprintf("k%02d", i)), valueId("base"), types.PriorityEager)
			require.NoError(t, err)
		}

		// Both sides touch k07 with different values.
		left, err := tr.Put(task, &bag, base, []byte("k07"), valueId("candidate-a"), types.PriorityEager)
		require.NoError(t, err)
		right, err := tr.Put(task, &bag, base, []byte("k07"), valueId("candidate-b"), types.PriorityEager)
		require.NoError(t, err)

		ab, err := tr.Merge(task, &bag, base, left, right)
		require.NoError(t, err)
		ba, err := tr.Merge(task, &bag, base, right, left)
		require.NoError(t, err)
		assert.Equal(t, ab, ba, "merge outcome must not depend on argument order")

		entry, err := tr.Get(task, ab, []byte("k07"))
		require.NoError(t, err)
		expected := resolveConflict(
			&types.Entry{Value: valueId("candidate-a")},
			&types.Entry{Value: valueId("candidate-b")},
		)
		assert.Equal(t, expected.Value, entry.Value)
		return nil
	})
	require.NoError(t, err)
}

func TestMergeWriteBeatsConcurrentDelete(t *testing.T) {
	tr, d := newTestTree(t, 4)

	err := d.RunBlocking("merge-write-vs-delete", func(task *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		base, err := tr.EmptyRoot(task, &bag)
		require.NoError(t, err)
		base, err = tr.Put(task, &bag, base, []byte("contested"), valueId("base"), types.PriorityEager)
		require.NoError(t, err)

		left, err := tr.Put(task, &bag, base, []byte("contested"), valueId("rewritten"), types.PriorityEager)
		require.NoError(t, err)
		right, err := tr.Delete(task, &bag, base, []byte("contested"))
		require.NoError(t, err)

		merged, err := tr.Merge(task, &bag, base, left, right)
		require.NoError(t, err)

		entry, err := tr.Get(task, merged, []byte("contested"))
		require.NoError(t, err)
		assert.Equal(t, valueId("rewritten"), entry.Value)
		return nil
	})
	require.NoError(t, err)
}
