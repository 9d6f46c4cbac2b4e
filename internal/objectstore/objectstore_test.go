package objectstore

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-ledger/internal/encryption"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *keyValStore.MemoryStore, *coroutine.Dispatcher) {
	t.Helper()
	kv := keyValStore.NewMemoryStore()
	store := New(kv, encryption.Passthrough{}, nil)
	d := coroutine.NewDispatcher(nil)
	t.Cleanup(d.Close)
	return store, kv, d
}

func countPieceRows(t *testing.T, kv *keyValStore.MemoryStore) int {
	t.Helper()
	count := 0
	err := kv.IterateFrom([]byte(piecePrefix), func(key, value []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	return count
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	store, kv, d := newTestStore(t)

	var first, second types.ObjectIdentifier
	err := d.RunBlocking("put-twice", func(task *coroutine.Task) error {
		var err error
		first, _, err = store.Put(task, []byte("same bytes"), nil)
		require.NoError(t, err)
		second, _, err = store.Put(task, []byte("same bytes"), nil)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, 1, countPieceRows(t, kv))
}

func TestPutDedupAcrossConcurrentTasks(t *testing.T) {
	store, kv, d := newTestStore(t)

	content := make([]byte, 16*1024)
	_, err := rand.Read(content)
	require.NoError(t, err)

	ids := make(chan types.Digest, 2)
	taskA := d.Spawn("put-a", func(task *coroutine.Task) error {
		id, _, err := store.Put(task, content, nil)
		if err != nil {
			return err
		}
		ids <- id.Digest
		return nil
	})
	taskB := d.Spawn("put-b", func(task *coroutine.Task) error {
		id, _, err := store.Put(task, content, nil)
		if err != nil {
			return err
		}
		ids <- id.Digest
		return nil
	})

	<-taskA.Done()
	<-taskB.Done()
	require.NoError(t, taskA.Err())
	require.NoError(t, taskB.Err())

	assert.Equal(t, <-ids, <-ids)
	assert.Equal(t, 1, countPieceRows(t, kv))
}

func TestGetReturnsStoredPieceWithReferences(t *testing.T) {
	store, _, d := newTestStore(t)

	err := d.RunBlocking("roundtrip", func(task *coroutine.Task) error {
		childId, _, err := store.Put(task, []byte("child"), nil)
		require.NoError(t, err)

		id, _, err := store.Put(task, []byte("parent"), []types.ObjectIdentifier{childId})
		require.NoError(t, err)

		piece, err := store.Get(task, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("parent"), piece.Content)
		assert.Equal(t, []types.ObjectIdentifier{childId}, store.AppendReferences(piece))
		return nil
	})
	require.NoError(t, err)
}

func TestGetUnknownIdentifierIsNotFound(t *testing.T) {
	store, _, d := newTestStore(t)

	err := d.RunBlocking("missing", func(task *coroutine.Task) error {
		_, err := store.Get(task, types.ObjectIdentifier{Digest: types.DigestOf([]byte("never stored"))})
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestSweepSparesTokenHolders(t *testing.T) {
	store, _, d := newTestStore(t)

	err := d.RunBlocking("sweep", func(task *coroutine.Task) error {
		id, token, err := store.Put(task, []byte("held"), nil)
		require.NoError(t, err)

		deleted, err := store.Sweep(task, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted, "live token must protect the piece")

		_, err = store.Get(task, id)
		require.NoError(t, err)

		token.Release()
		deleted, err = store.Sweep(task, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = store.Get(task, id)
		assert.True(t, errors.Is(err, types.ErrNotFound),
			"a torn-down identifier must not resurrect stale content")
		return nil
	})
	require.NoError(t, err)
}

func TestSweepSparesReachableSet(t *testing.T) {
	store, _, d := newTestStore(t)

	err := d.RunBlocking("sweep-reachable", func(task *coroutine.Task) error {
		id, token, err := store.Put(task, []byte("committed"), nil)
		require.NoError(t, err)
		token.Release()

		reachable := map[types.Digest]struct{}{id.Digest: {}}
		deleted, err := store.Sweep(task, reachable)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)

		_, err = store.Get(task, id)
		return err
	})
	require.NoError(t, err)
}

func TestLargeValueIsChunkedAndReassembled(t *testing.T) {
	store, kv, d := newTestStore(t)

	value := make([]byte, 512*1024)
	_, err := rand.Read(value)
	require.NoError(t, err)

	err = d.RunBlocking("chunked-value", func(task *coroutine.Task) error {
		id, _, err := store.PutValue(task, value)
		require.NoError(t, err)

		piece, err := store.Get(task, id)
		require.NoError(t, err)
		assert.NotEmpty(t, store.AppendReferences(piece),
			"index piece must reference its chunks for reclamation")

		back, err := store.GetValue(task, id)
		require.NoError(t, err)
		assert.Equal(t, value, back)
		return nil
	})
	require.NoError(t, err)

	assert.Greater(t, countPieceRows(t, kv), 2)
}

func TestSmallValueStaysInline(t *testing.T) {
	store, kv, d := newTestStore(t)

	err := d.RunBlocking("inline-value", func(task *coroutine.Task) error {
		id, _, err := store.PutValue(task, []byte("small"))
		require.NoError(t, err)

		back, err := store.GetValue(task, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("small"), back)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countPieceRows(t, kv))
}
