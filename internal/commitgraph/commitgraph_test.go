package commitgraph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) (*Graph, *coroutine.Dispatcher) {
	t.Helper()
	kv := keyValStore.NewMemoryStore()
	d := coroutine.NewDispatcher(nil)
	t.Cleanup(d.Close)
	return New(kv, "test-page", nil), d
}

func rootId(v string) types.ObjectIdentifier {
	return types.ObjectIdentifier{Digest: types.DigestOf([]byte(v))}
}

func TestCreateCommitChainsGenerations(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("chain", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), c0.Generation)

		c1, err := g.CreateCommit(task, rootId("r1"), []types.CommitId{c0.Id})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), c1.Generation)

		heads, err := g.GetHeads(task)
		require.NoError(t, err)
		assert.Equal(t, []types.CommitId{c1.Id}, heads)

		back, err := g.GetCommit(task, c1.Id)
		require.NoError(t, err)
		assert.Equal(t, c1.RootNode, back.RootNode)
		assert.Equal(t, []types.CommitId{c0.Id}, back.Parents)
		return nil
	})
	require.NoError(t, err)
}

func TestParentlessCommitOnlyAllowedOnEmptyPage(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("parentless", func(task *coroutine.Task) error {
		_, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)

		_, err = g.CreateCommit(task, rootId("r1"), nil)
		assert.Error(t, err, "a second parentless commit must be rejected")
		return nil
	})
	require.NoError(t, err)
}

func TestDivergenceProducesTwoHeads(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("diverge", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		c1, err := g.CreateCommit(task, rootId("r1"), []types.CommitId{c0.Id})
		require.NoError(t, err)
		c1b, err := g.CreateCommit(task, rootId("r1-b"), []types.CommitId{c0.Id})
		require.NoError(t, err)

		heads, err := g.GetHeads(task)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.CommitId{c1.Id, c1b.Id}, heads)

		// Merging both heads collapses them into one.
		merge, err := g.CreateCommit(task, rootId("r2"), []types.CommitId{c1.Id, c1b.Id})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), merge.Generation)

		heads, err = g.GetHeads(task)
		require.NoError(t, err)
		assert.Equal(t, []types.CommitId{merge.Id}, heads)
		return nil
	})
	require.NoError(t, err)
}

func TestWatchersSeeCommitsInOrder(t *testing.T) {
	g, d := newTestGraph(t)

	var seen []types.CommitId
	var sources []types.ChangeSource
	g.RegisterWatcher(func(c types.Commit, s types.ChangeSource) {
		seen = append(seen, c.Id)
		sources = append(sources, s)
	})

	err := d.RunBlocking("watch", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		c1, err := g.CreateCommit(task, rootId("r1"), []types.CommitId{c0.Id})
		require.NoError(t, err)

		require.Equal(t, []types.CommitId{c0.Id, c1.Id}, seen,
			"watchers run synchronously and in arrival order")
		assert.Equal(t, []types.ChangeSource{types.SourceLocal, types.SourceLocal}, sources)
		return nil
	})
	require.NoError(t, err)
}

func TestRedeliveredCommitIsSilentNoOp(t *testing.T) {
	g, d := newTestGraph(t)

	notifications := 0
	g.RegisterWatcher(func(types.Commit, types.ChangeSource) { notifications++ })

	err := d.RunBlocking("redeliver", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		require.Equal(t, 1, notifications)

		headsBefore, err := g.GetHeads(task)
		require.NoError(t, err)

		err = g.AddCommits(task, []types.Commit{c0}, types.SourceCloudSync)
		require.NoError(t, err)
		assert.Equal(t, 1, notifications, "redelivery must not notify again")

		headsAfter, err := g.GetHeads(task)
		require.NoError(t, err)
		assert.Equal(t, headsBefore, headsAfter)

		// The local durable status must not be downgraded by redelivery.
		status, err := g.SyncStatus(task, c0.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDurableLocal, status)
		return nil
	})
	require.NoError(t, err)
}

func TestAddCommitsRejectsMissingParent(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("missing-parent", func(task *coroutine.Task) error {
		orphanParent := types.CommitId(types.DigestOf([]byte("never delivered")))
		orphan := types.Commit{
			RootNode:   rootId("r"),
			Parents:    []types.CommitId{orphanParent},
			Generation: 1,
		}
		orphan.Id = types.ComputeCommitId(orphan.RootNode, orphan.Parents, orphan.Generation)

		err := g.AddCommits(task, []types.Commit{orphan}, types.SourceP2PSync)
		assert.True(t, errors.Is(err, ErrMissingParent))
		return nil
	})
	require.NoError(t, err)
}

func TestAddCommitsAcceptsParentWithinBatch(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("batch-parent", func(task *coroutine.Task) error {
		parent := types.Commit{RootNode: rootId("p"), Generation: 0, Timestamp: time.Now().UnixMilli()}
		parent.Id = types.ComputeCommitId(parent.RootNode, nil, 0)

		child := types.Commit{
			RootNode:   rootId("c"),
			Parents:    []types.CommitId{parent.Id},
			Generation: 1,
		}
		child.Id = types.ComputeCommitId(child.RootNode, child.Parents, child.Generation)

		err := g.AddCommits(task, []types.Commit{parent, child}, types.SourceCloudSync)
		require.NoError(t, err)

		heads, err := g.GetHeads(task)
		require.NoError(t, err)
		assert.Equal(t, []types.CommitId{child.Id}, heads)
		return nil
	})
	require.NoError(t, err)
}

func TestSyncStatusIsMonotonic(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("status", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)

		status, err := g.SyncStatus(task, c0.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusDurableLocal, status)

		require.NoError(t, g.MarkSynced(task, []types.CommitId{c0.Id}))
		status, err = g.SyncStatus(task, c0.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSynced, status)

		// Acking twice keeps the commit synced.
		require.NoError(t, g.MarkSynced(task, []types.CommitId{c0.Id}))
		status, err = g.SyncStatus(task, c0.Id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSynced, status)
		return nil
	})
	require.NoError(t, err)
}

func TestUnsyncedCommitsComeParentsFirst(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("unsynced", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		c1, err := g.CreateCommit(task, rootId("r1"), []types.CommitId{c0.Id})
		require.NoError(t, err)
		c2, err := g.CreateCommit(task, rootId("r2"), []types.CommitId{c1.Id})
		require.NoError(t, err)

		require.NoError(t, g.MarkSynced(task, []types.CommitId{c0.Id}))

		pending, err := g.UnsyncedCommits(task)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, c1.Id, pending[0].Id)
		assert.Equal(t, c2.Id, pending[1].Id)
		return nil
	})
	require.NoError(t, err)
}

func TestCommonAncestorOfDivergedLines(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("lca", func(task *coroutine.Task) error {
		c0, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)
		base, err := g.CreateCommit(task, rootId("base"), []types.CommitId{c0.Id})
		require.NoError(t, err)

		// Two lines of different length diverge from base.
		left := base
		for i := 0; i < 3; i++ {
			left, err = g.CreateCommit(task, rootId(fmt.Sprintf("left-%d", i)), []types.CommitId{left.Id})
			require.NoError(t, err)
		}
		right, err := g.CreateCommit(task, rootId("right-0"), []types.CommitId{base.Id})
		require.NoError(t, err)

		lca, err := g.CommonAncestor(task, left.Id, right.Id)
		require.NoError(t, err)
		assert.Equal(t, base.Id, lca.Id)

		// An ancestor on the same line is its own LCA.
		lca, err = g.CommonAncestor(task, left.Id, base.Id)
		require.NoError(t, err)
		assert.Equal(t, base.Id, lca.Id)
		return nil
	})
	require.NoError(t, err)
}

func TestAddCommitsRejectsForgedGeneration(t *testing.T) {
	g, d := newTestGraph(t)

	err := d.RunBlocking("forged-generation", func(task *coroutine.Task) error {
		base, err := g.CreateCommit(task, rootId("r0"), nil)
		require.NoError(t, err)

		// A well-formed id over an inflated generation counter.
		forged := types.Commit{
			RootNode:   rootId("r1"),
			Parents:    []types.CommitId{base.Id},
			Generation: 5,
		}
		forged.Id = types.ComputeCommitId(forged.RootNode, forged.Parents, forged.Generation)

		err = g.AddCommits(task, []types.Commit{forged}, types.SourceCloudSync)
		assert.True(t, errors.Is(err, types.ErrCorruptIndex),
			"generation must be exactly one past the highest parent")

		heads, err := g.GetHeads(task)
		require.NoError(t, err)
		assert.Equal(t, []types.CommitId{base.Id}, heads)
		return nil
	})
	require.NoError(t, err)
}
