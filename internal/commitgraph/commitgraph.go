// Package commitgraph maintains the per-page DAG of commits: persistence
// of commit records, the head index, durability status and the ordered
// watcher notifications every commit arrival triggers.
package commitgraph

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-ledger/internal/binaryCoder"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
)

// ErrMissingParent is returned when a commit references a parent that is
// neither stored nor part of the same batch. Sync transports deliver
// parents before children, so hitting this means the feed is broken.
var ErrMissingParent = errors.New("commit parent not present")

// Watcher receives every commit newly added to the graph, in arrival
// order, synchronously on the dispatch thread. A watcher must not block.
type Watcher func(commit types.Commit, source types.ChangeSource)

type Graph struct {
	kv     keyValStore.Store
	log    *logrus.Logger
	prefix string

	watcherMu sync.Mutex
	watchers  map[int]Watcher
	watcherId int
	order     []int
}

// New opens the commit graph of one page. pageId namespaces all rows so
// several pages can share a key-value store.
func New(kv keyValStore.Store, pageId string, logger *logrus.Logger) *Graph {
	if logger == nil {
		logger = logrus.New()
	}
	return &Graph{
		kv:       kv,
		log:      logger,
		prefix:   "page/" + pageId + "/",
		watchers: make(map[int]Watcher),
	}
}

func (g *Graph) commitKey(id types.CommitId) []byte {
	return append([]byte(g.prefix+"commit/"), id[:]...)
}

func (g *Graph) statusKey(id types.CommitId) []byte {
	return append([]byte(g.prefix+"status/"), id[:]...)
}

func (g *Graph) headsKey() []byte {
	return []byte(g.prefix + "heads")
}

// RegisterWatcher adds a watcher and returns a handle for removal.
// Watchers are notified in registration order.
func (g *Graph) RegisterWatcher(w Watcher) int {
	g.watcherMu.Lock()
	defer g.watcherMu.Unlock()
	g.watcherId++
	id := g.watcherId
	g.watchers[id] = w
	g.order = append(g.order, id)
	return id
}

func (g *Graph) UnregisterWatcher(id int) {
	g.watcherMu.Lock()
	defer g.watcherMu.Unlock()
	delete(g.watchers, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *Graph) notify(commit types.Commit, source types.ChangeSource) {
	g.watcherMu.Lock()
	ids := append([]int(nil), g.order...)
	watchers := make([]Watcher, 0, len(ids))
	for _, id := range ids {
		if w, ok := g.watchers[id]; ok {
			watchers = append(watchers, w)
		}
	}
	g.watcherMu.Unlock()

	for _, w := range watchers {
		w(commit, source)
	}
}

// GetCommit loads one commit record.
func (g *Graph) GetCommit(t *coroutine.Task, id types.CommitId) (types.Commit, error) {
	raw, err := coroutine.AwaitGo(t, func() ([]byte, error) {
		return g.kv.Get(g.commitKey(id))
	})
	if errors.Is(err, types.ErrNotFound) {
		return types.Commit{}, fmt.Errorf("commit %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.Commit{}, fmt.Errorf("reading commit %s: %w", id, err)
	}
	commit, err := binaryCoder.BytesToCommit(raw)
	if err != nil {
		return types.Commit{}, fmt.Errorf("%w: commit %s: %v", types.ErrCorruptIndex, id, err)
	}
	return commit, nil
}

// GetHeads returns the current heads in byte-lexicographic id order. A
// page with no commits has no heads.
func (g *Graph) GetHeads(t *coroutine.Task) ([]types.CommitId, error) {
	raw, err := coroutine.AwaitGo(t, func() ([]byte, error) {
		return g.kv.Get(g.headsKey())
	})
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading head index: %w", err)
	}
	heads, err := binaryCoder.BytesToHeads(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: head index: %v", types.ErrCorruptIndex, err)
	}
	return types.SortedCommitIds(heads), nil
}

// CreateCommit builds a local commit on top of parents, persists it and
// notifies watchers. The first commit of a page has no parents and
// generation zero; every later commit must name at least one parent.
func (g *Graph) CreateCommit(t *coroutine.Task, root types.ObjectIdentifier, parents []types.CommitId) (types.Commit, error) {
	var generation uint64
	if len(parents) == 0 {
		heads, err := g.GetHeads(t)
		if err != nil {
			return types.Commit{}, err
		}
		if len(heads) > 0 {
			return types.Commit{}, fmt.Errorf("parentless commit on a page that already has %d head(s)", len(heads))
		}
	} else {
		for _, p := range parents {
			parent, err := g.GetCommit(t, p)
			if err != nil {
				return types.Commit{}, fmt.Errorf("resolving parent: %w", err)
			}
			if parent.Generation+1 > generation {
				generation = parent.Generation + 1
			}
		}
	}

	commit := types.Commit{
		Id:         types.ComputeCommitId(root, parents, generation),
		RootNode:   root,
		Parents:    types.SortedCommitIds(parents),
		Generation: generation,
		Timestamp:  time.Now().UnixMilli(),
	}

	if err := g.AddCommits(t, []types.Commit{commit}, types.SourceLocal); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

// AddCommits stores a batch of commits, updates the head index in the
// same write, and notifies watchers once per new commit in batch order.
// Commits already present are skipped silently, which makes redelivery
// from a sync transport a no-op.
func (g *Graph) AddCommits(t *coroutine.Task, commits []types.Commit, source types.ChangeSource) error {
	type stagedCommit struct {
		commit types.Commit
		raw    []byte
	}

	staged, err := coroutine.AwaitGo(t, func() ([]stagedCommit, error) {
		var fresh []stagedCommit
		inBatch := make(map[types.CommitId]bool, len(commits))

		for _, c := range commits {
			if got := types.ComputeCommitId(c.RootNode, c.Parents, c.Generation); got != c.Id {
				return nil, fmt.Errorf("%w: commit %s id does not match its content", types.ErrCorruptIndex, c.Id)
			}

			_, err := g.kv.Get(g.commitKey(c.Id))
			if err == nil || inBatch[c.Id] {
				continue // known commit, redelivery is a no-op
			}
			if !errors.Is(err, types.ErrNotFound) {
				return nil, fmt.Errorf("checking commit %s: %w", c.Id, err)
			}

			var maxParentGen uint64
			for _, p := range c.Parents {
				if inBatch[p] {
					continue
				}
				raw, err := g.kv.Get(g.commitKey(p))
				if errors.Is(err, types.ErrNotFound) {
					return nil, fmt.Errorf("%w: commit %s needs parent %s", ErrMissingParent, c.Id, p)
				}
				if err != nil {
					return nil, fmt.Errorf("checking parent %s: %w", p, err)
				}
				parent, err := binaryCoder.BytesToCommit(raw)
				if err != nil {
					return nil, fmt.Errorf("%w: parent %s: %v", types.ErrCorruptIndex, p, err)
				}
				if parent.Generation+1 > maxParentGen {
					maxParentGen = parent.Generation + 1
				}
			}
			for _, f := range fresh {
				for _, p := range c.Parents {
					if f.commit.Id == p && f.commit.Generation+1 > maxParentGen {
						maxParentGen = f.commit.Generation + 1
					}
				}
			}
			// Generation is defined exactly: one past the highest parent,
			// zero for a parentless commit. Anything else is forged.
			if c.Generation != maxParentGen {
				return nil, fmt.Errorf("%w: commit %s generation %d, parents require %d",
					types.ErrCorruptIndex, c.Id, c.Generation, maxParentGen)
			}

			inBatch[c.Id] = true
			fresh = append(fresh, stagedCommit{commit: c, raw: binaryCoder.CommitToBytes(c)})
		}

		if len(fresh) == 0 {
			return nil, nil
		}

		heads, err := g.loadHeadsDirect()
		if err != nil {
			return nil, err
		}
		headSet := make(map[types.CommitId]bool, len(heads))
		for _, h := range heads {
			headSet[h] = true
		}
		for _, f := range fresh {
			for _, p := range f.commit.Parents {
				delete(headSet, p)
			}
			headSet[f.commit.Id] = true
		}

		newHeads := make([]types.CommitId, 0, len(headSet))
		for h := range headSet {
			newHeads = append(newHeads, h)
		}
		newHeads = types.SortedCommitIds(newHeads)

		status := types.StatusDurableLocal
		if source != types.SourceLocal {
			status = types.StatusSynced
		}

		batch := g.kv.NewBatch()
		for _, f := range fresh {
			batch.Put(g.commitKey(f.commit.Id), f.raw)
			batch.Put(g.statusKey(f.commit.Id), []byte{byte(status)})
		}
		batch.Put(g.headsKey(), binaryCoder.HeadsToBytes(newHeads))
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("persisting commit batch: %w", err)
		}
		return fresh, nil
	})
	if err != nil {
		return err
	}

	for _, f := range staged {
		g.log.WithFields(logrus.Fields{
			"commit":     f.commit.Id.String()[:16],
			"generation": f.commit.Generation,
			"source":     source.String(),
		}).Debug("commit added")
		g.notify(f.commit, source)
	}
	return nil
}

func (g *Graph) loadHeadsDirect() ([]types.CommitId, error) {
	raw, err := g.kv.Get(g.headsKey())
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return binaryCoder.BytesToHeads(raw)
}

// SyncStatus reports the durability state of a commit.
func (g *Graph) SyncStatus(t *coroutine.Task, id types.CommitId) (types.CommitSyncStatus, error) {
	raw, err := coroutine.AwaitGo(t, func() ([]byte, error) {
		return g.kv.Get(g.statusKey(id))
	})
	if err != nil {
		return 0, fmt.Errorf("reading status of %s: %w", id, err)
	}
	if len(raw) != 1 {
		return 0, fmt.Errorf("%w: status row of %s", types.ErrCorruptIndex, id)
	}
	return types.CommitSyncStatus(raw[0]), nil
}

// MarkSynced upgrades commits to synced. Status never moves backwards:
// a commit already synced stays synced no matter how often it is acked.
func (g *Graph) MarkSynced(t *coroutine.Task, ids []types.CommitId) error {
	_, err := coroutine.AwaitGo(t, func() (struct{}, error) {
		batch := g.kv.NewBatch()
		for _, id := range ids {
			raw, err := g.kv.Get(g.statusKey(id))
			if errors.Is(err, types.ErrNotFound) {
				return struct{}{}, fmt.Errorf("marking unknown commit %s synced: %w", id, types.ErrNotFound)
			}
			if err != nil {
				return struct{}{}, err
			}
			if len(raw) == 1 && types.CommitSyncStatus(raw[0]) >= types.StatusSynced {
				continue
			}
			batch.Put(g.statusKey(id), []byte{byte(types.StatusSynced)})
		}
		return struct{}{}, batch.Commit()
	})
	return err
}

// UnsyncedCommits returns every commit not yet acknowledged by the
// cloud, parents before children so they can be uploaded in order.
func (g *Graph) UnsyncedCommits(t *coroutine.Task) ([]types.Commit, error) {
	ids, err := coroutine.AwaitGo(t, func() ([]types.CommitId, error) {
		statusPrefix := []byte(g.prefix + "status/")
		var pending []types.CommitId
		err := g.kv.IterateFrom(statusPrefix, func(key, value []byte) (bool, error) {
			if !bytes.HasPrefix(key, statusPrefix) {
				return false, nil
			}
			if len(value) == 1 && types.CommitSyncStatus(value[0]) >= types.StatusSynced {
				return true, nil
			}
			id, err := types.DigestFromBytes(key[len(statusPrefix):])
			if err != nil {
				return false, err
			}
			pending = append(pending, types.CommitId(id))
			return true, nil
		})
		return pending, err
	})
	if err != nil {
		return nil, err
	}

	commits := make([]types.Commit, 0, len(ids))
	for _, id := range ids {
		commit, err := g.GetCommit(t, id)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Generation != commits[j].Generation {
			return commits[i].Generation < commits[j].Generation
		}
		return bytes.Compare(commits[i].Id[:], commits[j].Id[:]) < 0
	})
	return commits, nil
}

// CommonAncestor finds the lowest common ancestor of two commits by
// walking parents highest-generation-first. The walk never descends
// below the generation of the best candidate, so its cost is bounded by
// the divergence between the two lines, not the depth of the graph.
func (g *Graph) CommonAncestor(t *coroutine.Task, a, b types.CommitId) (types.Commit, error) {
	if a == b {
		return g.GetCommit(t, a)
	}

	sideA := map[types.CommitId]bool{a: true}
	sideB := map[types.CommitId]bool{b: true}

	frontier := map[types.CommitId]types.Commit{}
	for _, id := range []types.CommitId{a, b} {
		commit, err := g.GetCommit(t, id)
		if err != nil {
			return types.Commit{}, err
		}
		frontier[id] = commit
	}

	for len(frontier) > 0 {
		// Expand the highest-generation frontier commit; ties broken by
		// id so the walk is deterministic.
		var pick types.CommitId
		first := true
		for id, c := range frontier {
			if first {
				pick = id
				first = false
				continue
			}
			p := frontier[pick]
			if c.Generation > p.Generation ||
				(c.Generation == p.Generation && bytes.Compare(id[:], pick[:]) < 0) {
				pick = id
			}
		}

		current := frontier[pick]
		delete(frontier, pick)

		for _, parentId := range current.Parents {
			fromA := sideA[current.Id]
			fromB := sideB[current.Id]
			if fromA {
				sideA[parentId] = true
			}
			if fromB {
				sideB[parentId] = true
			}
			if sideA[parentId] && sideB[parentId] {
				return g.GetCommit(t, parentId)
			}
			if _, queued := frontier[parentId]; !queued {
				parent, err := g.GetCommit(t, parentId)
				if err != nil {
					return types.Commit{}, err
				}
				frontier[parentId] = parent
			}
		}
	}

	return types.Commit{}, fmt.Errorf("%w: commits %s and %s share no ancestor", types.ErrCorruptIndex, a, b)
}
