// Package syncer reconciles a page's local commit graph against remote
// devices over two independent transports, a cloud backend and a
// peer-to-peer mesh. The coordinator downloads each transport's backlog,
// ingests deliveries, uploads unsynced local commits, and resolves
// divergent heads with deterministic three-way merges so every device
// converges on the same history.
package syncer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-ledger/internal/binaryCoder"
	"github.com/i5heu/ouroboros-ledger/internal/btree"
	"github.com/i5heu/ouroboros-ledger/internal/commitgraph"
	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
)

// SyncState is the externally visible condition of a page's sync.
type SyncState struct {
	LocalHeads        []types.CommitId
	KnownRemoteHeads  []types.CommitId
	BacklogDownloaded bool
	Idle              bool
	Unrecoverable     bool
}

// Callbacks are the coordinator's outward signals. All of them fire off
// the dispatch thread and must not call back into the coordinator
// synchronously.
type Callbacks struct {
	// OnIdle fires whenever both transports have finished their backlog
	// and no upload, download or merge is in flight.
	OnIdle func()
	// OnBacklogDownloaded fires once, after every transport delivered
	// its backlog.
	OnBacklogDownloaded func()
	// OnUnrecoverableError fires when a transport fails permanently.
	// Sync stops; local reads and writes continue unaffected.
	OnUnrecoverableError func(error)
}

type Coordinator struct {
	d       *coroutine.Dispatcher
	store   *objectstore.Store
	tree    *btree.Tree
	graph   *commitgraph.Graph
	log     *logrus.Logger
	engines []Engine
	cb      Callbacks

	mu            sync.Mutex
	stateWatchers []func(SyncState)
	localHeads    map[types.CommitId]bool
	remoteHeads   map[types.CommitId]bool
	tasks         map[*coroutine.Task]struct{}
	pendingOps    int
	backlogsDone  int
	backlogFired  bool
	idle          bool
	unrecoverable bool
	stopped       bool
	watcherHandle int
}

func New(d *coroutine.Dispatcher, store *objectstore.Store, tree *btree.Tree, graph *commitgraph.Graph, engines []Engine, cb Callbacks, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		d:           d,
		store:       store,
		tree:        tree,
		graph:       graph,
		log:         logger,
		engines:     engines,
		cb:          cb,
		localHeads:  make(map[types.CommitId]bool),
		remoteHeads: make(map[types.CommitId]bool),
		tasks:       make(map[*coroutine.Task]struct{}),
	}
}

// Start begins backlog download on every transport and hooks the commit
// graph so local commits are uploaded as they appear.
func (c *Coordinator) Start() {
	c.watcherHandle = c.graph.RegisterWatcher(func(commit types.Commit, source types.ChangeSource) {
		c.mu.Lock()
		for _, p := range commit.Parents {
			delete(c.localHeads, p)
		}
		c.localHeads[commit.Id] = true
		c.mu.Unlock()

		// Watchers must not block; the upload is queued, not performed.
		if source == types.SourceLocal {
			c.scheduleUpload()
		}
	})

	for _, engine := range c.engines {
		engine := engine
		c.begin()
		c.spawn(fmt.Sprintf("sync-backlog-%s", engine.Source()), func(t *coroutine.Task) error {
			defer c.end()
			defer c.backlogDone()

			type backlog struct {
				commits []types.Commit
				pieces  []PieceRecord
			}
			got, err := coroutine.AwaitGo(t, func() (backlog, error) {
				commits, pieces, err := engine.Backlog()
				return backlog{commits: commits, pieces: pieces}, err
			})
			if errors.Is(err, coroutine.ErrCancelled) {
				return err
			}
			if err != nil {
				c.transportError(engine, err)
				return err
			}

			if err := c.ingest(t, got.commits, got.pieces, engine.Source()); err != nil {
				return err
			}

			engine.Watch(func(commits []types.Commit, pieces []PieceRecord) {
				c.scheduleIngest(engine, commits, pieces)
			})
			// Local commits created before sync started still need to go out.
			c.scheduleUpload()
			return nil
		})
	}
}

// spawn runs fn as a tracked task so Stop can cancel it. A task spawned
// after Stop is cancelled before it runs.
func (c *Coordinator) spawn(name string, fn func(t *coroutine.Task) error) {
	task := c.d.Spawn(name, func(t *coroutine.Task) error {
		defer func() {
			c.mu.Lock()
			delete(c.tasks, t)
			c.mu.Unlock()
		}()
		return fn(t)
	})

	c.mu.Lock()
	stopped := c.stopped
	if !stopped {
		c.tasks[task] = struct{}{}
	}
	c.mu.Unlock()
	if stopped {
		task.Cancel()
	}
}

// Stop detaches from the graph and the transports and cancels every
// in-flight sync task. A cancelled task unwinds at its next suspension
// point without touching the page again.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	live := make([]*coroutine.Task, 0, len(c.tasks))
	for t := range c.tasks {
		live = append(live, t)
	}
	c.tasks = make(map[*coroutine.Task]struct{})
	c.mu.Unlock()

	c.graph.UnregisterWatcher(c.watcherHandle)
	for _, t := range live {
		t.Cancel()
	}
	for _, engine := range c.engines {
		engine.Close()
	}
}

// IsIdle is true only when both transports finished their backlog and
// nothing is queued, in flight or waiting to merge.
func (c *Coordinator) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// State returns a snapshot of the current sync condition.
func (c *Coordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// WatchSyncState registers fn for state snapshots. It fires on every
// idle transition, backlog completion and head change.
func (c *Coordinator) WatchSyncState(fn func(SyncState)) {
	c.mu.Lock()
	c.stateWatchers = append(c.stateWatchers, fn)
	c.mu.Unlock()
}

func (c *Coordinator) snapshotLocked() SyncState {
	heads := make([]types.CommitId, 0, len(c.localHeads))
	for h := range c.localHeads {
		heads = append(heads, h)
	}
	remote := make([]types.CommitId, 0, len(c.remoteHeads))
	for h := range c.remoteHeads {
		remote = append(remote, h)
	}
	return SyncState{
		LocalHeads:        types.SortedCommitIds(heads),
		KnownRemoteHeads:  types.SortedCommitIds(remote),
		BacklogDownloaded: c.backlogsDone == len(c.engines),
		Idle:              c.idle,
		Unrecoverable:     c.unrecoverable,
	}
}

func (c *Coordinator) notifyState() {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	watchers := append([]func(SyncState){}, c.stateWatchers...)
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(snapshot)
	}
}

// begin/end bracket every unit of sync work; the idle signal fires when
// the last unit ends after all backlogs arrived.
func (c *Coordinator) begin() {
	c.mu.Lock()
	c.pendingOps++
	c.idle = false
	c.mu.Unlock()
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.pendingOps--
	becameIdle := c.pendingOps == 0 && c.backlogsDone == len(c.engines) && !c.unrecoverable
	c.idle = becameIdle
	onIdle := c.cb.OnIdle
	c.mu.Unlock()

	if becameIdle {
		if onIdle != nil {
			onIdle()
		}
		c.notifyState()
	}
}

func (c *Coordinator) backlogDone() {
	c.mu.Lock()
	c.backlogsDone++
	fire := c.backlogsDone == len(c.engines) && !c.backlogFired
	if fire {
		c.backlogFired = true
	}
	onBacklog := c.cb.OnBacklogDownloaded
	c.mu.Unlock()

	if fire {
		if onBacklog != nil {
			onBacklog()
		}
		c.notifyState()
	}
}

// transportError classifies a transport failure. Transient errors are
// the transport's own business to retry; only a permanent failure stops
// the coordinator.
func (c *Coordinator) transportError(engine Engine, err error) {
	if !errors.Is(err, types.ErrSyncUnrecoverable) {
		c.log.WithFields(logrus.Fields{
			"transport": engine.Source().String(),
		}).Warnf("transient sync failure: %v", err)
		return
	}

	c.mu.Lock()
	already := c.unrecoverable
	c.unrecoverable = true
	onFatal := c.cb.OnUnrecoverableError
	c.mu.Unlock()

	if already {
		return
	}
	c.log.WithFields(logrus.Fields{
		"transport": engine.Source().String(),
	}).Errorf("sync permanently failed: %v", err)
	if onFatal != nil {
		onFatal(err)
	}
	c.notifyState()
}

func (c *Coordinator) syncDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unrecoverable || c.stopped
}

func (c *Coordinator) scheduleIngest(engine Engine, commits []types.Commit, pieces []PieceRecord) {
	if c.syncDisabled() {
		return
	}
	c.begin()
	c.spawn(fmt.Sprintf("sync-ingest-%s", engine.Source()), func(t *coroutine.Task) error {
		defer c.end()

		err := c.ingest(t, commits, pieces, engine.Source())
		if !errors.Is(err, commitgraph.ErrMissingParent) {
			return err
		}

		// Deliveries can overtake each other on the wire. When a commit
		// arrives before its parent, re-pull the full backlog, which is
		// always parent-ordered.
		type backlog struct {
			commits []types.Commit
			pieces  []PieceRecord
		}
		got, err := coroutine.AwaitGo(t, func() (backlog, error) {
			commits, pieces, err := engine.Backlog()
			return backlog{commits: commits, pieces: pieces}, err
		})
		if errors.Is(err, coroutine.ErrCancelled) {
			return err
		}
		if err != nil {
			c.transportError(engine, err)
			return err
		}
		return c.ingest(t, got.commits, got.pieces, engine.Source())
	})
}

// ingest stores delivered pieces, inserts the commits and reconciles
// heads. Re-delivered commits are dropped inside AddCommits without
// notifying anyone.
func (c *Coordinator) ingest(t *coroutine.Task, commits []types.Commit, pieces []PieceRecord, source types.ChangeSource) error {
	if len(commits) == 0 || c.syncDisabled() {
		return nil
	}

	c.mu.Lock()
	for _, commit := range commits {
		for _, p := range commit.Parents {
			delete(c.remoteHeads, p)
		}
		c.remoteHeads[commit.Id] = true
	}
	c.mu.Unlock()

	var bag objectstore.TokenBag
	defer bag.ReleaseAll()

	for _, p := range pieces {
		_, token, err := c.store.Put(t, p.Content, p.References)
		if err != nil {
			return fmt.Errorf("storing delivered piece %s: %w", p.Digest, err)
		}
		bag.Add(token)
	}

	if err := c.graph.AddCommits(t, commits, source); err != nil {
		c.log.Warnf("rejecting %s delivery: %v", source, err)
		return err
	}
	c.notifyState()

	return c.reconcile(t)
}

// reconcile merges divergent heads pairwise until one remains. Both
// sides of a divergence run the identical deterministic merge, so the
// merge commit has the same id on every device and deduplicates when it
// arrives over a transport.
func (c *Coordinator) reconcile(t *coroutine.Task) error {
	for {
		if c.syncDisabled() {
			return nil
		}
		heads, err := c.graph.GetHeads(t)
		if err != nil {
			return err
		}
		if len(heads) <= 1 {
			return nil
		}

		left, err := c.graph.GetCommit(t, heads[0])
		if err != nil {
			return err
		}
		right, err := c.graph.GetCommit(t, heads[1])
		if err != nil {
			return err
		}
		ancestor, err := c.graph.CommonAncestor(t, left.Id, right.Id)
		if err != nil {
			return err
		}

		var bag objectstore.TokenBag
		mergedRoot, err := c.tree.Merge(t, &bag, ancestor.RootNode, left.RootNode, right.RootNode)
		if err != nil {
			bag.ReleaseAll()
			return fmt.Errorf("merging heads %s and %s: %w", left.Id, right.Id, err)
		}

		merge, err := c.graph.CreateCommit(t, mergedRoot, []types.CommitId{left.Id, right.Id})
		bag.ReleaseAll()
		if err != nil {
			return err
		}

		c.log.WithFields(logrus.Fields{
			"merge":      merge.Id.String()[:16],
			"generation": merge.Generation,
		}).Info("created merge commit for divergent heads")
	}
}

func (c *Coordinator) scheduleUpload() {
	if c.syncDisabled() {
		return
	}
	c.begin()
	c.spawn("sync-upload", func(t *coroutine.Task) error {
		defer c.end()
		if c.syncDisabled() {
			return nil
		}
		return c.upload(t)
	})
}

// upload publishes every unsynced commit, with all pieces reachable from
// its root, to every transport. One acknowledgement is enough to mark a
// commit synced.
func (c *Coordinator) upload(t *coroutine.Task) error {
	commits, err := c.graph.UnsyncedCommits(t)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}

	roots := make([]types.ObjectIdentifier, 0, len(commits))
	for _, commit := range commits {
		roots = append(roots, commit.RootNode)
	}
	reachable, err := c.store.ReachableFrom(t, roots)
	if err != nil {
		return err
	}

	pieces := make([]PieceRecord, 0, len(reachable))
	for digest := range reachable {
		piece, err := c.store.Get(t, types.ObjectIdentifier{Digest: digest, DeletionScope: types.ScopePage})
		if errors.Is(err, types.ErrNotFound) {
			continue // lazily fetched content we never downloaded
		}
		if err != nil {
			return err
		}
		pieces = append(pieces, PieceRecord{
			Digest:     piece.Digest,
			Content:    piece.Content,
			References: piece.References,
		})
	}

	ids := make([]types.CommitId, 0, len(commits))
	for _, commit := range commits {
		ids = append(ids, commit.Id)
	}

	acked := false
	for _, engine := range c.engines {
		engine := engine
		_, err := coroutine.AwaitGo(t, func() (struct{}, error) {
			return struct{}{}, engine.Publish(commits, pieces)
		})
		if err != nil {
			c.transportError(engine, err)
			continue
		}
		acked = true
	}
	if !acked {
		return nil // nothing confirmed durability, try again on the next change
	}

	c.mu.Lock()
	for _, commit := range commits {
		for _, p := range commit.Parents {
			delete(c.remoteHeads, p)
		}
		c.remoteHeads[commit.Id] = true
	}
	c.mu.Unlock()

	return c.graph.MarkSynced(t, ids)
}

// EnsurePiece makes a piece locally available, fetching it from a
// transport when the local store misses it. This is how lazy values are
// materialized on first read.
func (c *Coordinator) EnsurePiece(t *coroutine.Task, oi types.ObjectIdentifier) (types.Piece, error) {
	piece, err := c.store.Get(t, oi)
	if err == nil {
		return piece, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Piece{}, err
	}

	for _, engine := range c.engines {
		engine := engine
		record, fetchErr := coroutine.AwaitGo(t, func() (PieceRecord, error) {
			return engine.FetchPiece(oi.Digest)
		})
		if errors.Is(fetchErr, coroutine.ErrCancelled) {
			return types.Piece{}, fetchErr
		}
		if fetchErr != nil {
			continue
		}
		// A transport can hand back bytes that do not hash to the
		// requested digest. Verify before storing and keep trying the
		// remaining transports on a mismatch.
		envelope := binaryCoder.PieceToBytes(record.Content, record.References)
		if types.DigestOf(envelope) != oi.Digest {
			c.log.WithFields(logrus.Fields{
				"transport": engine.Source().String(),
			}).Warnf("fetched piece %s does not match its digest", oi.Digest)
			continue
		}
		_, token, putErr := c.store.Put(t, record.Content, record.References)
		if putErr != nil {
			return types.Piece{}, putErr
		}
		piece, err = c.store.Get(t, oi)
		token.Release()
		return piece, err
	}
	return types.Piece{}, fmt.Errorf("piece %s not available locally or remotely: %w", oi.Digest, types.ErrNotFound)
}
