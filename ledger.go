// Package ouroboros is the embeddable page store: content-addressed
// object storage, versioned per-page B-trees, a commit DAG and optional
// multi-device synchronization, all driven by one cooperative dispatch
// thread.
package ouroboros

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-ledger/internal/binaryCoder"
	"github.com/i5heu/ouroboros-ledger/internal/btree"
	"github.com/i5heu/ouroboros-ledger/internal/commitgraph"
	"github.com/i5heu/ouroboros-ledger/internal/encryption"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/internal/objectstore"
	"github.com/i5heu/ouroboros-ledger/internal/syncer"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
)

type Ledger struct {
	kv     keyValStore.Store
	store  *objectstore.Store
	d      *coroutine.Dispatcher
	log    *logrus.Logger
	config Config

	mu     sync.Mutex
	pages  map[string]*Page
	gcStop chan struct{}
	gcDone chan struct{}
	closed bool
}

// New opens a ledger instance over the configured storage.
func New(conf Config) (*Ledger, error) {
	if err := conf.applyDefaults(); err != nil {
		return nil, err
	}

	var kv keyValStore.Store
	var enc encryption.Service
	if conf.InMemory {
		kv = keyValStore.NewMemoryStore()
		enc = encryption.Passthrough{}
	} else {
		store, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            conf.Paths,
			MinimumFreeSpace: conf.MinimumFreeGB,
			Logger:           conf.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening key-value store: %w", err)
		}
		kv = store

		enc, err = encryption.NewFromKeyFile(conf.EncryptionKeyFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("loading storage key: %w", err)
		}
	}

	l := &Ledger{
		kv:     kv,
		store:  objectstore.New(kv, enc, conf.Logger),
		d:      coroutine.NewDispatcher(conf.Logger),
		log:    conf.Logger,
		config: conf,
		pages:  make(map[string]*Page),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	go l.garbageCollectionLoop()
	return l, nil
}

// Close tears down all open pages, cancels outstanding tasks and closes
// the underlying store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	open := make([]*Page, 0, len(l.pages))
	for _, p := range l.pages {
		open = append(open, p)
	}
	l.mu.Unlock()

	close(l.gcStop)
	<-l.gcDone
	for _, p := range open {
		p.Close()
	}
	l.d.Close()
	return l.kv.Close()
}

func (l *Ledger) garbageCollectionLoop() {
	defer close(l.gcDone)
	if l.config.GarbageCollectionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.config.GarbageCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := l.SweepNow(); err != nil {
				l.log.Warnf("garbage collection failed: %v", err)
			}
		case <-l.gcStop:
			return
		}
	}
}

// SweepNow reclaims every piece not reachable from any commit of any
// page and not held live by a token. Returns the number of pieces
// removed.
func (l *Ledger) SweepNow() (int, error) {
	deleted := 0
	err := l.d.RunBlocking("gc-sweep", func(t *coroutine.Task) error {
		roots, err := l.commitRoots(t)
		if err != nil {
			return err
		}
		reachable, err := l.store.ReachableFrom(t, roots)
		if err != nil {
			return err
		}
		deleted, err = l.store.Sweep(t, reachable)
		return err
	})
	if err != nil {
		return 0, err
	}

	if cleaner, ok := l.kv.(interface{ Clean() error }); ok {
		if err := cleaner.Clean(); err != nil {
			l.log.Warnf("store compaction after sweep: %v", err)
		}
	}
	return deleted, nil
}

// commitRoots collects the tree roots of every commit of every page,
// open or not.
func (l *Ledger) commitRoots(t *coroutine.Task) ([]types.ObjectIdentifier, error) {
	return coroutine.AwaitGo(t, func() ([]types.ObjectIdentifier, error) {
		var roots []types.ObjectIdentifier
		pagePrefix := []byte("page/")
		err := l.kv.IterateFrom(pagePrefix, func(key, value []byte) (bool, error) {
			if !bytes.HasPrefix(key, pagePrefix) {
				return false, nil
			}
			if !bytes.Contains(key, []byte("/commit/")) {
				return true, nil
			}
			commit, err := binaryCoder.BytesToCommit(value)
			if err != nil {
				return false, err
			}
			roots = append(roots, commit.RootNode)
			return true, nil
		})
		return roots, err
	})
}

// Page is one independently versioned key-value namespace.
type Page struct {
	name   string
	ledger *Ledger
	tree   *btree.Tree
	graph  *commitgraph.Graph
	coord  *syncer.Coordinator

	mu       sync.Mutex
	closed   bool
	watchers []int
}

// The sync transport seam, re-exported so engines for real backends can
// be implemented outside this module against the public API alone.
type (
	SyncEngine    = syncer.Engine
	PieceRecord   = syncer.PieceRecord
	SyncCallbacks = syncer.Callbacks
	SyncState     = syncer.SyncState
	MemoryHub     = syncer.MemoryHub
)

// NewMemoryCloud returns an in-process stand-in for the cloud backend,
// shared by every device that connects to it.
func NewMemoryCloud() *MemoryHub { return syncer.NewMemoryCloud() }

// NewMemoryMesh returns an in-process stand-in for the p2p mesh.
func NewMemoryMesh() *MemoryHub { return syncer.NewMemoryMesh() }

// PageOptions configures sync for an opened page. A page without
// engines is local-only.
type PageOptions struct {
	Engines   []SyncEngine
	Callbacks SyncCallbacks
}

// OpenPage opens or creates a page. Opening the same name twice returns
// the same instance until it is closed.
func (l *Ledger) OpenPage(name string, opts PageOptions) (*Page, error) {
	// Page names become row-key segments; a separator inside the name
	// would collide with another page's commit and head rows.
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid page name %q", name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("ledger is closed")
	}
	if p, ok := l.pages[name]; ok {
		return p, nil
	}

	p := &Page{
		name:   name,
		ledger: l,
		tree:   btree.New(l.store, l.log),
		graph:  commitgraph.New(l.kv, name, l.log),
	}
	if len(opts.Engines) > 0 {
		p.coord = syncer.New(l.d, l.store, p.tree, p.graph, opts.Engines, opts.Callbacks, l.log)
		p.coord.Start()
	}
	l.pages[name] = p
	return p, nil
}

// Close detaches the page: sync stops, watchers are dropped and pending
// work is abandoned at its next suspension point. Page data stays on
// disk and can be reopened.
func (p *Page) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	watchers := p.watchers
	p.watchers = nil
	p.mu.Unlock()

	if p.coord != nil {
		p.coord.Stop()
	}
	for _, id := range watchers {
		p.graph.UnregisterWatcher(id)
	}

	p.ledger.mu.Lock()
	delete(p.ledger.pages, p.name)
	p.ledger.mu.Unlock()
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Put writes key with an eagerly synchronized value.
func (p *Page) Put(key, value []byte) error {
	return p.PutWithPriority(key, value, types.PriorityEager)
}

// PutWithPriority writes key. Lazy values are skipped during commit
// download on other devices and fetched on their first read.
func (p *Page) PutWithPriority(key, value []byte, priority types.Priority) error {
	if p.isClosed() {
		return fmt.Errorf("page %s is closed", p.name)
	}
	return p.ledger.d.RunBlocking("page-put", func(t *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, parents, err := p.currentRoot(t, &bag)
		if err != nil {
			return err
		}

		valueId, valueToken, err := p.ledger.store.PutValue(t, value)
		if err != nil {
			return err
		}
		bag.Add(valueToken)

		root, err = p.tree.Put(t, &bag, root, key, valueId, priority)
		if err != nil {
			return err
		}
		_, err = p.graph.CreateCommit(t, root, parents)
		return err
	})
}

// Delete removes key. Deleting an absent key fails with ErrNotFound.
func (p *Page) Delete(key []byte) error {
	if p.isClosed() {
		return fmt.Errorf("page %s is closed", p.name)
	}
	return p.ledger.d.RunBlocking("page-delete", func(t *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, parents, err := p.currentRoot(t, &bag)
		if err != nil {
			return err
		}
		root, err = p.tree.Delete(t, &bag, root, key)
		if err != nil {
			return err
		}
		_, err = p.graph.CreateCommit(t, root, parents)
		return err
	})
}

// Get reads the value of key at the current head. A lazy value that was
// never downloaded is fetched from a sync transport on this first read.
func (p *Page) Get(key []byte) ([]byte, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("page %s is closed", p.name)
	}
	var value []byte
	err := p.ledger.d.RunBlocking("page-get", func(t *coroutine.Task) error {
		var bag objectstore.TokenBag
		defer bag.ReleaseAll()

		root, _, err := p.currentRoot(t, &bag)
		if err != nil {
			return err
		}
		entry, err := p.tree.Get(t, root, key)
		if err != nil {
			return err
		}

		value, err = p.ledger.store.GetValue(t, entry.Value)
		if errors.Is(err, types.ErrNotFound) && p.coord != nil {
			if err := p.materialize(t, entry.Value); err != nil {
				return err
			}
			value, err = p.ledger.store.GetValue(t, entry.Value)
		}
		return err
	})
	return value, err
}

// materialize pulls a value piece and everything it references from a
// sync transport into the local store.
func (p *Page) materialize(t *coroutine.Task, oi types.ObjectIdentifier) error {
	piece, err := p.coord.EnsurePiece(t, oi)
	if err != nil {
		return err
	}
	for _, ref := range piece.References {
		if err := p.materialize(t, ref); err != nil {
			return err
		}
	}
	return nil
}

// currentRoot resolves the tree root to build on: the single head's
// root, an empty tree for a fresh page, or the merge of divergent heads.
func (p *Page) currentRoot(t *coroutine.Task, bag *objectstore.TokenBag) (types.ObjectIdentifier, []types.CommitId, error) {
	heads, err := p.graph.GetHeads(t)
	if err != nil {
		return types.ObjectIdentifier{}, nil, err
	}

	switch len(heads) {
	case 0:
		root, err := p.tree.EmptyRoot(t, bag)
		return root, nil, err
	case 1:
		head, err := p.graph.GetCommit(t, heads[0])
		if err != nil {
			return types.ObjectIdentifier{}, nil, err
		}
		return head.RootNode, heads, nil
	default:
		// Divergent heads not yet reconciled by sync: fold them into one
		// merged tree and parent the new commit on all of them.
		left, err := p.graph.GetCommit(t, heads[0])
		if err != nil {
			return types.ObjectIdentifier{}, nil, err
		}
		root := left.RootNode
		for _, other := range heads[1:] {
			right, err := p.graph.GetCommit(t, other)
			if err != nil {
				return types.ObjectIdentifier{}, nil, err
			}
			ancestor, err := p.graph.CommonAncestor(t, left.Id, right.Id)
			if err != nil {
				return types.ObjectIdentifier{}, nil, err
			}
			root, err = p.tree.Merge(t, bag, ancestor.RootNode, root, right.RootNode)
			if err != nil {
				return types.ObjectIdentifier{}, nil, err
			}
		}
		return root, heads, nil
	}
}

// Watch registers fn for every commit that lands on this page, local or
// remote. fn runs synchronously on the dispatch thread and must not
// block.
func (p *Page) Watch(fn commitgraph.Watcher) {
	id := p.graph.RegisterWatcher(fn)
	p.mu.Lock()
	p.watchers = append(p.watchers, id)
	p.mu.Unlock()
}

// Heads returns the current head commits of the page.
func (p *Page) Heads() ([]types.CommitId, error) {
	var heads []types.CommitId
	err := p.ledger.d.RunBlocking("page-heads", func(t *coroutine.Task) error {
		var err error
		heads, err = p.graph.GetHeads(t)
		return err
	})
	return heads, err
}

// SyncState reports the coordinator's state; a local-only page is
// always idle with its backlog trivially downloaded.
func (p *Page) SyncState() SyncState {
	if p.coord == nil {
		heads, _ := p.Heads()
		return SyncState{LocalHeads: heads, BacklogDownloaded: true, Idle: true}
	}
	return p.coord.State()
}
