package syncer

import (
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// MemoryHub is an in-process remote shared by several devices: a
// MemoryHub with a cloud source stands in for the cloud backend, one
// with a p2p source for the mesh. Each device connects its own Engine;
// a publish from one device is delivered to all others.
type MemoryHub struct {
	source types.ChangeSource

	mu      sync.Mutex
	commits []types.Commit
	known   map[types.CommitId]bool
	pieces  map[types.Digest]PieceRecord
	conns   map[int]*memoryEngine
	nextId  int
}

func NewMemoryCloud() *MemoryHub {
	return newMemoryHub(types.SourceCloudSync)
}

func NewMemoryMesh() *MemoryHub {
	return newMemoryHub(types.SourceP2PSync)
}

func newMemoryHub(source types.ChangeSource) *MemoryHub {
	return &MemoryHub{
		source: source,
		known:  make(map[types.CommitId]bool),
		pieces: make(map[types.Digest]PieceRecord),
		conns:  make(map[int]*memoryEngine),
	}
}

// Connect attaches one device to the hub.
func (h *MemoryHub) Connect() Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextId++
	e := &memoryEngine{hub: h, id: h.nextId}
	h.conns[e.id] = e
	return e
}

// CommitCount reports how many distinct commits the remote holds.
func (h *MemoryHub) CommitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.commits)
}

type memoryEngine struct {
	hub *MemoryHub
	id  int

	mu      sync.Mutex
	deliver func([]types.Commit, []PieceRecord)
	closed  bool
}

func (e *memoryEngine) Source() types.ChangeSource {
	return e.hub.source
}

func (e *memoryEngine) Backlog() ([]types.Commit, []PieceRecord, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	commits := append([]types.Commit(nil), h.commits...)
	pieces := make([]PieceRecord, 0, len(h.pieces))
	for _, p := range h.pieces {
		pieces = append(pieces, p)
	}
	return commits, pieces, nil
}

func (e *memoryEngine) Publish(commits []types.Commit, pieces []PieceRecord) error {
	h := e.hub
	h.mu.Lock()

	for _, c := range commits {
		if h.known[c.Id] {
			continue
		}
		h.known[c.Id] = true
		h.commits = append(h.commits, c)
	}
	for _, p := range pieces {
		h.pieces[p.Digest] = p
	}

	var targets []*memoryEngine
	for id, conn := range h.conns {
		if id != e.id {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	if len(commits) == 0 {
		return nil
	}
	// At-least-once delivery: every publish is forwarded as-is, including
	// commits the hub already knew. Receivers must tolerate redelivery.
	for _, target := range targets {
		target.mu.Lock()
		fn := target.deliver
		closed := target.closed
		target.mu.Unlock()
		if fn != nil && !closed {
			// Off the publisher's call stack, like a network delivery.
			go fn(commits, pieces)
		}
	}
	return nil
}

func (e *memoryEngine) Watch(fn func([]types.Commit, []PieceRecord)) {
	e.mu.Lock()
	e.deliver = fn
	e.mu.Unlock()
}

func (e *memoryEngine) FetchPiece(digest types.Digest) (PieceRecord, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pieces[digest]
	if !ok {
		return PieceRecord{}, fmt.Errorf("piece %s: %w", digest, types.ErrNotFound)
	}
	return p, nil
}

func (e *memoryEngine) Close() {
	e.mu.Lock()
	e.deliver = nil
	e.closed = true
	e.mu.Unlock()

	h := e.hub
	h.mu.Lock()
	delete(h.conns, e.id)
	h.mu.Unlock()
}
