package objectstore

import (
	"sync"

	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/oklog/ulid/v2"
)

// Token proves that one ObjectIdentifier instance is still held by some
// in-memory owner. While any token for a digest-scope pair is live, the
// sweep must not reclaim the piece.
type Token struct {
	id         ulid.ULID
	identifier types.ObjectIdentifier
	registry   *tokenRegistry
	released   bool
}

func (t *Token) Identifier() types.ObjectIdentifier {
	return t.identifier
}

// Release drops the token. Releasing twice is a no-op.
func (t *Token) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.registry.drop(t)
}

// TokenBag collects the tokens of a multi-piece operation, for example
// one B-tree mutation that rewrites a whole path of nodes. The bag keeps
// every piece live until the operation's outcome is anchored in a commit,
// then releases them all at once.
type TokenBag struct {
	tokens []*Token
}

func (b *TokenBag) Add(t *Token) {
	if t != nil {
		b.tokens = append(b.tokens, t)
	}
}

func (b *TokenBag) ReleaseAll() {
	for _, t := range b.tokens {
		t.Release()
	}
	b.tokens = nil
}

type scopedDigest struct {
	digest types.Digest
	scope  types.DeletionScopeId
}

// tokenRegistry tracks live tokens per digest-scope pair. Liveness is
// looked up, not counted, so a restarted holder cannot leave a stale
// count behind.
type tokenRegistry struct {
	mu   sync.Mutex
	live map[scopedDigest]map[ulid.ULID]*Token
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{
		live: make(map[scopedDigest]map[ulid.ULID]*Token),
	}
}

func (r *tokenRegistry) issue(oi types.ObjectIdentifier) *Token {
	t := &Token{
		id:         ulid.Make(),
		identifier: oi,
		registry:   r,
	}

	key := scopedDigest{digest: oi.Digest, scope: oi.DeletionScope}
	r.mu.Lock()
	holders, ok := r.live[key]
	if !ok {
		holders = make(map[ulid.ULID]*Token)
		r.live[key] = holders
	}
	holders[t.id] = t
	r.mu.Unlock()

	return t
}

func (r *tokenRegistry) drop(t *Token) {
	key := scopedDigest{digest: t.identifier.Digest, scope: t.identifier.DeletionScope}
	r.mu.Lock()
	if holders, ok := r.live[key]; ok {
		delete(holders, t.id)
		if len(holders) == 0 {
			delete(r.live, key)
		}
	}
	r.mu.Unlock()
}

// anyLive reports whether any token for the digest is live in any scope.
func (r *tokenRegistry) anyLive(digest types.Digest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, holders := range r.live {
		if key.digest == digest && len(holders) > 0 {
			return true
		}
	}
	return false
}
