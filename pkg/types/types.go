// Package types holds the identity primitives and shared records of the
// page store: digests, object identifiers, B-tree entries and commits.
package types

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key, piece or commit does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorruptIndex is returned when stored data fails verification:
	// a digest mismatch, an undecodable record or a broken invariant.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrSyncUnrecoverable is wrapped by transport errors that no retry
	// can fix. Sync stops for the page; local operations continue.
	ErrSyncUnrecoverable = errors.New("unrecoverable sync error")
	// ErrIO wraps failures of the underlying key-value store.
	ErrIO = errors.New("storage io error")
)

// Digest is the SHA-512 content hash of a stored piece. Equal content
// always produces an equal digest; it is the dedup and lookup key.
type Digest [64]byte

func DigestOf(content []byte) Digest {
	return sha512.Sum512(content)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Less orders digests byte-lexicographically. Used as the deterministic
// merge tie-break, so it must compare identically on every device.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return Digest{}, fmt.Errorf("invalid byte length for Digest: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// KeyIndex distinguishes multiple logical references to the same content
// within one owner, so they can be tracked and reclaimed independently.
type KeyIndex uint32

// DeletionScopeId tags an identifier with the scope garbage collection
// operates on. Reclamation is scoped, never global.
type DeletionScopeId uint32

const (
	// ScopePage is the default deletion scope: content lives as long as
	// some commit of the page can reach it.
	ScopePage DeletionScopeId = iota
	// ScopeTransient marks content owned only by an in-flight operation.
	ScopeTransient
)

// ObjectIdentifier is one logical reference to a piece. Two identifiers
// with the same digest denote bit-identical content. Identifiers are
// immutable once created.
type ObjectIdentifier struct {
	Digest        Digest
	KeyIndex      KeyIndex
	DeletionScope DeletionScopeId
}

func (oi ObjectIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%d", oi.Digest.String()[:16], oi.KeyIndex, oi.DeletionScope)
}

func (oi ObjectIdentifier) IsZero() bool {
	return oi.Digest.IsZero()
}

// Piece is an immutable stored byte blob plus the identifiers of the
// pieces it references (tree-node children, chunk lists). A piece is
// stored once per unique digest regardless of how many owners exist.
type Piece struct {
	Digest     Digest
	Content    []byte
	References []ObjectIdentifier
}

// Priority controls when a value's content is fetched from a remote:
// eager values are downloaded with the commit that references them, lazy
// values only on first access.
type Priority uint8

const (
	PriorityEager Priority = iota
	PriorityLazy
)

func (p Priority) String() string {
	switch p {
	case PriorityEager:
		return "eager"
	case PriorityLazy:
		return "lazy"
	}
	return "unknown"
}

// Entry is one key/value pair of a page's B-tree.
type Entry struct {
	Key      []byte
	Value    ObjectIdentifier
	Priority Priority
}

// CommitId identifies a commit. It is derived from the commit's content,
// so the same logical commit created on two devices has the same id.
type CommitId Digest

func (c CommitId) String() string {
	return Digest(c).String()
}

func (c CommitId) IsZero() bool {
	return Digest(c).IsZero()
}

// Commit is an immutable snapshot record of a page: the B-tree root the
// page contents hang off, the parent commit(s) it descends from, and a
// generation counter one above the highest parent generation.
type Commit struct {
	Id         CommitId
	RootNode   ObjectIdentifier
	Parents    []CommitId
	Generation uint64
	Timestamp  int64 // unix milliseconds, informational only
}

// ComputeCommitId derives the commit id from root, parents and
// generation. The timestamp is deliberately excluded so that the same
// merge performed independently on two devices converges on one id.
func ComputeCommitId(root ObjectIdentifier, parents []CommitId, generation uint64) CommitId {
	var buf bytes.Buffer
	buf.Write(root.Digest[:])

	idx := make([]byte, 4)
	binary.LittleEndian.PutUint32(idx, uint32(root.KeyIndex))
	buf.Write(idx)
	binary.LittleEndian.PutUint32(idx, uint32(root.DeletionScope))
	buf.Write(idx)

	for _, p := range SortedCommitIds(parents) {
		buf.Write(p[:])
	}

	gen := make([]byte, 8)
	binary.LittleEndian.PutUint64(gen, generation)
	buf.Write(gen)

	return CommitId(sha512.Sum512(buf.Bytes()))
}

// SortedCommitIds returns a copy of ids in byte-lexicographic order.
func SortedCommitIds(ids []CommitId) []CommitId {
	out := make([]CommitId, len(ids))
	copy(out, ids)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && bytes.Compare(out[j][:], out[j-1][:]) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ChangeSource tags where a batch of commits entered the local graph.
type ChangeSource int

const (
	SourceLocal ChangeSource = iota
	SourceCloudSync
	SourceP2PSync
)

func (s ChangeSource) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceCloudSync:
		return "cloud_sync"
	case SourceP2PSync:
		return "p2p_sync"
	}
	return "unknown"
}

// CommitSyncStatus tracks a commit's durability. Transitions are
// monotonic: a commit never reverts to an earlier state.
type CommitSyncStatus uint8

const (
	// StatusPendingLocal covers the window between creating a commit and
	// persisting it. The badger-backed graph writes the commit row and
	// its status row in one atomic batch, so a stored commit is first
	// observed as StatusDurableLocal; the state exists for stores that
	// cannot batch the two writes.
	StatusPendingLocal CommitSyncStatus = iota
	StatusDurableLocal
	StatusSynced
)

func (s CommitSyncStatus) String() string {
	switch s {
	case StatusPendingLocal:
		return "pending_local"
	case StatusDurableLocal:
		return "durable_local"
	case StatusSynced:
		return "synced"
	}
	return "unknown"
}
