package syncer

import (
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// PieceRecord is the transfer form of a piece: decoded content plus the
// identifiers it references. Transports move records, never sealed rows,
// so devices with different storage keys can still exchange content.
type PieceRecord struct {
	Digest     types.Digest
	Content    []byte
	References []types.ObjectIdentifier
}

// Engine is one sync transport bound to a page on one device. The
// coordinator calls the blocking methods through Await, so an engine may
// take as long as it needs; retry and backoff for transient failures
// live inside the engine. An error wrapping ErrSyncUnrecoverable means
// the transport is permanently broken for this page.
type Engine interface {
	Source() types.ChangeSource

	// Backlog returns every commit the remote holds, parents before
	// children, together with the piece records needed to read them.
	Backlog() ([]types.Commit, []PieceRecord, error)

	// Publish ships local commits and their pieces to the remote. A nil
	// return acknowledges durability on the remote side.
	Publish(commits []types.Commit, pieces []PieceRecord) error

	// Watch registers the delivery callback for commits other devices
	// publish after the backlog was taken. Deliveries may repeat.
	Watch(fn func(commits []types.Commit, pieces []PieceRecord))

	// FetchPiece retrieves one piece by digest, for values that were
	// skipped during commit download and are read later.
	FetchPiece(digest types.Digest) (PieceRecord, error)

	Close()
}
