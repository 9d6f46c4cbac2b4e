package objectstore

import (
	"fmt"

	"github.com/i5heu/ouroboros-ledger/pkg/buzhashChunker"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// Values above this size are split with content-defined chunking into
// leaf pieces plus one index piece listing their identifiers.
const chunkThreshold = 64 * 1024

// Value piece layout: a one-byte tag ahead of the payload.
const (
	valueInline     = 0x00
	valueChunkIndex = 0x01
)

// PutValue stores a user value and returns the identifier a B-tree entry
// should reference. Small values become a single inline piece; large
// values are chunked so edits only re-store the chunks they touch.
func (s *Store) PutValue(t *coroutine.Task, value []byte) (types.ObjectIdentifier, *Token, error) {
	if len(value) <= chunkThreshold {
		return s.Put(t, append([]byte{valueInline}, value...), nil)
	}

	chunks, err := buzhashChunker.ChunkBytes(value)
	if err != nil {
		return types.ObjectIdentifier{}, nil, fmt.Errorf("chunking value: %w", err)
	}

	refs := make([]types.ObjectIdentifier, 0, len(chunks))
	chunkTokens := make([]*Token, 0, len(chunks))
	for _, chunk := range chunks {
		id, token, err := s.Put(t, append([]byte{valueInline}, chunk.Data...), nil)
		if err != nil {
			for _, held := range chunkTokens {
				held.Release()
			}
			return types.ObjectIdentifier{}, nil, fmt.Errorf("storing chunk: %w", err)
		}
		refs = append(refs, id)
		chunkTokens = append(chunkTokens, token)
	}

	id, token, err := s.Put(t, []byte{valueChunkIndex}, refs)
	// Chunk pieces are now reachable through the index piece's
	// references; their put-time tokens can go.
	for _, held := range chunkTokens {
		held.Release()
	}
	if err != nil {
		return types.ObjectIdentifier{}, nil, fmt.Errorf("storing chunk index: %w", err)
	}
	return id, token, nil
}

// GetValue reassembles a value stored by PutValue.
func (s *Store) GetValue(t *coroutine.Task, oi types.ObjectIdentifier) ([]byte, error) {
	piece, err := s.Get(t, oi)
	if err != nil {
		return nil, err
	}
	if len(piece.Content) == 0 {
		return nil, fmt.Errorf("%w: value piece %s has no tag", types.ErrCorruptIndex, oi.Digest)
	}

	switch piece.Content[0] {
	case valueInline:
		return piece.Content[1:], nil
	case valueChunkIndex:
		var value []byte
		for _, ref := range piece.References {
			chunk, err := s.Get(t, ref)
			if err != nil {
				return nil, fmt.Errorf("reading chunk %s: %w", ref.Digest, err)
			}
			if len(chunk.Content) == 0 || chunk.Content[0] != valueInline {
				return nil, fmt.Errorf("%w: chunk %s has wrong tag", types.ErrCorruptIndex, ref.Digest)
			}
			value = append(value, chunk.Content[1:]...)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("%w: value piece %s has unknown tag %d", types.ErrCorruptIndex, oi.Digest, piece.Content[0])
	}
}
