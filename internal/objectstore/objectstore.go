// Package objectstore stores immutable content-addressed pieces. A piece
// is keyed by the SHA-512 digest of its encoded envelope, so identical
// content is stored once no matter how many logical owners reference it.
// Piece envelopes are lzma-compressed and sealed by the encryption
// service before they reach the key-value store.
package objectstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-ledger/internal/binaryCoder"
	"github.com/i5heu/ouroboros-ledger/internal/encryption"
	"github.com/i5heu/ouroboros-ledger/internal/keyValStore"
	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
)

const piecePrefix = "piece/"

type Store struct {
	kv     keyValStore.Store
	enc    encryption.Service
	log    *logrus.Logger
	tokens *tokenRegistry
}

func New(kv keyValStore.Store, enc encryption.Service, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		kv:     kv,
		enc:    enc,
		log:    logger,
		tokens: newTokenRegistry(),
	}
}

func pieceKey(digest types.Digest) []byte {
	return append([]byte(piecePrefix), digest[:]...)
}

// Put stores a piece and returns its identifier together with a fresh
// token keeping it live. If a piece with the same digest already exists
// the write is skipped.
func (s *Store) Put(t *coroutine.Task, content []byte, references []types.ObjectIdentifier) (types.ObjectIdentifier, *Token, error) {
	envelope := binaryCoder.PieceToBytes(content, references)
	digest := types.DigestOf(envelope)
	identifier := types.ObjectIdentifier{
		Digest:        digest,
		DeletionScope: types.ScopePage,
	}

	// The token is issued before any suspension point so a concurrent
	// sweep can never reclaim the piece between write and return.
	token := s.tokens.issue(identifier)

	exists, err := coroutine.AwaitGo(t, func() (bool, error) {
		_, err := s.kv.Get(pieceKey(digest))
		if errors.Is(err, types.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		token.Release()
		return types.ObjectIdentifier{}, nil, fmt.Errorf("checking piece %s: %w", digest, err)
	}
	if exists {
		return identifier, token, nil
	}

	sealed, err := s.seal(envelope)
	if err != nil {
		token.Release()
		return types.ObjectIdentifier{}, nil, err
	}

	_, err = coroutine.AwaitGo(t, func() (struct{}, error) {
		batch := s.kv.NewBatch()
		batch.Put(pieceKey(digest), sealed)
		return struct{}{}, batch.Commit()
	})
	if err != nil {
		token.Release()
		return types.ObjectIdentifier{}, nil, fmt.Errorf("writing piece %s: %w", digest, err)
	}

	return identifier, token, nil
}

// Get loads the piece an identifier points at. A torn-down identifier
// must not resurrect stale content: when no row exists the result is
// ErrNotFound regardless of what the caller remembers.
func (s *Store) Get(t *coroutine.Task, oi types.ObjectIdentifier) (types.Piece, error) {
	sealed, err := coroutine.AwaitGo(t, func() ([]byte, error) {
		return s.kv.Get(pieceKey(oi.Digest))
	})
	if errors.Is(err, types.ErrNotFound) {
		return types.Piece{}, fmt.Errorf("piece %s: %w", oi.Digest, types.ErrNotFound)
	}
	if err != nil {
		return types.Piece{}, fmt.Errorf("reading piece %s: %w", oi.Digest, err)
	}

	envelope, err := s.open(sealed)
	if err != nil {
		return types.Piece{}, fmt.Errorf("%w: piece %s: %v", types.ErrCorruptIndex, oi.Digest, err)
	}

	if types.DigestOf(envelope) != oi.Digest {
		return types.Piece{}, fmt.Errorf("%w: piece %s content does not match digest", types.ErrCorruptIndex, oi.Digest)
	}

	content, references, err := binaryCoder.BytesToPiece(envelope)
	if err != nil {
		return types.Piece{}, fmt.Errorf("%w: piece %s: %v", types.ErrCorruptIndex, oi.Digest, err)
	}

	return types.Piece{
		Digest:     oi.Digest,
		Content:    content,
		References: references,
	}, nil
}

// Retain issues a fresh token for an identifier obtained elsewhere, for
// holders that outlive the task that created the piece.
func (s *Store) Retain(oi types.ObjectIdentifier) *Token {
	return s.tokens.issue(oi)
}

// AppendReferences extracts the child identifiers of a piece for
// reclamation bookkeeping.
func (s *Store) AppendReferences(piece types.Piece) []types.ObjectIdentifier {
	refs := make([]types.ObjectIdentifier, len(piece.References))
	copy(refs, piece.References)
	return refs
}

func (s *Store) seal(envelope []byte) ([]byte, error) {
	compressed, err := compressWithLzma(envelope)
	if err != nil {
		return nil, fmt.Errorf("compressing piece: %w", err)
	}
	sealed, err := s.enc.Encrypt(compressed)
	if err != nil {
		return nil, fmt.Errorf("sealing piece: %w", err)
	}
	return sealed, nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	compressed, err := s.enc.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening piece: %w", err)
	}
	envelope, err := decompressWithLzma(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing piece: %w", err)
	}
	return envelope, nil
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
