package objectstore

import (
	"errors"

	"github.com/i5heu/ouroboros-ledger/pkg/coroutine"
	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/sirupsen/logrus"
)

// ReachableFrom walks the reference graph from the given roots and
// returns every digest it can reach. Missing pieces are skipped rather
// than failed on, since lazy values may legitimately be absent locally.
func (s *Store) ReachableFrom(t *coroutine.Task, roots []types.ObjectIdentifier) (map[types.Digest]struct{}, error) {
	reachable := make(map[types.Digest]struct{})
	queue := append([]types.ObjectIdentifier(nil), roots...)

	for len(queue) > 0 {
		oi := queue[0]
		queue = queue[1:]
		if _, seen := reachable[oi.Digest]; seen {
			continue
		}
		reachable[oi.Digest] = struct{}{}

		piece, err := s.Get(t, oi)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		queue = append(queue, piece.References...)
	}
	return reachable, nil
}

// Sweep deletes pieces that are neither in the reachable set nor held by
// a live token. Liveness is re-checked immediately before each physical
// delete to close the race between a reference drop and the delete.
func (s *Store) Sweep(t *coroutine.Task, reachable map[types.Digest]struct{}) (int, error) {
	candidates, err := coroutine.AwaitGo(t, func() ([]types.Digest, error) {
		var found []types.Digest
		err := s.kv.IterateFrom([]byte(piecePrefix), func(key, value []byte) (bool, error) {
			if len(key) < len(piecePrefix) || string(key[:len(piecePrefix)]) != piecePrefix {
				return false, nil // past the piece rows
			}
			digest, err := types.DigestFromBytes(key[len(piecePrefix):])
			if err != nil {
				return false, err
			}
			if _, live := reachable[digest]; live {
				return true, nil
			}
			if s.tokens.anyLive(digest) {
				return true, nil
			}
			found = append(found, digest)
			return true, nil
		})
		return found, err
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, digest := range candidates {
		digest := digest
		removed, err := coroutine.AwaitGo(t, func() (bool, error) {
			// A token may have been issued since the candidate scan;
			// check liveness right before the physical delete.
			if s.tokens.anyLive(digest) {
				return false, nil
			}
			return true, s.kv.Delete(pieceKey(digest))
		})
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}

	if deleted > 0 {
		s.log.WithFields(logrus.Fields{
			"deleted": deleted,
		}).Info("object store sweep reclaimed pieces")
	}
	return deleted, nil
}
