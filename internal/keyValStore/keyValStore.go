// Package keyValStore provides the persistent key-value layer of the page
// store: get/put/delete by byte key, ordered iteration from a starting
// key, and atomic batched writes. The production implementation is backed
// by BadgerDB; an in-memory implementation with the same contract backs
// tests.
package keyValStore

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/i5heu/ouroboros-ledger/pkg/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Store is the abstract database the page store is built on. All writes
// observed by readers are complete: a batch commits atomically or not at
// all.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error

	// NewBatch starts an atomic write batch. Mutations are invisible
	// until Commit returns nil.
	NewBatch() Batch

	// IterateFrom calls fn for every key >= start in ascending key order
	// until fn returns false or an error.
	IterateFrom(start []byte, fn func(key []byte, value []byte) (bool, error)) error

	Close() error
}

// Batch collects mutations for one atomic commit.
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Commit() error
}

type StoreConfig struct {
	Paths            []string // only Paths[0] is used at the moment
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
}

// KeyValStore is the BadgerDB-backed Store implementation.
type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0])
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Paths[0], err)
	}

	if err := displayDiskUsage(config.Paths, config.Logger); err != nil {
		config.Logger.Warnf("could not collect disk usage: %v", err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}, nil
}

func (k *KeyValStore) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)

	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading key %x: %v", types.ErrIO, key, err)
	}
	return value, nil
}

func (k *KeyValStore) Put(key []byte, value []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("%w: writing key %x: %v", types.ErrIO, key, err)
	}
	return nil
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: deleting key %x: %v", types.ErrIO, key, err)
	}
	return nil
}

type badgerBatch struct {
	kv   *KeyValStore
	ops  []batchOp
	done bool
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

func (k *KeyValStore) NewBatch() Batch {
	return &badgerBatch{kv: k}
}

func (b *badgerBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *badgerBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
}

// Commit applies all collected mutations in a single Badger transaction.
func (b *badgerBatch) Commit() error {
	if b.done {
		return fmt.Errorf("%w: batch already committed", types.ErrIO)
	}
	b.done = true

	atomic.AddUint64(&b.kv.writeCounter, uint64(len(b.ops)))
	err := b.kv.badgerDB.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			if op.delete {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: committing batch of %d ops: %v", types.ErrIO, len(b.ops), err)
	}
	return nil
}

func (k *KeyValStore) IterateFrom(start []byte, fn func(key []byte, value []byte) (bool, error)) error {
	atomic.AddUint64(&k.readCounter, 1)

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cont, err := fn(key, value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterating from %x: %w", start, err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.Warnf("cleanup before close failed: %v", err)
	}
	return k.badgerDB.Close()
}

// Clean syncs, flattens and garbage-collects the value log.
func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
