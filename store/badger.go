package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/klauspost/reedsolomon"
)

// redundantKeys are erasure-coded across shards so that a torn or
// partially corrupted write can still be recovered. spec.md §7 calls a
// durable-store write failure on the committed key the one error whose
// consequence is "sacrificing safety in adversarial crash"; sharding the
// write with parity narrows the window in which that can happen.
var redundantKeys = map[string]bool{
	"committed": true,
}

const (
	dataShards   = 4
	parityShards = 2
	totalShards  = dataShards + parityShards
)

// BadgerStore is the production Store backed by an embedded badger DB.
type BadgerStore struct {
	db  *badger.DB
	enc reedsolomon.Encoder
}

// Open opens (creating if absent) a badger database at dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %q: %w", dir, err)
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init reed-solomon encoder: %w", err)
	}
	return &BadgerStore{db: db, enc: enc}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Put(key string, value []byte) error {
	if redundantKeys[key] {
		return s.putSharded(key, value)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	if redundantKeys[key] {
		return s.getSharded(key)
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return out, true, nil
}

func shardKey(key string, i int) string {
	return key + "/shard/" + strconv.Itoa(i)
}

func (s *BadgerStore) putSharded(key string, value []byte) error {
	shards, err := s.enc.Split(append([]byte(nil), value...))
	if err != nil {
		return fmt.Errorf("store: split %q into shards: %w", key, err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return fmt.Errorf("store: encode parity for %q: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(value)))
		if err := txn.Set([]byte(key+"/size"), sizeBuf[:]); err != nil {
			return err
		}
		for i, shard := range shards {
			if err := txn.Set([]byte(shardKey(key, i)), shard); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) getSharded(key string) ([]byte, bool, error) {
	var size uint64
	shards := make([][]byte, totalShards)
	present := 0

	err := s.db.View(func(txn *badger.Txn) error {
		sizeItem, err := txn.Get([]byte(key + "/size"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sizeItem.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("store: corrupt size record for %q", key)
			}
			size = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}

		for i := 0; i < totalShards; i++ {
			item, err := txn.Get([]byte(shardKey(key, i)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				continue // treat a read error on one shard as a missing shard, not a fatal error
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			shards[i] = val
			present++
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	if present == 0 {
		return nil, false, nil
	}
	if present < dataShards {
		return nil, false, fmt.Errorf("store: only %d/%d shards recoverable for %q, need at least %d", present, totalShards, key, dataShards)
	}
	if err := s.enc.Reconstruct(shards); err != nil {
		return nil, false, fmt.Errorf("store: reconstruct %q from %d shards: %w", key, present, err)
	}
	var buf bytes.Buffer
	if err := s.enc.Join(&buf, shards, int(size)); err != nil {
		return nil, false, fmt.Errorf("store: join shards for %q: %w", key, err)
	}
	return buf.Bytes(), true, nil
}
