package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/insignia/insignia/internal/ledger"
)

var (
	BlocksBucket   = []byte("blocks")
	MetadataBucket = []byte("metadata")
)

// Storage is a bbolt-backed ledger.Store. Blocks are keyed by their index
// encoded big-endian so cursor order is chain order.
type Storage struct {
	db *bolt.DB
}

var _ ledger.Store = (*Storage)(nil)

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{BlocksBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func blockKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func decodeBlock(data []byte) (*ledger.Block, error) {
	var block ledger.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	if block.Transactions == nil {
		block.Transactions = []string{}
	}
	return &block, nil
}

func (s *Storage) Blocks() ([]ledger.Block, error) {
	blocks := make([]ledger.Block, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BlocksBucket).ForEach(func(k, v []byte) error {
			block, err := decodeBlock(v)
			if err != nil {
				return err
			}
			blocks = append(blocks, *block)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return blocks, nil
}

func (s *Storage) BlockAt(index int) (*ledger.Block, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ledger.ErrBlockNotFound, index)
	}

	var block *ledger.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BlocksBucket).Get(blockKey(index))
		if data == nil {
			return fmt.Errorf("%w: index %d", ledger.ErrBlockNotFound, index)
		}

		var err error
		block, err = decodeBlock(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

func (s *Storage) LastBlock() (*ledger.Block, error) {
	var block *ledger.Block

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(BlocksBucket).Cursor().Last()
		if v == nil {
			return ledger.ErrEmptyChain
		}

		var err error
		block, err = decodeBlock(v)
		return err
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

func (s *Storage) Count() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(BlocksBucket).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *Storage) SaveBlock(block *ledger.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)
		key := blockKey(block.Index)

		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: index %d", ledger.ErrBlockExists, block.Index)
		}

		return bucket.Put(key, data)
	})
}

// ReplaceAll drops the blocks bucket and rewrites it in one transaction, so
// readers see either the old chain or the new one.
func (s *Storage) ReplaceAll(blocks []ledger.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(BlocksBucket); err != nil {
			return fmt.Errorf("failed to drop blocks bucket: %w", err)
		}

		bucket, err := tx.CreateBucket(BlocksBucket)
		if err != nil {
			return fmt.Errorf("failed to create blocks bucket: %w", err)
		}

		for i := range blocks {
			data, err := json.Marshal(&blocks[i])
			if err != nil {
				return fmt.Errorf("failed to marshal block %d: %w", blocks[i].Index, err)
			}
			if err := bucket.Put(blockKey(blocks[i].Index), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// PutBlock overwrites the block stored at block.Index without any checks.
// Only the tamper tooling uses it.
func (s *Storage) PutBlock(block *ledger.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BlocksBucket).Put(blockKey(block.Index), data)
	})
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
