package ledger

import (
	"fmt"
	"sync"
)

// Store persists the chain. Implementations are append-only except for
// ReplaceAll, which swaps the whole chain atomically.
type Store interface {
	Blocks() ([]Block, error)
	BlockAt(index int) (*Block, error)
	LastBlock() (*Block, error)
	Count() (int, error)
	SaveBlock(block *Block) error
	ReplaceAll(blocks []Block) error
}

// MemoryStore keeps the chain in process memory. Used by tests and ephemeral
// nodes.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []Block
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks: make([]Block, 0),
	}
}

func (m *MemoryStore) Blocks() ([]Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Block, len(m.blocks))
	for i := range m.blocks {
		out[i] = cloneBlock(m.blocks[i])
	}
	return out, nil
}

func (m *MemoryStore) BlockAt(index int) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.blocks {
		if m.blocks[i].Index == index {
			b := cloneBlock(m.blocks[i])
			return &b, nil
		}
	}
	return nil, fmt.Errorf("%w: index %d", ErrBlockNotFound, index)
}

func (m *MemoryStore) LastBlock() (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.blocks) == 0 {
		return nil, ErrEmptyChain
	}
	b := cloneBlock(m.blocks[len(m.blocks)-1])
	return &b, nil
}

func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks), nil
}

func (m *MemoryStore) SaveBlock(block *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.blocks {
		if m.blocks[i].Index == block.Index {
			return fmt.Errorf("%w: index %d", ErrBlockExists, block.Index)
		}
	}
	m.blocks = append(m.blocks, cloneBlock(*block))
	return nil
}

func (m *MemoryStore) ReplaceAll(blocks []Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := make([]Block, len(blocks))
	for i := range blocks {
		replaced[i] = cloneBlock(blocks[i])
	}
	m.blocks = replaced
	return nil
}

func cloneBlock(b Block) Block {
	txs := make([]string, len(b.Transactions))
	copy(txs, b.Transactions)
	b.Transactions = txs
	return b
}
