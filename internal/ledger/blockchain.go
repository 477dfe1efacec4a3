package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/hash"
)

const DefaultTreeCacheSize = 128

// Blockchain is one node's ledger: the persisted chain plus the in-memory
// pool of transactions waiting to be mined.
type Blockchain struct {
	mu      sync.Mutex
	mining  sync.Mutex
	store   Store
	pending []Transaction
	trees   *lru.Cache[int, *hash.MerkleTree]
	logger  *zap.Logger
	now     func() time.Time

	treeCacheSize int
}

type Option func(*Blockchain)

func WithLogger(logger *zap.Logger) Option {
	return func(bc *Blockchain) {
		if logger != nil {
			bc.logger = logger
		}
	}
}

func WithTreeCacheSize(size int) Option {
	return func(bc *Blockchain) {
		if size > 0 {
			bc.treeCacheSize = size
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(bc *Blockchain) {
		bc.now = now
	}
}

// New opens a ledger on store, writing the genesis block if the store is
// empty.
func New(store Store, opts ...Option) (*Blockchain, error) {
	bc := &Blockchain{
		store:         store,
		pending:       make([]Transaction, 0),
		logger:        zap.NewNop(),
		now:           time.Now,
		treeCacheSize: DefaultTreeCacheSize,
	}
	for _, opt := range opts {
		opt(bc)
	}

	trees, err := lru.New[int, *hash.MerkleTree](bc.treeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree cache: %w", err)
	}
	bc.trees = trees

	count, err := store.Count()
	if err != nil {
		return nil, fmt.Errorf("failed to count blocks: %w", err)
	}
	if count == 0 {
		genesis := Genesis()
		if err := store.SaveBlock(&genesis); err != nil {
			return nil, fmt.Errorf("failed to store genesis block: %w", err)
		}
	}

	return bc, nil
}

// AddTransaction queues fileHash for the next block. The returned index is
// the block the transaction is expected to land in; a mining cycle or a chain
// replacement before the next tick can make it stale.
func (bc *Blockchain) AddTransaction(tx Transaction) (int, error) {
	if tx.FileHash == "" {
		return 0, ErrEmptyFileHash
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	count, err := bc.store.Count()
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}

	bc.pending = append(bc.pending, tx)
	return count + 1, nil
}

func (bc *Blockchain) PendingTransactions() []Transaction {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.pendingCopyLocked()
}

func (bc *Blockchain) pendingCopyLocked() []Transaction {
	out := make([]Transaction, len(bc.pending))
	copy(out, bc.pending)
	return out
}

func (bc *Blockchain) Chain() ([]Block, error) {
	return bc.store.Blocks()
}

// Snapshot returns the chain and pending pool as one consistent view.
func (bc *Blockchain) Snapshot() (*ChainSnapshot, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	chain, err := bc.store.Blocks()
	if err != nil {
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}

	return &ChainSnapshot{
		Chain:               chain,
		PendingTransactions: bc.pendingCopyLocked(),
	}, nil
}

func (bc *Blockchain) Length() (int, error) {
	return bc.store.Count()
}

func (bc *Blockchain) LastBlock() (*Block, error) {
	return bc.store.LastBlock()
}

func (bc *Blockchain) BlockAt(index int) (*Block, error) {
	return bc.store.BlockAt(index)
}

// Mine turns every pending transaction into a new block. It returns nil and
// no error when the pool is empty, and ErrMiningInProgress when another
// cycle is still running. Pending transactions are dropped only after the
// block is persisted.
func (bc *Blockchain) Mine() (*Block, error) {
	if !bc.mining.TryLock() {
		return nil, ErrMiningInProgress
	}
	defer bc.mining.Unlock()

	bc.mu.Lock()
	batch := bc.pendingCopyLocked()
	bc.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	last, err := bc.store.LastBlock()
	if err != nil {
		return nil, fmt.Errorf("no last block to mine on: %w", err)
	}

	leaves := make([]string, len(batch))
	for i, tx := range batch {
		leaves[i] = tx.LeafHash()
	}

	tree, err := hash.BuildMerkleTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to build merkle tree: %w", err)
	}

	data := BlockData{
		Transactions: tree.Leaves(),
		RootHash:     tree.Root(),
		Index:        last.Index + 1,
	}

	started := bc.now()
	nonce := ProofOfWork(last.Hash, data)

	block := &Block{
		Index:             data.Index,
		Timestamp:         bc.now().UTC(),
		Transactions:      data.Transactions,
		RootHash:          data.RootHash,
		Nonce:             nonce,
		Hash:              HashBlock(last.Hash, data, nonce),
		PreviousBlockHash: last.Hash,
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	current, err := bc.store.LastBlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read last block: %w", err)
	}
	if current.Hash != last.Hash {
		return nil, fmt.Errorf("%w: tip moved from block %d to %d", ErrStaleBlock, last.Index, current.Index)
	}

	if err := bc.store.SaveBlock(block); err != nil {
		return nil, fmt.Errorf("failed to persist block %d: %w", block.Index, err)
	}

	bc.dropPendingLocked(block.Transactions)
	bc.trees.Add(block.Index, tree)

	bc.logger.Info("block mined",
		zap.Int("index", block.Index),
		zap.Int("transactions", len(block.Transactions)),
		zap.Int("nonce", block.Nonce),
		zap.String("hash", block.Hash),
		zap.Duration("elapsed", bc.now().Sub(started)),
	)

	return block, nil
}

// AcceptBlock appends a block mined by a peer. The block must sit directly
// on the local tip and carry valid proof-of-work; anything else is rejected
// and left for the next consensus round.
func (bc *Blockchain) AcceptBlock(block Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	last, err := bc.store.LastBlock()
	if err != nil {
		return fmt.Errorf("failed to read last block: %w", err)
	}

	if block.PreviousBlockHash != last.Hash {
		return fmt.Errorf("%w: previous hash does not match block %d", ErrBlockRejected, last.Index)
	}
	if block.Index != last.Index+1 {
		return fmt.Errorf("%w: index %d does not follow %d", ErrBlockRejected, block.Index, last.Index)
	}
	if err := validateLink(last, &block); err != nil {
		return fmt.Errorf("%w: %v", ErrBlockRejected, err)
	}

	if err := bc.store.SaveBlock(&block); err != nil {
		return fmt.Errorf("failed to persist block %d: %w", block.Index, err)
	}

	bc.dropPendingLocked(block.Transactions)

	bc.logger.Info("block accepted",
		zap.Int("index", block.Index),
		zap.Int("transactions", len(block.Transactions)),
	)

	return nil
}

// ReplaceChain swaps the whole local chain for chain and adopts pending as
// the new pool. An invalid chain, or one no longer than the local chain, is
// rejected and nothing changes.
func (bc *Blockchain) ReplaceChain(chain []Block, pending []Transaction) error {
	if err := ValidateChain(chain); err != nil {
		return err
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	count, err := bc.store.Count()
	if err != nil {
		return fmt.Errorf("failed to count blocks: %w", err)
	}
	if len(chain) <= count {
		return fmt.Errorf("%w: %d blocks against %d local", ErrChainNotLonger, len(chain), count)
	}

	if err := bc.store.ReplaceAll(chain); err != nil {
		return fmt.Errorf("failed to replace chain: %w", err)
	}

	bc.pending = make([]Transaction, len(pending))
	copy(bc.pending, pending)
	bc.trees.Purge()

	bc.logger.Info("chain replaced",
		zap.Int("old_length", count),
		zap.Int("length", len(chain)),
		zap.Int("pending", len(pending)),
	)

	return nil
}

// dropPendingLocked removes one pending entry per included leaf.
func (bc *Blockchain) dropPendingLocked(included []string) {
	counts := make(map[string]int, len(included))
	for _, leaf := range included {
		counts[leaf]++
	}

	kept := make([]Transaction, 0, len(bc.pending))
	for _, tx := range bc.pending {
		leaf := tx.LeafHash()
		if counts[leaf] > 0 {
			counts[leaf]--
			continue
		}
		kept = append(kept, tx)
	}
	bc.pending = kept
}

// treeAt must be called with bc.mu held.
func (bc *Blockchain) treeAt(index int) (*hash.MerkleTree, error) {
	if tree, ok := bc.trees.Get(index); ok {
		return tree, nil
	}

	block, err := bc.store.BlockAt(index)
	if err != nil {
		return nil, err
	}

	tree, err := hash.BuildMerkleTree(block.Transactions)
	if err != nil {
		return nil, err
	}

	bc.trees.Add(index, tree)
	return tree, nil
}

// VerifyTransaction reports whether fileHash was notarized in the block at
// index. A block without transactions verifies nothing.
func (bc *Blockchain) VerifyTransaction(index int, fileHash string) (bool, error) {
	bc.mu.Lock()
	tree, err := bc.treeAt(index)
	bc.mu.Unlock()
	if errors.Is(err, hash.ErrNoLeaves) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return tree.Verify(Transaction{FileHash: fileHash}.LeafHash()), nil
}

// TransactionProof returns the Merkle inclusion path of fileHash in the block
// at index, together with the block's root.
func (bc *Blockchain) TransactionProof(index int, fileHash string) (*hash.MerkleProof, string, error) {
	bc.mu.Lock()
	tree, err := bc.treeAt(index)
	bc.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	proof, err := tree.Proof(Transaction{FileHash: fileHash}.LeafHash())
	if err != nil {
		return nil, "", err
	}

	return proof, tree.Root(), nil
}
