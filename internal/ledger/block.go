package ledger

import (
	"time"

	"github.com/insignia/insignia/internal/hash"
)

const (
	GenesisIndex = 1
	GenesisNonce = 100
	GenesisHash  = "0"
)

// Transaction is a notarization request for one finalized signed PDF.
type Transaction struct {
	FileHash string `json:"fileHash"`
}

// LeafHash is the value a transaction contributes to a block's Merkle tree.
func (t Transaction) LeafHash() string {
	// a struct holding one string always marshals
	h, _ := hash.Calculate(t)
	return h
}

type Block struct {
	Index             int       `json:"index"`
	Timestamp         time.Time `json:"timestamp"`
	Transactions      []string  `json:"transactions"`
	RootHash          string    `json:"rootHash"`
	Nonce             int       `json:"nonce"`
	Hash              string    `json:"hash"`
	PreviousBlockHash string    `json:"previousBlockHash"`
}

// Data is the part of the block covered by proof-of-work.
func (b *Block) Data() BlockData {
	return BlockData{
		Transactions: b.Transactions,
		RootHash:     b.RootHash,
		Index:        b.Index,
	}
}

// BlockData field order is part of the hash input and must not change.
type BlockData struct {
	Transactions []string `json:"transactions"`
	RootHash     string   `json:"rootHash"`
	Index        int      `json:"index"`
}

// Genesis returns the sentinel first block every chain starts with.
func Genesis() Block {
	return Block{
		Index:             GenesisIndex,
		Timestamp:         time.Unix(0, 0).UTC(),
		Transactions:      []string{},
		RootHash:          "0",
		Nonce:             GenesisNonce,
		Hash:              GenesisHash,
		PreviousBlockHash: GenesisHash,
	}
}

// ChainSnapshot is a node's full chain plus its pending pool, as exchanged
// between peers.
type ChainSnapshot struct {
	Chain               []Block       `json:"chain"`
	PendingTransactions []Transaction `json:"pendingTransactions"`
}
