package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
	"github.com/insignia/insignia/internal/storage"
)

// tamper-chain rewrites one stored block so that `insignia chain verify` and
// consensus rounds have something to reject.
func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <chain-db-path> <block-index>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool swaps a notarized file hash in the given block\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	index, err := strconv.Atoi(os.Args[2])
	if err != nil || index < 1 {
		fmt.Fprintf(os.Stderr, "Invalid block index: %s\n", os.Args[2])
		os.Exit(1)
	}

	fmt.Printf("Opening chain store: %s\n", dbPath)
	fmt.Printf("Target block: %d\n", index)

	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open chain store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	block, err := store.BlockAt(index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	forged := ledger.Transaction{FileHash: hash.DigestString("forged document")}.LeafHash()
	if len(block.Transactions) == 0 {
		block.Transactions = []string{forged}
		fmt.Println("Block had no transactions, injecting one")
	} else {
		fmt.Printf("  Original leaf: %s\n", block.Transactions[0])
		block.Transactions[0] = forged
	}

	// The root is recomputed the way a careful forger would; the stored hash
	// and nonce stay, so the proof-of-work no longer matches.
	tree, err := hash.BuildMerkleTree(block.Transactions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	block.RootHash = tree.Root()

	fmt.Printf("  Forged leaf:   %s\n", forged)
	fmt.Printf("  Forged root:   %s\n", block.RootHash)

	if err := store.PutBlock(block); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted block")
	fmt.Println("Chain tampering completed")
}
