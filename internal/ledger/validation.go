package ledger

import "fmt"

func validateGenesis(b *Block) error {
	if b.Index != GenesisIndex {
		return fmt.Errorf("genesis index is %d", b.Index)
	}
	if b.Nonce != GenesisNonce {
		return fmt.Errorf("genesis nonce is %d", b.Nonce)
	}
	if b.Hash != GenesisHash {
		return fmt.Errorf("genesis hash is %q", b.Hash)
	}
	if b.PreviousBlockHash != GenesisHash {
		return fmt.Errorf("genesis previous hash is %q", b.PreviousBlockHash)
	}
	if len(b.Transactions) != 0 {
		return fmt.Errorf("genesis has %d transactions", len(b.Transactions))
	}
	return nil
}

// validateLink checks that next extends prev and carries valid proof-of-work.
func validateLink(prev, next *Block) error {
	if next.PreviousBlockHash != prev.Hash {
		return fmt.Errorf("block %d: previous hash %q does not match %q", next.Index, next.PreviousBlockHash, prev.Hash)
	}

	if next.Index != prev.Index+1 {
		return fmt.Errorf("block %d: follows block %d", next.Index, prev.Index)
	}

	blockHash := HashBlock(prev.Hash, next.Data(), next.Nonce)
	if !MeetsDifficulty(blockHash) {
		return fmt.Errorf("block %d: hash %s does not meet difficulty", next.Index, blockHash)
	}
	if blockHash != next.Hash {
		return fmt.Errorf("block %d: stored hash %q does not match recomputed %s", next.Index, next.Hash, blockHash)
	}

	return nil
}

// ValidateChain returns the first reason chain is invalid, wrapped in
// ErrInvalidChain.
func ValidateChain(chain []Block) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidChain, ErrEmptyChain)
	}

	if err := validateGenesis(&chain[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}

	for i := 1; i < len(chain); i++ {
		if err := validateLink(&chain[i-1], &chain[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChain, err)
		}
	}

	return nil
}

func ChainIsValid(chain []Block) bool {
	return ValidateChain(chain) == nil
}
