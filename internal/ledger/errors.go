package ledger

import "errors"

var (
	ErrBlockNotFound    = errors.New("block not found")
	ErrEmptyChain       = errors.New("chain has no blocks")
	ErrInvalidChain     = errors.New("chain is invalid")
	ErrBlockRejected    = errors.New("block rejected")
	ErrEmptyFileHash    = errors.New("transaction file hash is empty")
	ErrMiningInProgress = errors.New("mining already in progress")
	ErrStaleBlock       = errors.New("chain changed while mining")
	ErrBlockExists      = errors.New("block already stored")
	ErrChainNotLonger   = errors.New("chain is not longer than local chain")
)
