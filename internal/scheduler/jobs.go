package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/ledger"
	"github.com/insignia/insignia/internal/network"
)

const (
	MiningJob    = "mining"
	ConsensusJob = "consensus"
	RetryJob     = "notarization-retry"
)

type Miner interface {
	MineAndBroadcast(ctx context.Context) (*ledger.Block, error)
}

type ConsensusRunner interface {
	RunConsensus(ctx context.Context) (*network.ConsensusResult, error)
}

type Retrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// Mining mines the pending pool on every tick. An empty pool is a no-op.
func Mining(miner Miner, logger *zap.Logger) Func {
	return func(ctx context.Context) error {
		block, err := miner.MineAndBroadcast(ctx)
		switch {
		case errors.Is(err, ledger.ErrMiningInProgress):
			return nil
		case errors.Is(err, ledger.ErrStaleBlock):
			logger.Info("mined block discarded, chain moved", zap.Error(err))
			return nil
		case err != nil:
			return err
		}
		if block == nil {
			logger.Debug("no pending transactions")
		}
		return nil
	}
}

func Consensus(runner ConsensusRunner, logger *zap.Logger) Func {
	return func(ctx context.Context) error {
		result, err := runner.RunConsensus(ctx)
		if err != nil {
			return err
		}
		if result.Replaced {
			logger.Info("consensus replaced local chain",
				zap.String("source", result.Source),
				zap.Int("old_length", result.OldLength),
				zap.Int("new_length", result.NewLength),
			)
		}
		return nil
	}
}

func Retry(retrier Retrier, logger *zap.Logger) Func {
	return func(ctx context.Context) error {
		n, err := retrier.RetryPending(ctx)
		if n > 0 {
			logger.Info("notarization retried", zap.Int("documents", n))
		}
		return err
	}
}
