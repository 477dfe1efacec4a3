package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/insignia/insignia/internal/ledger"
)

// Alerter is notified about chain events worth a human's attention.
type Alerter interface {
	SendInvalidChainAlert(peer string, length int, reason string) error
	SendChainReplacedAlert(peer string, oldLength, newLength int) error
}

// Node ties one ledger to its peers: it runs consensus rounds and fans
// blocks, transactions and registrations out to the registry.
type Node struct {
	chain    *ledger.Blockchain
	registry *Registry
	client   *Client
	alerts   Alerter
	logger   *zap.Logger
}

type NodeConfig struct {
	Chain    *ledger.Blockchain
	Registry *Registry
	Client   *Client
	Alerts   Alerter
	Logger   *zap.Logger
}

func NewNode(cfg NodeConfig) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		chain:    cfg.Chain,
		registry: cfg.Registry,
		client:   cfg.Client,
		alerts:   cfg.Alerts,
		logger:   logger,
	}
}

func (n *Node) Chain() *ledger.Blockchain {
	return n.chain
}

func (n *Node) Registry() *Registry {
	return n.registry
}

// ConsensusResult describes the outcome of one consensus round.
type ConsensusResult struct {
	Replaced  bool
	Source    string
	OldLength int
	NewLength int
	Responded int
}

// RunConsensus fetches every peer's chain concurrently and adopts the
// longest one if it is strictly longer than the local chain and valid. Peers
// that fail to answer are left out of the round. Ties keep the local chain.
func (n *Node) RunConsensus(ctx context.Context) (*ConsensusResult, error) {
	peers := n.registry.Peers()
	snapshots := make([]*ledger.ChainSnapshot, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			snap, err := n.client.FetchChain(ctx, peer)
			if err != nil {
				n.logger.Warn("peer excluded from consensus round",
					zap.String("peer", peer),
					zap.Error(err),
				)
				return nil
			}
			snapshots[i] = snap
			return nil
		})
	}
	_ = g.Wait()

	local, err := n.chain.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read local chain: %w", err)
	}

	result := &ConsensusResult{
		OldLength: len(local.Chain),
		NewLength: len(local.Chain),
	}

	best := local
	for i, snap := range snapshots {
		if snap == nil {
			continue
		}
		result.Responded++
		if len(snap.Chain) > len(best.Chain) {
			best = snap
			result.Source = peers[i]
		}
	}

	if result.Source == "" {
		n.logger.Debug("local chain kept",
			zap.Int("length", result.OldLength),
			zap.Int("responded", result.Responded),
		)
		return result, nil
	}

	if err := ledger.ValidateChain(best.Chain); err != nil {
		n.logger.Warn("longest chain rejected",
			zap.String("peer", result.Source),
			zap.Int("length", len(best.Chain)),
			zap.Error(err),
		)
		if n.alerts != nil {
			if alertErr := n.alerts.SendInvalidChainAlert(result.Source, len(best.Chain), err.Error()); alertErr != nil {
				n.logger.Warn("failed to send alert", zap.Error(alertErr))
			}
		}
		result.Source = ""
		return result, nil
	}

	if err := n.chain.ReplaceChain(best.Chain, best.PendingTransactions); err != nil {
		if errors.Is(err, ledger.ErrChainNotLonger) {
			result.Source = ""
			return result, nil
		}
		return nil, fmt.Errorf("failed to adopt chain from %s: %w", result.Source, err)
	}

	result.Replaced = true
	result.NewLength = len(best.Chain)

	if n.alerts != nil {
		if err := n.alerts.SendChainReplacedAlert(result.Source, result.OldLength, result.NewLength); err != nil {
			n.logger.Warn("failed to send alert", zap.Error(err))
		}
	}

	return result, nil
}

// fanOut calls fn for every peer concurrently and logs failures. It returns
// the number of peers that succeeded.
func (n *Node) fanOut(ctx context.Context, peers []string, op string, fn func(ctx context.Context, peer string) error) int {
	delivered := make([]bool, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			if err := fn(ctx, peer); err != nil {
				n.logger.Warn("peer call failed",
					zap.String("op", op),
					zap.String("peer", peer),
					zap.Error(err),
				)
				return nil
			}
			delivered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	count := 0
	for _, ok := range delivered {
		if ok {
			count++
		}
	}
	return count
}

func (n *Node) BroadcastBlock(ctx context.Context, block ledger.Block) int {
	return n.fanOut(ctx, n.registry.Peers(), "receive-new-block", func(ctx context.Context, peer string) error {
		return n.client.PostBlock(ctx, peer, block)
	})
}

// MineAndBroadcast mines the pending pool and, when a block was produced,
// sends it to every peer. An empty pool yields a nil block.
func (n *Node) MineAndBroadcast(ctx context.Context) (*ledger.Block, error) {
	block, err := n.chain.Mine()
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}

	delivered := n.BroadcastBlock(ctx, *block)
	n.logger.Info("block broadcast",
		zap.Int("index", block.Index),
		zap.Int("delivered", delivered),
		zap.Int("peers", n.registry.Len()),
	)

	return block, nil
}

// BroadcastTransaction queues fileHash locally and forwards it to every
// peer. The returned index is the local expected block index.
func (n *Node) BroadcastTransaction(ctx context.Context, fileHash string) (int, error) {
	tx := ledger.Transaction{FileHash: fileHash}

	index, err := n.chain.AddTransaction(tx)
	if err != nil {
		return 0, err
	}

	n.fanOut(ctx, n.registry.Peers(), "transaction", func(ctx context.Context, peer string) error {
		return n.client.SubmitTransaction(ctx, peer, tx)
	})

	return index, nil
}

// RegisterAndBroadcast adds newNodeURL to the registry, announces it to every
// known peer and hands the new node the full peer list including this node.
func (n *Node) RegisterAndBroadcast(ctx context.Context, newNodeURL string) error {
	newNodeURL = normalizeURL(newNodeURL)
	if newNodeURL == "" {
		return errors.New("node url is empty")
	}
	if newNodeURL == n.registry.Self() {
		return nil
	}

	n.registry.Add(newNodeURL)

	others := make([]string, 0, n.registry.Len())
	for _, peer := range n.registry.Peers() {
		if peer != newNodeURL {
			others = append(others, peer)
		}
	}

	n.fanOut(ctx, others, "register-node", func(ctx context.Context, peer string) error {
		return n.client.RegisterNode(ctx, peer, newNodeURL)
	})

	all := append(n.registry.Peers(), n.registry.Self())
	if err := n.client.RegisterNodes(ctx, newNodeURL, all); err != nil {
		return fmt.Errorf("failed to send peer list to %s: %w", newNodeURL, err)
	}

	return nil
}

// Join asks seed to register this node with the network.
func (n *Node) Join(ctx context.Context, seed string) error {
	seed = normalizeURL(seed)
	if err := n.client.RegisterAndBroadcast(ctx, seed, n.registry.Self()); err != nil {
		return fmt.Errorf("failed to join network through %s: %w", seed, err)
	}
	n.registry.Add(seed)
	return nil
}
