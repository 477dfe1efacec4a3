package network

import (
	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
)

// Request and response bodies of the peer wire API.

type transactionRequest struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

type broadcastRequest struct {
	FileHash string `json:"fileHash"`
}

type BroadcastResponse struct {
	Note     string `json:"note"`
	FileHash string `json:"fileHash"`
	Block    int    `json:"block"`
}

type blockRequest struct {
	Block *ledger.Block `json:"block"`
}

type registerNodeRequest struct {
	NewNodeURL string `json:"newNodeUrl"`
}

type registerNodesRequest struct {
	AllNetworkNodes []string `json:"allNetworkNodes"`
}

type VerifyResponse struct {
	Valid    bool              `json:"valid"`
	RootHash string            `json:"rootHash,omitempty"`
	Proof    *hash.MerkleProof `json:"proof,omitempty"`
}

type ConsensusResponse struct {
	Note     string         `json:"note"`
	Replaced bool           `json:"replaced"`
	Chain    []ledger.Block `json:"chain"`
}

type acknowledgeResponse struct {
	NetworkNodes []string `json:"networkNodes"`
}

type noteResponse struct {
	Note string `json:"note"`
}

type errorResponse struct {
	Error string `json:"error"`
}
