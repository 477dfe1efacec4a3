package network

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/insignia/insignia/internal/hash"
	"github.com/insignia/insignia/internal/ledger"
)

// Handler serves the peer wire API of one node.
type Handler struct {
	node *Node
}

func NewHandler(node *Node) *Handler {
	return &Handler{node: node}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/chain", h.Chain)
	r.POST("/transaction", h.AddTransaction)
	r.POST("/transaction/broadcast", h.BroadcastTransaction)
	r.GET("/transaction/verify/:index/:hash", h.VerifyTransaction)
	r.POST("/receive-new-block", h.ReceiveBlock)
	r.POST("/register-and-broadcast-node", h.RegisterAndBroadcast)
	r.POST("/register-node", h.RegisterNode)
	r.POST("/register-multiple-nodes", h.RegisterNodes)
	r.GET("/consensus", h.Consensus)
	r.GET("/network-acknowledge", h.Acknowledge)
}

// NewRouter builds a gin engine serving the peer wire API.
func NewRouter(node *Node) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	NewHandler(node).RegisterRoutes(router)
	return router
}

func (h *Handler) Chain(c *gin.Context) {
	snap, err := h.node.chain.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) AddTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Transaction == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required transaction object"})
		return
	}

	index, err := h.node.chain.AddTransaction(*req.Transaction)
	if errors.Is(err, ledger.ErrEmptyFileHash) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, noteResponse{Note: fmt.Sprintf("Transaction will be added in block %d", index)})
}

func (h *Handler) BroadcastTransaction(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FileHash == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required fileHash"})
		return
	}

	index, err := h.node.BroadcastTransaction(c.Request.Context(), req.FileHash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, BroadcastResponse{
		Note:     "Transaction created and broadcast successfully",
		FileHash: req.FileHash,
		Block:    index,
	})
}

func (h *Handler) VerifyTransaction(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	fileHash := c.Param("hash")
	if err != nil || fileHash == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing block index or file hash"})
		return
	}

	valid, err := h.node.chain.VerifyTransaction(index, fileHash)
	if errors.Is(err, ledger.ErrBlockNotFound) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("block at index %d was not found", index)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := VerifyResponse{Valid: valid}
	if valid {
		proof, root, err := h.node.chain.TransactionProof(index, fileHash)
		if err != nil && !errors.Is(err, hash.ErrLeafNotFound) {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		resp.Proof = proof
		resp.RootHash = root
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReceiveBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Block == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required block object"})
		return
	}

	if err := h.node.chain.AcceptBlock(*req.Block); err != nil {
		if errors.Is(err, ledger.ErrBlockRejected) {
			h.node.logger.Info("block from peer rejected", zap.Error(err))
			c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"note": "New block received and accepted", "block": req.Block})
}

func (h *Handler) RegisterAndBroadcast(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewNodeURL == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required newNodeUrl"})
		return
	}

	if err := h.node.RegisterAndBroadcast(c.Request.Context(), req.NewNodeURL); err != nil {
		c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, noteResponse{Note: "New node registered with network successfully"})
}

func (h *Handler) RegisterNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewNodeURL == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required newNodeUrl"})
		return
	}

	h.node.registry.Add(req.NewNodeURL)
	c.JSON(http.StatusOK, noteResponse{Note: "New node registered successfully"})
}

func (h *Handler) RegisterNodes(c *gin.Context) {
	var req registerNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing required allNetworkNodes"})
		return
	}

	h.node.registry.AddAll(req.AllNetworkNodes)
	c.JSON(http.StatusOK, noteResponse{Note: "Multiple nodes registered successfully"})
}

func (h *Handler) Consensus(c *gin.Context) {
	result, err := h.node.RunConsensus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	chain, err := h.node.chain.Chain()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	note := "Current chain has not been replaced"
	if result.Replaced {
		note = "This chain has been replaced"
	}

	c.JSON(http.StatusOK, ConsensusResponse{
		Note:     note,
		Replaced: result.Replaced,
		Chain:    chain,
	})
}

func (h *Handler) Acknowledge(c *gin.Context) {
	c.JSON(http.StatusOK, acknowledgeResponse{NetworkNodes: h.node.registry.Peers()})
}
