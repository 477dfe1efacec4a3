package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/insignia/insignia/internal/ledger"
)

var ErrPeerStatus = errors.New("unexpected peer status")

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client speaks the peer wire API. Every call takes the peer's base URL, so
// one client serves the whole registry.
type Client struct {
	httpClient HTTPClient
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func NewClientWithHTTP(client HTTPClient) *Client {
	return &Client{httpClient: client}
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%w %d from %s: %s", ErrPeerStatus, resp.StatusCode, url, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("%w %d from %s", ErrPeerStatus, resp.StatusCode, url)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}

	return resp.StatusCode, nil
}

// FetchChain returns a peer's chain and pending pool.
func (c *Client) FetchChain(ctx context.Context, peer string) (*ledger.ChainSnapshot, error) {
	var snap ledger.ChainSnapshot
	if _, err := c.do(ctx, http.MethodGet, peer+"/chain", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, peer string, tx ledger.Transaction) error {
	_, err := c.do(ctx, http.MethodPost, peer+"/transaction", transactionRequest{Transaction: &tx}, nil)
	return err
}

// BroadcastTransaction asks peer to queue fileHash and forward it to its own
// peers. It returns the block index the transaction is expected to land in.
func (c *Client) BroadcastTransaction(ctx context.Context, peer, fileHash string) (int, error) {
	var resp BroadcastResponse
	if _, err := c.do(ctx, http.MethodPost, peer+"/transaction/broadcast", broadcastRequest{FileHash: fileHash}, &resp); err != nil {
		return 0, err
	}
	return resp.Block, nil
}

func (c *Client) PostBlock(ctx context.Context, peer string, block ledger.Block) error {
	_, err := c.do(ctx, http.MethodPost, peer+"/receive-new-block", blockRequest{Block: &block}, nil)
	return err
}

func (c *Client) RegisterNode(ctx context.Context, peer, newNodeURL string) error {
	_, err := c.do(ctx, http.MethodPost, peer+"/register-node", registerNodeRequest{NewNodeURL: newNodeURL}, nil)
	return err
}

func (c *Client) RegisterNodes(ctx context.Context, peer string, urls []string) error {
	_, err := c.do(ctx, http.MethodPost, peer+"/register-multiple-nodes", registerNodesRequest{AllNetworkNodes: urls}, nil)
	return err
}

func (c *Client) RegisterAndBroadcast(ctx context.Context, peer, newNodeURL string) error {
	_, err := c.do(ctx, http.MethodPost, peer+"/register-and-broadcast-node", registerNodeRequest{NewNodeURL: newNodeURL}, nil)
	return err
}

// VerifyTransaction asks peer whether fileHash was notarized in the block at
// index. A block the peer does not know yields ledger.ErrBlockNotFound.
func (c *Client) VerifyTransaction(ctx context.Context, peer string, index int, fileHash string) (*VerifyResponse, error) {
	var resp VerifyResponse
	url := fmt.Sprintf("%s/transaction/verify/%d/%s", peer, index, fileHash)

	status, err := c.do(ctx, http.MethodGet, url, nil, &resp)
	if status == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %v", ledger.ErrBlockNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Consensus(ctx context.Context, peer string) (*ConsensusResponse, error) {
	var resp ConsensusResponse
	if _, err := c.do(ctx, http.MethodGet, peer+"/consensus", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Peers(ctx context.Context, peer string) ([]string, error) {
	var resp acknowledgeResponse
	if _, err := c.do(ctx, http.MethodGet, peer+"/network-acknowledge", nil, &resp); err != nil {
		return nil, err
	}
	return resp.NetworkNodes, nil
}
