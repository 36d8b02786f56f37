// Package rpc provides chain daemon communication with multi-upstream failover.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrNoBlockHeader is returned when the daemon answers without a block header
var ErrNoBlockHeader = errors.New("no block header returned")

// DaemonClient handles communication with a chain daemon's JSON-RPC endpoint
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockHeader is the daemon's view of the block at a height
type BlockHeader struct {
	Hash         string `json:"hash"`
	PrevHash     string `json:"prev_hash"`
	Height       uint64 `json:"height"`
	Depth        uint64 `json:"depth"`
	Reward       uint64 `json:"reward"`
	Difficulty   uint64 `json:"difficulty"`
	Timestamp    int64  `json:"timestamp"`
	OrphanStatus bool   `json:"orphan_status"`
}

type blockHeaderResult struct {
	Status      string       `json:"status"`
	BlockHeader *BlockHeader `json:"block_header"`
}

// call makes an RPC call with named params
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// URL returns the endpoint the client talks to
func (c *DaemonClient) URL() string {
	return c.url
}

func decodeHeader(result json.RawMessage) (*BlockHeader, error) {
	var res blockHeaderResult
	if len(result) > 0 && string(result) != "null" {
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, err
		}
	}
	if res.BlockHeader == nil {
		return nil, ErrNoBlockHeader
	}
	return res.BlockHeader, nil
}

// GetBlockHeaderByHeight returns the header of the main-chain block at height
func (c *DaemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	result, err := c.call(ctx, "getblockheaderbyheight", map[string]uint64{"height": height})
	if err != nil {
		return nil, err
	}

	header, err := decodeHeader(result)
	if err != nil {
		return nil, fmt.Errorf("height %d: %w", height, err)
	}
	return header, nil
}

// GetLastBlockHeader returns the header of the chain tip
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	result, err := c.call(ctx, "getlastblockheader", nil)
	if err != nil {
		return nil, err
	}
	return decodeHeader(result)
}
