package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"esgcoupon/observability"
	"esgcoupon/services/issuanced/authorizer"
)

const (
	jsonRPCVersion = "2.0"

	// codeNotFound is returned by the node for unknown assets.
	codeNotFound = -32004
)

// Client is a thin JSON-RPC wrapper over the token network node.
type Client struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("nodeapi: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

type balanceResult struct {
	Amount  string `json:"amount"`
	OptedIn bool   `json:"optedIn"`
}

// Balance queries asset_balance.
func (c *Client) Balance(ctx context.Context, address, assetID string) (Balance, error) {
	var result balanceResult
	if err := c.call(ctx, "asset_balance", []interface{}{address, assetID}, &result); err != nil {
		return Balance{}, err
	}
	amount, err := parseAmount(result.Amount)
	if err != nil {
		return Balance{}, fmt.Errorf("nodeapi: balance of %s: %w", address, err)
	}
	return Balance{Address: address, AssetID: assetID, Amount: amount, OptedIn: result.OptedIn}, nil
}

type assetResult struct {
	TotalSupply  string `json:"totalSupply"`
	MetadataHash string `json:"metadataHash"`
}

// Asset queries asset_info.
func (c *Client) Asset(ctx context.Context, assetID string) (Asset, error) {
	var result assetResult
	if err := c.call(ctx, "asset_info", []interface{}{assetID}, &result); err != nil {
		return Asset{}, err
	}
	supply, err := parseAmount(result.TotalSupply)
	if err != nil {
		return Asset{}, fmt.Errorf("nodeapi: total supply of %s: %w", assetID, err)
	}
	return Asset{AssetID: assetID, TotalSupply: supply, MetadataHash: strings.TrimSpace(result.MetadataHash)}, nil
}

// Broadcast submits an authorized action via authority_broadcast. The action
// id is sent as the idempotency key so a retried submission is not executed
// twice by the node.
func (c *Client) Broadcast(ctx context.Context, desc authorizer.Descriptor) (string, error) {
	payload := map[string]interface{}{
		"descriptor":     desc,
		"idempotencyKey": desc.ActionID,
	}
	var result struct {
		TxRef string `json:"txRef"`
	}
	if err := c.call(ctx, "authority_broadcast", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result.TxRef), nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uint256.NewInt(0), nil
	}
	return uint256.FromDecimal(trimmed)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) (err error) {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("nodeapi: client not configured")
	}
	start := time.Now()
	defer func() { observability.Oracle().ObserveCall(method, time.Since(start), err) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
		}
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, method, resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("nodeapi: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeNotFound {
			return fmt.Errorf("%w: %s", ErrAssetNotFound, rpcResp.Error.Message)
		}
		return fmt.Errorf("nodeapi: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nodeapi: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("nodeapi: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var (
	_ BalanceOracle = (*Client)(nil)
	_ Transactor    = (*Client)(nil)
)
