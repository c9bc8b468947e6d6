package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/wattcoin/bounty-engine/internal/retry"
)

// Client talks JSON-RPC to a Solana-compatible node. Reads (transaction
// lookup, token balances) go straight over HTTP; writes are produced by a
// Signer and submitted via sendTransaction. The client never holds key
// material itself.
type Client struct {
	Config Config
	http   *http.Client
	signer Signer
}

type Config struct {
	URL           string
	TokenMint     string
	TokenDecimals int
	Timeout       time.Duration
}

// Signer produces a signed, serialized token-transfer transaction. The
// actual keypair handling lives behind this interface so the engine can run
// against a local signer, a remote signing service, or a test fake.
type Signer interface {
	// SignTransfer returns a base64-encoded signed transaction moving
	// baseUnits of the configured token from the escrow account to dest,
	// with memo attached.
	SignTransfer(ctx context.Context, dest string, baseUnits uint64, memo string) (string, error)
}

func NewClient(cfg Config, signer Signer) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		Config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		signer: signer,
	}
}

// ── JSON-RPC plumbing ─────────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. RPC-level errors come back as
// plain errors; callers classify them for retry.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config.URL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", method, httpResp.StatusCode, truncate(string(body), 200))
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%s: unmarshal rpc response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ── Transaction lookup ────────────────────────────────────────────────

// TokenBalance mirrors the pre/postTokenBalances entries of a confirmed
// transaction. UIAmount is the node's float rendering; Amount is the raw
// base-unit string, which is what the verifier trusts.
type UITokenAmount struct {
	Amount   string   `json:"amount"`
	Decimals int      `json:"decimals"`
	UIAmount *float64 `json:"uiAmount"`
}

type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

type TransactionMeta struct {
	Err               any            `json:"err"`
	PreTokenBalances  []TokenBalance `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `json:"postTokenBalances"`
}

type TransactionResult struct {
	Meta      *TransactionMeta `json:"meta"`
	BlockTime *int64           `json:"blockTime"`
	Slot      uint64           `json:"slot"`
}

// GetTransaction fetches a confirmed transaction by signature. A nil result
// with nil error means the node does not know the signature (yet) — the
// verifier retries on that to absorb finality lag.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionResult, error) {
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
		},
	}
	var result *TransactionResult
	if err := c.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTokenBalance returns the owner's total balance of the configured mint
// in whole tokens.
func (c *Client) GetTokenBalance(ctx context.Context, owner string) (float64, error) {
	params := []any{
		owner,
		map[string]any{"mint": c.Config.TokenMint},
		map[string]any{"encoding": "jsonParsed"},
	}
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								UIAmount *float64 `json:"uiAmount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return 0, err
	}
	var total float64
	for _, acct := range result.Value {
		if ui := acct.Account.Data.Parsed.Info.TokenAmount.UIAmount; ui != nil {
			total += *ui
		}
	}
	return total, nil
}

// ── Token transfer ────────────────────────────────────────────────────

// transient RPC failures worth a resend; anything else is permanent.
func isTransientSendErr(err error) bool {
	msg := err.Error()
	for _, frag := range []string{
		"http 5", "Blockhash not found", "node is behind",
		"Too Many Requests", "http 429", "timeout", "connection",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// SendToken signs and submits a transfer of amount whole tokens to dest,
// retrying transient submission failures with backoff. Returns the
// transaction signature.
func (c *Client) SendToken(ctx context.Context, dest string, amount int64, memo string) (string, error) {
	if c.signer == nil {
		return "", fmt.Errorf("sendToken: no signer configured")
	}
	if amount <= 0 {
		return "", fmt.Errorf("sendToken: non-positive amount %d", amount)
	}

	baseUnits := uint64(amount)
	for i := 0; i < c.Config.TokenDecimals; i++ {
		baseUnits *= 10
	}

	var signature string
	err := retry.Do(ctx, 3, 2*time.Second, func() error {
		signed, err := c.signer.SignTransfer(ctx, dest, baseUnits, memo)
		if err != nil {
			return &retry.Permanent{Err: fmt.Errorf("sign transfer: %w", err)}
		}
		var sig string
		callErr := c.call(ctx, "sendTransaction", []any{
			signed,
			map[string]any{"encoding": "base64", "skipPreflight": false},
		}, &sig)
		if callErr != nil {
			if isTransientSendErr(callErr) {
				return callErr
			}
			return &retry.Permanent{Err: callErr}
		}
		signature = sig
		return nil
	})
	if err != nil {
		return "", err
	}

	log.Printf("[CHAIN] Sent %d WATT to %s (memo=%q sig=%s)", amount, dest, memo, signature)
	return signature, nil
}
