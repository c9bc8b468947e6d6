package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteSigner delegates transaction construction and signing to an
// external signing service. The engine never sees the escrow keypair:
// it sends the transfer intent and receives a base64 serialized signed
// transaction ready for sendTransaction.
type RemoteSigner struct {
	url   string
	token string
	http  *http.Client
}

func NewRemoteSigner(url, token string, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSigner{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Destination string `json:"destination"`
	BaseUnits   uint64 `json:"baseUnits"`
	Memo        string `json:"memo"`
}

type signResponse struct {
	SignedTx string `json:"signedTx"`
	Error    string `json:"error,omitempty"`
}

func (s *RemoteSigner) SignTransfer(ctx context.Context, dest string, baseUnits uint64, memo string) (string, error) {
	payload, err := json.Marshal(signRequest{Destination: dest, BaseUnits: baseUnits, Memo: memo})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/sign", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out signResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("invalid signer response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("signer error: %s", out.Error)
	}
	if out.SignedTx == "" {
		return "", fmt.Errorf("signer returned an empty transaction")
	}
	return out.SignedTx, nil
}
