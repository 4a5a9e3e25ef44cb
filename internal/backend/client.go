// Package backend is the HTTP client for the trusted execution service: raw
// binary submissions in, account state and round snapshots out.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

// Account is the backend's confirmed view of one signing key.
type Account struct {
	Exists  bool
	Balance *big.Int
	Nonce   uint64
}

// Client talks to the backend's submission and query endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured submit endpoint base.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &UnavailableError{Err: err}
	}
	return resp, nil
}

// Submit ships an encoded submission envelope. A nil return means the backend
// accepted it; permanent rejections come back as *Rejection, transient
// failures as *UnavailableError.
func (c *Client) Submit(ctx context.Context, submission []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/submit", submission, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("submit: %w", &UnavailableError{Err: fmt.Errorf("status %d", resp.StatusCode)})
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var rej struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&rej); err != nil {
			return fmt.Errorf("submit: %w", &Rejection{Code: -1, Message: fmt.Sprintf("status %d", resp.StatusCode)})
		}
		return fmt.Errorf("submit: %w", &Rejection{Code: rej.Code, Message: rej.Message})
	default:
		return fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}
}

// GetAccount queries the confirmed state of one public key. A missing account
// is not an error.
func (c *Client) GetAccount(ctx context.Context, pubKeyHex string) (*Account, error) {
	resp, err := c.do(ctx, http.MethodGet, "/account/"+pubKeyHex, nil, "")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Account{Exists: false, Balance: new(big.Int)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get account: status %d", resp.StatusCode)
	}

	var raw struct {
		Exists  bool   `json:"exists"`
		Balance string `json:"balance"`
		Nonce   uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("get account: decode: %w", err)
	}

	acct := &Account{Exists: raw.Exists, Nonce: raw.Nonce, Balance: new(big.Int)}
	if raw.Balance != "" {
		if _, ok := acct.Balance.SetString(raw.Balance, 10); !ok {
			return nil, fmt.Errorf("get account: bad balance %q", raw.Balance)
		}
	}
	return acct, nil
}

// RoundSnapshot fetches the current round of a table game as raw lookup
// bytes. No active round yields (nil, nil).
func (c *Client) RoundSnapshot(ctx context.Context, game string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/round/"+game, nil, "")
	if err != nil {
		return nil, fmt.Errorf("round snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("round snapshot: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// Health probes backend reachability.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}
