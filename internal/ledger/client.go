// Package ledger is the client for the ledger RPC service: balances, block
// references, transfer build/submit and confirmation polling.
//
// No call is retried here. Retry policy belongs to the caller.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/mmynk/splitpay/internal/models"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultHTTPTimeout  = 10 * time.Second
	maxResponseBytes    = 1 << 20
)

// Status is the confirmation state of a broadcast transfer.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"

	// StatusUnknown means no status call succeeded.
	StatusUnknown Status = "unknown"
)

// BlockRef is a recent block reference and the height it expires at.
type BlockRef struct {
	Hash         string
	ExpiryHeight uint64
}

// Health is the ledger service health report.
type Health struct {
	Status  string `json:"status"`
	Network string `json:"network"`
	Port    int    `json:"port"`
}

// Client talks to the ledger RPC service over HTTP/JSON.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithPollInterval sets the minimum spacing between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", baseURL)
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ledger")
	return c, nil
}

// GetBalance returns the balance of account in lamports.
func (c *Client) GetBalance(ctx context.Context, account string) (uint64, error) {
	if _, err := solana.PublicKeyFromBase58(account); err != nil {
		return 0, fmt.Errorf("invalid account %q: %w", account, err)
	}

	body, err := c.do(ctx, http.MethodGet, "/wallet/balance/"+url.PathEscape(account), nil)
	if err != nil {
		return 0, err
	}
	lamports := gjson.GetBytes(body, "lamports")
	if !lamports.Exists() {
		return 0, fmt.Errorf("%w: balance response without lamports", ErrInvalidResponse)
	}
	return lamports.Uint(), nil
}

// GetRecentBlockReference returns a fresh block reference.
func (c *Client) GetRecentBlockReference(ctx context.Context) (BlockRef, error) {
	body, err := c.do(ctx, http.MethodGet, "/blocks/latest", nil)
	if err != nil {
		return BlockRef{}, err
	}
	return parseBlockRef(body)
}

// BuildTransfer asks the service to assemble an unsigned transfer of native
// lamports against ref.
func (c *Client) BuildTransfer(ctx context.Context, from, to string, native uint64, ref BlockRef) (*models.UnsignedTransfer, error) {
	for _, account := range []string{from, to} {
		if _, err := solana.PublicKeyFromBase58(account); err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", account, err)
		}
	}

	body, err := c.do(ctx, http.MethodPost, "/transactions/build", map[string]any{
		"from":            from,
		"to":              to,
		"amountNative":    native,
		"recentBlockhash": ref.Hash,
	})
	if err != nil {
		return nil, err
	}

	payload := gjson.GetBytes(body, "transaction").String()
	if payload == "" {
		return nil, fmt.Errorf("%w: build response without transaction", ErrInvalidResponse)
	}

	built := ref
	if gjson.GetBytes(body, "blockhash").Exists() {
		if built, err = parseBlockRef(body); err != nil {
			return nil, err
		}
	}

	return &models.UnsignedTransfer{
		From:         from,
		To:           to,
		Native:       native,
		Payload:      payload,
		BlockRef:     built.Hash,
		ExpiryHeight: built.ExpiryHeight,
	}, nil
}

// SubmitSigned broadcasts a signed transfer and returns its ledger signature.
func (c *Client) SubmitSigned(ctx context.Context, signed *models.SignedTransfer) (string, error) {
	if signed == nil || signed.Payload == "" {
		return "", fmt.Errorf("%w: empty signed payload", ErrRejected)
	}

	body, err := c.do(ctx, http.MethodPost, "/transactions/send", map[string]any{
		"signedTransferBase64": signed.Payload,
	})
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			return "", newRejected(reqErr.msg)
		}
		return "", err
	}
	return parseSignature(body)
}

// Status returns the current confirmation status of signature.
func (c *Client) Status(ctx context.Context, signature string) (Status, error) {
	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return StatusUnknown, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	body, err := c.do(ctx, http.MethodGet, "/transactions/status/"+url.PathEscape(signature), nil)
	if err != nil {
		return StatusUnknown, err
	}

	if e := gjson.GetBytes(body, "err"); e.Exists() && e.Type != gjson.Null && e.String() != "" {
		return StatusFailed, nil
	}
	switch strings.ToLower(gjson.GetBytes(body, "status").String()) {
	case "confirmed", "finalized":
		return StatusConfirmed, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

// Confirm polls until signature reaches a terminal status or timeout
// elapses. It never blocks past timeout.
//
// On timeout it returns StatusPending with ErrConfirmationTimeout when at
// least one poll succeeded, or StatusUnknown with the last poll error when
// none did.
func (c *Client) Confirm(ctx context.Context, signature string, timeout time.Duration) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	var lastErr error
	polled := false

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		status, err := c.Status(ctx, signature)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			lastErr = err
			c.logger.Debug("Status poll failed", "signature", signature, "error", err)
			if errors.Is(err, ErrNetworkUnavailable) {
				continue
			}
			return StatusUnknown, err
		}
		polled = true

		if status == StatusConfirmed || status == StatusFailed {
			return status, nil
		}
	}

	if polled {
		return StatusPending, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, signature, timeout)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no status poll completed within %s", ErrNetworkUnavailable, timeout)
	}
	return StatusUnknown, lastErr
}

// RequestTestFunds asks a test network for lamports to account. The returned
// signature follows the same confirmation contract as a transfer.
func (c *Client) RequestTestFunds(ctx context.Context, account string, lamports uint64) (string, error) {
	if _, err := solana.PublicKeyFromBase58(account); err != nil {
		return "", fmt.Errorf("invalid account %q: %w", account, err)
	}

	body, err := c.do(ctx, http.MethodPost, "/wallet/airdrop", map[string]any{
		"account": account,
		"amount":  float64(lamports) / float64(solana.LAMPORTS_PER_SOL),
	})
	if err != nil {
		return "", err
	}
	return parseSignature(body)
}

// Health reads the service health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	body, err := c.request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &h, nil
}

// do performs a request and enforces the {success: bool, ...} envelope.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := c.request(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}

	success := gjson.GetBytes(body, "success")
	if !success.Exists() {
		return nil, fmt.Errorf("%w: %s %s: missing success field", ErrInvalidResponse, method, path)
	}
	if !success.Bool() {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = "unspecified error"
		}
		return nil, &requestError{msg: msg}
	}
	return body, nil
}

func (c *Client) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetworkUnavailable, path, err)
	}

	c.logger.Debug("Ledger call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrNetworkUnavailable, method, path, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s %s returned %d with non-JSON body", ErrInvalidResponse, method, path, resp.StatusCode)
	}
	return body, nil
}

func parseBlockRef(body []byte) (BlockRef, error) {
	hash := gjson.GetBytes(body, "blockhash").String()
	if _, err := solana.HashFromBase58(hash); err != nil {
		return BlockRef{}, fmt.Errorf("%w: invalid blockhash %q", ErrInvalidResponse, hash)
	}
	return BlockRef{
		Hash:         hash,
		ExpiryHeight: gjson.GetBytes(body, "lastValidBlockHeight").Uint(),
	}, nil
}

// SignatureOf returns the signature a signed payload will be known by on the
// ledger, which is its first transaction signature. It reports false when
// the payload is not a signed transaction.
func SignatureOf(payload string) (string, bool) {
	tx, err := solana.TransactionFromBase64(payload)
	if err != nil || len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return "", false
	}
	return tx.Signatures[0].String(), true
}

func parseSignature(body []byte) (string, error) {
	sig := gjson.GetBytes(body, "signature").String()
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return "", fmt.Errorf("%w: invalid signature %q", ErrInvalidResponse, sig)
	}
	return sig, nil
}
