// Package remote is a storage.DebtStore backed by the external contact/debt
// HTTP service.
package remote

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
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

// ErrUnavailable is a transport failure, a 5xx, or an open breaker.
var ErrUnavailable = errors.New("debt store unavailable")

var _ storage.DebtStore = (*Client)(nil)

// Client talks to the debt service. The creditor of every record is passed as
// user_email and the debtor is the contact email.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// BreakerSettings tunes the circuit breaker around every call.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// New creates a client for the service at baseURL.
func New(baseURL string, httpClient *http.Client, bs BreakerSettings, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid debt store URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 5
	}
	if bs.OpenTimeout == 0 {
		bs.OpenTimeout = 30 * time.Second
	}
	logger = logger.With("component", "debtstore")

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "debt-store",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// GetDebt reads the contact's debt info.
func (c *Client) GetDebt(ctx context.Context, key models.DebtKey) (*models.DebtRecord, error) {
	path := "/contact/" + url.PathEscape(key.Debtor) + "?user_email=" + url.QueryEscape(key.Creditor)
	body, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	info := gjson.GetBytes(body, "debt_info")
	if !info.Exists() {
		return nil, fmt.Errorf("%w: %s", storage.ErrDebtNotFound, key)
	}
	total, err := parseAmount(info.Get("owes_me"))
	if err != nil {
		return nil, err
	}
	paid, err := parseAmount(info.Get("paid_back_to_me"))
	if err != nil {
		return nil, err
	}

	rec := &models.DebtRecord{Key: key, TotalOwed: total, PaidToDate: paid}
	if err := rec.Check(); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordPayment reads the record, posts the payment and reads it back. The
// service clamps paid_back_to_me to owes_me but keeps no payment references,
// so a post that went through is never reported as failed: when only the
// read-back fails the returned record is computed from the first read.
func (c *Client) RecordPayment(ctx context.Context, payment models.Payment) (*models.DebtRecord, error) {
	if err := payment.Key.Validate(); err != nil {
		return nil, err
	}
	if !payment.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", payment.Amount)
	}

	before, err := c.GetDebt(ctx, payment.Key)
	if err != nil {
		return nil, err
	}

	_, err = c.call(ctx, http.MethodPost, "/record_payment", map[string]any{
		"contact_email": payment.Key.Debtor,
		"user_email":    payment.Key.Creditor,
		"amount":        json.Number(payment.Amount.String()),
		"description":   payment.Description,
		"reference":     payment.Reference,
	})
	if err != nil {
		return nil, err
	}

	rec, err := c.GetDebt(ctx, payment.Key)
	if err != nil {
		c.logger.Warn("Payment recorded but read-back failed",
			"creditor", payment.Key.Creditor, "debtor", payment.Key.Debtor,
			"reference", payment.Reference, "error", err)
		local := *before
		local.PaidToDate = decimal.Min(before.PaidToDate.Add(payment.Amount), before.TotalOwed)
		return &local, nil
	}
	return rec, nil
}

// AddCharges posts one /confirm_split per (creditor, amount) group.
func (c *Client) AddCharges(ctx context.Context, charges []models.Charge) error {
	type group struct {
		creditor     string
		amount       decimal.Decimal
		participants []string
		items        []string
	}
	groups := make(map[string]*group)
	var order []string
	for _, ch := range charges {
		if err := ch.Key.Validate(); err != nil {
			return err
		}
		if !ch.Amount.IsPositive() {
			return fmt.Errorf("charge for %s must be positive, got %s", ch.Key, ch.Amount)
		}
		id := ch.Key.Creditor + "|" + ch.Amount.String()
		g, ok := groups[id]
		if !ok {
			g = &group{creditor: ch.Key.Creditor, amount: ch.Amount}
			groups[id] = g
			order = append(order, id)
		}
		g.participants = append(g.participants, ch.Key.Debtor)
		if ch.Description != "" {
			g.items = append(g.items, ch.Description)
		}
	}
	sort.Strings(order)

	for _, id := range order {
		g := groups[id]
		total := g.amount.Mul(decimal.NewFromInt(int64(len(g.participants))))
		body, err := c.call(ctx, http.MethodPost, "/confirm_split", map[string]any{
			"user_email":            g.creditor,
			"participants":          g.participants,
			"amount_per_person":     json.Number(g.amount.String()),
			"total_amount":          json.Number(total.String()),
			"items":                 g.items,
			"current_user_included": false,
		})
		if err != nil {
			return err
		}

		var failed []string
		gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
			if r.Get("status").String() == "error" {
				failed = append(failed, r.Get("contact_email").String()+": "+r.Get("message").String())
			}
			return true
		})
		if len(failed) > 0 {
			return fmt.Errorf("failed to add charges: %s", strings.Join(failed, "; "))
		}
	}
	return nil
}

// call runs one request through the breaker.
func (c *Client) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}

	c.logger.Debug("Debt store call", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", storage.ErrDebtNotFound, detail(body))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, detail(body))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("debt store refused %s %s (%d): %s", method, path, resp.StatusCode, detail(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("debt store returned non-JSON body for %s", path)
	}
	return body, nil
}

func detail(body []byte) string {
	if d := gjson.GetBytes(body, "detail"); d.Exists() {
		return d.String()
	}
	return strings.TrimSpace(string(body))
}

func parseAmount(r gjson.Result) (decimal.Decimal, error) {
	if !r.Exists() || r.Type == gjson.Null {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(r.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", r.Raw, err)
	}
	return d.Round(2), nil
}
