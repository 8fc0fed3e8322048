package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lettershop/internal/condition"
	"lettershop/internal/hmacauth"
	"lettershop/internal/seller"
)

// HeaderPay carries "<amount> <account> <condition>" on a 402 response.
const HeaderPay = "Pay"

var (
	ErrMalformedPayHeader = errors.New("malformed Pay header")
	ErrNotFound           = errors.New("not found")
)

type PayHeader struct {
	Amount    uint64
	Account   string
	Condition string
}

func (h PayHeader) String() string {
	return fmt.Sprintf("%d %s %s", h.Amount, h.Account, h.Condition)
}

func ParsePayHeader(v string) (PayHeader, error) {
	parts := strings.Fields(v)
	if len(parts) != 3 {
		return PayHeader{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedPayHeader, len(parts))
	}
	amount, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return PayHeader{}, fmt.Errorf("%w: amount: %v", ErrMalformedPayHeader, err)
	}
	if _, err := condition.ParseCondition(parts[2]); err != nil {
		return PayHeader{}, fmt.Errorf("%w: condition: %v", ErrMalformedPayHeader, err)
	}
	return PayHeader{Amount: amount, Account: parts[1], Condition: parts[2]}, nil
}

// Client talks to a running shop.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// AdminSecret signs admin requests when set.
	AdminSecret string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// RequestOffer asks the shop for a new letter and returns its terms.
func (c *Client) RequestOffer(ctx context.Context) (PayHeader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"), nil)
	if err != nil {
		return PayHeader{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return PayHeader{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusPaymentRequired {
		return PayHeader{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return ParsePayHeader(resp.Header.Get(HeaderPay))
}

// Retrieve fetches the letter bought with fulfillment.
func (c *Client) Retrieve(ctx context.Context, fulfillment string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"+fulfillment), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimPrefix(string(body), "Your letter: "), nil
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// EscrowStatus reads the operator view of an escrow.
func (c *Client) EscrowStatus(ctx context.Context, cond string) (seller.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/admin/escrows/"+cond), nil)
	if err != nil {
		return seller.Status{}, err
	}
	if c.AdminSecret != "" {
		if err := hmacauth.Sign(req, c.AdminSecret, time.Now()); err != nil {
			return seller.Status{}, err
		}
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return seller.Status{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return seller.Status{}, ErrNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return seller.Status{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var st seller.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return seller.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
