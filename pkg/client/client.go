package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/chainchat/internal/intake"
	"github.com/jmerrifield20/chainchat/internal/ledger"
)

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the node rejects the session token.
var ErrUnauthorized = errors.New("unauthorized")

// maxChainBody bounds a full-chain download.
const maxChainBody = 64 << 20

// ChainInfo is the summary returned by GET /api/v1/chain/info.
type ChainInfo struct {
	ChainLength int                 `json:"chain_length"`
	IsValid     bool                `json:"is_valid"`
	Difficulty  int                 `json:"difficulty"`
	Peers       int                 `json:"peers"`
	LatestBlock ledger.SealedRecord `json:"latest_block"`
}

// PostResult is returned by PostMessage.
type PostResult struct {
	Message intake.Message      `json:"message"`
	Record  ledger.SealedRecord `json:"record"`
}

// PeerList is returned by Peers.
type PeerList struct {
	PeerCount int      `json:"peer_count"`
	Peers     []string `json:"peers"`
}

// Client talks to one chainchat node.
type Client struct {
	base          string
	httpClient    *http.Client
	bearerToken   string
	minDifficulty int
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithMinDifficulty sets the lowest per-record difficulty Audit accepts.
// Records declaring less are reported as insufficient work.
func WithMinDifficulty(d int) Option {
	return func(c *Client) error {
		if d < 0 || d > ledger.MaxDifficulty {
			return fmt.Errorf("min difficulty %d out of range [0,%d]", d, ledger.MaxDifficulty)
		}
		c.minDifficulty = d
		return nil
	}
}

// New creates a Client for the node at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Info returns the node's chain summary.
func (c *Client) Info(ctx context.Context) (*ChainInfo, error) {
	var out ChainInfo
	if err := c.getJSON(ctx, "/api/v1/chain/info", 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chain downloads every record.
func (c *Client) Chain(ctx context.Context) ([]ledger.SealedRecord, error) {
	var out []ledger.SealedRecord
	if err := c.getJSON(ctx, "/api/v1/chain", maxChainBody, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Record returns the record at index.
func (c *Client) Record(ctx context.Context, index int) (*ledger.SealedRecord, error) {
	var out ledger.SealedRecord
	if err := c.getJSON(ctx, "/api/v1/chain/records/"+strconv.Itoa(index), 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tail returns the most recently appended record.
func (c *Client) Tail(ctx context.Context) (*ledger.SealedRecord, error) {
	var out ledger.SealedRecord
	if err := c.getJSON(ctx, "/api/v1/chain/tail", 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServerVerify returns the node's own validation report.
func (c *Client) ServerVerify(ctx context.Context) (*ledger.Report, error) {
	var out ledger.Report
	if err := c.getJSON(ctx, "/api/v1/chain/verify", maxChainBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit downloads the chain and validates it locally against the floor set
// with WithMinDifficulty.
func (c *Client) Audit(ctx context.Context) (ledger.Report, error) {
	records, err := c.Chain(ctx)
	if err != nil {
		return ledger.Report{}, err
	}
	if len(records) == 0 {
		return ledger.Report{}, ledger.ErrEmptyLedger
	}
	return ledger.ValidateChain(records, c.minDifficulty), nil
}

// Peers returns the node's current peer ids.
func (c *Client) Peers(ctx context.Context) (*PeerList, error) {
	var out PeerList
	if err := c.getJSON(ctx, "/api/v1/peers", 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage seals content as the session's user. Requires WithBearerToken.
func (c *Client) PostMessage(ctx context.Context, content string) (*PostResult, error) {
	body, err := json.Marshal(intake.SubmitRequest{Content: content})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out PostResult
	if err := c.do(req, 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages lists up to limit recent messages.
func (c *Client) Messages(ctx context.Context, limit int) ([]intake.Message, error) {
	var out struct {
		Messages []intake.Message `json:"messages"`
	}
	path := "/api/v1/messages?limit=" + strconv.Itoa(limit)
	if err := c.getJSON(ctx, path, 8<<20, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// VerifyMessage checks a stored message against the chain.
func (c *Client) VerifyMessage(ctx context.Context, id string) (*intake.VerifyResult, error) {
	var out intake.VerifyResult
	if err := c.getJSON(ctx, "/api/v1/messages/"+url.PathEscape(id)+"/verify", 1<<20, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, limit int64, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, limit, out)
}

// do executes req, attaching the bearer token if present, and decodes a
// 2xx JSON body into out.
func (c *Client) do(req *http.Request, limit int64, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	case resp.StatusCode >= 300:
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
