package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/telemetry"
)

const (
	// DefaultTimeout bounds every document-store request.
	DefaultTimeout = 30 * time.Second

	// defaultMaxResponseBytes caps collection payload reads (10 MB).
	defaultMaxResponseBytes = 10 * 1024 * 1024

	// maxErrorBodyBytes caps how much of an error response body is kept for
	// the error message.
	maxErrorBodyBytes = 2048
)

// Client implements Store over HTTP against the document-store gateway.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	maxBytes int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent with every request.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithMaxResponseBytes caps the size of accepted collection payloads.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// NewClient creates a document-store client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "remote"),
		},
		maxBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchCollection retrieves the raw JSON payload for a collection.
func (c *Client) FetchCollection(ctx context.Context, key shiftcore.CollectionKey) ([]byte, error) {
	const op = "fetch_collection"
	ctx = telemetry.WithRequestOp(ctx, op)

	u := fmt.Sprintf("%s/api/collections/%s", c.baseURL, url.PathEscape(key.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(op, resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(payload)) > c.maxBytes {
		return nil, fmt.Errorf("collection %s payload exceeds %d bytes", key, c.maxBytes)
	}
	return payload, nil
}

// CreateCheckIn writes a single check-in record.
func (c *Client) CreateCheckIn(ctx context.Context, checkIn CheckInRequest) (shiftcore.CheckInRecord, error) {
	const op = "create_checkin"
	ctx = telemetry.WithRequestOp(ctx, op)

	body, err := json.Marshal(checkIn)
	if err != nil {
		return shiftcore.CheckInRecord{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/checkins", bytes.NewReader(body))
	if err != nil {
		return shiftcore.CheckInRecord{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", checkIn.IdempotencyKey)
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return shiftcore.CheckInRecord{}, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return shiftcore.CheckInRecord{}, responseError(op, resp)
	}

	var record shiftcore.CheckInRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.maxBytes)).Decode(&record); err != nil {
		return shiftcore.CheckInRecord{}, fmt.Errorf("decoding check-in response: %w", err)
	}
	return record, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &Error{
		Status:  resp.StatusCode,
		Op:      op,
		Message: strings.TrimSpace(string(body)),
	}
}

// Compile-time interface check
var _ Store = (*Client)(nil)
