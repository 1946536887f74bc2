// Package httpstore is a triage.Store that talks to a winnow server's
// partition API. It also carries the operator calls used by winnowctl.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/winnow/internal/triage"
	"github.com/linnemanlabs/winnow/internal/triageapi"
)

const defaultTimeout = 30 * time.Second

// Options configures a Client. BaseURL is required.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Client calls /api/v1 on a winnow server.
type Client struct {
	base   string
	token  string
	client *http.Client
}

var _ triage.Store = (*Client)(nil)

// New creates a client. It panics when BaseURL is empty.
func New(o Options) *Client {
	if o.BaseURL == "" {
		panic(xerrors.New("httpstore base url is required"))
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		base:   strings.TrimRight(o.BaseURL, "/") + "/api/v1",
		token:  o.Token,
		client: o.HTTPClient,
	}
}

// Get returns the partition as the server sees it.
func (c *Client) Get(ctx context.Context, key string) (triage.Partition, error) {
	var resp triageapi.PartitionResponse
	if err := c.do(ctx, http.MethodGet, partitionPath(key), nil, "", &resp); err != nil {
		return triage.Partition{}, err
	}
	return triage.NormalizePartition(triage.Partition{Key: key, Kept: resp.Kept, Rejected: resp.Rejected}), nil
}

// PutOne replaces the partition's lists. A server that could only reach its
// own mirror is reported as unavailable, since the write is not durable.
func (c *Client) PutOne(ctx context.Context, key string, kept, rejected []triage.Item) (triage.Partition, error) {
	if key == "" {
		return triage.Partition{}, triage.ErrNoPartition
	}
	body, err := json.Marshal(struct {
		Kept     []triage.Item `json:"kept"`
		Rejected []triage.Item `json:"rejected"`
	}{nonNil(kept), nonNil(rejected)})
	if err != nil {
		return triage.Partition{}, fmt.Errorf("encode partition %s: %w", key, err)
	}

	var resp triageapi.PartitionResponse
	if err := c.do(ctx, http.MethodPut, partitionPath(key), body, "application/json", &resp); err != nil {
		return triage.Partition{}, err
	}
	if resp.Warning != "" {
		return triage.Partition{}, triage.Unavailable("put partition "+key, errors.New(resp.Warning))
	}
	return triage.NormalizePartition(triage.Partition{Key: key, Kept: resp.Kept, Rejected: resp.Rejected}), nil
}

// DeleteOne clears the partition and its resume offset on the server.
func (c *Client) DeleteOne(ctx context.Context, key string) error {
	if key == "" {
		return triage.ErrNoPartition
	}
	return c.do(ctx, http.MethodDelete, partitionPath(key), nil, "", nil)
}

// Export fetches the partition's list document.
func (c *Client) Export(ctx context.Context, key string) (triage.ListsDocument, error) {
	var doc triage.ListsDocument
	err := c.do(ctx, http.MethodGet, partitionPath(key)+"/export", nil, "", &doc)
	return doc, err
}

// Import replaces the partition's lists from a list document. The returned
// warning is non-empty when the server only reached its mirror.
func (c *Client) Import(ctx context.Context, key string, doc []byte) (triage.Partition, string, error) {
	var resp triageapi.PartitionResponse
	if err := c.do(ctx, http.MethodPost, partitionPath(key)+"/import", doc, "application/json", &resp); err != nil {
		return triage.Partition{}, "", err
	}
	return resp.Partition, resp.Warning, nil
}

// Reconcile submits an external list. An empty format lets the server detect it.
func (c *Client) Reconcile(ctx context.Context, key string, format triage.ImportFormat, body []byte) (triage.ReconcileReport, string, error) {
	path := partitionPath(key) + "/reconcile"
	ct := "application/octet-stream"
	if format != "" {
		path += "?format=" + url.QueryEscape(string(format))
		ct = contentType(format)
	}
	var resp triageapi.ReconcileResponse
	if err := c.do(ctx, http.MethodPost, path, body, ct, &resp); err != nil {
		return triage.ReconcileReport{}, "", err
	}
	return resp.ReconcileReport, resp.Warning, nil
}

// Platforms lists the catalog's partitions.
func (c *Client) Platforms(ctx context.Context) ([]triage.Platform, error) {
	var out []triage.Platform
	if err := c.do(ctx, http.MethodGet, "/platforms", nil, "", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []triage.Platform{}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, ct string, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return triage.Unavailable(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// decodeError turns an API error body back into the triage sentinel it was
// produced from.
func decodeError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb triageapi.ErrorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	if sentinel := triageapi.Sentinel(eb.Code); sentinel != nil {
		// server-side timeouts count as unavailable
		if errors.Is(sentinel, triage.ErrUpstreamUnavailable) || errors.Is(sentinel, context.DeadlineExceeded) {
			return triage.Unavailable(method+" "+path, errors.New(msg))
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, sentinel, msg)
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusGatewayTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return triage.Unavailable(method+" "+path, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// StatusError is a non-2xx response that maps to no triage error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func partitionPath(key string) string {
	return "/partitions/" + url.PathEscape(key)
}

func contentType(f triage.ImportFormat) string {
	switch f {
	case triage.FormatXML:
		return "application/xml"
	case triage.FormatYAML:
		return "application/yaml"
	}
	return "application/json"
}

func nonNil(items []triage.Item) []triage.Item {
	if items == nil {
		return []triage.Item{}
	}
	return items
}
