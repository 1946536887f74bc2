// Package igdb is a triage.Catalog over the IGDB v4 API. Partition keys are
// IGDB platform ids.
package igdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/winnow/internal/triage"
)

const (
	DefaultBaseURL = "https://api.igdb.com/v4"
	DefaultAuthURL = "https://id.twitch.tv/oauth2/token"

	// maxLimit is the largest page IGDB serves.
	maxLimit = 500
	// tokenLifetime is assumed when the token response carries no expiry.
	tokenLifetime = 50 * 24 * time.Hour
	// tokenSkew refreshes a little before the server-side expiry.
	tokenSkew = time.Minute
)

// Options configures a Client. ClientID and ClientSecret are required.
type Options struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	AuthURL      string
	HTTPClient   *http.Client
	Logger       log.Logger
}

// Client talks to IGDB with an app access token it fetches and refreshes on
// demand. The token belongs to the instance.
type Client struct {
	clientID     string
	clientSecret string
	baseURL      string
	authURL      string
	httpClient   *http.Client
	logger       log.Logger
	now          func() time.Time

	mu  sync.Mutex
	tok token
}

type token struct {
	value     string
	expiresAt time.Time
}

func (t token) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

var (
	_ triage.Catalog        = (*Client)(nil)
	_ triage.PlatformLister = (*Client)(nil)
)

// New creates a client. It panics when credentials are missing.
func New(o Options) *Client {
	if o.ClientID == "" || o.ClientSecret == "" {
		panic(xerrors.New("igdb client id and secret are required"))
	}
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.AuthURL == "" {
		o.AuthURL = DefaultAuthURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	return &Client{
		clientID:     o.ClientID,
		clientSecret: o.ClientSecret,
		baseURL:      strings.TrimRight(o.BaseURL, "/"),
		authURL:      o.AuthURL,
		httpClient:   o.HTTPClient,
		logger:       o.Logger,
		now:          time.Now,
	}
}

type game struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Cover *struct {
		ID      int64  `json:"id"`
		ImageID string `json:"image_id"`
	} `json:"cover"`
}

func (g game) item() triage.Item {
	it := triage.Item{ID: g.ID, Name: g.Name, Slug: g.Slug}
	if g.Cover != nil {
		it.Cover = &triage.Cover{ID: g.Cover.ID, ImageID: g.Cover.ImageID}
	}
	return it
}

const gameFields = "fields id,name,slug,cover.id,cover.image_id;"

// ListByPartition pages a platform's games sorted by name.
func (c *Client) ListByPartition(ctx context.Context, key string, offset, limit int) ([]triage.Item, error) {
	platformID, err := strconv.ParseInt(key, 10, 64)
	if err != nil || platformID <= 0 {
		return nil, fmt.Errorf("platform key %q: want a numeric igdb platform id", key)
	}
	q := fmt.Sprintf("%s where platforms = (%d); sort name asc; limit %d; offset %d;",
		gameFields, platformID, clampLimit(limit), max(offset, 0))

	var games []game
	if err := c.post(ctx, "/games", q, &games); err != nil {
		return nil, err
	}
	return items(games), nil
}

// Search runs IGDB's relevance search for name.
func (c *Client) Search(ctx context.Context, name string, limit int) ([]triage.Item, error) {
	q := fmt.Sprintf(`search "%s"; %s limit %d;`, escape(name), gameFields, clampLimit(limit))

	var games []game
	if err := c.post(ctx, "/games", q, &games); err != nil {
		return nil, err
	}
	return items(games), nil
}

// ListPlatforms lists every IGDB platform by name.
func (c *Client) ListPlatforms(ctx context.Context) ([]triage.Platform, error) {
	var out []triage.Platform
	q := fmt.Sprintf("fields id,name,slug; sort name asc; limit %d;", maxLimit)
	if err := c.post(ctx, "/platforms", q, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []triage.Platform{}
	}
	return out, nil
}

// post sends an apicalypse query. A 401 drops the cached token and retries once.
func (c *Client) post(ctx context.Context, endpoint, query string, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}

		status, body, err := c.do(ctx, endpoint, query, tok)
		if err != nil {
			return triage.Unavailable("igdb "+endpoint, err)
		}
		switch {
		case status == http.StatusUnauthorized && attempt == 0:
			c.invalidate(tok)
			continue
		case status == http.StatusTooManyRequests || status >= 500:
			return triage.Unavailable("igdb "+endpoint, fmt.Errorf("status %d: %s", status, snippet(body)))
		case status != http.StatusOK:
			return fmt.Errorf("igdb %s returned %d: %s", endpoint, status, snippet(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("igdb %s: decode response: %w", endpoint, err)
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, endpoint, query, tok string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(query))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// token returns a valid access token, fetching one when none is cached or the
// cached one expired. Concurrent callers share one fetch.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.valid(c.now()) {
		return c.tok.value, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", triage.Unavailable("igdb token", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", triage.Unavailable("igdb token", err)
	}
	if resp.StatusCode >= 500 {
		return "", triage.Unavailable("igdb token", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("igdb token rejected (%d): %s", resp.StatusCode, snippet(body))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", fmt.Errorf("igdb token: malformed response: %s", snippet(body))
	}

	lifetime := tokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn)*time.Second - tokenSkew
	}
	c.tok = token{value: tr.AccessToken, expiresAt: c.now().Add(lifetime)}
	c.logger.Info(ctx, "igdb access token refreshed", "expires_at", c.tok.expiresAt)
	return c.tok.value, nil
}

func (c *Client) invalidate(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok.value == tok {
		c.tok = token{}
	}
}

func items(games []game) []triage.Item {
	out := make([]triage.Item, 0, len(games))
	for _, g := range games {
		out = append(out, g.item())
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 || n > maxLimit {
		return maxLimit
	}
	return n
}

// escape makes s safe inside an apicalypse string literal.
func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func snippet(b []byte) string {
	const n = 256
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
