package httpcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"qi-agent/core/internal/utils"
)

// Request is one outbound HTTP exchange as seen by a tool adapter.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers map[string]string
	Body    []byte
}

// Response is the (possibly cached) result of a Request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	CacheHit   bool
}

type cacheEntry struct {
	StatusCode int         `json:"status_code"`
	Body       []byte      `json:"body"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Client is an HTTP client with a transparent embedded response cache shared
// by every adapter in the installation. Only 2xx responses are cached; hits
// never touch the network.
type Client struct {
	db         *leveldb.DB
	ttl        time.Duration
	endpointTTL map[string]time.Duration
	httpClient *http.Client
	logger     utils.ExtendedLogger

	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport (used by tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// WithEndpointTTL sets a TTL override for one endpoint key.
func WithEndpointTTL(endpoint string, ttl time.Duration) Option {
	return func(c *Client) { c.endpointTTL[endpoint] = ttl }
}

// NewClient opens (or creates) the cache store at path.
func NewClient(path string, ttl time.Duration, logger utils.ExtendedLogger, opts ...Option) (*Client, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open http cache at %s: %w", path, err)
	}
	c := &Client{
		db:          db,
		ttl:         ttl,
		endpointTTL: make(map[string]time.Duration),
		httpClient:  &http.Client{},
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying store.
func (c *Client) Close() error {
	return c.db.Close()
}

// Fingerprint produces the deterministic cache key for a request: a sha256
// over method, URL, sorted query params, sorted headers, and body.
func Fingerprint(req *Request) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte('\n')
	b.WriteString(req.URL)
	b.WriteByte('\n')

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), req.Params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	b.WriteByte('\n')

	hkeys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		hkeys = append(hkeys, k)
	}
	sort.Strings(hkeys)
	for _, k := range hkeys {
		b.WriteString(strings.ToLower(k))
		b.WriteByte(':')
		b.WriteString(req.Headers[k])
		b.WriteByte('\n')
	}

	sum := sha256.Sum256(append([]byte(b.String()), req.Body...))
	return hex.EncodeToString(sum[:])
}

// Do serves the request from cache when a fresh 2xx entry exists; otherwise
// it performs the exchange and stores successful responses.
func (c *Client) Do(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	key := []byte(Fingerprint(req))

	if resp, ok := c.lookup(key, endpoint); ok {
		if c.logger != nil {
			c.logger.Debugf("http cache hit for endpoint %s", endpoint)
		}
		return resp, nil
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.put(key, resp)
	}
	return resp, nil
}

func (c *Client) lookup(key []byte, endpoint string) (*Response, bool) {
	raw, err := c.db.Get(key, nil)
	if err != nil {
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = c.db.Delete(key, nil)
		return nil, false
	}
	ttl := c.ttl
	if override, ok := c.endpointTTL[endpoint]; ok {
		ttl = override
	}
	if c.now().Sub(entry.StoredAt) > ttl {
		_ = c.db.Delete(key, nil)
		return nil, false
	}
	return &Response{
		StatusCode: entry.StatusCode,
		Body:       entry.Body,
		Header:     entry.Header,
		CacheHit:   true,
	}, true
}

func (c *Client) put(key []byte, resp *Response) {
	entry := cacheEntry{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Header:     resp.Header,
		StoredAt:   c.now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// Writes are idempotent on key; a concurrent writer stores the same value.
	if err := c.db.Put(key, raw, nil); err != nil && c.logger != nil {
		c.logger.Warnf("failed to store http cache entry: %v", err)
	}
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	fullURL := req.URL
	if len(req.Params) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + req.Params.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Header:     httpResp.Header,
	}, nil
}
