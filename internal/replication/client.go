package replication

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
)

// Client speaks the replication protocol to a remote database over HTTP,
// either directly or through the gateway proxy.
type Client struct {
	base     *url.URL
	http     *http.Client
	token    string
	user     string
	password string
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken authenticates requests with a session token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithBasicAuth authenticates requests with database credentials.
func WithBasicAuth(user, password string) ClientOption {
	return func(c *Client) { c.user, c.password = user, password }
}

// NewClient returns a client for endpoint, e.g. http://host/api/couchdb.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("replication: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("replication: endpoint %q must be http or https", endpoint)
	}
	c := &Client{base: u, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(parts []string, query url.Values) string {
	u := *c.base
	raw := c.base.EscapedPath()
	for _, p := range parts {
		u.Path += "/" + p
		raw += "/" + url.PathEscape(p)
	}
	u.RawPath = raw
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Changes reads the change feed after since. A positive wait turns the call
// into a long poll that returns as soon as a change arrives.
func (c *Client) Changes(ctx context.Context, db string, since uint64, limit int, wait time.Duration) (ChangesResponse, error) {
	q := url.Values{}
	q.Set("since", FormatSeq(since))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if wait > 0 {
		q.Set("feed", "longpoll")
		q.Set("timeout", strconv.FormatInt(wait.Milliseconds(), 10))
	}
	var out ChangesResponse
	err := c.do(ctx, http.MethodGet, c.url([]string{db, "_changes"}, q), nil, &out)
	return out, err
}

// BulkDocs writes docs in one request. Per-document failures are reported in
// the results, not as an error.
func (c *Client) BulkDocs(ctx context.Context, db string, docs []map[string]any) ([]BulkResult, error) {
	var out []BulkResult
	err := c.do(ctx, http.MethodPost, c.url([]string{db, "_bulk_docs"}, nil), BulkDocsRequest{Docs: docs}, &out)
	return out, err
}

// Get fetches the current revision of one document.
func (c *Client) Get(ctx context.Context, db, id string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, c.url([]string{db, id}, nil), nil, &out)
	return out, err
}

// EnsureDB creates db if it does not exist.
func (c *Client) EnsureDB(ctx context.Context, db string) error {
	err := c.do(ctx, http.MethodPut, c.url([]string{db}, nil), nil, nil)
	var rerr *RemoteError
	if errors.As(err, &rerr) && rerr.Status == http.StatusPreconditionFailed {
		return nil
	}
	return err
}

// Info describes db.
func (c *Client) Info(ctx context.Context, db string) (DBInfo, error) {
	var out DBInfo
	err := c.do(ctx, http.MethodGet, c.url([]string{db}, nil), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replication: encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		}
		return &RemoteError{Status: resp.StatusCode, Code: eb.Error, Reason: eb.Reason}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("replication: decode %s %s: %w", method, target, err)
	}
	return nil
}
