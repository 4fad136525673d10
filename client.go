// Package fitsync implements an offline caching proxy for the FitQuest web app.
//
// Requests from the foreground are classified and answered with one of three
// caching strategies (cache-first, network-first, stale-while-revalidate).
// Mutations queued while offline are drained by a background sync
// coordinator, and cache generations are versioned so a version bump purges
// stale namespaces on activation.
//
// Example:
//
//	client, _ := fitsync.NewClient("https://app.fitquest.example")
//	w, _ := fitsync.NewWorker(client, fitsync.NewMemoryStore(),
//		fitsync.NewMemoryQueue(), fitsync.NewMemoryQueue(),
//		fitsync.WorkerConfig{Version: "v1"})
//	_ = w.Start(ctx)
//	res, _ := w.Dispatch(ctx, fitsync.FetchEvent{Request: req})
package fitsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Client
// ============================================================================

const (
	// DefaultTimeout bounds a single network call. It is the transport's own
	// limit; strategies add no timeout layer of their own.
	DefaultTimeout = 30 * time.Second
)

// Fetcher performs network fetches on behalf of strategies and sync passes.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// Client fetches from the origin server the proxy fronts.
type Client struct {
	origin     *url.URL
	httpClient *http.Client
	userAgent  string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient uses a copy of client for network calls. A nil
// CheckRedirect is replaced so redirects reach the caller unfollowed.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		hc := *client
		if hc.CheckRedirect == nil {
			hc.CheckRedirect = keepRedirect
		}
		c.httpClient = &hc
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the given origin, e.g. "https://app.fitquest.example".
func NewClient(origin string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid origin")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "origin must be http or https, got %q", origin)
	}
	if u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "origin %q has no host", origin)
	}

	c := &Client{
		origin: u,
		httpClient: &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: keepRedirect,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Origin returns a copy of the origin URL.
func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

// SameOrigin reports whether u targets the configured origin. Relative URLs are same-origin.
func (c *Client) SameOrigin(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Host, c.origin.Host)
}

// Fetch sends req to the network and buffers the whole response. Redirects
// are returned, not followed.
// Relative and same-origin requests are resolved against the origin; cross-origin
// requests are forwarded as-is. Transport failures are CodeNetwork errors.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	target := c.resolve(req.URL)

	body, err := requestBody(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "read request body")
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "create request")
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	stripHopHeaders(out.Header)
	if c.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(out)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "fetch %s %s", req.Method, target.Redacted())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "read response %s %s", req.Method, target.Redacted())
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

// Post sends a JSON body to path (relative to the origin, or absolute).
func (c *Client) Post(ctx context.Context, path string, payload []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "create request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Fetch(ctx, req)
}

// Probe issues a HEAD request to path and reports whether the origin answered.
func (c *Client) Probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, path, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "create probe request")
	}
	resp, err := c.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return errors.Newf(errors.CodeUnavailable, "origin answered probe with %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) resolve(u *url.URL) *url.URL {
	if u.IsAbs() && !c.SameOrigin(u) {
		out := *u
		out.Fragment = ""
		return &out
	}
	out := *c.origin
	out.Path = singleJoiningSlash(c.origin.Path, u.Path)
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	out.Fragment = ""
	return &out
}

// ============================================================================
// Helpers
// ============================================================================

// keepRedirect returns 3xx responses as they are so the proxy passes them on.
func keepRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// requestBody returns the body bytes without consuming a replayable body.
func requestBody(req *http.Request) ([]byte, error) {
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// detach reads the body of r and returns a clone that outlives r's context and
// can be replayed by background tasks.
func detach(ctx context.Context, r *http.Request) (*http.Request, error) {
	body, err := requestBody(r)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	out := r.Clone(context.WithoutCancel(ctx))
	if body == nil {
		out.Body = http.NoBody
		out.GetBody = nil
		return out, nil
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	return out, nil
}
