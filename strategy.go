package fitsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Engine configuration
// ============================================================================

// NamespaceResolver reports the namespaces of the active generation.
type NamespaceResolver interface {
	Active() (Namespaces, bool)
}

// EngineConfig tunes request classification and cache keys.
type EngineConfig struct {
	// APIPrefix marks same-origin API calls. Default "/api/".
	APIPrefix string
	// RootPath is the document served as the offline navigation fallback. Default "/".
	RootPath string
	// StaticExtensions are path extensions treated as static assets.
	StaticExtensions []string
	// KeyHeaders are request headers folded into cache keys.
	KeyHeaders []string
	// SameOrigin reports whether a URL targets the origin. Nil treats only
	// relative URLs as same-origin.
	SameOrigin func(*url.URL) bool
}

var defaultStaticExtensions = []string{
	".js", ".mjs", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif",
	".ico", ".woff", ".woff2", ".ttf", ".otf", ".webmanifest",
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".avif": true, ".ico": true,
}

var staticDestinations = map[string]bool{
	"script": true, "style": true, "image": true, "font": true, "manifest": true,
}

func (c *EngineConfig) defaults() {
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if c.RootPath == "" {
		c.RootPath = "/"
	}
	if c.StaticExtensions == nil {
		c.StaticExtensions = defaultStaticExtensions
	}
	if c.SameOrigin == nil {
		c.SameOrigin = func(u *url.URL) bool { return u == nil || u.Host == "" }
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine answers intercepted requests with the strategy of their class.
type Engine struct {
	cache  *Cache
	net    Fetcher
	spaces NamespaceResolver
	cfg    EngineConfig
	log    *slog.Logger

	flight singleflight.Group
	tasks  sync.WaitGroup
	now    func() time.Time
}

// NewEngine creates a strategy engine.
func NewEngine(cache *Cache, net Fetcher, spaces NamespaceResolver, cfg EngineConfig, log *slog.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = discardLogger()
	}
	return &Engine{
		cache:  cache,
		net:    net,
		spaces: spaces,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Wait blocks until all detached background tasks have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Handle answers one intercepted request.
func (e *Engine) Handle(ctx context.Context, r *http.Request) (*Response, error) {
	if !isHTTPScheme(r.URL) {
		return e.net.Fetch(ctx, r)
	}
	spaces, ok := e.spaces.Active()
	if !ok {
		// No controlling generation yet: behave like an uncontrolled page.
		return e.net.Fetch(ctx, r)
	}

	req, err := detach(ctx, r)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "read intercepted request")
	}

	class := e.Classify(req)
	e.log.DebugContext(ctx, "fetch", "method", req.Method, "url", req.URL.String(), "class", string(class))

	switch class {
	case ClassStatic:
		return e.cacheFirst(ctx, req, spaces.Static)
	case ClassAPI:
		return e.networkFirst(ctx, req, spaces.API)
	case ClassNavigation:
		return e.staleWhileRevalidate(ctx, req, spaces.Dynamic, true)
	default:
		return e.staleWhileRevalidate(ctx, req, spaces.Dynamic, false)
	}
}

// Classify assigns a request to exactly one class. Rules are checked in
// static, api, navigation order; the first match wins.
func (e *Engine) Classify(r *http.Request) Class {
	switch {
	case e.isStatic(r):
		return ClassStatic
	case e.isAPI(r):
		return ClassAPI
	case isNavigation(r):
		return ClassNavigation
	default:
		return ClassDynamic
	}
}

func (e *Engine) isStatic(r *http.Request) bool {
	if staticDestinations[r.Header.Get("Sec-Fetch-Dest")] {
		return true
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	if ext == "" {
		return false
	}
	for _, s := range e.cfg.StaticExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// SameOrigin reports whether u targets the origin.
func (e *Engine) SameOrigin(u *url.URL) bool {
	return e.cfg.SameOrigin(u)
}

func (e *Engine) isAPI(r *http.Request) bool {
	if !e.cfg.SameOrigin(r.URL) {
		return true
	}
	return strings.HasPrefix(r.URL.Path, e.cfg.APIPrefix)
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Method != http.MethodGet {
		return false
	}
	dest := r.Header.Get("Sec-Fetch-Dest")
	if dest != "" && dest != "document" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isImageRequest(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if imageExtensions[strings.ToLower(path.Ext(r.URL.Path))] {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "image/")
}

func isHTTPScheme(u *url.URL) bool {
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
		return true
	}
	return false
}

// isReadMethod reports whether a method has no side effects and may be cached.
func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// ── Cache-first ──────────────────────────────────────────

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, ns string) (*Response, error) {
	key := KeyFor(req, e.cfg.KeyHeaders)

	entry, err := e.match(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	if entry != nil && !entry.Expired(e.now(), e.cache.LimitsFor(ns).MaxAge) {
		e.spawnRefresh(req, ns, key)
		return responseFromEntry(entry), nil
	}

	resp, err := e.net.Fetch(ctx, req)
	if err != nil {
		if entry != nil {
			stale := responseFromEntry(entry)
			stale.Header.Set(HeaderCache, "hit")
			return stale, nil
		}
		if isImageRequest(req) {
			e.log.DebugContext(ctx, "serving image placeholder", "url", req.URL.String(), "error", err)
			return placeholderImage(), nil
		}
		return nil, err
	}
	if resp.OK() && isReadMethod(req.Method) {
		e.store(ctx, ns, key, resp)
	}
	return resp, nil
}

// ── Network-first ────────────────────────────────────────

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, ns string) (*Response, error) {
	key := KeyFor(req, e.cfg.KeyHeaders)
	read := isReadMethod(req.Method)

	resp, err := e.net.Fetch(ctx, req)
	if err == nil {
		if read && resp.OK() {
			e.store(ctx, ns, key, resp)
		}
		return resp, nil
	}
	if !read {
		// Mutations surface the failure so the caller can queue them.
		return nil, err
	}

	entry, merr := e.match(ctx, ns, key)
	if merr != nil {
		return nil, merr
	}
	if entry != nil {
		cached := responseFromEntry(entry)
		cached.Header.Set(HeaderCache, "hit")
		return cached, nil
	}
	e.log.InfoContext(ctx, "api offline", "url", req.URL.String(), "error", err)
	return offlineJSON(), nil
}

// ── Stale-while-revalidate ───────────────────────────────

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request, ns string, navigation bool) (*Response, error) {
	if !isReadMethod(req.Method) {
		return e.net.Fetch(ctx, req)
	}
	key := KeyFor(req, e.cfg.KeyHeaders)

	entry, err := e.match(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		e.spawnRefresh(req, ns, key)
		return responseFromEntry(entry), nil
	}

	resp, err := e.net.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			e.store(ctx, ns, key, resp)
		}
		return resp, nil
	}
	if navigation {
		return e.navigationFallback(ctx, err)
	}
	return nil, err
}

func (e *Engine) navigationFallback(ctx context.Context, cause error) (*Response, error) {
	spaces, _ := e.spaces.Active()
	root, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.RootPath, nil)
	if err == nil {
		entry, merr := e.match(ctx, spaces.Static, KeyFor(root, e.cfg.KeyHeaders))
		if merr != nil {
			e.log.WarnContext(ctx, "root document lookup failed", "error", merr)
		} else if entry != nil {
			resp := responseFromEntry(entry)
			resp.Header.Set(HeaderCache, "fallback")
			return resp, nil
		}
	}
	e.log.InfoContext(ctx, "serving offline page", "error", cause)
	return offlinePage(), nil
}

// ── Shared helpers ───────────────────────────────────────

// match returns nil, nil for absent entries and propagates store failures.
func (e *Engine) match(ctx context.Context, ns, key string) (*Entry, error) {
	entry, err := e.cache.Match(ctx, ns, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// store writes a network response; the response is returned to the caller even
// if the write fails.
func (e *Engine) store(ctx context.Context, ns, key string, resp *Response) {
	if err := e.cache.Put(ctx, ns, key, resp); err != nil {
		e.log.WarnContext(ctx, "cache write failed", "namespace", ns, "key", key, "error", err)
	}
}

// spawnRefresh fetches req in a detached task and replaces the cached entry
// on success. Concurrent refreshes of the same key share one fetch.
func (e *Engine) spawnRefresh(req *http.Request, ns, key string) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		ctx := context.WithoutCancel(req.Context())
		_, err, _ := e.flight.Do(ns+"\x00"+key, func() (any, error) {
			resp, err := e.net.Fetch(ctx, replay(ctx, req))
			if err != nil {
				return nil, err
			}
			if !resp.OK() {
				return nil, nil
			}
			return nil, e.cache.Put(ctx, ns, key, resp)
		})
		if err != nil {
			e.log.DebugContext(ctx, "background refresh failed", "namespace", ns, "key", key, "error", err)
		}
	}()
}

func replay(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			out.Body = body
		}
	}
	return out
}

// ============================================================================
// Synthesized responses
// ============================================================================

// OfflineBody is the JSON document returned for API reads with no network and no cache.
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Cached  bool   `json:"cached"`
}

func offlineJSON() *Response {
	body, _ := json.Marshal(OfflineBody{
		Error:   "Offline",
		Message: "You are offline and this data has not been cached yet.",
		Cached:  false,
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderSource, "worker")
	return &Response{StatusCode: http.StatusServiceUnavailable, Header: h, Body: body}
}

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#e5e7eb"/>` +
	`<text x="100" y="105" font-family="sans-serif" font-size="14" text-anchor="middle" fill="#6b7280">Offline</text>` +
	`</svg>`

func placeholderImage() *Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set(HeaderSource, "worker")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: []byte(placeholderSVG)}
}

const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>FitQuest - Offline</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#f3f4f6;color:#111827}
main{text-align:center;padding:2rem}
button{margin-top:1rem;padding:.75rem 1.5rem;border:0;border-radius:.5rem;background:#2563eb;color:#fff;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>You're offline</h1>
<p>Your workouts are saved and will sync when you're back online.</p>
<button type="button" onclick="window.location.reload()">Retry</button>
</main>
<script>window.addEventListener('online', function () { window.location.reload(); });</script>
</body>
</html>
`

func offlinePage() *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set(HeaderSource, "worker")
	return &Response{StatusCode: http.StatusOK, Header: h, Body: []byte(offlineHTML)}
}
