package fitsync

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeNet is an in-process origin. Routes are keyed by "METHOD /path"; a
// route keyed by path alone matches any method.
type fakeNet struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]func(r *http.Request) (*Response, error)
	calls   []string
	headers []http.Header
	bodies  [][]byte
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: make(map[string]func(r *http.Request) (*Response, error))}
}

func (f *fakeNet) handle(pattern string, fn func(r *http.Request) (*Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[pattern] = fn
}

// serve registers a fixed 200 response for pattern.
func (f *fakeNet) serve(pattern, contentType, body string) {
	f.handle(pattern, func(*http.Request) (*Response, error) {
		return textResponse(http.StatusOK, contentType, body), nil
	})
}

func (f *fakeNet) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeNet) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	body, _ := requestBody(req)

	f.mu.Lock()
	call := req.Method + " " + req.URL.Path
	f.calls = append(f.calls, call)
	f.headers = append(f.headers, req.Header.Clone())
	f.bodies = append(f.bodies, body)
	offline := f.offline
	fn := f.routes[call]
	if fn == nil {
		fn = f.routes[req.URL.Path]
	}
	f.mu.Unlock()

	if offline {
		return nil, errors.Newf(errors.CodeNetwork, "fetch %s: connection refused", call)
	}
	if fn == nil {
		return textResponse(http.StatusNotFound, "text/plain", "not found"), nil
	}
	return fn(req)
}

func (f *fakeNet) Post(ctx context.Context, path string, payload []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	return f.Fetch(ctx, req)
}

// countCalls returns how many requests matched "METHOD /path".
func (f *fakeNet) countCalls(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func textResponse(status int, contentType, body string) *Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	return &Response{StatusCode: status, Header: h, Body: []byte(body)}
}

// fixedSpaces is a NamespaceResolver with a fixed answer.
type fixedSpaces struct {
	ns Namespaces
	ok bool
}

func (s fixedSpaces) Active() (Namespaces, bool) { return s.ns, s.ok }

// faultyStore fails selected operations of a MemoryStore.
type faultyStore struct {
	*MemoryStore
	getErr        error
	putErr        error
	namespacesErr error
	deleteNSErr   map[string]error
}

func (s *faultyStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, namespace, key)
}

func (s *faultyStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.MemoryStore.Put(ctx, namespace, key, entry)
}

func (s *faultyStore) Namespaces(ctx context.Context) ([]string, error) {
	if s.namespacesErr != nil {
		return nil, s.namespacesErr
	}
	return s.MemoryStore.Namespaces(ctx)
}

func (s *faultyStore) DeleteNamespace(ctx context.Context, name string) error {
	if err := s.deleteNSErr[name]; err != nil {
		return err
	}
	return s.MemoryStore.DeleteNamespace(ctx, name)
}

// fakeClients is a ClientController with a settable count.
type fakeClients struct {
	mu      sync.Mutex
	count   int
	claimed []string
}

func (c *fakeClients) setCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = n
}

func (c *fakeClients) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *fakeClients) Claim(_ context.Context, version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed = append(c.claimed, version)
	return c.count
}

// notificationLog collects notifications shown by a Gateway.
type notificationLog struct {
	mu    sync.Mutex
	items []Notification
}

func (l *notificationLog) record(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
}

func (l *notificationLog) all() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notification(nil), l.items...)
}

// newRequest builds an intercepted request with alternating header key/value pairs.
func newRequest(method, target string, headers ...string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}

func newBodyRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func mutationAt(id, payload string, at time.Time) PendingMutation {
	return PendingMutation{ID: id, Payload: []byte(payload), CreatedAt: at}
}
