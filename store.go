package fitsync

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Store
// ============================================================================

// Store is a set of named key/value namespaces holding response snapshots.
// Single-key operations are atomic; there are no cross-key transactions.
// Storage failures are returned to the caller as-is.
type Store interface {
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	Put(ctx context.Context, namespace, key string, entry Entry) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]EntryInfo, error)
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, name string) error
}

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.namespaces[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneEntry(entry)
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]Entry)
		s.namespaces[namespace] = ns
	}
	ns[key] = cloneEntry(entry)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces[namespace], key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, namespace string) ([]EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var infos []EntryInfo
	for k, e := range s.namespaces[namespace] {
		infos = append(infos, EntryInfo{Key: k, StoredAt: e.StoredAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StoredAt.Before(infos[j].StoredAt) })
	return infos, nil
}

func (s *MemoryStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) DeleteNamespace(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[name]; !ok {
		return ErrNamespaceNotFound
	}
	delete(s.namespaces, name)
	return nil
}

func cloneEntry(e Entry) Entry {
	return Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
}

// ============================================================================
// Cache
// ============================================================================

// Limits caps a namespace. Zero values mean unlimited.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultLimits returns the per-class limits used when none are configured.
func DefaultLimits() map[NamespaceClass]Limits {
	return map[NamespaceClass]Limits{
		NamespaceStatic:  {MaxEntries: 100},
		NamespaceDynamic: {MaxEntries: 50, MaxAge: 24 * time.Hour},
		NamespaceAPI:     {MaxEntries: 100, MaxAge: 5 * time.Minute},
	}
}

// Cache layers per-namespace limits over a Store. Eviction is opportunistic:
// it runs after each write to the written namespace, never in the background.
type Cache struct {
	store  Store
	limits map[NamespaceClass]Limits
	now    func() time.Time
	log    *slog.Logger
}

// NewCache wraps store. A nil limits map selects DefaultLimits.
func NewCache(store Store, limits map[NamespaceClass]Limits, log *slog.Logger) *Cache {
	if limits == nil {
		limits = DefaultLimits()
	}
	if log == nil {
		log = discardLogger()
	}
	return &Cache{store: store, limits: limits, now: time.Now, log: log}
}

// Store returns the underlying store.
func (c *Cache) Store() Store { return c.store }

// LimitsFor returns the limits of the class encoded in a namespace name.
func (c *Cache) LimitsFor(namespace string) Limits {
	return c.limits[classOf(namespace)]
}

// Match returns the entry for key, or ErrNotFound.
func (c *Cache) Match(ctx context.Context, namespace, key string) (*Entry, error) {
	return c.store.Get(ctx, namespace, key)
}

// Put stores resp under key and trims the namespace.
func (c *Cache) Put(ctx context.Context, namespace, key string, resp *Response) error {
	if err := c.store.Put(ctx, namespace, key, resp.toEntry(c.now())); err != nil {
		return err
	}
	if err := c.trim(ctx, namespace); err != nil {
		c.log.WarnContext(ctx, "cache trim failed", "namespace", namespace, "error", err)
	}
	return nil
}

// Delete removes key from namespace.
func (c *Cache) Delete(ctx context.Context, namespace, key string) error {
	return c.store.Delete(ctx, namespace, key)
}

func (c *Cache) trim(ctx context.Context, namespace string) error {
	limits := c.LimitsFor(namespace)
	if limits.MaxEntries <= 0 && limits.MaxAge <= 0 {
		return nil
	}
	infos, err := c.store.Keys(ctx, namespace)
	if err != nil {
		return err
	}

	now := c.now()
	var keep []EntryInfo
	var errs []error
	for _, info := range infos {
		if limits.MaxAge > 0 && now.Sub(info.StoredAt) > limits.MaxAge {
			if err := c.store.Delete(ctx, namespace, info.Key); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		keep = append(keep, info)
	}

	if limits.MaxEntries > 0 && len(keep) > limits.MaxEntries {
		sort.Slice(keep, func(i, j int) bool { return keep[i].StoredAt.Before(keep[j].StoredAt) })
		for _, info := range keep[:len(keep)-limits.MaxEntries] {
			if err := c.store.Delete(ctx, namespace, info.Key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(joinErrors(errs), errors.CodeDatabase, "evict entries")
	}
	return nil
}

// classOf extracts the class from "<prefix>-<class>-<version>".
func classOf(namespace string) NamespaceClass {
	for _, class := range []NamespaceClass{NamespaceStatic, NamespaceDynamic, NamespaceAPI} {
		if strings.Contains(namespace, "-"+string(class)+"-") {
			return class
		}
	}
	return ""
}

// ============================================================================
// Keys
// ============================================================================

// KeyFor builds the normalized cache key of a request: method, URL without
// fragment, and the values of the given headers.
func KeyFor(r *http.Request, headers []string) string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(u.String())
	for _, h := range headers {
		if v := r.Header.Get(h); v != "" {
			b.WriteString("\n")
			b.WriteString(http.CanonicalHeaderKey(h))
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	return b.String()
}
