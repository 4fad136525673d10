package fitsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Request classification
// ============================================================================

// Class is the handling class assigned to an intercepted request.
type Class string

const (
	ClassStatic     Class = "static"
	ClassAPI        Class = "api"
	ClassNavigation Class = "navigation"
	ClassDynamic    Class = "dynamic"
)

// ============================================================================
// Namespaces
// ============================================================================

// NamespaceClass identifies one of the three cache partitions of a generation.
type NamespaceClass string

const (
	NamespaceStatic  NamespaceClass = "static"
	NamespaceDynamic NamespaceClass = "dynamic"
	NamespaceAPI     NamespaceClass = "api"
)

// DefaultNamespacePrefix is prepended to every namespace name.
const DefaultNamespacePrefix = "fitquest"

// Namespace is a named, versioned partition of the cache store.
type Namespace struct {
	Prefix  string
	Class   NamespaceClass
	Version string
}

// Name returns the storage name, e.g. "fitquest-static-v1".
func (n Namespace) Name() string {
	prefix := n.Prefix
	if prefix == "" {
		prefix = DefaultNamespacePrefix
	}
	return fmt.Sprintf("%s-%s-%s", prefix, n.Class, n.Version)
}

// Namespaces holds the three namespace names owned by one generation.
type Namespaces struct {
	Static  string
	Dynamic string
	API     string
}

// NamespacesFor builds the namespace set for a version.
func NamespacesFor(prefix, version string) Namespaces {
	return Namespaces{
		Static:  Namespace{Prefix: prefix, Class: NamespaceStatic, Version: version}.Name(),
		Dynamic: Namespace{Prefix: prefix, Class: NamespaceDynamic, Version: version}.Name(),
		API:     Namespace{Prefix: prefix, Class: NamespaceAPI, Version: version}.Name(),
	}
}

// Contains reports whether name is one of the set's namespaces.
func (n Namespaces) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.API
}

// List returns the names in static, dynamic, api order.
func (n Namespaces) List() []string {
	return []string{n.Static, n.Dynamic, n.API}
}

// ============================================================================
// Cache entries and responses
// ============================================================================

// Entry is a stored response snapshot.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// EntryInfo describes a stored entry without its body.
type EntryInfo struct {
	Key      string
	StoredAt time.Time
}

// Expired reports whether the entry is older than maxAge. A zero maxAge never expires.
func (e *Entry) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > maxAge
}

// Response is the observable result of a fetch event.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Write copies the response to w.
func (r *Response) Write(w http.ResponseWriter) error {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

func (r *Response) toEntry(now time.Time) Entry {
	return Entry{
		Status:   r.StatusCode,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: now,
	}
}

func responseFromEntry(e *Entry) *Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		StatusCode: e.Status,
		Header:     header,
		Body:       append([]byte(nil), e.Body...),
	}
}

// Marker headers attached by the worker.
const (
	HeaderCache  = "X-Fitsync-Cache"
	HeaderSource = "X-Fitsync-Source"
)

// ============================================================================
// Pending mutations and sync jobs
// ============================================================================

// PendingMutation is a write operation queued while offline.
type PendingMutation struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// Sync tags understood by the coordinator.
const (
	TagWorkoutSync    = "workout-sync"
	TagAnalyticsSync  = "analytics-sync"
	TagDailyAnalytics = "daily-analytics"
)

// SyncJob is a tagged unit of deferred work registered with the scheduler.
type SyncJob struct {
	Tag          string        `json:"tag"`
	Periodic     bool          `json:"periodic"`
	Interval     time.Duration `json:"interval,omitempty"`
	RegisteredAt time.Time     `json:"registeredAt"`
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Tag       string   `json:"tag"`
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned by Store.Get for absent entries.
	ErrNotFound = errors.New(errors.CodeNotFound, "cache entry not found")

	// ErrNamespaceNotFound is returned when deleting a namespace that does not exist.
	ErrNamespaceNotFound = errors.New(errors.CodeNotFound, "cache namespace not found")
)
