package fitsync

import (
	"context"
	"net/http"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededNet() *fakeNet {
	net := newFakeNet()
	net.serve("/", "text/html", "<html>app</html>")
	net.serve("/manifest.json", "application/manifest+json", `{"name":"FitQuest"}`)
	return net
}

func newTestLifecycle(net *fakeNet, store Store, clients ClientController) *Lifecycle {
	return NewLifecycle(NewCache(store, nil, nil), net, clients, LifecycleConfig{}, nil)
}

func putEntry(t *testing.T, s Store, ns, key string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), ns, key, Entry{Status: 200, Body: []byte(key)}))
}

// ============================================================================
// Install
// ============================================================================

func TestInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds the static namespace and activates", func(t *testing.T) {
		store := NewMemoryStore()
		l := newTestLifecycle(seededNet(), store, nil)

		require.NoError(t, l.Install(ctx, "v1"))

		spaces, ok := l.Active()
		require.True(t, ok)
		assert.Equal(t, NamespacesFor("", "v1"), spaces)

		infos, err := store.Keys(ctx, spaces.Static)
		require.NoError(t, err)
		var keys []string
		for _, info := range infos {
			keys = append(keys, info.Key)
		}
		assert.ElementsMatch(t, []string{"GET /", "GET /manifest.json"}, keys)

		active, waiting := l.Generations()
		require.NotNil(t, active)
		assert.Nil(t, waiting)
		assert.Equal(t, StateActive, active.State)
		assert.False(t, active.InstalledAt.IsZero())
		assert.False(t, active.ActivatedAt.IsZero())
	})

	t.Run("seeding failure is fatal", func(t *testing.T) {
		net := newFakeNet()
		net.serve("/", "text/html", "<html>app</html>")
		l := newTestLifecycle(net, NewMemoryStore(), nil)

		err := l.Install(ctx, "v1")
		require.Error(t, err)
		assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))
		_, ok := l.Active()
		assert.False(t, ok)
	})

	t.Run("failed upgrade leaves the previous generation serving", func(t *testing.T) {
		net := seededNet()
		l := newTestLifecycle(net, NewMemoryStore(), nil)
		require.NoError(t, l.Install(ctx, "v1"))

		net.setOffline(true)
		require.Error(t, l.Install(ctx, "v2"))

		spaces, ok := l.Active()
		require.True(t, ok)
		assert.Equal(t, "fitquest-static-v1", spaces.Static)
		_, waiting := l.Generations()
		assert.Nil(t, waiting)
	})

	t.Run("version is required", func(t *testing.T) {
		l := newTestLifecycle(seededNet(), NewMemoryStore(), nil)
		err := l.Install(ctx, "")
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	})

	t.Run("custom seed paths", func(t *testing.T) {
		net := seededNet()
		net.serve("/offline.html", "text/html", "offline")
		store := NewMemoryStore()
		l := NewLifecycle(NewCache(store, nil, nil), net, nil, LifecycleConfig{SeedPaths: []string{"/offline.html"}}, nil)

		require.NoError(t, l.Install(ctx, "v1"))
		assert.Equal(t, 1, net.countCalls(http.MethodGet+" /offline.html"))
		assert.Equal(t, 0, net.countCalls(http.MethodGet+" /manifest.json"))
	})
}

// ============================================================================
// Activate
// ============================================================================

func TestActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("version bump purges every other namespace", func(t *testing.T) {
		store := NewMemoryStore()
		l := newTestLifecycle(seededNet(), store, nil)
		require.NoError(t, l.Install(ctx, "v1"))
		putEntry(t, store, "fitquest-dynamic-v1", "page")
		putEntry(t, store, "fitquest-api-v1", "list")
		putEntry(t, store, "legacy-cache", "x")
		putEntry(t, store, "fitquest-dynamic-v2", "prefetched")

		require.NoError(t, l.Install(ctx, "v2"))

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fitquest-static-v2", "fitquest-dynamic-v2"}, names)

		entry, err := store.Get(ctx, "fitquest-dynamic-v2", "prefetched")
		require.NoError(t, err)
		assert.Equal(t, "prefetched", string(entry.Body))
	})

	t.Run("re-running activation is a no-op", func(t *testing.T) {
		store := NewMemoryStore()
		l := newTestLifecycle(seededNet(), store, nil)
		require.NoError(t, l.Install(ctx, "v1"))
		putEntry(t, store, "fitquest-api-v1", "list")

		report, err := l.Activate(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Deleted)
		assert.Empty(t, report.Failed)
		assert.Equal(t, "v1", report.Version)

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fitquest-static-v1", "fitquest-api-v1"}, names)
	})

	t.Run("deletion failures are best effort", func(t *testing.T) {
		store := &faultyStore{
			MemoryStore: NewMemoryStore(),
			deleteNSErr: map[string]error{"fitquest-api-v1": errors.New(errors.CodeDatabase, "locked")},
		}
		putEntry(t, store, "fitquest-api-v1", "a")
		putEntry(t, store, "fitquest-dynamic-v1", "b")
		l := newTestLifecycle(seededNet(), store, nil)

		require.NoError(t, l.Install(ctx, "v2"))

		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "fitquest-api-v1")
		assert.NotContains(t, names, "fitquest-dynamic-v1")
		_, ok := l.Active()
		assert.True(t, ok)
	})

	t.Run("report lists deleted and failed namespaces", func(t *testing.T) {
		store := &faultyStore{
			MemoryStore: NewMemoryStore(),
			deleteNSErr: map[string]error{"broken": errors.New(errors.CodeDatabase, "locked")},
		}
		clients := &fakeClients{count: 1}
		l := newTestLifecycle(seededNet(), store, clients)
		require.NoError(t, l.Install(ctx, "v1"))
		putEntry(t, store, "stale", "a")
		putEntry(t, store, "broken", "b")

		report, err := l.Activate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"stale"}, report.Deleted)
		assert.Contains(t, report.Failed, "broken")
	})

	t.Run("listing failure aborts activation", func(t *testing.T) {
		store := &faultyStore{MemoryStore: NewMemoryStore()}
		l := newTestLifecycle(seededNet(), store, nil)
		store.namespacesErr = errors.New(errors.CodeDatabase, "unavailable")

		err := l.Install(ctx, "v1")
		require.Error(t, err)
		assert.Equal(t, errors.CodeDatabase, errors.GetCode(err))
		_, ok := l.Active()
		assert.False(t, ok)
		_, waiting := l.Generations()
		require.NotNil(t, waiting)
		assert.Equal(t, StateInstalled, waiting.State)
	})

	t.Run("nothing installed", func(t *testing.T) {
		l := newTestLifecycle(seededNet(), NewMemoryStore(), nil)
		_, err := l.Activate(ctx)
		assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
	})
}

// ============================================================================
// Waiting and skip-waiting
// ============================================================================

func TestWaitingGeneration(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Lifecycle, *fakeClients, *MemoryStore) {
		t.Helper()
		store := NewMemoryStore()
		clients := &fakeClients{}
		l := newTestLifecycle(seededNet(), store, clients)
		require.NoError(t, l.Install(ctx, "v1"))
		clients.setCount(2)
		require.NoError(t, l.Install(ctx, "v2"))
		return l, clients, store
	}

	t.Run("open clients keep the new generation waiting", func(t *testing.T) {
		l, _, store := setup(t)

		spaces, _ := l.Active()
		assert.Equal(t, "fitquest-static-v1", spaces.Static)
		active, waiting := l.Generations()
		assert.Equal(t, "v1", active.Version)
		require.NotNil(t, waiting)
		assert.Equal(t, "v2", waiting.Version)
		assert.Equal(t, StateInstalled, waiting.State)

		// Both generations' static namespaces coexist until activation.
		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fitquest-static-v1", "fitquest-static-v2"}, names)
	})

	t.Run("skip waiting activates immediately and claims clients", func(t *testing.T) {
		l, clients, store := setup(t)

		report, err := l.SkipWaiting(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v2", report.Version)
		assert.Equal(t, 2, report.Claimed)
		assert.Equal(t, []string{"fitquest-static-v1"}, report.Deleted)
		assert.Equal(t, []string{"v1", "v2"}, clients.claimed)

		spaces, _ := l.Active()
		assert.Equal(t, "fitquest-static-v2", spaces.Static)
		names, err := store.Namespaces(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"fitquest-static-v2"}, names)
	})

	t.Run("skip waiting with nothing waiting", func(t *testing.T) {
		l := newTestLifecycle(seededNet(), NewMemoryStore(), nil)
		require.NoError(t, l.Install(ctx, "v1"))

		report, err := l.SkipWaiting(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Version)
	})

	t.Run("activates once clients close", func(t *testing.T) {
		l, clients, _ := setup(t)

		l.ClientsClosed(ctx)
		_, waiting := l.Generations()
		assert.NotNil(t, waiting, "clients are still open")

		clients.setCount(0)
		l.ClientsClosed(ctx)
		active, waiting := l.Generations()
		assert.Nil(t, waiting)
		assert.Equal(t, "v2", active.Version)
	})

	t.Run("a newer install replaces the waiting generation", func(t *testing.T) {
		l, _, _ := setup(t)
		require.NoError(t, l.Install(ctx, "v3"))

		_, waiting := l.Generations()
		require.NotNil(t, waiting)
		assert.Equal(t, "v3", waiting.Version)
	})
}
