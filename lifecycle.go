package fitsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a generation.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Generation is one install/activate instance, identified by its version.
type Generation struct {
	Version     string     `json:"version"`
	State       State      `json:"state"`
	Namespaces  Namespaces `json:"namespaces"`
	InstalledAt time.Time  `json:"installedAt"`
	ActivatedAt time.Time  `json:"activatedAt,omitempty"`
}

// ClientController tracks open client connections.
type ClientController interface {
	Count() int
	// Claim takes control of all open clients and returns how many were claimed.
	Claim(ctx context.Context, version string) int
}

// ActivationReport describes one activation pass.
type ActivationReport struct {
	Version string            `json:"version"`
	Deleted []string          `json:"deleted,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
	Claimed int               `json:"claimed"`
}

// LifecycleConfig configures install seeding and namespace naming.
type LifecycleConfig struct {
	Prefix     string
	SeedPaths  []string
	KeyHeaders []string
}

// DefaultSeedPaths are pre-cached into the static namespace on install.
var DefaultSeedPaths = []string{"/", "/manifest.json"}

// Lifecycle manages generations: install (seed), activate (purge + claim)
// and skip-waiting.
type Lifecycle struct {
	cache   *Cache
	net     Fetcher
	clients ClientController
	cfg     LifecycleConfig
	log     *slog.Logger

	opMu    sync.Mutex // serializes install and activate
	mu      sync.RWMutex
	active  *Generation
	waiting *Generation
	now     func() time.Time
}

// NewLifecycle creates a lifecycle manager. clients may be nil.
func NewLifecycle(cache *Cache, net Fetcher, clients ClientController, cfg LifecycleConfig, log *slog.Logger) *Lifecycle {
	if cfg.SeedPaths == nil {
		cfg.SeedPaths = DefaultSeedPaths
	}
	if clients == nil {
		clients = noClients{}
	}
	if log == nil {
		log = discardLogger()
	}
	return &Lifecycle{cache: cache, net: net, clients: clients, cfg: cfg, log: log, now: time.Now}
}

// SetClients replaces the client controller.
func (l *Lifecycle) SetClients(clients ClientController) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clients == nil {
		clients = noClients{}
	}
	l.clients = clients
}

// Active returns the namespaces of the active generation.
func (l *Lifecycle) Active() (Namespaces, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return Namespaces{}, false
	}
	return l.active.Namespaces, true
}

// Generations returns copies of the active and waiting generations.
func (l *Lifecycle) Generations() (active, waiting *Generation) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active != nil {
		a := *l.active
		active = &a
	}
	if l.waiting != nil {
		w := *l.waiting
		waiting = &w
	}
	return active, waiting
}

// Install seeds the static namespace of a new generation. Seeding failure is
// fatal for the generation: it becomes redundant and the active generation
// keeps serving. A successful install activates right away when nothing is
// active or no clients are open; otherwise the generation waits.
func (l *Lifecycle) Install(ctx context.Context, version string) error {
	if version == "" {
		return errors.New(errors.CodeInvalidInput, "generation version is required")
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	gen := &Generation{
		Version:    version,
		State:      StateInstalling,
		Namespaces: NamespacesFor(l.cfg.Prefix, version),
	}
	l.log.InfoContext(ctx, "installing generation", "version", version)

	if err := l.seed(ctx, gen); err != nil {
		gen.State = StateRedundant
		l.log.ErrorContext(ctx, "install failed", "version", version, "error", err)
		return errors.Wrapf(err, errors.CodeExecutionFailed, "install generation %s", version)
	}
	gen.State = StateInstalled
	gen.InstalledAt = l.now()

	l.mu.Lock()
	if l.waiting != nil {
		l.waiting.State = StateRedundant
	}
	l.waiting = gen
	activateNow := l.active == nil || l.clients.Count() == 0
	l.mu.Unlock()

	if !activateNow {
		l.log.InfoContext(ctx, "generation waiting for clients to close", "version", version)
		return nil
	}
	_, err := l.activate(ctx)
	return err
}

func (l *Lifecycle) seed(ctx context.Context, gen *Generation) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range l.cfg.SeedPaths {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, p, nil)
			if err != nil {
				return fmt.Errorf("seed %s: %w", p, err)
			}
			resp, err := l.net.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("seed %s: %w", p, err)
			}
			if !resp.OK() {
				return errors.Newf(errors.CodeUnavailable, "seed %s: origin returned %d", p, resp.StatusCode)
			}
			if err := l.cache.Put(gctx, gen.Namespaces.Static, KeyFor(req, l.cfg.KeyHeaders), resp); err != nil {
				return fmt.Errorf("seed %s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Activate promotes the waiting generation, or re-runs cleanup for the active
// one when nothing is waiting.
func (l *Lifecycle) Activate(ctx context.Context) (ActivationReport, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.activate(ctx)
}

// SkipWaiting activates a waiting generation without waiting for clients to close.
func (l *Lifecycle) SkipWaiting(ctx context.Context) (ActivationReport, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	waiting := l.waiting
	l.mu.RUnlock()
	if waiting == nil {
		return ActivationReport{}, nil
	}
	l.log.InfoContext(ctx, "skip waiting", "version", waiting.Version)
	return l.activate(ctx)
}

// ClientsClosed activates a waiting generation once no clients remain open.
func (l *Lifecycle) ClientsClosed(ctx context.Context) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.RLock()
	ready := l.waiting != nil && l.clients.Count() == 0
	l.mu.RUnlock()
	if !ready {
		return
	}
	if _, err := l.activate(ctx); err != nil {
		l.log.ErrorContext(ctx, "activation after clients closed failed", "error", err)
	}
}

func (l *Lifecycle) activate(ctx context.Context) (ActivationReport, error) {
	l.mu.Lock()
	gen := l.waiting
	if gen == nil {
		gen = l.active
	}
	if gen == nil {
		l.mu.Unlock()
		return ActivationReport{}, errors.New(errors.CodeNotFound, "no installed generation to activate")
	}
	promoting := gen != l.active
	if promoting {
		gen.State = StateActivating
	}
	l.mu.Unlock()

	report := ActivationReport{Version: gen.Version}
	names, err := l.cache.Store().Namespaces(ctx)
	if err != nil {
		if promoting {
			l.mu.Lock()
			gen.State = StateInstalled
			l.mu.Unlock()
		}
		return report, errors.Wrap(err, errors.CodeDatabase, "list cache namespaces")
	}
	for _, name := range names {
		if gen.Namespaces.Contains(name) {
			continue
		}
		if err := l.cache.Store().DeleteNamespace(ctx, name); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[name] = err.Error()
			l.log.WarnContext(ctx, "delete stale namespace failed", "namespace", name, "error", err)
			continue
		}
		report.Deleted = append(report.Deleted, name)
		l.log.InfoContext(ctx, "deleted stale namespace", "namespace", name)
	}

	l.mu.Lock()
	if promoting {
		if l.active != nil {
			l.active.State = StateRedundant
		}
		gen.State = StateActive
		gen.ActivatedAt = l.now()
		l.active = gen
		l.waiting = nil
	}
	clients := l.clients
	l.mu.Unlock()

	if promoting {
		report.Claimed = clients.Claim(ctx, gen.Version)
		l.log.InfoContext(ctx, "generation active", "version", gen.Version, "claimed", report.Claimed)
	}
	return report, nil
}

type noClients struct{}

func (noClients) Count() int                        { return 0 }
func (noClients) Claim(context.Context, string) int { return 0 }
