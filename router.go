package fitsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Events
// ============================================================================

// Event is an inbound signal from the hosting platform. The set of
// implementations is closed.
type Event interface {
	eventName() string
}

// InstallEvent installs a generation. An empty Version installs the
// worker's configured version.
type InstallEvent struct {
	Version string
}

// ActivateEvent activates the waiting generation.
type ActivateEvent struct{}

// FetchEvent intercepts one request.
type FetchEvent struct {
	Request *http.Request
}

// SyncEvent fires a one-off sync tag.
type SyncEvent struct {
	Tag string
}

// PeriodicSyncEvent fires a periodic sync tag.
type PeriodicSyncEvent struct {
	Tag string
}

// MessageEvent is a command from the foreground.
type MessageEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PushEvent carries a remote push payload.
type PushEvent struct {
	Data string
}

// NotificationClickEvent reports a click on a notification action.
type NotificationClickEvent struct {
	Action string `json:"action"`
}

func (InstallEvent) eventName() string           { return "install" }
func (ActivateEvent) eventName() string          { return "activate" }
func (FetchEvent) eventName() string             { return "fetch" }
func (SyncEvent) eventName() string              { return "sync" }
func (PeriodicSyncEvent) eventName() string      { return "periodicsync" }
func (MessageEvent) eventName() string           { return "message" }
func (PushEvent) eventName() string              { return "push" }
func (NotificationClickEvent) eventName() string { return "notificationclick" }

// Foreground message types.
const (
	MessageSkipWaiting  = "SKIP_WAITING"
	MessageCacheWorkout = "CACHE_WORKOUT"
)

// Result is the outcome of a dispatched event. Only the field matching the
// event kind is set.
type Result struct {
	Response   *Response         `json:"-"`
	Activation *ActivationReport `json:"activation,omitempty"`
	Sync       *SyncReport       `json:"sync,omitempty"`
	Click      *ClickResult      `json:"click,omitempty"`
	Queued     *PendingMutation  `json:"queued,omitempty"`
}

// ============================================================================
// Worker
// ============================================================================

// Network is the path to the origin used for fetches and mutation delivery.
type Network interface {
	Fetcher
	Poster
}

// SyncRegistrar accepts sync registrations from the foreground.
type SyncRegistrar interface {
	Register(tag string) error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Version   string
	Prefix    string
	Limits    map[NamespaceClass]Limits
	Engine    EngineConfig
	SeedPaths []string
	Endpoints CoordinatorConfig
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger shared by every component.
func WithLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithGatewayOptions passes options to the notification gateway.
func WithGatewayOptions(opts ...GatewayOption) WorkerOption {
	return func(w *Worker) { w.gatewayOpts = append(w.gatewayOpts, opts...) }
}

// Worker routes platform events to the component that owns them.
type Worker struct {
	cfg         WorkerConfig
	log         *slog.Logger
	gatewayOpts []GatewayOption

	cache       *Cache
	engine      *Engine
	lifecycle   *Lifecycle
	coordinator *Coordinator
	gateway     *Gateway

	mu        sync.Mutex
	registrar SyncRegistrar
}

// NewWorker wires the cache, strategies, lifecycle, sync coordinator and
// notification gateway around one store and two queues.
func NewWorker(net Network, store Store, workouts, analytics Queue, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if net == nil || store == nil || workouts == nil || analytics == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "network, store and queues are required")
	}
	if cfg.Version == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "worker version is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultNamespacePrefix
	}

	w := &Worker{cfg: cfg, log: discardLogger()}
	for _, opt := range opts {
		opt(w)
	}

	if cfg.Engine.SameOrigin == nil {
		if so, ok := net.(interface{ SameOrigin(*url.URL) bool }); ok {
			w.cfg.Engine.SameOrigin = so.SameOrigin
		}
	}

	w.cache = NewCache(store, cfg.Limits, w.log)
	w.lifecycle = NewLifecycle(w.cache, net, nil, LifecycleConfig{
		Prefix:     cfg.Prefix,
		SeedPaths:  cfg.SeedPaths,
		KeyHeaders: cfg.Engine.KeyHeaders,
	}, w.log)
	w.engine = NewEngine(w.cache, net, w.lifecycle, w.cfg.Engine, w.log)
	w.gateway = NewGateway(append([]GatewayOption{WithGatewayLogger(w.log)}, w.gatewayOpts...)...)
	w.coordinator = NewCoordinator(workouts, analytics, net, w.gateway, cfg.Endpoints, w.log)
	return w, nil
}

// Version returns the configured generation version.
func (w *Worker) Version() string { return w.cfg.Version }

// Cache returns the worker's cache.
func (w *Worker) Cache() *Cache { return w.cache }

// Engine returns the strategy engine.
func (w *Worker) Engine() *Engine { return w.engine }

// Lifecycle returns the lifecycle manager.
func (w *Worker) Lifecycle() *Lifecycle { return w.lifecycle }

// Coordinator returns the sync coordinator.
func (w *Worker) Coordinator() *Coordinator { return w.coordinator }

// Gateway returns the notification gateway.
func (w *Worker) Gateway() *Gateway { return w.gateway }

// SetRegistrar sets where CACHE_WORKOUT registers workout-sync.
func (w *Worker) SetRegistrar(r SyncRegistrar) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registrar = r
}

// AttachHub connects client tracking, claiming, notifications and foreground
// messages to hub.
func (w *Worker) AttachHub(hub *Hub) {
	w.lifecycle.SetClients(hub)
	w.gateway.SetBroadcaster(hub)
	hub.OnMessage(w.handleClientMessage)
	hub.OnEmpty(w.lifecycle.ClientsClosed)
	hub.OnConnect(func(ctx context.Context, clientID string) {
		for _, u := range w.gateway.TakePending() {
			env, _ := NewEnvelope(EnvelopeNavigate, NavigatePayload{URL: u})
			if err := hub.Send(ctx, clientID, env); err != nil {
				w.log.WarnContext(ctx, "deliver pending navigation failed", "url", u, "error", err)
			}
		}
	})
}

// Start installs the configured generation.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.Dispatch(ctx, InstallEvent{})
	return err
}

// Close waits for background refreshes and cancels pending reminders.
func (w *Worker) Close() {
	w.gateway.Close()
	w.engine.Wait()
}

// RunSync runs a sync tag on behalf of the scheduler.
func (w *Worker) RunSync(ctx context.Context, tag string, periodic bool) error {
	var ev Event = SyncEvent{Tag: tag}
	if periodic {
		ev = PeriodicSyncEvent{Tag: tag}
	}
	_, err := w.Dispatch(ctx, ev)
	return err
}

// Dispatch routes ev to its owner and returns the outcome.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	switch ev := ev.(type) {
	case InstallEvent:
		version := ev.Version
		if version == "" {
			version = w.cfg.Version
		}
		return Result{}, w.lifecycle.Install(ctx, version)

	case ActivateEvent:
		report, err := w.lifecycle.Activate(ctx)
		return Result{Activation: &report}, err

	case FetchEvent:
		if ev.Request == nil {
			return Result{}, errors.New(errors.CodeInvalidInput, "fetch event without request")
		}
		resp, err := w.engine.Handle(ctx, ev.Request)
		return Result{Response: resp}, err

	case SyncEvent:
		if ev.Tag == TagDailyAnalytics {
			return Result{}, errors.Newf(errors.CodeInvalidInput, "tag %q is periodic", ev.Tag)
		}
		report, err := w.coordinator.Run(ctx, ev.Tag)
		return Result{Sync: &report}, err

	case PeriodicSyncEvent:
		if ev.Tag != TagDailyAnalytics {
			return Result{}, errors.Newf(errors.CodeInvalidInput, "unknown periodic tag %q", ev.Tag)
		}
		report, err := w.coordinator.Run(ctx, ev.Tag)
		return Result{Sync: &report}, err

	case MessageEvent:
		return w.handleMessage(ctx, ev)

	case PushEvent:
		if err := w.gateway.Push(ctx, ev.Data); err != nil {
			w.log.WarnContext(ctx, "push notification failed", "error", err)
		}
		return Result{}, nil

	case NotificationClickEvent:
		click := w.gateway.Click(ctx, ev.Action)
		return Result{Click: &click}, nil

	default:
		return Result{}, errors.Newf(errors.CodeInvalidInput, "unsupported event %T", ev)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg MessageEvent) (Result, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		report, err := w.lifecycle.SkipWaiting(ctx)
		return Result{Activation: &report}, err

	case MessageCacheWorkout:
		m, err := NewMutation("", workoutPayload(msg.Payload))
		if err != nil {
			return Result{}, err
		}
		if err := w.coordinator.Workouts().Append(ctx, m); err != nil {
			return Result{}, errors.Wrap(err, errors.CodeDatabase, "queue workout")
		}
		w.log.InfoContext(ctx, "workout queued", "id", m.ID)

		w.mu.Lock()
		registrar := w.registrar
		w.mu.Unlock()
		if registrar != nil {
			if err := registrar.Register(TagWorkoutSync); err != nil {
				w.log.WarnContext(ctx, "register workout sync failed", "error", err)
			}
		}
		return Result{Queued: &m}, nil

	default:
		return Result{}, errors.Newf(errors.CodeInvalidInput, "unknown message type %q", msg.Type)
	}
}

// workoutPayload unwraps {"workout": {...}}; any other payload is the workout.
func workoutPayload(raw json.RawMessage) json.RawMessage {
	var wrapped struct {
		Workout json.RawMessage `json:"workout"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Workout) > 0 {
		return wrapped.Workout
	}
	return raw
}

func (w *Worker) handleClientMessage(ctx context.Context, clientID string, env Envelope) Envelope {
	res, err := w.Dispatch(ctx, MessageEvent{Type: env.Type, Payload: env.Payload})
	ack := AckPayload{Type: env.Type, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
		w.log.WarnContext(ctx, "client message failed", "client", clientID, "type", env.Type, "error", err)
	}
	if res.Queued != nil {
		ack.ID = res.Queued.ID
	}
	reply, _ := NewEnvelope(EnvelopeAck, ack)
	return reply
}
