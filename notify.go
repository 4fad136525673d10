package fitsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Notifications
// ============================================================================

const (
	defaultIcon  = "/icons/icon-192x192.png"
	defaultBadge = "/icons/badge-72x72.png"
)

// Notification actions.
const (
	ActionStartWorkout = "start-workout"
	ActionRemindLater  = "remind-later"
)

// Navigation targets for notification clicks.
const (
	StartWorkoutURL = "/workout/start"
	HomeURL         = "/"
)

// RemindLaterDelay is how long remind-later postpones the reminder.
const RemindLaterDelay = 30 * time.Minute

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a user-visible alert.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Tag     string               `json:"tag,omitempty"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
}

// Notifier displays notifications. Delivery is fire-and-forget: callers log
// a returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Broadcaster reaches connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, env Envelope) int
	// Navigate asks one client to open url and reports whether one accepted.
	Navigate(ctx context.Context, url string) bool
}

// ClickResult describes how a notification click was handled.
type ClickResult struct {
	Action    string `json:"action"`
	URL       string `json:"url,omitempty"`
	Delivered bool   `json:"delivered"`
	Scheduled bool   `json:"scheduled,omitempty"`
}

// ── Emitter ──────────────────────────────────────────────

// NotificationHandler observes notifications shown by a Gateway.
type NotificationHandler func(n Notification)

type notificationEmitter struct {
	mu       sync.RWMutex
	handlers []NotificationHandler
}

func (e *notificationEmitter) On(handler NotificationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *notificationEmitter) emit(n Notification) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(n)
		}()
	}
}

// ============================================================================
// Gateway
// ============================================================================

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Stopper

func timeAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Gateway is the Notifier used by the worker. It notifies in-process
// listeners and connected clients, and handles push and click events.
type Gateway struct {
	notificationEmitter
	clients Broadcaster
	after   AfterFunc
	log     *slog.Logger

	mu        sync.Mutex
	pending   []string
	reminders map[*reminder]struct{}
	closed    bool
}

// reminder is one scheduled remind-later notification. It leaves
// Gateway.reminders when it fires or the gateway closes.
type reminder struct {
	timer Stopper
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBroadcaster sets the clients notifications and navigations go to.
func WithBroadcaster(b Broadcaster) GatewayOption {
	return func(g *Gateway) { g.clients = b }
}

// WithAfterFunc replaces the timer used for remind-later.
func WithAfterFunc(f AfterFunc) GatewayOption {
	return func(g *Gateway) { g.after = f }
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = log }
}

// NewGateway creates a notification gateway.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		after:  timeAfterFunc,
		log:    discardLogger(),
		reminders: make(map[*reminder]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetBroadcaster attaches clients after construction.
func (g *Gateway) SetBroadcaster(b Broadcaster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients = b
}

func (g *Gateway) broadcaster() Broadcaster {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients
}

// Notify shows n to listeners and connected clients.
func (g *Gateway) Notify(ctx context.Context, n Notification) error {
	g.emit(n)
	b := g.broadcaster()
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	delivered := b.Broadcast(ctx, Envelope{Type: EnvelopeNotification, Payload: payload})
	g.log.DebugContext(ctx, "notification shown", "title", n.Title, "clients", delivered)
	return nil
}

// PushNotification builds the notification shown for a push message.
func PushNotification(data string) Notification {
	if data == "" {
		data = "Time for your workout!"
	}
	return Notification{
		Title: "FitQuest",
		Body:  data,
		Tag:   "fitquest-push",
		Icon:  defaultIcon,
		Badge: defaultBadge,
		Actions: []NotificationAction{
			{Action: ActionStartWorkout, Title: "Start Workout"},
			{Action: ActionRemindLater, Title: "Remind Later"},
		},
	}
}

// Push handles an incoming push message.
func (g *Gateway) Push(ctx context.Context, data string) error {
	return g.Notify(ctx, PushNotification(data))
}

// Click handles a notification click.
func (g *Gateway) Click(ctx context.Context, action string) ClickResult {
	switch action {
	case ActionStartWorkout:
		return g.open(ctx, action, StartWorkoutURL)
	case ActionRemindLater:
		g.remindLater()
		return ClickResult{Action: action, Scheduled: true}
	default:
		return g.open(ctx, action, HomeURL)
	}
}

func (g *Gateway) open(ctx context.Context, action, url string) ClickResult {
	res := ClickResult{Action: action, URL: url}
	if b := g.broadcaster(); b != nil && b.Navigate(ctx, url) {
		res.Delivered = true
		return res
	}
	g.mu.Lock()
	g.pending = append(g.pending, url)
	g.mu.Unlock()
	g.log.InfoContext(ctx, "no client to open, recorded as pending", "url", url)
	return res
}

// TakePending returns and clears URLs that could not be opened.
func (g *Gateway) TakePending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.pending
	g.pending = nil
	return out
}

// remindLater schedules the reminder without holding g.mu, so an AfterFunc
// may run the callback before returning.
func (g *Gateway) remindLater() {
	r := &reminder{}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.reminders[r] = struct{}{}
	g.mu.Unlock()

	timer := g.after(RemindLaterDelay, func() {
		g.mu.Lock()
		_, live := g.reminders[r]
		delete(g.reminders, r)
		g.mu.Unlock()
		if !live {
			return
		}
		note := PushNotification("Ready for your workout now?")
		note.Title = "Workout Reminder"
		note.Tag = "fitquest-reminder"
		if err := g.Notify(context.Background(), note); err != nil {
			g.log.Warn("reminder notification failed", "error", err)
		}
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, live := g.reminders[r]; live {
		r.timer = timer
		return
	}
	// Already fired, or Close ran before the timer was recorded.
	if g.closed {
		timer.Stop()
	}
}

// Close cancels outstanding reminders.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for r := range g.reminders {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	g.reminders = make(map[*reminder]struct{})
}
