package fitsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmgilman/go/errors"
)

// ============================================================================
// Scheduler
// ============================================================================

// SyncRunner executes one pass of a sync tag.
type SyncRunner interface {
	RunSync(ctx context.Context, tag string, periodic bool) error
}

// SchedulerConfig tunes redelivery of failed one-off tags.
type SchedulerConfig struct {
	// MaxAttempts bounds deliveries of a one-off tag before it is dropped. Default 5.
	MaxAttempts int
	// InitialInterval is the first retry delay. Default 30s.
	InitialInterval time.Duration
	// MaxInterval caps the retry delay. Default 15m.
	MaxInterval time.Duration
}

func (c *SchedulerConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 30 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 15 * time.Minute
	}
}

type jobState struct {
	job      SyncJob
	attempts int
	running  bool
	rerun    bool
	bo       *backoff.ExponentialBackOff
	retry    *time.Timer
	stop     chan struct{}
}

// Scheduler plays the platform's part in background sync: it keeps
// registrations, runs at most one pass per tag, redelivers failed one-off
// tags with exponential backoff and fires periodic tags on their interval.
type Scheduler struct {
	runner SyncRunner
	cfg    SchedulerConfig
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*jobState
	online func() bool
	closed bool
}

// NewScheduler creates a scheduler that runs tags through runner.
func NewScheduler(runner SyncRunner, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	cfg.defaults()
	if log == nil {
		log = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobState),
		online: func() bool { return true },
	}
}

// SetOnline sets the connectivity check consulted before firing tags.
func (s *Scheduler) SetOnline(online func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxInterval = s.cfg.MaxInterval
	return bo
}

// Register records a one-off sync tag and fires it when online. Registering a
// tag that is already pending coalesces into the existing registration.
func (s *Scheduler) Register(tag string) error {
	if tag == "" {
		return errors.New(errors.CodeInvalidInput, "sync tag is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errors.CodeUnavailable, "scheduler is closed")
	}
	st, ok := s.jobs[tag]
	if !ok {
		st = &jobState{job: SyncJob{Tag: tag, RegisteredAt: time.Now().UTC()}, bo: s.newBackOff()}
		s.jobs[tag] = st
		s.log.Debug("sync registered", "tag", tag)
	}
	online := s.online
	s.mu.Unlock()

	if st.job.Periodic {
		return errors.Newf(errors.CodeInvalidInput, "tag %q is registered as periodic", tag)
	}
	if online() {
		s.Trigger(tag)
	}
	return nil
}

// RegisterPeriodic fires tag every interval while online.
func (s *Scheduler) RegisterPeriodic(tag string, interval time.Duration) error {
	if tag == "" {
		return errors.New(errors.CodeInvalidInput, "sync tag is required")
	}
	if interval <= 0 {
		return errors.Newf(errors.CodeInvalidInput, "periodic interval for %q must be positive", tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.CodeUnavailable, "scheduler is closed")
	}
	if old, ok := s.jobs[tag]; ok {
		if !old.job.Periodic {
			return errors.Newf(errors.CodeInvalidInput, "tag %q is registered as one-off", tag)
		}
		close(old.stop)
	}
	st := &jobState{
		job:  SyncJob{Tag: tag, Periodic: true, Interval: interval, RegisteredAt: time.Now().UTC()},
		stop: make(chan struct{}),
	}
	s.jobs[tag] = st

	s.wg.Add(1)
	go s.tick(tag, interval, st.stop)
	return nil
}

func (s *Scheduler) tick(tag string, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			online := s.online
			s.mu.Unlock()
			if online() {
				s.Trigger(tag)
			}
		}
	}
}

// Unregister drops a registration. A running pass is not interrupted.
func (s *Scheduler) Unregister(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[tag]
	if !ok {
		return
	}
	if st.stop != nil {
		close(st.stop)
	}
	if st.retry != nil {
		st.retry.Stop()
	}
	delete(s.jobs, tag)
}

// Trigger fires tag now. A trigger for a tag whose pass is in progress is
// coalesced into one more pass after it finishes.
func (s *Scheduler) Trigger(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fireLocked(tag)
}

func (s *Scheduler) fireLocked(tag string) {
	st, ok := s.jobs[tag]
	if !ok || s.closed {
		return
	}
	if st.running {
		st.rerun = true
		return
	}
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
	st.running = true
	st.attempts++
	s.wg.Add(1)
	go s.run(tag, st)
}

func (s *Scheduler) run(tag string, st *jobState) {
	defer s.wg.Done()
	err := s.runner.RunSync(s.ctx, tag, st.job.Periodic)

	s.mu.Lock()
	defer s.mu.Unlock()
	st.running = false
	current := s.jobs[tag] == st

	switch {
	case !current || s.closed:
		return
	case st.job.Periodic:
		if err != nil {
			s.log.Warn("periodic sync failed", "tag", tag, "error", err)
		}
		st.attempts = 0
	case err == nil:
		s.log.Info("sync complete", "tag", tag, "attempts", st.attempts)
		if !st.rerun {
			delete(s.jobs, tag)
			return
		}
		st.attempts = 0
		st.bo.Reset()
	case st.attempts >= s.cfg.MaxAttempts:
		s.log.Error("sync abandoned", "tag", tag, "attempts", st.attempts, "error", err)
		delete(s.jobs, tag)
		return
	default:
		delay := st.bo.NextBackOff()
		if delay == backoff.Stop {
			delete(s.jobs, tag)
			return
		}
		s.log.Warn("sync failed, retrying", "tag", tag, "attempt", st.attempts, "retry_in", delay, "error", err)
		st.retry = time.AfterFunc(delay, func() { s.Trigger(tag) })
	}

	if st.rerun {
		st.rerun = false
		s.fireLocked(tag)
	}
}

// Reconnected fires every pending one-off tag, as the platform does when
// connectivity is restored.
func (s *Scheduler) Reconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, st := range s.jobs {
		if !st.job.Periodic {
			s.fireLocked(tag)
		}
	}
}

// Jobs lists registrations sorted by tag.
func (s *Scheduler) Jobs() []SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncJob, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, st.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Close stops timers and waits for running passes to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, st := range s.jobs {
		if st.retry != nil {
			st.retry.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// ============================================================================
// Connectivity
// ============================================================================

// Connectivity tracks whether the origin is reachable by probing it.
type Connectivity struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	online   bool
	handlers []func(online bool)
}

// NewConnectivity creates a monitor that starts online.
func NewConnectivity(probe func(ctx context.Context) error, interval time.Duration, log *slog.Logger) *Connectivity {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = discardLogger()
	}
	return &Connectivity{probe: probe, interval: interval, log: log, online: true}
}

// OnChange registers a callback for online/offline transitions.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// IsOnline returns the current network state.
func (c *Connectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline updates the network state and notifies on transitions.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	handlers := append([]func(bool){}, c.handlers...)
	c.mu.Unlock()

	if online {
		c.log.Info("network online")
	} else {
		c.log.Warn("network offline")
	}
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(online)
		}()
	}
}

// Check probes once and records the result.
func (c *Connectivity) Check(ctx context.Context) bool {
	err := c.probe(ctx)
	if err != nil {
		c.log.Debug("probe failed", "error", err)
	}
	c.SetOnline(err == nil)
	return err == nil
}

// Run probes on every interval until ctx is done.
func (c *Connectivity) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
