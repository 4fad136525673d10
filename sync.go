package fitsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmgilman/go/errors"
)

// Poster delivers a mutation payload to the remote.
type Poster interface {
	Post(ctx context.Context, path string, payload []byte, header http.Header) (*Response, error)
}

// Default remote endpoints for drained queues.
const (
	DefaultWorkoutEndpoint   = "/api/workouts/sync"
	DefaultAnalyticsEndpoint = "/api/analytics"
)

// CoordinatorConfig selects the endpoint each queue drains to.
type CoordinatorConfig struct {
	WorkoutEndpoint   string
	AnalyticsEndpoint string
}

// Coordinator drains pending-mutation queues when a sync job fires.
type Coordinator struct {
	workouts  Queue
	analytics Queue
	net       Poster
	notify    Notifier
	cfg       CoordinatorConfig
	log       *slog.Logger
}

// NewCoordinator creates a coordinator. notify may be nil.
func NewCoordinator(workouts, analytics Queue, net Poster, notify Notifier, cfg CoordinatorConfig, log *slog.Logger) *Coordinator {
	if cfg.WorkoutEndpoint == "" {
		cfg.WorkoutEndpoint = DefaultWorkoutEndpoint
	}
	if cfg.AnalyticsEndpoint == "" {
		cfg.AnalyticsEndpoint = DefaultAnalyticsEndpoint
	}
	if log == nil {
		log = discardLogger()
	}
	return &Coordinator{workouts: workouts, analytics: analytics, net: net, notify: notify, cfg: cfg, log: log}
}

// Workouts returns the workout queue.
func (c *Coordinator) Workouts() Queue { return c.workouts }

// Analytics returns the analytics queue.
func (c *Coordinator) Analytics() Queue { return c.analytics }

// QueueFor returns the queue drained by tag.
func (c *Coordinator) QueueFor(tag string) (Queue, error) {
	switch tag {
	case TagWorkoutSync:
		return c.workouts, nil
	case TagAnalyticsSync, TagDailyAnalytics:
		return c.analytics, nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown sync tag %q", tag)
	}
}

// Run performs one sync pass for tag. Items the remote acknowledges with a
// 2xx are removed; every other item is kept with its failure recorded. The
// returned error is non-nil when any item failed, so the platform schedules a
// retry; it never means items were lost.
func (c *Coordinator) Run(ctx context.Context, tag string) (SyncReport, error) {
	report := SyncReport{Tag: tag}
	q, err := c.QueueFor(tag)
	if err != nil {
		return report, err
	}
	endpoint := c.cfg.AnalyticsEndpoint
	notifySuccess := false
	if tag == TagWorkoutSync {
		endpoint = c.cfg.WorkoutEndpoint
		notifySuccess = true
	}

	items, err := q.List(ctx)
	if err != nil {
		return report, errors.Wrapf(err, errors.CodeDatabase, "list %s queue", tag)
	}
	c.log.DebugContext(ctx, "sync pass", "tag", tag, "pending", len(items))

	var errs []error
	for _, m := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Attempted++
		if err := c.deliver(ctx, q, m, endpoint); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, m.ID)
			errs = append(errs, err)
			c.log.WarnContext(ctx, "sync item failed", "tag", tag, "id", m.ID, "error", err)
			continue
		}
		report.Succeeded++
		if notifySuccess {
			c.notifySynced(ctx, m)
		}
	}

	c.log.InfoContext(ctx, "sync pass complete",
		"tag", tag, "attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed)
	if len(errs) > 0 {
		return report, errors.Wrapf(joinErrors(errs), errors.CodeNetwork,
			"%s: %d of %d items failed", tag, report.Failed, report.Attempted)
	}
	return report, nil
}

// deliver posts one mutation and removes it once acknowledged.
func (c *Coordinator) deliver(ctx context.Context, q Queue, m PendingMutation, endpoint string) error {
	if m.Endpoint != "" {
		endpoint = m.Endpoint
	}
	header := http.Header{}
	header.Set("Idempotency-Key", m.ID)

	resp, err := c.net.Post(ctx, endpoint, m.Payload, header)
	if err == nil && !resp.OK() {
		err = errors.Newf(errors.CodeNetwork, "remote answered %d", resp.StatusCode)
	}
	if err != nil {
		if rerr := q.RecordFailure(ctx, m.ID, err.Error()); rerr != nil {
			c.log.WarnContext(ctx, "record sync failure", "id", m.ID, "error", rerr)
		}
		return fmt.Errorf("item %s: %w", m.ID, err)
	}

	if err := q.Remove(ctx, m.ID); err != nil {
		// Delivered but still queued; the next pass re-sends under the same key.
		return errors.Wrapf(err, errors.CodeDatabase, "remove delivered item %s", m.ID)
	}
	return nil
}

func (c *Coordinator) notifySynced(ctx context.Context, m PendingMutation) {
	if c.notify == nil {
		return
	}
	n := Notification{
		Title: "Workout Synced",
		Body:  fmt.Sprintf("Your workout %q has been synced.", mutationLabel(m)),
		Tag:   "workout-synced-" + m.ID,
		Icon:  defaultIcon,
		Data:  map[string]any{"id": m.ID},
	}
	if err := c.notify.Notify(ctx, n); err != nil {
		c.log.WarnContext(ctx, "sync notification failed", "id", m.ID, "error", err)
	}
}

// mutationLabel names a queued item for humans: its name or title field, else its id.
func mutationLabel(m PendingMutation) string {
	var v struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	}
	if json.Unmarshal(m.Payload, &v) == nil {
		if v.Name != "" {
			return v.Name
		}
		if v.Title != "" {
			return v.Title
		}
	}
	return m.ID
}
