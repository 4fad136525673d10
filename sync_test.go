package fitsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingRemoveQueue refuses to remove items.
type failingRemoveQueue struct {
	*MemoryQueue
}

func (q failingRemoveQueue) Remove(context.Context, string) error {
	return errors.New(errors.CodeDatabase, "read-only")
}

// rejectMarked answers 500 for payloads containing "fail" and 200 otherwise.
func rejectMarked(r *http.Request) (*Response, error) {
	body, _ := requestBody(r)
	if strings.Contains(string(body), "fail") {
		return textResponse(http.StatusInternalServerError, "text/plain", "boom"), nil
	}
	return textResponse(http.StatusOK, "application/json", `{"ok":true}`), nil
}

func newTestCoordinator(net *fakeNet) (*Coordinator, *MemoryQueue, *MemoryQueue, *notificationLog) {
	workouts, analytics := NewMemoryQueue(), NewMemoryQueue()
	log := &notificationLog{}
	gw := NewGateway()
	gw.On(log.record)
	return NewCoordinator(workouts, analytics, net, gw, CoordinatorConfig{}, nil), workouts, analytics, log
}

func TestSyncPass(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	t.Run("M of N succeed", func(t *testing.T) {
		cases := []struct{ n, m int }{{0, 0}, {1, 1}, {3, 0}, {5, 3}, {4, 4}}
		for _, tc := range cases {
			t.Run(fmt.Sprintf("%d of %d", tc.m, tc.n), func(t *testing.T) {
				net := newFakeNet()
				net.handle(DefaultWorkoutEndpoint, rejectMarked)
				c, workouts, _, log := newTestCoordinator(net)

				for i := range tc.n {
					payload := fmt.Sprintf(`{"name":"workout %d"}`, i)
					if i >= tc.m {
						payload = fmt.Sprintf(`{"name":"fail %d"}`, i)
					}
					require.NoError(t, workouts.Append(ctx, mutationAt(fmt.Sprintf("w%d", i), payload, base.Add(time.Duration(i)*time.Second))))
				}

				report, err := c.Run(ctx, TagWorkoutSync)
				assert.Equal(t, tc.n, report.Attempted)
				assert.Equal(t, tc.m, report.Succeeded)
				assert.Equal(t, tc.n-tc.m, report.Failed)
				assert.Equal(t, tc.n-tc.m, workouts.Len())
				assert.Len(t, log.all(), tc.m)
				if tc.m < tc.n {
					require.Error(t, err)
					assert.Equal(t, errors.CodeNetwork, errors.GetCode(err))
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})

	t.Run("succeeded items are not retried", func(t *testing.T) {
		net := newFakeNet()
		net.handle(DefaultWorkoutEndpoint, rejectMarked)
		c, workouts, _, _ := newTestCoordinator(net)
		require.NoError(t, workouts.Append(ctx, mutationAt("ok", `{"name":"ok"}`, base)))
		require.NoError(t, workouts.Append(ctx, mutationAt("bad", `{"name":"fail"}`, base.Add(time.Second))))

		_, err := c.Run(ctx, TagWorkoutSync)
		require.Error(t, err)
		report, err := c.Run(ctx, TagWorkoutSync)
		require.Error(t, err)

		assert.Equal(t, 1, report.Attempted)
		assert.Equal(t, []string{"bad"}, report.FailedIDs)
		assert.Equal(t, 3, net.countCalls("POST "+DefaultWorkoutEndpoint))

		items, err := workouts.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 2, items[0].Attempts)
		assert.Contains(t, items[0].LastError, "500")
	})

	t.Run("a failing item does not stop the batch", func(t *testing.T) {
		net := newFakeNet()
		net.setOffline(true)
		c, workouts, _, _ := newTestCoordinator(net)
		for i := range 3 {
			require.NoError(t, workouts.Append(ctx, mutationAt(fmt.Sprintf("w%d", i), `{}`, base)))
		}

		report, err := c.Run(ctx, TagWorkoutSync)
		require.Error(t, err)
		assert.Equal(t, 3, report.Attempted)
		assert.Equal(t, 3, workouts.Len())
	})

	t.Run("posts the payload with an idempotency key", func(t *testing.T) {
		net := newFakeNet()
		net.serve(DefaultWorkoutEndpoint, "application/json", `{}`)
		c, workouts, _, log := newTestCoordinator(net)
		require.NoError(t, workouts.Append(ctx, mutationAt("w1", `{"name":"Morning run","km":5}`, base)))

		_, err := c.Run(ctx, TagWorkoutSync)
		require.NoError(t, err)

		require.Len(t, net.headers, 1)
		assert.Equal(t, "w1", net.headers[0].Get("Idempotency-Key"))
		assert.JSONEq(t, `{"name":"Morning run","km":5}`, string(net.bodies[0]))

		notes := log.all()
		require.Len(t, notes, 1)
		assert.Equal(t, "Workout Synced", notes[0].Title)
		assert.Contains(t, notes[0].Body, "Morning run")
		assert.Equal(t, "workout-synced-w1", notes[0].Tag)
	})

	t.Run("item endpoint overrides the default", func(t *testing.T) {
		net := newFakeNet()
		net.serve("/api/workouts/legacy", "application/json", `{}`)
		c, workouts, _, _ := newTestCoordinator(net)
		m := mutationAt("w1", `{}`, base)
		m.Endpoint = "/api/workouts/legacy"
		require.NoError(t, workouts.Append(ctx, m))

		_, err := c.Run(ctx, TagWorkoutSync)
		require.NoError(t, err)
		assert.Equal(t, 1, net.countCalls("POST /api/workouts/legacy"))
	})

	t.Run("analytics flush is silent", func(t *testing.T) {
		net := newFakeNet()
		net.serve(DefaultAnalyticsEndpoint, "application/json", `{}`)
		c, _, analytics, log := newTestCoordinator(net)
		require.NoError(t, analytics.Append(ctx, mutationAt("e1", `{"event":"view"}`, base)))
		require.NoError(t, analytics.Append(ctx, mutationAt("e2", `{"event":"click"}`, base)))

		report, err := c.Run(ctx, TagAnalyticsSync)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Succeeded)
		assert.Zero(t, analytics.Len())
		assert.Empty(t, log.all())
	})

	t.Run("daily analytics drains the analytics queue", func(t *testing.T) {
		net := newFakeNet()
		net.serve(DefaultAnalyticsEndpoint, "application/json", `{}`)
		c, _, analytics, _ := newTestCoordinator(net)
		require.NoError(t, analytics.Append(ctx, mutationAt("e1", `{}`, base)))

		_, err := c.Run(ctx, TagDailyAnalytics)
		require.NoError(t, err)
		assert.Zero(t, analytics.Len())
	})

	t.Run("unknown tag", func(t *testing.T) {
		c, _, _, _ := newTestCoordinator(newFakeNet())
		_, err := c.Run(ctx, "photo-sync")
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	})

	t.Run("remove failure after delivery counts as failed", func(t *testing.T) {
		net := newFakeNet()
		net.serve(DefaultWorkoutEndpoint, "application/json", `{}`)
		workouts := failingRemoveQueue{NewMemoryQueue()}
		require.NoError(t, workouts.Append(ctx, mutationAt("w1", `{}`, base)))
		log := &notificationLog{}
		gw := NewGateway()
		gw.On(log.record)
		c := NewCoordinator(workouts, NewMemoryQueue(), net, gw, CoordinatorConfig{}, nil)

		report, err := c.Run(ctx, TagWorkoutSync)
		require.Error(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Empty(t, log.all())
		assert.Equal(t, 1, workouts.Len())
	})
}

func TestMutationLabel(t *testing.T) {
	assert.Equal(t, "Leg day", mutationLabel(PendingMutation{ID: "x", Payload: []byte(`{"name":"Leg day"}`)}))
	assert.Equal(t, "5k", mutationLabel(PendingMutation{ID: "x", Payload: []byte(`{"title":"5k"}`)}))
	assert.Equal(t, "x", mutationLabel(PendingMutation{ID: "x", Payload: []byte(`[1,2]`)}))
}
