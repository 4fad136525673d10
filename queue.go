package fitsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
)

// Queue holds pending mutations until the remote acknowledges them.
// Each operation is atomic on its own; callers must not rely on a List
// snapshot staying current.
type Queue interface {
	Append(ctx context.Context, m PendingMutation) error
	List(ctx context.Context) ([]PendingMutation, error)
	// Remove deletes the mutation with id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	// RecordFailure notes a failed delivery attempt; the mutation stays queued.
	RecordFailure(ctx context.Context, id, message string) error
}

// NewMutation builds a pending mutation with a fresh identity.
func NewMutation(endpoint string, payload json.RawMessage) (PendingMutation, error) {
	if len(payload) == 0 {
		return PendingMutation{}, errors.New(errors.CodeInvalidInput, "mutation payload is required")
	}
	if !json.Valid(payload) {
		return PendingMutation{}, errors.New(errors.CodeInvalidInput, "mutation payload must be valid JSON")
	}
	return PendingMutation{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// MemoryQueue is a goroutine-safe in-memory Queue. It does not survive restarts.
type MemoryQueue struct {
	mu    sync.RWMutex
	items map[string]PendingMutation
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]PendingMutation)}
}

func (q *MemoryQueue) Append(ctx context.Context, m PendingMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" {
		return errors.New(errors.CodeInvalidInput, "mutation id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[m.ID] = m
	return nil
}

// List returns mutations oldest first.
func (q *MemoryQueue) List(ctx context.Context) ([]PendingMutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]PendingMutation, 0, len(q.items))
	for _, m := range q.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
	return nil
}

func (q *MemoryQueue) RecordFailure(ctx context.Context, id, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.items[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = message
	q.items[id] = m
	return nil
}

// Len returns the number of queued mutations.
func (q *MemoryQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
