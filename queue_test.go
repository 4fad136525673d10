package fitsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMutation(t *testing.T) {
	t.Run("assigns identity and timestamp", func(t *testing.T) {
		m, err := NewMutation("", json.RawMessage(`{"name":"Leg day"}`))
		require.NoError(t, err)
		_, err = uuid.Parse(m.ID)
		assert.NoError(t, err)
		assert.False(t, m.CreatedAt.IsZero())
		assert.Zero(t, m.Attempts)
		assert.JSONEq(t, `{"name":"Leg day"}`, string(m.Payload))
	})

	t.Run("identities are unique", func(t *testing.T) {
		a, err := NewMutation("", json.RawMessage(`{}`))
		require.NoError(t, err)
		b, err := NewMutation("", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("rejects empty and invalid payloads", func(t *testing.T) {
		_, err := NewMutation("", nil)
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
		_, err = NewMutation("", json.RawMessage(`{not json`))
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	})
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	t.Run("lists oldest first", func(t *testing.T) {
		q := NewMemoryQueue()
		require.NoError(t, q.Append(ctx, mutationAt("c", `{}`, base.Add(2*time.Minute))))
		require.NoError(t, q.Append(ctx, mutationAt("a", `{}`, base)))
		require.NoError(t, q.Append(ctx, mutationAt("b", `{}`, base)))

		items, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].ID, items[1].ID, items[2].ID})
	})

	t.Run("remove by identity", func(t *testing.T) {
		q := NewMemoryQueue()
		require.NoError(t, q.Append(ctx, mutationAt("a", `{}`, base)))
		require.NoError(t, q.Append(ctx, mutationAt("b", `{}`, base)))

		require.NoError(t, q.Remove(ctx, "a"))
		require.NoError(t, q.Remove(ctx, "a"), "removing an absent id is not an error")
		assert.Equal(t, 1, q.Len())
	})

	t.Run("record failure keeps the item", func(t *testing.T) {
		q := NewMemoryQueue()
		require.NoError(t, q.Append(ctx, mutationAt("a", `{}`, base)))

		require.NoError(t, q.RecordFailure(ctx, "a", "timeout"))
		require.NoError(t, q.RecordFailure(ctx, "a", "503"))
		require.NoError(t, q.RecordFailure(ctx, "missing", "ignored"))

		items, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 2, items[0].Attempts)
		assert.Equal(t, "503", items[0].LastError)
	})

	t.Run("append requires an id", func(t *testing.T) {
		q := NewMemoryQueue()
		err := q.Append(ctx, PendingMutation{Payload: []byte(`{}`)})
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	})
}
