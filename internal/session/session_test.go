package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hray3182/loopmatic/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	var s Store = NewMemoryStore(time.Minute)

	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, 1, State{Step: StepTime, Text: "yoga", IsHabit: true}))
	st, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StepTime, st.Step)
	assert.Equal(t, "yoga", st.Text)

	// Returned state is a copy.
	st.Text = "changed"
	again, _, _ := s.Get(ctx, 1)
	assert.Equal(t, "yoga", again.Text)

	require.NoError(t, s.Clear(ctx, 1))
	_, ok, _ = s.Get(ctx, 1)
	assert.False(t, ok)
}

func TestMemoryStoreExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10 * time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, 1, State{Step: StepText}))
	now = now.Add(9 * time.Minute)
	_, ok, _ := s.Get(ctx, 1)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = s.Get(ctx, 1)
	assert.False(t, ok)
}

func TestMemoryStoreSweepsAbandonedSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)
	s := NewMemoryStore(10 * time.Minute)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, 1, State{Step: StepText}))
	require.NoError(t, s.Set(ctx, 2, State{Step: StepTime}))
	now = now.Add(5 * time.Minute)
	require.NoError(t, s.Set(ctx, 3, State{Step: StepRule}))

	// Users 1 and 2 never come back.
	now = now.Add(6 * time.Minute)
	require.NoError(t, s.Set(ctx, 4, State{Step: StepText}))

	assert.Len(t, s.entries, 2)
	assert.Contains(t, s.entries, int64(3))
	assert.Contains(t, s.entries, int64(4))
}

func TestStateEncoding(t *testing.T) {
	st := State{Step: StepRule, Text: "bins", Clock: models.Clock{Hour: 19, Minute: 30}}
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"clock":"19:30"`)

	var back State
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, st, back)
}
