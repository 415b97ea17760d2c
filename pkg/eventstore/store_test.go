package eventstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(id string, ts time.Time) models.Event {
	return models.Event{
		ID:        id,
		Type:      models.EventTypeDevice,
		Source:    models.SourceWebhook,
		DeviceID:  "device-1",
		Value:     json.RawMessage(`{"on":true}`),
		Timestamp: ts,
	}
}

func TestStore_SaveAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, sampleEvent("evt-1", now)))
	require.NoError(t, s.Save(ctx, sampleEvent("evt-2", now.Add(time.Second))))

	events, err := s.Query(ctx, Query{DeviceID: "device-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-2", events[0].ID, "newest first")
	assert.Equal(t, "evt-1", events[1].ID)
}

func TestStore_SaveDuplicateIsIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, sampleEvent("evt-dup", now)))
	err := s.Save(ctx, sampleEvent("evt-dup", now))
	assert.ErrorIs(t, err, ErrDuplicateID)

	events, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_QueryFiltersByTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, sampleEvent("old", base.Add(-time.Hour))))
	require.NoError(t, s.Save(ctx, sampleEvent("new", base)))

	since := base.Add(-time.Minute)
	events, err := s.Query(ctx, Query{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].ID)
}

func TestStore_CountSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Save(ctx, sampleEvent("a", base.Add(-2*time.Hour))))
	require.NoError(t, s.Save(ctx, sampleEvent("b", base)))

	n, err := s.CountSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_EvictOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.Save(ctx, sampleEvent("stale", base.Add(-48*time.Hour))))
	require.NoError(t, s.Save(ctx, sampleEvent("fresh", base)))

	n, err := s.EvictOlderThan(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].ID)
}
