package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/eventlog"
	"github.com/homecore/ingress/pkg/eventstore"
	"github.com/homecore/ingress/pkg/models"
	"github.com/homecore/ingress/pkg/queue"
	"github.com/homecore/ingress/pkg/sse"
)

func TestPublisher_PublishPersistsEvent(t *testing.T) {
	dir := t.TempDir()
	store, err := eventstore.Open(context.Background(), filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	defer store.Close()

	log, err := eventlog.Open(filepath.Join(dir, "archive"), 0, false)
	require.NoError(t, err)
	defer log.Close()

	broadcaster := sse.New(time.Hour, true)

	q := queue.New(queue.DefaultConfig())
	RegisterHandler(q, store, log, broadcaster)
	q.Start(context.Background())
	defer q.Stop(time.Second)

	pub := NewPublisher(q)
	e := models.Event{ID: "evt-1", Type: models.EventTypeDevice, Source: models.SourceWebhook, Timestamp: time.Now()}
	require.NoError(t, pub.Publish(context.Background(), e))

	require.Eventually(t, func() bool {
		events, err := store.Query(context.Background(), eventstore.Query{})
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}
