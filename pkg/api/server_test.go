package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/config"
	"github.com/homecore/ingress/pkg/eventstore"
	"github.com/homecore/ingress/pkg/polling"
	"github.com/homecore/ingress/pkg/queue"
	"github.com/homecore/ingress/pkg/sessioncache"
	"github.com/homecore/ingress/pkg/sse"
	"github.com/homecore/ingress/pkg/upstream"
	"github.com/homecore/ingress/pkg/webhook"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	t.Setenv("WEBHOOK_SHARED_SECRET", "s3cr3t")
	cfg, err := config.Load()
	require.NoError(t, err)

	store, err := eventstore.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q := queue.New(queue.DefaultConfig())
	q.RegisterHandler("ingest", func(ctx context.Context, job queue.Job) error { return nil })
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(time.Second) })

	broadcaster := sse.New(30*time.Second, true)
	client := upstream.NewFakeClient()
	client.SetDevice(upstream.DeviceInfo{ID: "d1", RoomID: "living-room"}, nil)
	reconciler := polling.New(client, nil, polling.Config{Interval: time.Hour})
	cache := sessioncache.New(time.Minute)

	wh := webhook.NewHandler(cfg, nil, nil)

	return New(wh, broadcaster, reconciler, store, q, cache, client)
}

func TestServer_HealthzReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestServer_ListDevicesCachesSecondRequest(t *testing.T) {
	s := newTestServer(t)

	req1 := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req1.Header.Set("X-Tab-Id", "tab-1")
	rec1 := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Contains(t, rec1.Body.String(), `"cached":false`)

	req2 := httptest.NewRequest(http.MethodGet, "/devices", nil)
	req2.Header.Set("X-Tab-Id", "tab-1")
	rec2 := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec2, req2)
	assert.Contains(t, rec2.Body.String(), `"cached":true`)
}

func TestServer_DeadLettersEndpointReturnsEmptyList(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/internal/queue/dead-letters", nil)
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadLetters")
}
