package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/config"
	"github.com/homecore/ingress/pkg/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, e models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("WEBHOOK_SHARED_SECRET", "test-secret")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestRouter(cfg *config.Config, pub Publisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(cfg, pub, nil).Register(router)
	return router
}

func TestHandler_RejectsBadSignature(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	router := newTestRouter(cfg, pub)

	body := []byte(`{"lifecycle":"EVENT"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/platformA", bytes.NewReader(body))
	req.Header.Set(cfg.WebhookSignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, pub.count())
}

func TestHandler_PingRespondsWithChallengeCode(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	router := newTestRouter(cfg, pub)

	body := []byte(`{"lifecycle":"PING","challengeCode":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/platformA", bytes.NewReader(body))
	req.Header.Set(cfg.WebhookSignatureHeader, sign(cfg.WebhookSharedSecret, body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "abc123")
}

func TestHandler_EventPublishesConstructedEvent(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	router := newTestRouter(cfg, pub)

	body := []byte(`{"lifecycle":"EVENT","eventData":{"events":[{"eventId":"abc","deviceId":"d1","capability":"switch","attribute":"switch","value":"on","eventTime":"2025-01-01T00:00:00Z"}]}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/platformA", bytes.NewReader(body))
	req.Header.Set(cfg.WebhookSignatureHeader, sign(cfg.WebhookSharedSecret, body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, pub.count())

	e := pub.events[0]
	assert.Equal(t, "abc", e.ID)
	assert.Equal(t, "d1", e.DeviceID)
	assert.Equal(t, "switch.switch", e.EventType)
}

func TestHandler_EventBatchPublishesEachEmbeddedEvent(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	router := newTestRouter(cfg, pub)

	body := []byte(`{"lifecycle":"EVENT","eventData":{"events":[` +
		`{"eventId":"evt-1","deviceId":"d1","capability":"switch","attribute":"switch","value":"on"},` +
		`{"eventId":"evt-2","deviceId":"d2","capability":"switch","attribute":"switch","value":"off"}` +
		`]}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/platformA", bytes.NewReader(body))
	req.Header.Set(cfg.WebhookSignatureHeader, sign(cfg.WebhookSharedSecret, body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, pub.count())
	assert.Equal(t, "evt-1", pub.events[0].ID)
	assert.Equal(t, "evt-2", pub.events[1].ID)
}

func TestHandler_MalformedBodyStillAcknowledges(t *testing.T) {
	cfg := testConfig(t)
	pub := &fakePublisher{}
	router := newTestRouter(cfg, pub)

	body := []byte(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/platformA", bytes.NewReader(body))
	req.Header.Set(cfg.WebhookSignatureHeader, sign(cfg.WebhookSharedSecret, body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
