// Package webhook is the ingress endpoint for upstream device-platform
// callbacks (spec.md §4.D): POST /webhook/:platform. It verifies the
// HMAC-SHA256 signature, dispatches on lifecycle (PING/CONFIRMATION/EVENT),
// and hands EVENT payloads to the queue (C) for async persistence, archival,
// and broadcast. Router wiring follows the teacher's cmd/tarsy/main.go
// gin.Default()/router.GET idiom.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/homecore/ingress/pkg/config"
	"github.com/homecore/ingress/pkg/models"
	"github.com/homecore/ingress/pkg/queue"
)

// LifecycleKind classifies an inbound webhook payload's lifecycle field.
type LifecycleKind string

// Lifecycle kinds named in spec.md §4.D.
const (
	LifecyclePing         LifecycleKind = "PING"
	LifecycleConfirmation LifecycleKind = "CONFIRMATION"
	LifecycleEvent        LifecycleKind = "EVENT"
)

// payload is the inbound webhook envelope. Fields beyond lifecycle are
// intentionally loose: the capability-normalization layer that would give
// Value structure is out of scope (spec.md §1).
type payload struct {
	Lifecycle       string          `json:"lifecycle"`
	EventData       *eventData      `json:"eventData"`
	Timestamp       *time.Time      `json:"timestamp"`
	Metadata        json.RawMessage `json:"metadata"`
	ConfirmationURL string          `json:"confirmationUrl"`
	ChallengeCode   string          `json:"challengeCode"`
}

// eventData is the provider-specific event array nested under "EVENT"
// lifecycle bodies (spec.md §6, S1's literal payload shape).
type eventData struct {
	Events []event `json:"events"`
}

// event is a single embedded event within an EVENT lifecycle payload.
type event struct {
	EventID    string          `json:"eventId"`
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	LocationID string          `json:"locationId"`
	Capability string          `json:"capability"`
	Attribute  string          `json:"attribute"`
	Value      json.RawMessage `json:"value"`
	EventTime  *time.Time      `json:"eventTime"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Publisher hands an Event off to C (queue) once D has constructed it; the
// queue's handler then persists, archives and broadcasts it. Kept as an
// interface so handler tests can stub it out.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// ConfirmationFetcher performs the CONFIRMATION lifecycle's follow-up GET,
// confirming subscription setup with the upstream platform. A real upstream
// client is out of scope (spec.md §1); the Non-goal boundary lives behind
// this interface.
type ConfirmationFetcher interface {
	Confirm(ctx context.Context, url string) error
}

// Handler is the gin handler group for POST /webhook/:platform.
type Handler struct {
	cfg       *config.Config
	publisher Publisher
	confirmer ConfirmationFetcher
}

// NewHandler constructs a webhook Handler.
func NewHandler(cfg *config.Config, publisher Publisher, confirmer ConfirmationFetcher) *Handler {
	return &Handler{cfg: cfg, publisher: publisher, confirmer: confirmer}
}

// Register attaches the webhook route to router.
func (h *Handler) Register(router gin.IRouter) {
	router.POST("/webhook/:platform", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	platform := c.Param("platform")
	log := slog.With("platform", platform)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Error("webhook: read body failed", "error", err)
		c.Status(http.StatusBadRequest)
		return
	}

	if !h.verifySignature(c.Request, body) {
		log.Warn("webhook: signature verification failed")
		c.Status(http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Warn("webhook: malformed payload, acknowledging anyway", "error", err)
		// Per spec.md §4.D, malformed EVENT bodies still get a 200 — the
		// upstream platform's retry behavior on non-2xx is worse than
		// dropping one unparseable payload.
		c.Status(http.StatusOK)
		return
	}

	switch LifecycleKind(strings.ToUpper(p.Lifecycle)) {
	case LifecyclePing:
		h.handlePing(c, p)
	case LifecycleConfirmation:
		h.handleConfirmation(c, p, log)
	case LifecycleEvent:
		h.handleEvent(c, platform, p, log)
	default:
		log.Warn("webhook: unknown lifecycle", "lifecycle", p.Lifecycle)
		c.Status(http.StatusOK)
	}
}

func (h *Handler) handlePing(c *gin.Context, p payload) {
	c.JSON(http.StatusOK, gin.H{"challengeCode": p.ChallengeCode})
}

func (h *Handler) handleConfirmation(c *gin.Context, p payload, log *slog.Logger) {
	c.Status(http.StatusOK)
	if p.ConfirmationURL == "" || h.confirmer == nil {
		return
	}

	fetch := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.confirmer.Confirm(ctx, p.ConfirmationURL); err != nil {
			log.Error("webhook: confirmation fetch failed", "error", err)
		}
	}

	if h.cfg.WebhookConfirmationFetchMode == "sync" {
		fetch()
	} else {
		go fetch()
	}
}

func (h *Handler) handleEvent(c *gin.Context, platform string, p payload, log *slog.Logger) {
	c.Status(http.StatusOK)

	if p.EventData == nil || len(p.EventData.Events) == 0 {
		log.Warn("webhook: EVENT lifecycle with no embedded events")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// spec.md §4.D step 3: "for each embedded event, construct a canonical
	// Event... and enqueue" — an EVENT payload is a batch, not a singleton.
	for _, item := range p.EventData.Events {
		e := h.buildEvent(item)
		if err := h.publisher.Publish(ctx, e); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				log.Error("webhook: queue full, event dropped after ack", "event_id", e.ID)
				h.publishCriticalSystemEvent(ctx, platform, e.ID)
				continue
			}
			log.Error("webhook: publish failed", "error", err, "event_id", e.ID)
		}
	}
}

// buildEvent constructs a canonical Event from one embedded webhook event
// item. A missing eventId gets a locally generated UUID (spec.md §4.D).
func (h *Handler) buildEvent(item event) models.Event {
	id := item.EventID
	if id == "" {
		id = uuid.NewString()
	}
	ts := time.Now()
	if item.EventTime != nil {
		ts = *item.EventTime
	}

	return models.Event{
		ID:         id,
		Type:       models.EventTypeDevice,
		Source:     models.SourceWebhook,
		DeviceID:   item.DeviceID,
		DeviceName: item.DeviceName,
		LocationID: item.LocationID,
		EventType:  item.Capability + "." + item.Attribute,
		Value:      item.Value,
		Timestamp:  ts,
		Metadata:   item.Metadata,
		CreatedAt:  time.Now(),
	}
}

func (h *Handler) publishCriticalSystemEvent(ctx context.Context, platform, droppedEventID string) {
	metadata, _ := json.Marshal(map[string]interface{}{
		"severity":       models.SeverityCritical,
		"platform":       platform,
		"droppedEventId": droppedEventID,
		"reason":         "queue_at_capacity",
	})
	sysEvent := models.Event{
		ID:        uuid.NewString(),
		Type:      models.EventTypeSystem,
		Source:    models.SourceInternal,
		Timestamp: time.Now(),
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := h.publisher.Publish(ctx, sysEvent); err != nil {
		slog.Error("webhook: failed to publish queue-full system_event", "error", err)
	}
}

// verifySignature checks the configured signature header against an
// HMAC-SHA256 of body keyed by the shared secret, using constant-time
// comparison. Encoding (hex/base64) and an optional scheme prefix (e.g.
// "sha256=") are configurable per spec.md §9's Open Question.
func (h *Handler) verifySignature(r *http.Request, body []byte) bool {
	header := r.Header.Get(h.cfg.WebhookSignatureHeader)
	if header == "" {
		return false
	}
	if h.cfg.WebhookSignaturePrefix != "" {
		if !strings.HasPrefix(header, h.cfg.WebhookSignaturePrefix) {
			return false
		}
		header = strings.TrimPrefix(header, h.cfg.WebhookSignaturePrefix)
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.WebhookSharedSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	var got []byte
	var err error
	switch h.cfg.WebhookSignatureEncoding {
	case "base64":
		got, err = base64.StdEncoding.DecodeString(header)
	default:
		got, err = hex.DecodeString(header)
	}
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
