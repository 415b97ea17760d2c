// Package api assembles D (webhook), F (SSE), G (CRUD pass-through +
// session cache), and the operational surface (/healthz, dead-letter
// introspection) behind one gin.Engine, following the teacher's
// cmd/tarsy/main.go router.GET/router.POST wiring style.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/homecore/ingress/pkg/eventstore"
	"github.com/homecore/ingress/pkg/polling"
	"github.com/homecore/ingress/pkg/queue"
	"github.com/homecore/ingress/pkg/sessioncache"
	"github.com/homecore/ingress/pkg/sse"
	"github.com/homecore/ingress/pkg/upstream"
	"github.com/homecore/ingress/pkg/webhook"
)

// Server owns the gin.Engine and every component it fronts.
type Server struct {
	Engine *gin.Engine

	store       *eventstore.Store
	q           *queue.Queue
	broadcaster *sse.Broadcaster
	reconciler  *polling.Reconciler
	cache       *sessioncache.Cache
	upstream    upstream.Client
}

// New assembles the router. webhookHandler, broadcaster, reconciler, store,
// and q must already be constructed by the caller (cmd/ingressd).
func New(
	webhookHandler *webhook.Handler,
	broadcaster *sse.Broadcaster,
	reconciler *polling.Reconciler,
	store *eventstore.Store,
	q *queue.Queue,
	cache *sessioncache.Cache,
	upstreamClient upstream.Client,
) *Server {
	s := &Server{
		Engine:      gin.Default(),
		store:       store,
		q:           q,
		broadcaster: broadcaster,
		reconciler:  reconciler,
		cache:       cache,
		upstream:    upstreamClient,
	}

	webhookHandler.Register(s.Engine)
	s.Engine.GET("/events/stream", broadcaster.Handle)
	s.Engine.GET("/healthz", s.healthz)
	s.Engine.GET("/internal/queue/dead-letters", s.deadLetters)
	s.Engine.GET("/devices", s.listDevices)
	s.Engine.GET("/rooms", s.listRooms)

	return s
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	storeHealthy := true
	if _, err := s.store.CountSince(ctx, time.Now().Add(-time.Minute)); err != nil {
		storeHealthy = false
	}

	qStats := s.q.Stats()
	pollStatus := s.reconciler.Status()

	healthy := storeHealthy
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
		"eventStore": gin.H{
			"reachable": storeHealthy,
		},
		"queue": gin.H{
			"depth":           qStats.Depth,
			"depthByType":     qStats.DepthByType,
			"deadLetterCount": qStats.DeadLetterCount,
			"processed":       qStats.Processed,
			"failed":          qStats.Failed,
		},
		"sse": gin.H{
			"sessionCount": s.broadcaster.SessionCount(),
		},
		"polling": pollStatus,
	})
}

func (s *Server) deadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deadLetters": s.q.DeadLetters()})
}

// listDevices is the minimal CRUD pass-through stub needed to exercise G
// (spec.md §1's Non-goals exclude a full CRUD router).
func (s *Server) listDevices(c *gin.Context) {
	tab := c.GetHeader("X-Tab-Id")
	if v, ok := s.cache.Get(tab, "devices"); ok {
		c.JSON(http.StatusOK, gin.H{"devices": v, "cached": true})
		return
	}

	devices, err := s.upstream.ListDevices(c.Request.Context(), nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	s.cache.Set(tab, "devices", devices)
	c.JSON(http.StatusOK, gin.H{"devices": devices, "cached": false})
}

func (s *Server) listRooms(c *gin.Context) {
	tab := c.GetHeader("X-Tab-Id")
	if v, ok := s.cache.Get(tab, "rooms"); ok {
		c.JSON(http.StatusOK, gin.H{"rooms": v, "cached": true})
		return
	}

	devices, err := s.upstream.ListDevices(c.Request.Context(), nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	rooms := map[string]bool{}
	for _, d := range devices {
		if d.RoomID != "" {
			rooms[d.RoomID] = true
		}
	}
	roomIDs := make([]string, 0, len(rooms))
	for r := range rooms {
		roomIDs = append(roomIDs, r)
	}
	s.cache.Set(tab, "rooms", roomIDs)
	c.JSON(http.StatusOK, gin.H{"rooms": roomIDs, "cached": false})
}
