// Package sse is the real-time delivery surface (spec.md §4.F):
// GET /events/stream, served as Server-Sent Events rather than the
// teacher's WebSocket transport — spec.md §2's data flow is strictly
// server-to-client push, which SSE expresses with less machinery than a
// full-duplex socket. The session registry and copy-then-release broadcast
// pattern are carried over from the teacher's pkg/events/manager.go
// ConnectionManager.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/homecore/ingress/pkg/models"
)

// frameKind labels the SSE `event:` field of each frame this package writes.
type frameKind string

const (
	frameConnected frameKind = "connected"
	frameHeartbeat frameKind = "heartbeat"
	frameEvent     frameKind = "new-event"
)

type session struct {
	id        string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Broadcaster manages SSE client sessions and fans Events out to all of
// them. One Broadcaster per process (mirrors ConnectionManager's one-per-pod
// lifetime).
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]*session

	heartbeat       time.Duration
	includeMetadata bool
}

// New constructs a Broadcaster. heartbeat is the interval between keepalive
// frames (spec.md §4.F default 30s); includeMetadata resolves spec.md §9's
// Open Question on whether new-event frames carry full Event.Metadata.
func New(heartbeat time.Duration, includeMetadata bool) *Broadcaster {
	return &Broadcaster{
		sessions:        make(map[string]*session),
		heartbeat:       heartbeat,
		includeMetadata: includeMetadata,
	}
}

// Handle serves one client's SSE stream until it disconnects.
func (b *Broadcaster) Handle(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	b.register(sess)
	defer b.unregister(sess)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeFrame(c.Writer, frameConnected, map[string]string{"sessionId": sess.id})
	fmt.Fprintf(c.Writer, "retry: 3000\n\n")
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			if !writeFrame(c.Writer, frameHeartbeat, map[string]int64{"ts": time.Now().Unix()}) {
				return
			}
			flusher.Flush()
		case data, ok := <-sess.ch:
			if !ok {
				return
			}
			if _, err := c.Writer.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Broadcast fans e out to every connected session as a new-event frame.
func (b *Broadcaster) Broadcast(e models.Event) {
	if !b.includeMetadata {
		e.Metadata = nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Error("sse: marshal event failed", "error", err, "event_id", e.ID)
		return
	}
	frame := encodeFrame(frameEvent, payload)

	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		select {
		case s.ch <- frame:
		default:
			// spec.md §4.F: on write failure, drop the session rather than
			// leave it neither delivered nor disconnected.
			slog.Warn("sse: session buffer full, dropping session", "session_id", s.id)
			b.unregister(s)
		}
	}
}

// SessionCount returns the number of currently connected SSE sessions.
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *Broadcaster) register(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.id] = s
}

// unregister removes s from the registry and signals its Handle goroutine
// to exit. Safe to call more than once for the same session (e.g. once from
// a failed Broadcast and again from Handle's own deferred cleanup).
func (b *Broadcaster) unregister(s *session) {
	s.closeOnce.Do(func() {
		b.mu.Lock()
		delete(b.sessions, s.id)
		b.mu.Unlock()
		close(s.done)
	})
}

func writeFrame(w http.ResponseWriter, kind frameKind, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	_, err = w.Write(encodeFrame(kind, data))
	return err == nil
}

func encodeFrame(kind frameKind, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", kind, data))
}
