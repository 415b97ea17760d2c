// Package polling is the reconciliation loop (spec.md §4.E) that sweeps
// upstream device state on a fixed interval, diffs it against the last-known
// snapshot, and synthesizes Events for every observed change. Start/Stop
// follow the teacher's pkg/cleanup/service.go run()+ticker+context idiom;
// per-device unhealthy backoff and the shared retry schedule come from
// pkg/backoff (spec.md §9).
package polling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/homecore/ingress/pkg/backoff"
	"github.com/homecore/ingress/pkg/models"
	"github.com/homecore/ingress/pkg/upstream"
)

// Publisher is the production side of the ingest pipeline (pkg/ingest.Publisher).
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// Status is a point-in-time snapshot of reconciler health.
type Status struct {
	Running        bool      `json:"running"`
	LastTickAt     time.Time `json:"lastTickAt"`
	LastTickError  string    `json:"lastTickError,omitempty"`
	DevicesTracked int       `json:"devicesTracked"`
	TickInProgress bool      `json:"tickInProgress"`
}

// Reconciler polls an upstream.Client on a fixed interval and publishes a
// synthetic Event for every attribute change it observes.
type Reconciler struct {
	client       upstream.Client
	publisher    Publisher
	interval     time.Duration
	capabilities []string
	concurrency  int
	baselineTicks int
	unhealthyPolicy backoff.Policy

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	snapshots map[string]*models.DeviceSnapshot
	firstSeen map[string]int
	tick      int
	status    Status
	ticking   bool
}

// Config controls the reconciler's poll cadence and concurrency.
type Config struct {
	Interval      time.Duration
	Capabilities  []string
	Concurrency   int
	BaselineTicks int
}

// New constructs a Reconciler. It does not start polling until Start is called.
func New(client upstream.Client, publisher Publisher, cfg Config) *Reconciler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	baselineTicks := cfg.BaselineTicks
	if baselineTicks <= 0 {
		baselineTicks = 1
	}
	return &Reconciler{
		client:          client,
		publisher:       publisher,
		interval:        cfg.Interval,
		capabilities:    cfg.Capabilities,
		concurrency:     concurrency,
		baselineTicks:   baselineTicks,
		unhealthyPolicy: backoff.DeviceUnhealthy(cfg.Interval),
		snapshots:       make(map[string]*models.DeviceSnapshot),
		firstSeen:       make(map[string]int),
	}
}

// Start launches the poll loop. Safe to call once; a second call is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.status.Running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop signals the poll loop to exit and waits for the in-flight tick (if
// any) to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.mu.Lock()
	r.status.Running = false
	r.mu.Unlock()
}

// Status returns a snapshot of reconciler health.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.DevicesTracked = len(r.snapshots)
	return s
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	r.runTick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runTick(ctx)
		}
	}
}

// runTick skips entirely if the previous tick is still running, rather than
// stacking overlapping sweeps (spec.md §4.E).
func (r *Reconciler) runTick(ctx context.Context) {
	r.mu.Lock()
	if r.ticking {
		r.mu.Unlock()
		slog.Warn("polling: previous tick still running, skipping this tick")
		return
	}
	r.ticking = true
	r.tick++
	currentTick := r.tick
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.ticking = false
		r.mu.Unlock()
	}()

	err := r.sweep(ctx, currentTick)

	r.mu.Lock()
	r.status.LastTickAt = time.Now()
	if err != nil {
		r.status.LastTickError = err.Error()
	} else {
		r.status.LastTickError = ""
	}
	r.mu.Unlock()
}

func (r *Reconciler) sweep(ctx context.Context, currentTick int) error {
	devices, err := r.client.ListDevices(ctx, r.capabilities)
	if err != nil {
		return fmt.Errorf("polling: list devices: %w", err)
	}

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, d := range devices {
		d := d
		if !r.dueForPoll(d.ID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.pollDevice(ctx, d, currentTick)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Reconciler) dueForPoll(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[deviceID]
	if !ok {
		return true
	}
	return !time.Now().Before(snap.NextPollAt)
}

func (r *Reconciler) pollDevice(ctx context.Context, d upstream.DeviceInfo, currentTick int) {
	states, err := r.client.GetDeviceStatus(ctx, d.ID, r.capabilities)

	r.mu.Lock()
	snap, known := r.snapshots[d.ID]
	if !known {
		snap = &models.DeviceSnapshot{DeviceID: d.ID, State: make(map[string]models.AttributeValue)}
		r.snapshots[d.ID] = snap
		r.firstSeen[d.ID] = currentTick
	}
	snap.Platform = d.Name
	snap.DisplayName = d.Name
	snap.RoomID = d.RoomID
	snap.Capabilities = d.Capabilities
	snap.Online = d.Online
	r.mu.Unlock()

	if err != nil {
		r.recordFailure(d.ID, snap)
		slog.Warn("polling: device status fetch failed", "device_id", d.ID, "error", err)
		return
	}
	r.recordSuccess(d.ID, snap)

	r.mu.Lock()
	isBaseline := currentTick-r.firstSeen[d.ID] < r.baselineTicks
	r.mu.Unlock()
	r.reconcileAttributes(ctx, d, snap, states, isBaseline)
}

func (r *Reconciler) recordFailure(deviceID string, snap *models.DeviceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.ConsecutiveFailures++
	delay := r.interval
	if snap.ConsecutiveFailures > 3 {
		delay = r.unhealthyPolicy.Delay(snap.ConsecutiveFailures - 3)
	}
	snap.NextPollAt = time.Now().Add(delay)
	_ = deviceID
}

func (r *Reconciler) recordSuccess(deviceID string, snap *models.DeviceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.ConsecutiveFailures = 0
	snap.NextPollAt = time.Now().Add(r.interval)
	snap.UpdatedAt = time.Now()
	_ = deviceID
}

func (r *Reconciler) reconcileAttributes(ctx context.Context, d upstream.DeviceInfo, snap *models.DeviceSnapshot, states []upstream.AttributeState, isBaseline bool) {
	now := time.Now()
	for _, st := range states {
		key := st.Capability + "." + st.Attribute

		r.mu.Lock()
		prev, hadPrev := snap.State[key]
		changed := !hadPrev || !reflect.DeepEqual(prev.Value, st.Value)
		snap.State[key] = models.AttributeValue{
			Capability: st.Capability,
			Attribute:  st.Attribute,
			Value:      st.Value,
			ObservedAt: now,
		}
		r.mu.Unlock()

		if !changed {
			continue
		}
		if isBaseline {
			// First sighting of this device: record state without emitting an
			// Event for every attribute, avoiding a startup storm (spec.md §9).
			continue
		}

		e := r.buildEvent(d, st, now, prev, hadPrev)
		if err := r.publisher.Publish(ctx, e); err != nil {
			slog.Error("polling: publish failed", "device_id", d.ID, "error", err)
		}
	}
}

// buildEvent constructs a polling-sourced Event. Per spec.md §3/§4.E step 3,
// every such Event carries metadata.stateChange=true and, when a prior value
// was on record, metadata.previousValue=<old>.
func (r *Reconciler) buildEvent(d upstream.DeviceInfo, st upstream.AttributeState, observedAt time.Time, prev models.AttributeValue, hadPrev bool) models.Event {
	value, _ := json.Marshal(st.Value)

	meta := map[string]interface{}{"stateChange": true}
	if hadPrev {
		meta["previousValue"] = prev.Value
	}
	metadata, _ := json.Marshal(meta)

	return models.Event{
		ID:         syntheticID(d.ID, st.Capability, st.Attribute, st.Value, observedAt),
		Type:       models.EventTypeDevice,
		Source:     models.SourcePolling,
		DeviceID:   d.ID,
		DeviceName: d.Name,
		LocationID: d.RoomID,
		EventType:  st.Capability + "." + st.Attribute,
		Value:      value,
		Timestamp:  observedAt,
		Metadata:   metadata,
		CreatedAt:  observedAt,
	}
}

// syntheticID deterministically derives an event id from the observation,
// rounded to the second, so a re-poll of an unchanged value within the same
// second never mints a duplicate id (spec.md §4.E).
func syntheticID(deviceID, capability, attribute string, value interface{}, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v|%d", deviceID, capability, attribute, value, ts.Unix())
	return hex.EncodeToString(h.Sum(nil))
}
