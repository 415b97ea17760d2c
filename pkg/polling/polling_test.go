package polling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecore/ingress/pkg/models"
	"github.com/homecore/ingress/pkg/upstream"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakePublisher) Publish(ctx context.Context, e models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestReconciler_BaselineTickSuppressesEvents(t *testing.T) {
	client := upstream.NewFakeClient()
	client.SetDevice(upstream.DeviceInfo{ID: "d1", Capabilities: []string{"switch"}},
		[]upstream.AttributeState{{Capability: "switch", Attribute: "state", Value: "on"}})

	pub := &fakePublisher{}
	r := New(client, pub, Config{Interval: time.Hour, BaselineTicks: 1})

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool { return r.Status().DevicesTracked == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pub.count(), "first sighting of a device must not emit events")
}

func TestReconciler_EmitsEventOnAttributeChange(t *testing.T) {
	client := upstream.NewFakeClient()
	client.SetDevice(upstream.DeviceInfo{ID: "d1", Capabilities: []string{"switch"}},
		[]upstream.AttributeState{{Capability: "switch", Attribute: "state", Value: "on"}})

	pub := &fakePublisher{}
	r := New(client, pub, Config{Interval: 10 * time.Millisecond, BaselineTicks: 1})
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool { return r.Status().DevicesTracked == 1 }, time.Second, 5*time.Millisecond)

	client.SetDevice(upstream.DeviceInfo{ID: "d1", Capabilities: []string{"switch"}},
		[]upstream.AttributeState{{Capability: "switch", Attribute: "state", Value: "off"}})

	require.Eventually(t, func() bool { return pub.count() >= 1 }, time.Second, 5*time.Millisecond)

	pub.mu.Lock()
	e := pub.events[0]
	pub.mu.Unlock()

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(e.Metadata, &meta))
	assert.Equal(t, true, meta["stateChange"])
	assert.Equal(t, "on", meta["previousValue"])
}

func TestReconciler_RecordsConsecutiveFailure(t *testing.T) {
	client := upstream.NewFakeClient()
	client.SetDevice(upstream.DeviceInfo{ID: "d1", Capabilities: []string{"switch"}}, nil)
	client.FailNext("d1", errors.New("device unreachable"))

	pub := &fakePublisher{}
	r := New(client, pub, Config{Interval: time.Hour, BaselineTicks: 1})
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Status().DevicesTracked == 1
	}, time.Second, 5*time.Millisecond)

	r.mu.Lock()
	snap := r.snapshots["d1"]
	r.mu.Unlock()
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}
