// Package ingest wires D (webhook) and E (polling) to C (queue): both
// produce Events, and both hand them to the same "ingest" job type so a
// single set of handlers owns persistence (A), archival (B), and broadcast
// (F) — exactly the fan-out spec.md §2's component table draws C as sitting
// in front of.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/homecore/ingress/pkg/eventlog"
	"github.com/homecore/ingress/pkg/eventstore"
	"github.com/homecore/ingress/pkg/models"
	"github.com/homecore/ingress/pkg/queue"
	"github.com/homecore/ingress/pkg/sse"
)

// JobType is the queue.Job.Type used for every ingested Event.
const JobType = "ingest"

// Publisher enqueues Events onto a queue.Queue under JobType. It implements
// both webhook.Publisher and the production side of the polling reconciler.
type Publisher struct {
	q *queue.Queue
}

// NewPublisher constructs a Publisher bound to q. q must already have a
// handler registered for JobType (see RegisterHandler).
func NewPublisher(q *queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Publish enqueues e. Returns queue.ErrQueueFull verbatim (via error
// wrapping) so callers can apply spec.md §4.D's capacity-exceeded policy.
func (p *Publisher) Publish(ctx context.Context, e models.Event) error {
	if err := p.q.Enqueue(queue.Job{Type: JobType, Payload: e}); err != nil {
		return fmt.Errorf("ingest: enqueue: %w", err)
	}
	return nil
}

// RegisterHandler binds JobType on q to a handler that persists e to store,
// archives it to log, and broadcasts it over broadcaster — in that order,
// so a subscriber never sees an Event before it is durably stored.
func RegisterHandler(q *queue.Queue, store *eventstore.Store, log *eventlog.Logger, broadcaster *sse.Broadcaster) {
	q.RegisterHandler(JobType, func(ctx context.Context, job queue.Job) error {
		e, ok := job.Payload.(models.Event)
		if !ok {
			return fmt.Errorf("ingest: unexpected payload type %T", job.Payload)
		}

		if err := store.Save(ctx, e); err != nil {
			if !errors.Is(err, eventstore.ErrDuplicateID) {
				return fmt.Errorf("ingest: save: %w", err)
			}
			// spec.md §4.D: a duplicate in A must still reach B and F —
			// fan-out to live clients remains valuable even on a retry.
			slog.Debug("ingest: duplicate event, still archiving/broadcasting", "event_id", e.ID)
		}

		log.Append(e)
		broadcaster.Broadcast(e)
		return nil
	})
}
