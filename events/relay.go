/*
relay.go - Outbox relay

PURPOSE:
  Periodically reads undelivered events from the store's outbox and hands
  them to the Publisher in sequence order. Delivered rows are marked so
  they are not sent again.

ORDERING:
  A batch stops at the first publish failure. Later events wait for the
  next tick, so consumers never see an event before one committed earlier.

USAGE:
  relay := events.NewRelay(store, publisher, log)
  go relay.Run(ctx) // returns when ctx is cancelled
*/
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Outbox is the store side of the relay.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]Event, error)
	MarkDelivered(ctx context.Context, seqs []int64) error
}

type Relay struct {
	Outbox    Outbox
	Publisher Publisher
	Interval  time.Duration
	BatchSize int

	log logrus.FieldLogger
}

func NewRelay(outbox Outbox, publisher Publisher, log logrus.FieldLogger) *Relay {
	return &Relay{
		Outbox:    outbox,
		Publisher: publisher,
		Interval:  time.Second,
		BatchSize: 100,
		log:       log.WithField("component", "relay"),
	}
}

// Run flushes on every tick until ctx is cancelled. It always returns nil;
// a failed flush is logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.Interval).Info("relay started")
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch and returns how many events were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.Outbox.PendingEvents(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	delivered := make([]int64, 0, len(pending))
	var publishErr error
	for _, e := range pending {
		if publishErr = r.Publisher.Publish(ctx, e); publishErr != nil {
			break
		}
		delivered = append(delivered, e.Seq)
	}
	if len(delivered) > 0 {
		if err := r.Outbox.MarkDelivered(ctx, delivered); err != nil {
			return 0, err
		}
		r.log.WithField("count", len(delivered)).Debug("events delivered")
	}
	return len(delivered), publishErr
}
