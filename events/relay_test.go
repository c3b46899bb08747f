package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
)

var at = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// fakeOutbox is a minimal in-memory events.Outbox.
type fakeOutbox struct {
	mu        sync.Mutex
	events    []events.Event
	delivered map[int64]bool
}

func newOutbox(n int) *fakeOutbox {
	o := &fakeOutbox{delivered: make(map[int64]bool)}
	for i := 1; i <= n; i++ {
		e := events.NewRiderBalanceChanged(events.RiderBalanceChanged{RiderID: "r-1", NewBalance: ledger.MoneyFromInt(int64(i))}, at)
		e.Seq = int64(i)
		o.events = append(o.events, e)
	}
	return o
}

func (o *fakeOutbox) PendingEvents(_ context.Context, limit int) ([]events.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []events.Event
	for _, e := range o.events {
		if o.delivered[e.Seq] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *fakeOutbox) MarkDelivered(_ context.Context, seqs []int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range seqs {
		o.delivered[s] = true
	}
	return nil
}

// flakyPublisher fails every publish once the budget is spent.
type flakyPublisher struct {
	events.Recorder
	budget int
}

var errBroker = errors.New("broker unavailable")

func (p *flakyPublisher) Publish(ctx context.Context, e events.Event) error {
	if p.budget == 0 {
		return errBroker
	}
	p.budget--
	return p.Recorder.Publish(ctx, e)
}

func TestRelay_FlushRespectsBatchSize(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	outbox := newOutbox(5)
	rec := &events.Recorder{}
	relay := events.NewRelay(outbox, rec, log)
	relay.BatchSize = 3

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var seqs []int64
	for _, e := range rec.Events() {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}

func TestRelay_StopsAtFirstFailureAndKeepsOrder(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	outbox := newOutbox(4)
	pub := &flakyPublisher{budget: 2}
	relay := events.NewRelay(outbox, pub, log)

	// WHEN: the broker goes away after two events
	n, err := relay.Flush(context.Background())

	// THEN: the two delivered are marked, the rest wait
	assert.ErrorIs(t, err, errBroker)
	assert.Equal(t, 2, n)
	pending, err := outbox.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(3), pending[0].Seq)

	// AND: the next flush resumes where it stopped
	pub.budget = 10
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.Events(), 4)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	outbox := newOutbox(1)
	rec := &events.Recorder{}
	relay := events.NewRelay(outbox, rec, log)
	relay.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestEvent_RoutingKeyAndPayload(t *testing.T) {
	e := events.NewShiftClosed(events.ShiftClosed{RiderID: "r-7", ShiftID: "s-1", CashDifference: ledger.MustMoney("-2.5")}, at)

	assert.Equal(t, "rider.shift_closed.r-7", e.RoutingKey())
	assert.NotEmpty(t, e.ID)
	assert.JSONEq(t, `{"rider_id":"r-7","shift_id":"s-1","cash_difference":"-2.50"}`, string(e.Payload))
}
