// Package store provides the in-memory engine.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in process. WithTx holds the write lock for the
// whole transaction and restores a snapshot if fn fails, so transactions
// are serialized and all-or-nothing.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	orders     map[string]*order.Order
	orderSeq   []string
	audit      map[string][]order.AuditEntry
	entries    []ledger.Entry
	keys       map[string]bool // idempotency key + direction
	shifts     map[string]engine.RiderShift
	shiftSeq   []string
	days       map[string]engine.BusinessDay
	daySeq     []string
	operations map[string]engine.Operation
	outbox     []events.Event
	delivered  map[int64]bool
	nextEntry  int64
	nextEvent  int64
}

func newState() *state {
	return &state{
		orders:     make(map[string]*order.Order),
		audit:      make(map[string][]order.AuditEntry),
		keys:       make(map[string]bool),
		shifts:     make(map[string]engine.RiderShift),
		days:       make(map[string]engine.BusinessDay),
		operations: make(map[string]engine.Operation),
		delivered:  make(map[int64]bool),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and
// rollback on error. A context that expires during fn also rolls back.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		orders:     make(map[string]*order.Order, len(s.orders)),
		orderSeq:   append([]string(nil), s.orderSeq...),
		audit:      make(map[string][]order.AuditEntry, len(s.audit)),
		entries:    append([]ledger.Entry(nil), s.entries...),
		keys:       make(map[string]bool, len(s.keys)),
		shifts:     make(map[string]engine.RiderShift, len(s.shifts)),
		shiftSeq:   append([]string(nil), s.shiftSeq...),
		days:       make(map[string]engine.BusinessDay, len(s.days)),
		daySeq:     append([]string(nil), s.daySeq...),
		operations: make(map[string]engine.Operation, len(s.operations)),
		outbox:     append([]events.Event(nil), s.outbox...),
		delivered:  make(map[int64]bool, len(s.delivered)),
		nextEntry:  s.nextEntry,
		nextEvent:  s.nextEvent,
	}
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.audit {
		c.audit[k] = append([]order.AuditEntry(nil), v...)
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.shifts {
		c.shifts[k] = v
	}
	for k, v := range s.days {
		c.days[k] = v
	}
	for k, v := range s.operations {
		c.operations[k] = v
	}
	for k, v := range s.delivered {
		c.delivered[k] = v
	}
	return c
}

// =============================================================================
// LOCKED READS - Reader on the store itself
// =============================================================================

func (m *Memory) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetOrder(ctx, id)
}

func (m *Memory) ListOrders(ctx context.Context, f engine.OrderFilter) ([]*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListOrders(ctx, f)
}

func (m *Memory) OrderAudit(ctx context.Context, orderID string) ([]order.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.OrderAudit(ctx, orderID)
}

func (m *Memory) Entries(ctx context.Context, f engine.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Entries(ctx, f)
}

func (m *Memory) OpenShift(ctx context.Context, riderID string) (*engine.RiderShift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.OpenShift(ctx, riderID)
}

func (m *Memory) Shifts(ctx context.Context, riderID string) ([]engine.RiderShift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Shifts(ctx, riderID)
}

func (m *Memory) CurrentDay(ctx context.Context) (*engine.BusinessDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CurrentDay(ctx)
}

func (m *Memory) GetDay(ctx context.Context, id string) (*engine.BusinessDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetDay(ctx, id)
}

func (m *Memory) Operation(ctx context.Context, key string) (*engine.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Operation(ctx, key)
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Memory) PendingEvents(_ context.Context, limit int) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []events.Event
	for _, e := range m.st.outbox {
		if m.st.delivered[e.Seq] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, seqs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range seqs {
		m.st.delivered[s] = true
	}
	return nil
}

// =============================================================================
// STATE - Unlocked Reader + Tx, used directly inside WithTx
// =============================================================================

func (s *state) GetOrder(_ context.Context, id string) (*order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *state) ListOrders(_ context.Context, f engine.OrderFilter) ([]*order.Order, error) {
	var out []*order.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if f.RestaurantID != "" && o.RestaurantID != f.RestaurantID {
			continue
		}
		if f.Fulfillment != "" && o.Fulfillment != f.Fulfillment {
			continue
		}
		if f.RiderID != "" && o.AssignedRiderID != f.RiderID {
			continue
		}
		if f.ShiftID != "" && o.ShiftID != f.ShiftID {
			continue
		}
		out = append(out, o.Clone())
	}
	return out, nil
}

func (s *state) OrderAudit(_ context.Context, orderID string) ([]order.AuditEntry, error) {
	return append([]order.AuditEntry(nil), s.audit[orderID]...), nil
}

func (s *state) Entries(_ context.Context, f engine.EntryFilter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range s.entries {
		if f.Account != nil && e.Account != *f.Account {
			continue
		}
		if f.AccountKind != "" && e.Account.Kind != f.AccountKind {
			continue
		}
		if f.Reference != nil && e.Reference != *f.Reference {
			continue
		}
		if f.BusinessDay != "" && e.BusinessDay != f.BusinessDay {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *state) OpenShift(_ context.Context, riderID string) (*engine.RiderShift, error) {
	for _, id := range s.shiftSeq {
		sh := s.shifts[id]
		if sh.RiderID == riderID && sh.Status == engine.ShiftOpen {
			return &sh, nil
		}
	}
	return nil, nil
}

func (s *state) Shifts(_ context.Context, riderID string) ([]engine.RiderShift, error) {
	var out []engine.RiderShift
	for _, id := range s.shiftSeq {
		if sh := s.shifts[id]; sh.RiderID == riderID {
			out = append(out, sh)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *state) CurrentDay(_ context.Context) (*engine.BusinessDay, error) {
	for _, id := range s.daySeq {
		if d := s.days[id]; d.Status == engine.DayOpen {
			return &d, nil
		}
	}
	return nil, nil
}

func (s *state) GetDay(_ context.Context, id string) (*engine.BusinessDay, error) {
	d, ok := s.days[id]
	if !ok {
		return nil, fmt.Errorf("%w: business day %s", engine.ErrNotFound, id)
	}
	return &d, nil
}

func (s *state) Operation(_ context.Context, key string) (*engine.Operation, error) {
	op, ok := s.operations[key]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

func (s *state) SaveOrder(_ context.Context, o *order.Order) error {
	existing, ok := s.orders[o.ID]
	switch {
	case !ok && o.Version != 1:
		return fmt.Errorf("%w: order %s does not exist at version %d", engine.ErrConcurrentModification, o.ID, o.Version-1)
	case ok && existing.Version != o.Version-1:
		return fmt.Errorf("%w: order %s is at version %d, write based on %d", engine.ErrConcurrentModification, o.ID, existing.Version, o.Version-1)
	}
	if !ok {
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *state) AppendAudit(_ context.Context, entries []order.AuditEntry) error {
	for _, e := range entries {
		s.audit[e.OrderID] = append(s.audit[e.OrderID], e)
	}
	return nil
}

// AppendEntries checks every key and day first, then writes, so a batch
// is never half applied.
func (s *state) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	batch := make(map[string]bool)
	for _, e := range entries {
		if d, ok := s.days[e.BusinessDay]; ok && d.Status == engine.DayClosed {
			return fmt.Errorf("%w: %s", engine.ErrDayClosed, e.BusinessDay)
		}
		if e.IdempotencyKey == "" {
			continue
		}
		k := e.IdempotencyKey + "|" + string(e.Direction)
		if s.keys[k] || batch[k] {
			return fmt.Errorf("%w: %s", engine.ErrAlreadyApplied, e.IdempotencyKey)
		}
		batch[k] = true
	}
	for _, e := range entries {
		s.nextEntry++
		e.ID = s.nextEntry
		s.entries = append(s.entries, e)
	}
	for k := range batch {
		s.keys[k] = true
	}
	return nil
}

func (s *state) SaveShift(_ context.Context, sh engine.RiderShift) error {
	if _, ok := s.shifts[sh.ID]; !ok {
		s.shiftSeq = append(s.shiftSeq, sh.ID)
	}
	s.shifts[sh.ID] = sh
	return nil
}

func (s *state) SaveDay(_ context.Context, d engine.BusinessDay) error {
	if _, ok := s.days[d.ID]; !ok {
		s.daySeq = append(s.daySeq, d.ID)
	}
	s.days[d.ID] = d
	return nil
}

func (s *state) SaveOperation(_ context.Context, op engine.Operation) error {
	if _, ok := s.operations[op.Key]; ok {
		return fmt.Errorf("%w: %s", engine.ErrAlreadyApplied, op.Key)
	}
	s.operations[op.Key] = op
	return nil
}

func (s *state) Enqueue(_ context.Context, e events.Event) error {
	s.nextEvent++
	e.Seq = s.nextEvent
	s.outbox = append(s.outbox, e)
	return nil
}

var (
	_ engine.Store = (*Memory)(nil)
	_ engine.Tx    = (*state)(nil)
)
