/*
Package sqlite provides the durable SQLite implementation of engine.Store.

KEY TABLES:
  orders, order_items: current order state; items keep their position
  order_audit:         every transition, forced overrides flagged
  ledger_entries:      append-only double-entry ledger
  rider_shifts:        cash custody periods, at most one OPEN per rider
  business_days:       drawer days, at most one OPEN
  operations:          idempotency records for keyed writes
  outbox:              events committed with the state change

APPEND-ONLY ENFORCEMENT:
  ledger_entries has triggers that abort any UPDATE or DELETE. Corrections
  are reversal postings only. The unique index on
  (idempotency_key, direction) is what turns a replayed posting into
  engine.ErrAlreadyApplied.

CONCURRENCY:
  The pool is limited to one connection, so SQLite's single-writer model
  is respected and ":memory:" databases are shared by every call. WithTx
  also holds a mutex so in-process writers queue instead of hitting
  SQLITE_BUSY. Orders carry a version column; an UPDATE based on a stale
  version affects no row and fails with ErrConcurrentModification.

WAL MODE:
  File databases are opened with WAL, so readers in other processes do not
  block the writer.

USAGE:
  store, err := sqlite.New("./data/orders.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  eng := engine.New(store, policy, log)

MIGRATION:
  The schema is created on New(). Statements are idempotent.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/ledger"
	"github.com/warp/order-ledger/order"
)

// Store implements engine.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		restaurant_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL CHECK (kind IN ('DINE_IN', 'TAKEAWAY', 'DELIVERY')),
		table_ref TEXT NOT NULL DEFAULT '',
		contact_name TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		fulfillment_status TEXT NOT NULL
			CHECK (fulfillment_status IN ('ACTIVE', 'READY', 'CLOSED', 'CANCELLED', 'VOIDED')),
		payment_status TEXT NOT NULL
			CHECK (payment_status IN ('UNPAID', 'PARTIALLY_PAID', 'PAID', 'REFUNDED')),
		service_charge_rate TEXT NOT NULL DEFAULT '0',
		tax_rate TEXT NOT NULL DEFAULT '0',
		pricing_delivery_fee TEXT NOT NULL DEFAULT '0',
		subtotal TEXT NOT NULL DEFAULT '0',
		service_charge TEXT NOT NULL DEFAULT '0',
		delivery_fee TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		amount_paid TEXT NOT NULL DEFAULT '0',
		assigned_rider_id TEXT NOT NULL DEFAULT '',
		shift_id TEXT NOT NULL DEFAULT '',
		forced_ready INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		ready_at TEXT,
		closed_at TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_restaurant_status
		ON orders(restaurant_id, fulfillment_status);
	CREATE INDEX IF NOT EXISTS idx_orders_rider
		ON orders(assigned_rider_id) WHERE assigned_rider_id <> '';
	CREATE INDEX IF NOT EXISTS idx_orders_shift
		ON orders(shift_id) WHERE shift_id <> '';

	CREATE TABLE IF NOT EXISTS order_items (
		order_id TEXT NOT NULL REFERENCES orders(id),
		item_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status TEXT NOT NULL
			CHECK (status IN ('DRAFT', 'PENDING', 'PREPARING', 'DONE', 'SERVED', 'SKIPPED')),
		no_prep INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		fired_at TEXT,
		PRIMARY KEY (order_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS order_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		forced INTEGER NOT NULL DEFAULT 0,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_audit_order
		ON order_audit(order_id, id);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		posting_id TEXT NOT NULL,
		account_kind TEXT NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('DEBIT', 'CREDIT')),
		amount TEXT NOT NULL,
		reference_kind TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		reversal_of TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		memo TEXT NOT NULL DEFAULT '',
		business_day TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_posting_half
		ON ledger_entries(posting_id, direction);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(idempotency_key, direction) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_account
		ON ledger_entries(account_kind, account_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_kind, reference_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_day
		ON ledger_entries(business_day);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END;

	CREATE TABLE IF NOT EXISTS rider_shifts (
		id TEXT PRIMARY KEY,
		rider_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		opening_float TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		expected_cash TEXT NOT NULL DEFAULT '0',
		closing_cash_received TEXT NOT NULL DEFAULT '0',
		cash_difference TEXT NOT NULL DEFAULT '0',
		opened_by TEXT NOT NULL DEFAULT '',
		opened_at TEXT NOT NULL,
		closed_by TEXT NOT NULL DEFAULT '',
		closed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rider_shifts_one_open
		ON rider_shifts(rider_id) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_rider_shifts_rider
		ON rider_shifts(rider_id, opened_at);

	CREATE TABLE IF NOT EXISTS business_days (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'CLOSED')),
		opening_cash TEXT NOT NULL,
		opened_at TEXT NOT NULL,
		expected_cash TEXT NOT NULL DEFAULT '0',
		actual_cash TEXT NOT NULL DEFAULT '0',
		variance TEXT NOT NULL DEFAULT '0',
		carried_json TEXT NOT NULL DEFAULT '[]',
		closed_by TEXT NOT NULL DEFAULT '',
		closed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_business_days_one_open
		ON business_days(status) WHERE status = 'OPEN';

	CREATE TABLE IF NOT EXISTS operations (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		result_json TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(seq) WHERE delivered_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. fn sees its own writes;
// other connections see them only after commit.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txConn{reader{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// reader implements engine.Reader over a querier.
type reader struct {
	q querier
}

// txConn adds the engine.Tx writes.
type txConn struct {
	reader
}

var (
	_ engine.Store = (*Store)(nil)
	_ engine.Tx    = (*txConn)(nil)
)

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, restaurant_id, kind, table_ref, contact_name, contact_phone, address,
	fulfillment_status, payment_status, service_charge_rate, tax_rate, pricing_delivery_fee,
	subtotal, service_charge, delivery_fee, tax, total, amount_paid,
	assigned_rider_id, shift_id, forced_ready, created_by,
	created_at, updated_at, started_at, ready_at, closed_at, version`

func (r reader) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (r reader) ListOrders(ctx context.Context, f engine.OrderFilter) ([]*order.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.RestaurantID != "" {
		where, args = append(where, "restaurant_id = ?"), append(args, f.RestaurantID)
	}
	if f.Fulfillment != "" {
		where, args = append(where, "fulfillment_status = ?"), append(args, string(f.Fulfillment))
	}
	if f.RiderID != "" {
		where, args = append(where, "assigned_rider_id = ?"), append(args, f.RiderID)
	}
	if f.ShiftID != "" {
		where, args = append(where, "shift_id = ?"), append(args, f.ShiftID)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Items are loaded after the cursor is closed: the pool has one connection.
	for _, o := range out {
		if o.Items, err = r.items(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r reader) items(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT item_id, name, unit_price, quantity, status, no_prep, note, fired_at
		FROM order_items WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []order.Item
	for rows.Next() {
		var (
			it      order.Item
			status  string
			firedAt sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.Name, &it.UnitPrice.Value, &it.Quantity, &status, &it.NoPrep, &it.Note, &firedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		it.Status = order.ItemStatus(status)
		it.FiredAt = parseNullTime(firedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanOrder(row scanner) (*order.Order, error) {
	var (
		o                            order.Order
		kind, fulfillment, payment   string
		createdAt, updatedAt         string
		startedAt, readyAt, closedAt sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.RestaurantID, &kind, &o.Kind.TableRef, &o.Kind.Contact.Name, &o.Kind.Contact.Phone, &o.Kind.Address,
		&fulfillment, &payment, &o.Pricing.ServiceChargeRate, &o.Pricing.TaxRate, &o.Pricing.DeliveryFee.Value,
		&o.Subtotal.Value, &o.ServiceCharge.Value, &o.DeliveryFee.Value, &o.Tax.Value, &o.Total.Value, &o.AmountPaid.Value,
		&o.AssignedRiderID, &o.ShiftID, &o.ForcedReady, &o.CreatedBy,
		&createdAt, &updatedAt, &startedAt, &readyAt, &closedAt, &o.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Kind.Type = order.KindType(kind)
	o.Fulfillment = order.FulfillmentStatus(fulfillment)
	o.Payment = order.PaymentStatus(payment)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	o.StartedAt = parseNullTime(startedAt)
	o.ReadyAt = parseNullTime(readyAt)
	o.ClosedAt = parseNullTime(closedAt)
	return &o, nil
}

// SaveOrder inserts version 1 or updates from version-1; anything else is a
// concurrent modification.
func (t *txConn) SaveOrder(ctx context.Context, o *order.Order) error {
	args := []any{
		o.RestaurantID, string(o.Kind.Type), o.Kind.TableRef, o.Kind.Contact.Name, o.Kind.Contact.Phone, o.Kind.Address,
		string(o.Fulfillment), string(o.Payment), o.Pricing.ServiceChargeRate, o.Pricing.TaxRate, o.Pricing.DeliveryFee.Value,
		o.Subtotal.Value, o.ServiceCharge.Value, o.DeliveryFee.Value, o.Tax.Value, o.Total.Value, o.AmountPaid.Value,
		o.AssignedRiderID, o.ShiftID, o.ForcedReady, o.CreatedBy,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), nullTime(o.StartedAt), nullTime(o.ReadyAt), nullTime(o.ClosedAt),
		o.Version,
	}

	if o.Version == 1 {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO orders (restaurant_id, kind, table_ref, contact_name, contact_phone, address,
				fulfillment_status, payment_status, service_charge_rate, tax_rate, pricing_delivery_fee,
				subtotal, service_charge, delivery_fee, tax, total, amount_paid,
				assigned_rider_id, shift_id, forced_ready, created_by,
				created_at, updated_at, started_at, ready_at, closed_at, version, id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append(args, o.ID)...)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: order %s already exists", engine.ErrConcurrentModification, o.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
	} else {
		res, err := t.q.ExecContext(ctx, `
			UPDATE orders SET restaurant_id = ?, kind = ?, table_ref = ?, contact_name = ?, contact_phone = ?, address = ?,
				fulfillment_status = ?, payment_status = ?, service_charge_rate = ?, tax_rate = ?, pricing_delivery_fee = ?,
				subtotal = ?, service_charge = ?, delivery_fee = ?, tax = ?, total = ?, amount_paid = ?,
				assigned_rider_id = ?, shift_id = ?, forced_ready = ?, created_by = ?,
				created_at = ?, updated_at = ?, started_at = ?, ready_at = ?, closed_at = ?, version = ?
			WHERE id = ? AND version = ?`,
			append(args, o.ID, o.Version-1)...)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: order %s is not at version %d", engine.ErrConcurrentModification, o.ID, o.Version-1)
		}
	}

	for i, it := range o.Items {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO order_items (order_id, item_id, position, name, unit_price, quantity, status, no_prep, note, fired_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_id, item_id) DO UPDATE SET
				status = excluded.status,
				fired_at = excluded.fired_at,
				note = excluded.note`,
			o.ID, it.ID, i, it.Name, it.UnitPrice.Value, it.Quantity, string(it.Status), it.NoPrep, it.Note, nullTime(it.FiredAt))
		if err != nil {
			return fmt.Errorf("failed to save order item %s: %w", it.ID, err)
		}
	}
	return nil
}

func (r reader) OrderAudit(ctx context.Context, orderID string) ([]order.AuditEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT order_id, item_id, action, from_status, to_status, actor_id, reason, forced, at
		FROM order_audit WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order audit: %w", err)
	}
	defer rows.Close()

	var out []order.AuditEntry
	for rows.Next() {
		var (
			e      order.AuditEntry
			action string
			at     string
		)
		if err := rows.Scan(&e.OrderID, &e.ItemID, &action, &e.From, &e.To, &e.ActorID, &e.Reason, &e.Forced, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = order.Action(action)
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txConn) AppendAudit(ctx context.Context, entries []order.AuditEntry) error {
	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO order_audit (order_id, item_id, action, from_status, to_status, actor_id, reason, forced, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.OrderID, e.ItemID, string(e.Action), e.From, e.To, e.ActorID, e.Reason, e.Forced, formatTime(e.At))
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, posting_id, account_kind, account_id, direction, amount,
	reference_kind, reference_id, purpose, reversal_of, actor_id, idempotency_key,
	memo, business_day, created_at`

func (r reader) Entries(ctx context.Context, f engine.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Account != nil {
		where = append(where, "account_kind = ? AND account_id = ?")
		args = append(args, string(f.Account.Kind), f.Account.ID)
	}
	if f.AccountKind != "" {
		where, args = append(where, "account_kind = ?"), append(args, string(f.AccountKind))
	}
	if f.Reference != nil {
		where = append(where, "reference_kind = ? AND reference_id = ?")
		args = append(args, string(f.Reference.Kind), f.Reference.ID)
	}
	if f.BusinessDay != "" {
		where, args = append(where, "business_day = ?"), append(args, f.BusinessDay)
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                            ledger.Entry
			acctKind, direction, refKind string
			purpose, createdAt           string
			key                          sql.NullString
		)
		err := rows.Scan(&e.ID, &e.PostingID, &acctKind, &e.Account.ID, &direction, &e.Amount.Value,
			&refKind, &e.Reference.ID, &purpose, &e.ReversalOf, &e.ActorID, &key,
			&e.Memo, &e.BusinessDay, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Account.Kind = ledger.AccountKind(acctKind)
		e.Direction = ledger.Direction(direction)
		e.Reference.Kind = ledger.ReferenceKind(refKind)
		e.Purpose = ledger.Purpose(purpose)
		e.IdempotencyKey = key.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *txConn) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	closed := make(map[string]bool)
	for _, e := range entries {
		if _, seen := closed[e.BusinessDay]; seen {
			continue
		}
		var status string
		err := t.q.QueryRowContext(ctx, `SELECT status FROM business_days WHERE id = ?`, e.BusinessDay).Scan(&status)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read business day: %w", err)
		}
		closed[e.BusinessDay] = status == string(engine.DayClosed)
		if closed[e.BusinessDay] {
			return fmt.Errorf("%w: %s", engine.ErrDayClosed, e.BusinessDay)
		}
	}

	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO ledger_entries
				(posting_id, account_kind, account_id, direction, amount, reference_kind, reference_id,
				 purpose, reversal_of, actor_id, idempotency_key, memo, business_day, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.PostingID, string(e.Account.Kind), e.Account.ID, string(e.Direction), e.Amount.Value,
			string(e.Reference.Kind), e.Reference.ID, string(e.Purpose), e.ReversalOf, e.ActorID,
			nullString(e.IdempotencyKey), e.Memo, e.BusinessDay, formatTime(e.CreatedAt))
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", engine.ErrAlreadyApplied, e.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SHIFTS
// =============================================================================

const shiftColumns = `id, rider_id, status, opening_float, opening_balance, expected_cash,
	closing_cash_received, cash_difference, opened_by, opened_at, closed_by, closed_at`

func (r reader) OpenShift(ctx context.Context, riderID string) (*engine.RiderShift, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM rider_shifts WHERE rider_id = ? AND status = 'OPEN'`, riderID)
	sh, err := scanShift(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (r reader) Shifts(ctx context.Context, riderID string) ([]engine.RiderShift, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+shiftColumns+` FROM rider_shifts WHERE rider_id = ? ORDER BY opened_at, id`, riderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shifts: %w", err)
	}
	defer rows.Close()

	var out []engine.RiderShift
	for rows.Next() {
		sh, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func scanShift(row scanner) (engine.RiderShift, error) {
	var (
		sh               engine.RiderShift
		status, openedAt string
		closedAt         sql.NullString
	)
	err := row.Scan(&sh.ID, &sh.RiderID, &status, &sh.OpeningFloat.Value, &sh.OpeningBalance.Value, &sh.ExpectedCash.Value,
		&sh.ClosingCashReceived.Value, &sh.CashDifference.Value, &sh.OpenedBy, &openedAt, &sh.ClosedBy, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sh, err
		}
		return sh, fmt.Errorf("failed to scan shift: %w", err)
	}
	sh.Status = engine.ShiftStatus(status)
	sh.OpenedAt = parseTime(openedAt)
	sh.ClosedAt = parseNullTime(closedAt)
	return sh, nil
}

func (t *txConn) SaveShift(ctx context.Context, sh engine.RiderShift) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO rider_shifts (`+shiftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			opening_float = excluded.opening_float,
			expected_cash = excluded.expected_cash,
			closing_cash_received = excluded.closing_cash_received,
			cash_difference = excluded.cash_difference,
			closed_by = excluded.closed_by,
			closed_at = excluded.closed_at`,
		sh.ID, sh.RiderID, string(sh.Status), sh.OpeningFloat.Value, sh.OpeningBalance.Value, sh.ExpectedCash.Value,
		sh.ClosingCashReceived.Value, sh.CashDifference.Value, sh.OpenedBy, formatTime(sh.OpenedAt), sh.ClosedBy, nullTime(sh.ClosedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: rider %s already has an open shift", engine.ErrConcurrentModification, sh.RiderID)
	}
	if err != nil {
		return fmt.Errorf("failed to save shift: %w", err)
	}
	return nil
}

// =============================================================================
// BUSINESS DAYS
// =============================================================================

const dayColumns = `id, status, opening_cash, opened_at, expected_cash, actual_cash, variance,
	carried_json, closed_by, closed_at`

func (r reader) CurrentDay(ctx context.Context) (*engine.BusinessDay, error) {
	d, err := scanDay(r.q.QueryRowContext(ctx, `SELECT `+dayColumns+` FROM business_days WHERE status = 'OPEN'`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r reader) GetDay(ctx context.Context, id string) (*engine.BusinessDay, error) {
	d, err := scanDay(r.q.QueryRowContext(ctx, `SELECT `+dayColumns+` FROM business_days WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: business day %s", engine.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDay(row scanner) (engine.BusinessDay, error) {
	var (
		d                         engine.BusinessDay
		status, openedAt, carried string
		closedAt                  sql.NullString
	)
	err := row.Scan(&d.ID, &status, &d.OpeningCash.Value, &openedAt, &d.ExpectedCash.Value, &d.ActualCash.Value,
		&d.Variance.Value, &carried, &d.ClosedBy, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("failed to scan business day: %w", err)
	}
	d.Status = engine.DayStatus(status)
	d.OpenedAt = parseTime(openedAt)
	d.ClosedAt = parseNullTime(closedAt)
	if err := json.Unmarshal([]byte(carried), &d.Carried); err != nil {
		return d, fmt.Errorf("failed to decode carried balances: %w", err)
	}
	return d, nil
}

func (t *txConn) SaveDay(ctx context.Context, d engine.BusinessDay) error {
	carried, err := json.Marshal(d.Carried)
	if err != nil {
		return err
	}
	if d.Carried == nil {
		carried = []byte("[]")
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO business_days (`+dayColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			expected_cash = excluded.expected_cash,
			actual_cash = excluded.actual_cash,
			variance = excluded.variance,
			carried_json = excluded.carried_json,
			closed_by = excluded.closed_by,
			closed_at = excluded.closed_at`,
		d.ID, string(d.Status), d.OpeningCash.Value, formatTime(d.OpenedAt), d.ExpectedCash.Value, d.ActualCash.Value,
		d.Variance.Value, string(carried), d.ClosedBy, nullTime(d.ClosedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: another business day is open", engine.ErrConcurrentModification)
	}
	if err != nil {
		return fmt.Errorf("failed to save business day: %w", err)
	}
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (r reader) Operation(ctx context.Context, key string) (*engine.Operation, error) {
	var (
		op              engine.Operation
		result, created string
	)
	err := r.q.QueryRowContext(ctx, `SELECT key, kind, result_json, actor_id, created_at FROM operations WHERE key = ?`, key).
		Scan(&op.Key, &op.Kind, &result, &op.ActorID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation: %w", err)
	}
	op.Result = json.RawMessage(result)
	op.CreatedAt = parseTime(created)
	return &op, nil
}

func (t *txConn) SaveOperation(ctx context.Context, op engine.Operation) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO operations (key, kind, result_json, actor_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		op.Key, op.Kind, string(op.Result), op.ActorID, formatTime(op.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", engine.ErrAlreadyApplied, op.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (t *txConn) Enqueue(ctx context.Context, e events.Event) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox (event_id, type, key, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Key, string(e.Payload), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, type, key, payload, created_at
		FROM outbox WHERE delivered_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e                     events.Event
			typ, payload, created string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.Key, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Type = events.Type(typ)
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, seq := range seqs {
		if _, err := sqlTx.ExecContext(ctx, `UPDATE outbox SET delivered_at = ? WHERE seq = ?`, now, seq); err != nil {
			return fmt.Errorf("failed to mark event delivered: %w", err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
