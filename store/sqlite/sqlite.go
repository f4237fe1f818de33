/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements billing.Store and billing.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  bills:           One row per (client, unit, period), payments embedded as JSON
  payment_refs:    Lookup table from transactionRef to bill rows, rebuilt on
                   every bill write (reversal and idempotency hot path)
  credit_balances: One row per (client, unit), history embedded as JSON
  views:           Materialized aggregated views, one row per (client, year)

OPTIMISTIC CONCURRENCY:
  Every bill and credit row carries a version column. Writes are guarded
  UPDATE ... WHERE version = ?; zero rows affected means a concurrent writer
  won and the caller gets billing.ErrConcurrentModification. Version 0 on
  the record means insert.

MONEY:
  All monetary columns are INTEGER centavos. No floats touch the database.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/waterbill.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go:        Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hoaworks/waterbill/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Bills: one row per (client, unit, period)
	CREATE TABLE IF NOT EXISTS bills (
		client_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		period_index INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		base_charge INTEGER NOT NULL,
		penalty_amount INTEGER NOT NULL DEFAULT 0,
		previous_balance INTEGER NOT NULL DEFAULT 0,
		paid_amount INTEGER NOT NULL DEFAULT 0,
		payments_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		meter_start INTEGER NOT NULL DEFAULT 0,
		meter_end INTEGER NOT NULL DEFAULT 0,
		consumption_m3 INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (client_id, unit_id, fiscal_year, period_index)
	);

	-- Hot path for the aggregation builder's single-round-trip read
	CREATE INDEX IF NOT EXISTS idx_bills_client_year
		ON bills(client_id, fiscal_year, unit_id, period_index);

	-- transactionRef lookup: rebuilt from payments_json on every bill write.
	-- Serves reversal (find all bills a payment touched) and idempotency
	-- (has this ref been recorded?) without scanning JSON.
	CREATE TABLE IF NOT EXISTS payment_refs (
		client_id TEXT NOT NULL,
		transaction_ref TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		period_index INTEGER NOT NULL,
		PRIMARY KEY (client_id, transaction_ref, unit_id, fiscal_year, period_index)
	);

	CREATE INDEX IF NOT EXISTS idx_payment_refs_ref
		ON payment_refs(client_id, transaction_ref);

	-- Credit balances: one row per (client, unit)
	CREATE TABLE IF NOT EXISTS credit_balances (
		client_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		history_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (client_id, unit_id)
	);

	-- Materialized aggregated views: a cache, safe to drop
	CREATE TABLE IF NOT EXISTS views (
		client_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		view_json TEXT NOT NULL,
		built_at TEXT NOT NULL,
		PRIMARY KEY (client_id, fiscal_year)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BILL STORE
// =============================================================================

func (s *Store) GetBill(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, period billing.PeriodID) (*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBill(ctx, s.db, clientID, unitID, period)
}

func getBill(ctx context.Context, db dbtx, clientID billing.ClientID, unitID billing.UnitID, period billing.PeriodID) (*billing.Bill, error) {
	row := db.QueryRowContext(ctx, `
		SELECT client_id, unit_id, fiscal_year, period_index, due_date,
		       base_charge, penalty_amount, previous_balance, paid_amount,
		       payments_json, status, meter_start, meter_end, consumption_m3, version
		FROM bills
		WHERE client_id = ? AND unit_id = ? AND fiscal_year = ? AND period_index = ?
	`, clientID, unitID, period.FiscalYear, period.Index)

	bill, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bill %s/%s/%s: %w", clientID, unitID, period, billing.ErrBillNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bill: %w", err)
	}
	return bill, nil
}

func (s *Store) PutBill(ctx context.Context, bill *billing.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putBill(ctx, s.db, bill)
}

func putBill(ctx context.Context, db dbtx, bill *billing.Bill) error {
	paymentsJSON, err := json.Marshal(bill.Payments)
	if err != nil {
		return fmt.Errorf("failed to encode payments: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if bill.Version == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO bills
			(client_id, unit_id, fiscal_year, period_index, due_date,
			 base_charge, penalty_amount, previous_balance, paid_amount,
			 payments_json, status, meter_start, meter_end, consumption_m3, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		`,
			bill.ClientID, bill.UnitID, bill.Period.FiscalYear, bill.Period.Index,
			bill.DueDate.UTC().Format(time.RFC3339),
			int64(bill.BaseCharge), int64(bill.PenaltyAmount), int64(bill.PreviousBalance), int64(bill.PaidAmount),
			string(paymentsJSON), string(bill.Status),
			bill.MeterStart, bill.MeterEnd, bill.ConsumptionM3, now,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("bill %s/%s/%s already exists: %w",
					bill.ClientID, bill.UnitID, bill.Period, billing.ErrConcurrentModification)
			}
			return fmt.Errorf("failed to insert bill: %w", err)
		}
		bill.Version = 1
		return syncPaymentRefs(ctx, db, bill)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE bills SET
			due_date = ?, base_charge = ?, penalty_amount = ?, previous_balance = ?,
			paid_amount = ?, payments_json = ?, status = ?,
			meter_start = ?, meter_end = ?, consumption_m3 = ?,
			version = version + 1, updated_at = ?
		WHERE client_id = ? AND unit_id = ? AND fiscal_year = ? AND period_index = ?
		  AND version = ?
	`,
		bill.DueDate.UTC().Format(time.RFC3339),
		int64(bill.BaseCharge), int64(bill.PenaltyAmount), int64(bill.PreviousBalance), int64(bill.PaidAmount),
		string(paymentsJSON), string(bill.Status),
		bill.MeterStart, bill.MeterEnd, bill.ConsumptionM3, now,
		bill.ClientID, bill.UnitID, bill.Period.FiscalYear, bill.Period.Index,
		bill.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("bill %s/%s/%s: stale version %d: %w",
			bill.ClientID, bill.UnitID, bill.Period, bill.Version, billing.ErrConcurrentModification)
	}
	bill.Version++
	return syncPaymentRefs(ctx, db, bill)
}

// syncPaymentRefs rebuilds the transactionRef lookup rows for one bill.
func syncPaymentRefs(ctx context.Context, db dbtx, bill *billing.Bill) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM payment_refs
		WHERE client_id = ? AND unit_id = ? AND fiscal_year = ? AND period_index = ?
	`, bill.ClientID, bill.UnitID, bill.Period.FiscalYear, bill.Period.Index)
	if err != nil {
		return fmt.Errorf("failed to clear payment refs: %w", err)
	}

	seen := make(map[string]bool, len(bill.Payments))
	for _, p := range bill.Payments {
		if seen[p.TransactionRef] {
			continue
		}
		seen[p.TransactionRef] = true
		_, err := db.ExecContext(ctx, `
			INSERT INTO payment_refs (client_id, transaction_ref, unit_id, fiscal_year, period_index)
			VALUES (?, ?, ?, ?, ?)
		`, bill.ClientID, p.TransactionRef, bill.UnitID, bill.Period.FiscalYear, bill.Period.Index)
		if err != nil {
			return fmt.Errorf("failed to insert payment ref: %w", err)
		}
	}
	return nil
}

func (s *Store) ListUnitBills(ctx context.Context, clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) ([]*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUnitBills(ctx, s.db, clientID, fiscalYear, unitID)
}

func listUnitBills(ctx context.Context, db dbtx, clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) ([]*billing.Bill, error) {
	return queryBills(ctx, db, `
		SELECT client_id, unit_id, fiscal_year, period_index, due_date,
		       base_charge, penalty_amount, previous_balance, paid_amount,
		       payments_json, status, meter_start, meter_end, consumption_m3, version
		FROM bills
		WHERE client_id = ? AND fiscal_year = ? AND unit_id = ?
		ORDER BY period_index ASC
	`, clientID, fiscalYear, unitID)
}

func (s *Store) ListUnitBillHistory(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUnitBillHistory(ctx, s.db, clientID, unitID)
}

func listUnitBillHistory(ctx context.Context, db dbtx, clientID billing.ClientID, unitID billing.UnitID) ([]*billing.Bill, error) {
	return queryBills(ctx, db, `
		SELECT client_id, unit_id, fiscal_year, period_index, due_date,
		       base_charge, penalty_amount, previous_balance, paid_amount,
		       payments_json, status, meter_start, meter_end, consumption_m3, version
		FROM bills
		WHERE client_id = ? AND unit_id = ?
		ORDER BY fiscal_year ASC, period_index ASC
	`, clientID, unitID)
}

func (s *Store) ListBillsForYear(ctx context.Context, clientID billing.ClientID, fiscalYear int) ([]*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBillsForYear(ctx, s.db, clientID, fiscalYear)
}

func listBillsForYear(ctx context.Context, db dbtx, clientID billing.ClientID, fiscalYear int) ([]*billing.Bill, error) {
	return queryBills(ctx, db, `
		SELECT client_id, unit_id, fiscal_year, period_index, due_date,
		       base_charge, penalty_amount, previous_balance, paid_amount,
		       payments_json, status, meter_start, meter_end, consumption_m3, version
		FROM bills
		WHERE client_id = ? AND fiscal_year = ?
		ORDER BY unit_id ASC, period_index ASC
	`, clientID, fiscalYear)
}

func (s *Store) FindBillsByTransactionRef(ctx context.Context, clientID billing.ClientID, transactionRef string) ([]*billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findBillsByTransactionRef(ctx, s.db, clientID, transactionRef)
}

func findBillsByTransactionRef(ctx context.Context, db dbtx, clientID billing.ClientID, transactionRef string) ([]*billing.Bill, error) {
	return queryBills(ctx, db, `
		SELECT b.client_id, b.unit_id, b.fiscal_year, b.period_index, b.due_date,
		       b.base_charge, b.penalty_amount, b.previous_balance, b.paid_amount,
		       b.payments_json, b.status, b.meter_start, b.meter_end, b.consumption_m3, b.version
		FROM bills b
		JOIN payment_refs r
		  ON r.client_id = b.client_id AND r.unit_id = b.unit_id
		 AND r.fiscal_year = b.fiscal_year AND r.period_index = b.period_index
		WHERE r.client_id = ? AND r.transaction_ref = ?
		ORDER BY b.unit_id ASC, b.fiscal_year ASC, b.period_index ASC
	`, clientID, transactionRef)
}

func queryBills(ctx context.Context, db dbtx, query string, args ...any) ([]*billing.Bill, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []*billing.Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	return bills, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBill(row rowScanner) (*billing.Bill, error) {
	var (
		bill         billing.Bill
		dueDate      string
		base         int64
		penalty      int64
		previous     int64
		paid         int64
		paymentsJSON string
		status       string
	)

	err := row.Scan(
		&bill.ClientID, &bill.UnitID, &bill.Period.FiscalYear, &bill.Period.Index,
		&dueDate, &base, &penalty, &previous, &paid,
		&paymentsJSON, &status,
		&bill.MeterStart, &bill.MeterEnd, &bill.ConsumptionM3, &bill.Version,
	)
	if err != nil {
		return nil, err
	}

	bill.DueDate, err = time.Parse(time.RFC3339, dueDate)
	if err != nil {
		// A corrupt due date would silently zero every deadline-derived
		// amount downstream; surface it instead.
		return nil, fmt.Errorf("failed to decode due date for %s/%s/%s: %w",
			bill.ClientID, bill.UnitID, bill.Period, err)
	}
	bill.BaseCharge = billing.Money(base)
	bill.PenaltyAmount = billing.Money(penalty)
	bill.PreviousBalance = billing.Money(previous)
	bill.PaidAmount = billing.Money(paid)
	bill.Status = billing.BillStatus(status)

	if err := json.Unmarshal([]byte(paymentsJSON), &bill.Payments); err != nil {
		return nil, fmt.Errorf("failed to decode payments for %s/%s/%s: %w",
			bill.ClientID, bill.UnitID, bill.Period, err)
	}
	return &bill, nil
}

// =============================================================================
// CREDIT STORE
// =============================================================================

func (s *Store) GetCredit(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) (*billing.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCredit(ctx, s.db, clientID, unitID)
}

func getCredit(ctx context.Context, db dbtx, clientID billing.ClientID, unitID billing.UnitID) (*billing.CreditBalance, error) {
	row := db.QueryRowContext(ctx, `
		SELECT client_id, unit_id, balance, history_json, version
		FROM credit_balances
		WHERE client_id = ? AND unit_id = ?
	`, clientID, unitID)

	credit, err := scanCredit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return credit, nil
}

func (s *Store) PutCredit(ctx context.Context, credit *billing.CreditBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putCredit(ctx, s.db, credit)
}

func putCredit(ctx context.Context, db dbtx, credit *billing.CreditBalance) error {
	historyJSON, err := json.Marshal(credit.History)
	if err != nil {
		return fmt.Errorf("failed to encode credit history: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if credit.Version == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO credit_balances (client_id, unit_id, balance, history_json, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
		`, credit.ClientID, credit.UnitID, int64(credit.Balance), string(historyJSON), now)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("credit %s/%s already exists: %w",
					credit.ClientID, credit.UnitID, billing.ErrConcurrentModification)
			}
			return fmt.Errorf("failed to insert credit: %w", err)
		}
		credit.Version = 1
		return nil
	}

	res, err := db.ExecContext(ctx, `
		UPDATE credit_balances SET
			balance = ?, history_json = ?, version = version + 1, updated_at = ?
		WHERE client_id = ? AND unit_id = ? AND version = ?
	`, int64(credit.Balance), string(historyJSON), now,
		credit.ClientID, credit.UnitID, credit.Version)
	if err != nil {
		return fmt.Errorf("failed to update credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("credit %s/%s: stale version %d: %w",
			credit.ClientID, credit.UnitID, credit.Version, billing.ErrConcurrentModification)
	}
	credit.Version++
	return nil
}

func (s *Store) ListCreditBalances(ctx context.Context, clientID billing.ClientID) ([]*billing.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCreditBalances(ctx, s.db, clientID)
}

func listCreditBalances(ctx context.Context, db dbtx, clientID billing.ClientID) ([]*billing.CreditBalance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT client_id, unit_id, balance, history_json, version
		FROM credit_balances
		WHERE client_id = ?
		ORDER BY unit_id ASC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var credits []*billing.CreditBalance
	for rows.Next() {
		credit, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, credit)
	}
	return credits, rows.Err()
}

func scanCredit(row rowScanner) (*billing.CreditBalance, error) {
	var (
		credit      billing.CreditBalance
		balance     int64
		historyJSON string
	)
	if err := row.Scan(&credit.ClientID, &credit.UnitID, &balance, &historyJSON, &credit.Version); err != nil {
		return nil, err
	}
	credit.Balance = billing.Money(balance)
	if err := json.Unmarshal([]byte(historyJSON), &credit.History); err != nil {
		return nil, fmt.Errorf("failed to decode credit history for %s/%s: %w",
			credit.ClientID, credit.UnitID, err)
	}
	return &credit, nil
}

// =============================================================================
// VIEW STORE
// =============================================================================

func (s *Store) SaveView(ctx context.Context, view *billing.AggregatedView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveView(ctx, s.db, view)
}

func saveView(ctx context.Context, db dbtx, view *billing.AggregatedView) error {
	viewJSON, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode view: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO views (client_id, fiscal_year, view_json, built_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, fiscal_year) DO UPDATE SET
			view_json = excluded.view_json,
			built_at = excluded.built_at
	`, view.ClientID, view.FiscalYear, string(viewJSON), view.BuiltAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save view: %w", err)
	}
	return nil
}

func (s *Store) GetView(ctx context.Context, clientID billing.ClientID, fiscalYear int) (*billing.AggregatedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getView(ctx, s.db, clientID, fiscalYear)
}

func getView(ctx context.Context, db dbtx, clientID billing.ClientID, fiscalYear int) (*billing.AggregatedView, error) {
	var viewJSON string
	err := db.QueryRowContext(ctx, `
		SELECT view_json FROM views WHERE client_id = ? AND fiscal_year = ?
	`, clientID, fiscalYear).Scan(&viewJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load view: %w", err)
	}

	var view billing.AggregatedView
	if err := json.Unmarshal([]byte(viewJSON), &view); err != nil {
		return nil, fmt.Errorf("failed to decode view %s/%d: %w", clientID, fiscalYear, err)
	}
	return &view, nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetBill(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, period billing.PeriodID) (*billing.Bill, error) {
	return getBill(ctx, ts.tx, clientID, unitID, period)
}

func (ts *txStore) PutBill(ctx context.Context, bill *billing.Bill) error {
	return putBill(ctx, ts.tx, bill)
}

func (ts *txStore) ListUnitBills(ctx context.Context, clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) ([]*billing.Bill, error) {
	return listUnitBills(ctx, ts.tx, clientID, fiscalYear, unitID)
}

func (ts *txStore) ListUnitBillHistory(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]*billing.Bill, error) {
	return listUnitBillHistory(ctx, ts.tx, clientID, unitID)
}

func (ts *txStore) ListBillsForYear(ctx context.Context, clientID billing.ClientID, fiscalYear int) ([]*billing.Bill, error) {
	return listBillsForYear(ctx, ts.tx, clientID, fiscalYear)
}

func (ts *txStore) FindBillsByTransactionRef(ctx context.Context, clientID billing.ClientID, transactionRef string) ([]*billing.Bill, error) {
	return findBillsByTransactionRef(ctx, ts.tx, clientID, transactionRef)
}

func (ts *txStore) GetCredit(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) (*billing.CreditBalance, error) {
	return getCredit(ctx, ts.tx, clientID, unitID)
}

func (ts *txStore) PutCredit(ctx context.Context, credit *billing.CreditBalance) error {
	return putCredit(ctx, ts.tx, credit)
}

func (ts *txStore) ListCreditBalances(ctx context.Context, clientID billing.ClientID) ([]*billing.CreditBalance, error) {
	return listCreditBalances(ctx, ts.tx, clientID)
}

func (ts *txStore) SaveView(ctx context.Context, view *billing.AggregatedView) error {
	return saveView(ctx, ts.tx, view)
}

func (ts *txStore) GetView(ctx context.Context, clientID billing.ClientID, fiscalYear int) (*billing.AggregatedView, error) {
	return getView(ctx, ts.tx, clientID, fiscalYear)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"bills", "payment_refs", "credit_balances", "views"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
