/*
Package sqlite provides a SQLite-backed implementation of activities.Store.

PURPOSE:
  Persists activities, their pay-rate and schedule-rule snapshots, bookings,
  allocations with their pay-band history, and the reference data used to
  validate requests. In production the same patterns apply to PostgreSQL
  with minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  activities.Store:             Aggregates + WithTx
  activities.ReferenceResolver: Incentive levels and pay bands

SNAPSHOT WRITES:
  Owned collections are written by replace-all per parent:
    DELETE FROM pay_rates WHERE activity_id = ?
    INSERT ... (one row per interval)
  Inside WithTx this is atomic; the reconcilers guarantee that rows which
  did not change are written back byte-identical.

KEY TABLES:
  activities:            Activity header
  pay_rates:             Rate intervals (rate as decimal TEXT, never REAL)
  schedule_rules:        Weekly sessions (days as a weekday bitmask)
  bookings:              Current prison of each booking
  allocations:           One row per booking per activity (not enforced;
                         duplicates are reported as conflicts)
  allocation_pay_bands:  Pay-band intervals of an allocation
  incentive_levels:      Reference data, per prison
  pay_bands:             Reference data

DATES:
  Stored as YYYY-MM-DD TEXT so lexical order is date order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so ":memory:"
  databases are shared by every query and WithTx serializes writers.

USAGE:
  store, err := sqlite.New("./data/activities.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := activities.NewService(store, clock, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - activities/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
)

// Store implements activities.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ activities.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

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
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		prison TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT
	);

	CREATE TABLE IF NOT EXISTS pay_rates (
		activity_id TEXT NOT NULL REFERENCES activities(id),
		incentive_level TEXT NOT NULL,
		pay_band TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		rate TEXT NOT NULL,
		PRIMARY KEY (activity_id, incentive_level, pay_band, start_date)
	);

	CREATE TABLE IF NOT EXISTS schedule_rules (
		id TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES activities(id),
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		days INTEGER NOT NULL,
		slot TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_rules_activity
		ON schedule_rules(activity_id);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		prison TEXT NOT NULL
	);

	-- No unique (activity_id, booking_id): rows written by other systems may
	-- duplicate, and the service must be able to see and report that.
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES activities(id),
		booking_id TEXT NOT NULL,
		status TEXT NOT NULL,
		suspended INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		end_date TEXT,
		end_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_activity_booking
		ON allocations(activity_id, booking_id);

	CREATE TABLE IF NOT EXISTS allocation_pay_bands (
		allocation_id TEXT NOT NULL REFERENCES allocations(id),
		start_date TEXT NOT NULL,
		end_date TEXT,
		pay_band TEXT NOT NULL,
		PRIMARY KEY (allocation_id, start_date)
	);

	CREATE TABLE IF NOT EXISTS incentive_levels (
		prison TEXT NOT NULL,
		code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (prison, code)
	);

	CREATE TABLE IF NOT EXISTS pay_bands (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(activities.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(repo{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Single-statement reads run directly; multi-statement writes get their own
// transaction so a snapshot is never half-replaced.

func (s *Store) read() repo { return repo{q: s.db} }

func (s *Store) write(ctx context.Context, fn func(repo) error) error {
	return s.WithTx(ctx, func(r activities.Repository) error { return fn(r.(repo)) })
}

func (s *Store) GetActivity(ctx context.Context, id activities.ActivityID) (*activities.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetActivity(ctx, id)
}

func (s *Store) SaveActivity(ctx context.Context, a activities.Activity) error {
	return s.write(ctx, func(r repo) error { return r.SaveActivity(ctx, a) })
}

func (s *Store) ReplacePayRates(ctx context.Context, id activities.ActivityID, rates []activities.PayRate) error {
	return s.write(ctx, func(r repo) error { return r.ReplacePayRates(ctx, id, rates) })
}

func (s *Store) ReplaceScheduleRules(ctx context.Context, id activities.ActivityID, rules []activities.ScheduleRule) error {
	return s.write(ctx, func(r repo) error { return r.ReplaceScheduleRules(ctx, id, rules) })
}

func (s *Store) GetBooking(ctx context.Context, id activities.BookingID) (*activities.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBooking(ctx, id)
}

func (s *Store) SaveBooking(ctx context.Context, b activities.Booking) error {
	return s.write(ctx, func(r repo) error { return r.SaveBooking(ctx, b) })
}

func (s *Store) FindAllocations(ctx context.Context, activityID activities.ActivityID, bookingID activities.BookingID) ([]activities.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindAllocations(ctx, activityID, bookingID)
}

func (s *Store) SaveAllocation(ctx context.Context, a activities.Allocation) error {
	return s.write(ctx, func(r repo) error { return r.SaveAllocation(ctx, a) })
}

func (s *Store) ResolveIncentiveLevel(ctx context.Context, prison activities.PrisonID, code string) (activities.IncentiveLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ResolveIncentiveLevel(ctx, prison, code)
}

func (s *Store) ResolvePayBand(ctx context.Context, code string) (activities.PayBand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ResolvePayBand(ctx, code)
}

// =============================================================================
// REPOSITORY - Queries against a DB or Tx
// =============================================================================

type repo struct {
	q querier
}

// --- Activities ---

func (r repo) GetActivity(ctx context.Context, id activities.ActivityID) (*activities.Activity, error) {
	var (
		a         activities.Activity
		startDate string
		endDate   sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT id, prison, description, start_date, end_date FROM activities WHERE id = ?",
		id,
	).Scan(&a.ID, &a.Prison, &a.Description, &startDate, &endDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	if a.StartDate, err = generic.ParseDate(startDate); err != nil {
		return nil, err
	}
	if a.EndDate, err = parseNullDate(endDate); err != nil {
		return nil, err
	}

	if a.PayRates, err = r.loadPayRates(ctx, id); err != nil {
		return nil, err
	}
	if a.ScheduleRules, err = r.loadScheduleRules(ctx, id); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r repo) SaveActivity(ctx context.Context, a activities.Activity) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO activities (id, prison, description, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prison = excluded.prison,
			description = excluded.description,
			start_date = excluded.start_date,
			end_date = excluded.end_date
	`, a.ID, a.Prison, a.Description, a.StartDate.String(), nullDate(a.EndDate))
	if err != nil {
		return fmt.Errorf("failed to save activity: %w", err)
	}
	return nil
}

// --- Pay rates ---

func (r repo) loadPayRates(ctx context.Context, id activities.ActivityID) ([]activities.PayRate, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT incentive_level, pay_band, start_date, end_date, rate
		FROM pay_rates
		WHERE activity_id = ?
		ORDER BY incentive_level, pay_band, start_date
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay rates: %w", err)
	}
	defer rows.Close()

	var rates []activities.PayRate
	for rows.Next() {
		var (
			rate      activities.PayRate
			startDate string
			endDate   sql.NullString
			value     string
		)
		if err := rows.Scan(&rate.Key.IncentiveLevel, &rate.Key.PayBand, &startDate, &endDate, &value); err != nil {
			return nil, fmt.Errorf("failed to scan pay rate: %w", err)
		}
		if rate.Start, err = generic.ParseDate(startDate); err != nil {
			return nil, err
		}
		if rate.End, err = parseNullDate(endDate); err != nil {
			return nil, err
		}
		if rate.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("stored rate %q for %s: %w", value, rate.Key, err)
		}
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}

func (r repo) ReplacePayRates(ctx context.Context, id activities.ActivityID, rates []activities.PayRate) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM pay_rates WHERE activity_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear pay rates: %w", err)
	}
	for _, rate := range rates {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO pay_rates (activity_id, incentive_level, pay_band, start_date, end_date, rate)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, rate.Key.IncentiveLevel, rate.Key.PayBand, rate.Start.String(), nullDate(rate.End), rate.Value.String())
		if err != nil {
			return fmt.Errorf("failed to insert pay rate %s: %w", rate.Key, err)
		}
	}
	return nil
}

// --- Schedule rules ---

func (r repo) loadScheduleRules(ctx context.Context, id activities.ActivityID) ([]activities.ScheduleRule, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, start_time, end_time, days, slot
		FROM schedule_rules
		WHERE activity_id = ?
		ORDER BY start_time, end_time, days
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule rules: %w", err)
	}
	defer rows.Close()

	var rules []activities.ScheduleRule
	for rows.Next() {
		var (
			ruleID     string
			start, end string
			days       int
			slot       string
		)
		if err := rows.Scan(&ruleID, &start, &end, &days, &slot); err != nil {
			return nil, fmt.Errorf("failed to scan schedule rule: %w", err)
		}
		rule := activities.ScheduleRule{
			Identity: activities.ExistingRule(ruleID),
			Days:     activities.Weekdays(days),
			Slot:     activities.SlotCategory(slot),
		}
		if rule.Start, err = activities.ParseTimeOfDay(start); err != nil {
			return nil, err
		}
		if rule.End, err = activities.ParseTimeOfDay(end); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r repo) ReplaceScheduleRules(ctx context.Context, id activities.ActivityID, rules []activities.ScheduleRule) error {
	if _, err := r.q.ExecContext(ctx, "DELETE FROM schedule_rules WHERE activity_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear schedule rules: %w", err)
	}
	for _, rule := range rules {
		ruleID, ok := rule.Identity.ID()
		if !ok {
			return fmt.Errorf("schedule rule %s has no id: %w", rule.Spec(), generic.ErrInvariantViolation)
		}
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO schedule_rules (id, activity_id, start_time, end_time, days, slot)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ruleID, id, rule.Start.String(), rule.End.String(), int(rule.Days), string(rule.Slot))
		if err != nil {
			return fmt.Errorf("failed to insert schedule rule: %w", err)
		}
	}
	return nil
}

// --- Bookings ---

func (r repo) GetBooking(ctx context.Context, id activities.BookingID) (*activities.Booking, error) {
	var b activities.Booking
	err := r.q.QueryRowContext(ctx, "SELECT id, prison FROM bookings WHERE id = ?", id).Scan(&b.ID, &b.Prison)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

func (r repo) SaveBooking(ctx context.Context, b activities.Booking) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO bookings (id, prison) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET prison = excluded.prison
	`, b.ID, b.Prison)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

// --- Allocations ---

func (r repo) FindAllocations(ctx context.Context, activityID activities.ActivityID, bookingID activities.BookingID) ([]activities.Allocation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, activity_id, booking_id, status, suspended, start_date, end_date, end_reason
		FROM allocations
		WHERE activity_id = ? AND booking_id = ?
		ORDER BY id
	`, activityID, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}

	var result []activities.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, a)
	}
	// Close before the pay-band queries; the store runs on a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if result[i].PayBands, err = r.loadPayBands(ctx, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func scanAllocation(rows *sql.Rows) (activities.Allocation, error) {
	var (
		a         activities.Allocation
		suspended int
		startDate string
		endDate   sql.NullString
		endReason sql.NullString
	)
	err := rows.Scan(&a.ID, &a.ActivityID, &a.BookingID, &a.Status, &suspended, &startDate, &endDate, &endReason)
	if err != nil {
		return a, fmt.Errorf("failed to scan allocation: %w", err)
	}
	a.Suspended = suspended != 0
	a.EndReason = endReason.String
	if a.StartDate, err = generic.ParseDate(startDate); err != nil {
		return a, err
	}
	if a.EndDate, err = parseNullDate(endDate); err != nil {
		return a, err
	}
	return a, nil
}

func (r repo) loadPayBands(ctx context.Context, allocationID string) ([]activities.AllocationPayBand, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT start_date, end_date, pay_band
		FROM allocation_pay_bands
		WHERE allocation_id = ?
		ORDER BY start_date
	`, allocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pay bands: %w", err)
	}
	defer rows.Close()

	var bands []activities.AllocationPayBand
	for rows.Next() {
		var (
			band      activities.AllocationPayBand
			startDate string
			endDate   sql.NullString
		)
		if err := rows.Scan(&startDate, &endDate, &band.Value); err != nil {
			return nil, fmt.Errorf("failed to scan pay band: %w", err)
		}
		if band.Start, err = generic.ParseDate(startDate); err != nil {
			return nil, err
		}
		if band.End, err = parseNullDate(endDate); err != nil {
			return nil, err
		}
		bands = append(bands, band)
	}
	return bands, rows.Err()
}

func (r repo) SaveAllocation(ctx context.Context, a activities.Allocation) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO allocations (id, activity_id, booking_id, status, suspended, start_date, end_date, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			suspended = excluded.suspended,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			end_reason = excluded.end_reason
	`, a.ID, a.ActivityID, a.BookingID, string(a.Status), boolInt(a.Suspended),
		a.StartDate.String(), nullDate(a.EndDate), nullString(a.EndReason))
	if err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}

	if _, err := r.q.ExecContext(ctx, "DELETE FROM allocation_pay_bands WHERE allocation_id = ?", a.ID); err != nil {
		return fmt.Errorf("failed to clear pay bands: %w", err)
	}
	for _, band := range a.PayBands {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO allocation_pay_bands (allocation_id, start_date, end_date, pay_band)
			VALUES (?, ?, ?, ?)
		`, a.ID, band.Start.String(), nullDate(band.End), band.Value)
		if err != nil {
			return fmt.Errorf("failed to insert pay band: %w", err)
		}
	}
	return nil
}

// --- Reference data ---

func (r repo) ResolveIncentiveLevel(ctx context.Context, prison activities.PrisonID, code string) (activities.IncentiveLevel, error) {
	level := activities.IncentiveLevel{Prison: prison, Code: code}
	err := r.q.QueryRowContext(ctx,
		"SELECT description FROM incentive_levels WHERE prison = ? AND code = ?",
		prison, code,
	).Scan(&level.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return activities.IncentiveLevel{}, &generic.ReferenceNotFoundError{Kind: activities.RefIncentiveLevel, Code: code, Scope: string(prison)}
	}
	if err != nil {
		return activities.IncentiveLevel{}, fmt.Errorf("failed to resolve incentive level: %w", err)
	}
	return level, nil
}

func (r repo) ResolvePayBand(ctx context.Context, code string) (activities.PayBand, error) {
	band := activities.PayBand{Code: code}
	err := r.q.QueryRowContext(ctx, "SELECT description FROM pay_bands WHERE code = ?", code).Scan(&band.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return activities.PayBand{}, generic.NotFound(activities.RefPayBand, code)
	}
	if err != nil {
		return activities.PayBand{}, fmt.Errorf("failed to resolve pay band: %w", err)
	}
	return band, nil
}

// =============================================================================
// REFERENCE DATA SEEDING
// =============================================================================

// SaveIncentiveLevel inserts or updates an incentive level.
func (s *Store) SaveIncentiveLevel(ctx context.Context, level activities.IncentiveLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incentive_levels (prison, code, description) VALUES (?, ?, ?)
		ON CONFLICT(prison, code) DO UPDATE SET description = excluded.description
	`, level.Prison, level.Code, level.Description)
	if err != nil {
		return fmt.Errorf("failed to save incentive level: %w", err)
	}
	return nil
}

// SavePayBand inserts or updates a pay band.
func (s *Store) SavePayBand(ctx context.Context, band activities.PayBand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pay_bands (code, description) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET description = excluded.description
	`, band.Code, band.Description)
	if err != nil {
		return fmt.Errorf("failed to save pay band: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). Reference data is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"allocation_pay_bands", "allocations", "bookings", "schedule_rules", "pay_rates", "activities"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *generic.TimePoint) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) (*generic.TimePoint, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := generic.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
