package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed implementation of the durable store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateResource registers a new resource in the initial lifecycle state.
func (s *SQLiteStore) CreateResource(ctx context.Context, id string, kind ResourceKind) (*ResourceRecord, error) {
	rec := &ResourceRecord{
		ID:           id,
		Kind:         kind,
		State:        lifecycle.StateNew,
		StateVersion: version.Initial(),
		CreatedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO resources (id, kind, state, state_version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Kind), string(rec.State), rec.StateVersion.String(), rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource %s: %w", id, err)
	}
	return rec, nil
}

// GetResource loads a resource's current state and version. An undecodable
// record is reported as ErrCorrupt; the caller is expected to quarantine,
// never repair.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*ResourceRecord, error) {
	query := `
		SELECT id, kind, state, state_version, quarantined, quarantine_reason, created_at
		FROM resources
		WHERE id = ?
	`

	var (
		rec              ResourceRecord
		rawState         string
		rawVersion       string
		quarantineReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, (*string)(&rec.Kind), &rawState, &rawVersion, &rec.Quarantined,
		&quarantineReason, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", id, err)
	}
	rec.QuarantineReason = quarantineReason.String

	rec.State, err = lifecycle.ParseState(rawState)
	if err != nil {
		return nil, fmt.Errorf("resource %s state: %v: %w", id, err, ErrCorrupt)
	}
	rec.StateVersion, err = version.Parse(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("resource %s version: %v: %w", id, err, ErrCorrupt)
	}
	return &rec, nil
}

// ListActiveResourceIDs lists the resources the scheduler should tick:
// everything not terminal and not quarantined.
func (s *SQLiteStore) ListActiveResourceIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT id FROM resources
		WHERE quarantined = 0 AND state NOT IN (?, ?)
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(lifecycle.StateFailed), string(lifecycle.StateDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to list active resources: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return ids, nil
}

// StatePopulation counts resources grouped by kind and state, plus the
// number of quarantined resources. Feeds the fleet gauges once per tick.
func (s *SQLiteStore) StatePopulation(ctx context.Context) ([]StateCount, int, error) {
	query := `
		SELECT kind, state, COUNT(*), SUM(quarantined)
		FROM resources
		GROUP BY kind, state
		ORDER BY kind, state
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := []StateCount{}
	quarantined := 0
	for rows.Next() {
		var sc StateCount
		var q int
		if err := rows.Scan(&sc.Kind, &sc.State, &sc.Count, &q); err != nil {
			return nil, 0, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts = append(counts, sc)
		quarantined += q
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating state counts: %w", err)
	}
	return counts, quarantined, nil
}

// SaveResourceState persists a state transition using optimistic
// concurrency: the update applies only if the stored version still matches
// expected, otherwise ErrVersionConflict is returned and the caller re-ticks.
// The transition history row, the removal of consumed intents, and any
// desired configuration snapshots in issue commit in the same transaction,
// so an intent disappears only once the transition that acted on it and the
// configuration it demanded are both durable.
func (s *SQLiteStore) SaveResourceState(
	ctx context.Context,
	id string,
	expected version.ConfigVersion,
	next lifecycle.State,
	consumedIntentIDs []string,
	issue []ConfigIssue,
) (version.ConfigVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevState, prevVersion string
	err = tx.QueryRowContext(ctx, `SELECT state, state_version FROM resources WHERE id = ?`, id).
		Scan(&prevState, &prevVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return version.ConfigVersion{}, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to load resource %s: %w", id, err)
	}
	if prevVersion != expected.String() {
		return version.ConfigVersion{}, fmt.Errorf(
			"resource %s at %s, expected %s: %w", id, prevVersion, expected, ErrVersionConflict)
	}

	newVersion := expected.Increment()
	result, err := tx.ExecContext(ctx, `
		UPDATE resources SET state = ?, state_version = ?
		WHERE id = ? AND state_version = ?
	`, string(next), newVersion.String(), id, expected.String())
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to save resource %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return version.ConfigVersion{}, fmt.Errorf("resource %s: %w", id, ErrVersionConflict)
	}

	if prevState != string(next) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transitions (resource_id, prev_state, next_state, version, occurred_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, prevState, string(next), newVersion.String(), time.Now().UTC())
		if err != nil {
			return version.ConfigVersion{}, fmt.Errorf("failed to append transition: %w", err)
		}
	}

	for _, intentID := range consumedIntentIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, intentID); err != nil {
			return version.ConfigVersion{}, fmt.Errorf("failed to consume intent %s: %w", intentID, err)
		}
	}

	for _, ci := range issue {
		if _, err := appendDesiredConfig(ctx, tx, id, ci.Axis, ci.Config); err != nil {
			return version.ConfigVersion{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newVersion, nil
}

// MarkQuarantined freezes a resource after its persisted state was found
// corrupt. Quarantined resources are excluded from ticking.
func (s *SQLiteStore) MarkQuarantined(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE resources SET quarantined = 1, quarantine_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to quarantine resource %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearQuarantine releases a quarantined resource back to automated
// ticking. Operator action only.
func (s *SQLiteStore) ClearQuarantine(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE resources SET quarantined = 0, quarantine_reason = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear quarantine on %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return nil
}

// EnqueueIntent durably appends an intent. A resubmission with an already
// recorded idempotency key is a no-op, which makes retried submissions safe.
func (s *SQLiteStore) EnqueueIntent(ctx context.Context, in intent.Intent) error {
	if in.EnqueuedAt.IsZero() {
		in.EnqueuedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO intents (id, resource_id, type, idempotency_key, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		in.ID, in.ResourceID, string(in.Type), in.IdempotencyKey, []byte(in.Payload), in.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue intent %s: %w", in.ID, err)
	}
	return nil
}

// PendingIntents returns a resource's queued intents in enqueue order.
func (s *SQLiteStore) PendingIntents(ctx context.Context, resourceID string) ([]intent.Intent, error) {
	query := `
		SELECT id, resource_id, type, idempotency_key, payload, enqueued_at
		FROM intents
		WHERE resource_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents for %s: %w", resourceID, err)
	}
	defer rows.Close()

	intents := []intent.Intent{}
	for rows.Next() {
		var (
			in      intent.Intent
			payload []byte
		)
		if err := rows.Scan(&in.ID, &in.ResourceID, (*string)(&in.Type),
			&in.IdempotencyKey, &payload, &in.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		in.Payload = payload
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intents: %w", err)
	}
	return intents, nil
}

// IssueDesiredConfig appends a new immutable snapshot to a resource's
// per-axis ledger and returns the freshly issued version. The version for
// each axis advances independently; concurrency safety comes from the
// primary-key constraint on (resource_id, axis, version_nr), not a lock.
func (s *SQLiteStore) IssueDesiredConfig(
	ctx context.Context,
	resourceID string,
	axis version.Axis,
	config json.RawMessage,
) (version.ConfigVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next, err := appendDesiredConfig(ctx, tx, resourceID, axis, config)
	if err != nil {
		return version.ConfigVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// appendDesiredConfig appends one ledger snapshot inside an open transaction.
func appendDesiredConfig(
	ctx context.Context,
	tx *sql.Tx,
	resourceID string,
	axis version.Axis,
	config json.RawMessage,
) (version.ConfigVersion, error) {
	var current sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(version_nr) FROM desired_configs WHERE resource_id = ? AND axis = ?
	`, resourceID, string(axis)).Scan(&current)
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to read version ledger: %w", err)
	}

	var next version.ConfigVersion
	if current.Valid {
		next = version.New(uint64(current.Int64)).Increment()
	} else {
		next = version.Initial()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO desired_configs (resource_id, axis, version_nr, version, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, resourceID, string(axis), int64(next.Number()), next.String(), []byte(config), time.Now().UTC())
	if err != nil {
		return version.ConfigVersion{}, fmt.Errorf("failed to append desired config: %w", err)
	}
	return next, nil
}

// LatestDesiredConfig returns the newest snapshot for one axis.
func (s *SQLiteStore) LatestDesiredConfig(
	ctx context.Context,
	resourceID string,
	axis version.Axis,
) (*DesiredConfigRecord, error) {
	query := `
		SELECT resource_id, axis, version, config, created_at
		FROM desired_configs
		WHERE resource_id = ? AND axis = ?
		ORDER BY version_nr DESC
		LIMIT 1
	`
	var (
		rec        DesiredConfigRecord
		rawAxis    string
		rawVersion string
		config     []byte
	)
	err := s.db.QueryRowContext(ctx, query, resourceID, string(axis)).Scan(
		&rec.ResourceID, &rawAxis, &rawVersion, &config, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("desired config for %s/%s: %w", resourceID, axis, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get desired config: %w", err)
	}
	rec.Axis = version.Axis(rawAxis)
	rec.Config = config
	rec.Version, err = version.Parse(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("desired config version for %s/%s: %v: %w", resourceID, axis, err, ErrCorrupt)
	}
	return &rec, nil
}

// DesiredPair returns the latest version of both axes. An axis without any
// issued snapshot reports the invalid version.
func (s *SQLiteStore) DesiredPair(ctx context.Context, resourceID string) (version.Pair, error) {
	pair := version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()}
	for _, axis := range []version.Axis{version.AxisTenant, version.AxisLifecycle} {
		rec, err := s.LatestDesiredConfig(ctx, resourceID, axis)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return version.Pair{}, err
		}
		pair = pair.With(axis, rec.Version)
	}
	return pair, nil
}

// UpsertObservedStatus records an agent's applied-status report with
// last-writer-wins semantics per resource: a report that regresses an
// applied version number on either axis is dropped with ErrVersionConflict,
// so out-of-order arrivals never roll the observed status backwards.
func (s *SQLiteStore) UpsertObservedStatus(ctx context.Context, rec ObservedStatusRecord) error {
	if rec.ReportedAt.IsZero() {
		rec.ReportedAt = time.Now().UTC()
	}
	alerts, err := json.Marshal(rec.Alerts)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tenant, lcycle string
	err = tx.QueryRowContext(ctx, `
		SELECT applied_tenant, applied_lifecycle FROM observed_status WHERE resource_id = ?
	`, rec.ResourceID).Scan(&tenant, &lcycle)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First report for this resource.
	case err != nil:
		return fmt.Errorf("failed to load observed status: %w", err)
	default:
		currentTenant, perr := version.Parse(tenant)
		if perr != nil {
			return fmt.Errorf("observed tenant version for %s: %v: %w", rec.ResourceID, perr, ErrCorrupt)
		}
		currentLifecycle, perr := version.Parse(lcycle)
		if perr != nil {
			return fmt.Errorf("observed lifecycle version for %s: %v: %w", rec.ResourceID, perr, ErrCorrupt)
		}
		if rec.AppliedVersion.Tenant.Number() < currentTenant.Number() ||
			rec.AppliedVersion.Lifecycle.Number() < currentLifecycle.Number() {
			// Stale report, keep the newer record.
			return fmt.Errorf("observed status for %s: %w", rec.ResourceID, ErrVersionConflict)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observed_status (resource_id, applied_tenant, applied_lifecycle, healthy, isolated, alerts, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET
			applied_tenant = excluded.applied_tenant,
			applied_lifecycle = excluded.applied_lifecycle,
			healthy = excluded.healthy,
			isolated = excluded.isolated,
			alerts = excluded.alerts,
			reported_at = excluded.reported_at
	`, rec.ResourceID, rec.AppliedVersion.Tenant.String(), rec.AppliedVersion.Lifecycle.String(),
		rec.Healthy, rec.Isolated, alerts, rec.ReportedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert observed status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetObservedStatus returns the last recorded agent report for a resource.
func (s *SQLiteStore) GetObservedStatus(ctx context.Context, resourceID string) (*ObservedStatusRecord, error) {
	query := `
		SELECT resource_id, applied_tenant, applied_lifecycle, healthy, isolated, alerts, reported_at
		FROM observed_status
		WHERE resource_id = ?
	`
	var (
		rec            ObservedStatusRecord
		tenant, lcycle string
		alerts         []byte
	)
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&rec.ResourceID, &tenant, &lcycle, &rec.Healthy, &rec.Isolated, &alerts, &rec.ReportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observed status for %s: %w", resourceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observed status: %w", err)
	}

	rec.AppliedVersion.Tenant, err = version.Parse(tenant)
	if err != nil {
		return nil, fmt.Errorf("observed tenant version for %s: %v: %w", resourceID, err, ErrCorrupt)
	}
	rec.AppliedVersion.Lifecycle, err = version.Parse(lcycle)
	if err != nil {
		return nil, fmt.Errorf("observed lifecycle version for %s: %v: %w", resourceID, err, ErrCorrupt)
	}
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &rec.Alerts); err != nil {
			return nil, fmt.Errorf("observed alerts for %s: %v: %w", resourceID, err, ErrCorrupt)
		}
	}
	return &rec, nil
}

// TransitionHistory returns the most recent realized transitions of a
// resource, newest first.
func (s *SQLiteStore) TransitionHistory(ctx context.Context, resourceID string, limit int) ([]TransitionRecord, error) {
	query := `
		SELECT id, resource_id, prev_state, next_state, version, occurred_at
		FROM transitions
		WHERE resource_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions for %s: %w", resourceID, err)
	}
	defer rows.Close()

	records := []TransitionRecord{}
	for rows.Next() {
		var (
			rec              TransitionRecord
			prev, next, vers string
		)
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &prev, &next, &vers, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.PrevState = lifecycle.State(prev)
		rec.NextState = lifecycle.State(next)
		rec.Version, err = version.Parse(vers)
		if err != nil {
			return nil, fmt.Errorf("transition version: %v: %w", err, ErrCorrupt)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return records, nil
}

// PersistOutcome stores the last handler outcome for a resource.
func (s *SQLiteStore) PersistOutcome(ctx context.Context, resourceID, outcome, detail string) error {
	query := `
		INSERT INTO handler_outcomes (resource_id, outcome, detail, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE SET
			outcome = excluded.outcome,
			detail = excluded.detail,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, resourceID, outcome, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist outcome for %s: %w", resourceID, err)
	}
	return nil
}

// GetOutcome returns the last persisted handler outcome for a resource.
func (s *SQLiteStore) GetOutcome(ctx context.Context, resourceID string) (*OutcomeRecord, error) {
	query := `
		SELECT resource_id, outcome, detail, updated_at
		FROM handler_outcomes
		WHERE resource_id = ?
	`
	var (
		rec    OutcomeRecord
		detail sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&rec.ResourceID, &rec.Outcome, &detail, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome for %s: %w", resourceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	rec.Detail = detail.String
	return &rec, nil
}

// TryAcquireLock attempts to take or refresh the named advisory lock. It
// returns false when another live holder owns the lock. Used to keep a
// single scheduler instance active per database.
func (s *SQLiteStore) TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO controller_locks (lock_key, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE controller_locks.holder = excluded.holder
		   OR controller_locks.expires_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query, key, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReleaseLock drops the named lock if held by holder.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM controller_locks WHERE lock_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
