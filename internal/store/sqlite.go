// Package store provides the SQLite-backed persistence layer for the
// heuristics engine. A single-file WAL database keeps the whole knowledge
// store self-contained; writers serialize on one connection and busy
// transactions retry with backoff.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/heuristd/internal/heuristics"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements heuristics.Store over a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer connection: SQLite serializes writes anyway, and a single
	// connection avoids SQLITE_BUSY between our own transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("opened heuristics store", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS heuristics (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		rule_text TEXT NOT NULL,
		confidence REAL NOT NULL,
		confidence_ema REAL NOT NULL,
		ema_alpha REAL NOT NULL DEFAULT 0,
		warmup_remaining INTEGER NOT NULL DEFAULT 0,
		times_validated INTEGER NOT NULL DEFAULT 0,
		times_violated INTEGER NOT NULL DEFAULT 0,
		times_contradicted INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		merge_parent_ids TEXT NOT NULL DEFAULT '[]',
		merged_into TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used_at TEXT NOT NULL,
		last_confidence_update TEXT NOT NULL,
		update_count_today INTEGER NOT NULL DEFAULT 0,
		reset_date TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_heuristics_domain_status ON heuristics(domain, status);

	CREATE TABLE IF NOT EXISTS domain_metadata (
		name TEXT PRIMARY KEY,
		soft_limit INTEGER NOT NULL,
		hard_limit INTEGER NOT NULL,
		active_count INTEGER NOT NULL DEFAULT 0,
		dormant_count INTEGER NOT NULL DEFAULT 0,
		archived_count INTEGER NOT NULL DEFAULT 0,
		deprecated_count INTEGER NOT NULL DEFAULT 0,
		capacity_state TEXT NOT NULL,
		entered_overflow_at TEXT NOT NULL DEFAULT '',
		health_score REAL NOT NULL DEFAULT 1.0,
		last_activity_at TEXT NOT NULL DEFAULT '',
		last_contraction_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS confidence_updates (
		id TEXT PRIMARY KEY,
		heuristic_id TEXT NOT NULL,
		old_confidence REAL NOT NULL,
		new_confidence REAL NOT NULL,
		raw_target REAL NOT NULL,
		delta_raw REAL NOT NULL,
		delta_smoothed REAL NOT NULL,
		alpha_used REAL NOT NULL,
		update_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		rate_limited INTEGER NOT NULL DEFAULT 0,
		forced INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_updates_heuristic ON confidence_updates(heuristic_id, timestamp);

	CREATE TABLE IF NOT EXISTS heuristic_merges (
		id TEXT PRIMARY KEY,
		merged_heuristic_id TEXT NOT NULL,
		parent_heuristic_ids TEXT NOT NULL,
		similarity_score REAL NOT NULL,
		strategy TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expansion_events (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		heuristic_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		count_before INTEGER NOT NULL,
		count_after INTEGER NOT NULL,
		quality_score REAL NOT NULL DEFAULT 0,
		novelty_score REAL NOT NULL DEFAULT 0,
		health_score REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_domain ON expansion_events(domain, timestamp);

	CREATE TABLE IF NOT EXISTS decision_queue (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		rule_text TEXT NOT NULL,
		confidence REAL NOT NULL,
		validations INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_domain ON decision_queue(domain, resolved);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithinTx runs fn in one transaction, retrying on SQLITE_BUSY with
// exponential backoff. An error from fn rolls everything back.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx heuristics.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			delay := busyBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		s.logger.Debug("transaction busy, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return fmt.Errorf("transaction still busy after %d retries: %w", busyRetries, lastErr)
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx heuristics.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// GetHeuristic returns one heuristic outside any transaction.
func (s *SQLiteStore) GetHeuristic(ctx context.Context, id string) (*heuristics.Heuristic, error) {
	row := s.db.QueryRowContext(ctx, selectHeuristic+" WHERE id = ?", id)
	return scanHeuristic(row)
}

// GetDomain returns domain metadata outside any transaction.
func (s *SQLiteStore) GetDomain(ctx context.Context, name string) (*heuristics.DomainMetadata, error) {
	row := s.db.QueryRowContext(ctx, selectDomain+" WHERE name = ?", name)
	return scanDomain(row)
}

// ListDomains returns all domain names.
func (s *SQLiteStore) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM domain_metadata ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListByDomain returns heuristics in a domain with the given status.
func (s *SQLiteStore) ListByDomain(ctx context.Context, domain string, status heuristics.Status) ([]*heuristics.Heuristic, error) {
	rows, err := s.db.QueryContext(ctx,
		selectHeuristic+" WHERE domain = ? AND status = ? ORDER BY created_at, id",
		domain, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHeuristics(rows)
}

// ListDecisions returns decision-queue entries; an empty domain returns all.
func (s *SQLiteStore) ListDecisions(ctx context.Context, domain string) ([]*heuristics.DecisionRequest, error) {
	query := `SELECT id, domain, rule_text, confidence, validations, reason, resolved, created_at
		FROM decision_queue`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*heuristics.DecisionRequest
	for rows.Next() {
		var req heuristics.DecisionRequest
		var created string
		if err := rows.Scan(&req.ID, &req.Domain, &req.RuleText, &req.Confidence,
			&req.Validations, &req.Reason, &req.Resolved, &created); err != nil {
			return nil, err
		}
		req.CreatedAt = parseTime(created)
		reqs = append(reqs, &req)
	}
	return reqs, rows.Err()
}

// sqliteTx implements heuristics.Tx over one open transaction.
type sqliteTx struct {
	tx *sql.Tx
}

const selectHeuristic = `SELECT id, domain, rule_text, confidence, confidence_ema, ema_alpha,
	warmup_remaining, times_validated, times_violated, times_contradicted, status,
	merge_parent_ids, merged_into, created_at, last_used_at, last_confidence_update,
	update_count_today, reset_date
	FROM heuristics`

const selectDomain = `SELECT name, soft_limit, hard_limit, active_count, dormant_count,
	archived_count, deprecated_count, capacity_state, entered_overflow_at, health_score,
	last_activity_at, last_contraction_at, created_at
	FROM domain_metadata`

func (t *sqliteTx) GetHeuristic(id string) (*heuristics.Heuristic, error) {
	row := t.tx.QueryRow(selectHeuristic+" WHERE id = ?", id)
	return scanHeuristic(row)
}

func (t *sqliteTx) PutHeuristic(h *heuristics.Heuristic) error {
	parents, err := json.Marshal(h.MergeParentIDs)
	if err != nil {
		return fmt.Errorf("encoding merge parents: %w", err)
	}
	_, err = t.tx.Exec(`INSERT INTO heuristics (
			id, domain, rule_text, confidence, confidence_ema, ema_alpha,
			warmup_remaining, times_validated, times_violated, times_contradicted,
			status, merge_parent_ids, merged_into, created_at, last_used_at,
			last_confidence_update, update_count_today, reset_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			domain = excluded.domain,
			rule_text = excluded.rule_text,
			confidence = excluded.confidence,
			confidence_ema = excluded.confidence_ema,
			ema_alpha = excluded.ema_alpha,
			warmup_remaining = excluded.warmup_remaining,
			times_validated = excluded.times_validated,
			times_violated = excluded.times_violated,
			times_contradicted = excluded.times_contradicted,
			status = excluded.status,
			merge_parent_ids = excluded.merge_parent_ids,
			merged_into = excluded.merged_into,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at,
			last_confidence_update = excluded.last_confidence_update,
			update_count_today = excluded.update_count_today,
			reset_date = excluded.reset_date`,
		h.ID, h.Domain, h.RuleText, h.Confidence, h.ConfidenceEMA, h.EMAAlpha,
		h.WarmupRemaining, h.TimesValidated, h.TimesViolated, h.TimesContradicted,
		string(h.Status), string(parents), h.MergedInto,
		formatTime(h.CreatedAt), formatTime(h.LastUsedAt), formatTime(h.LastConfidenceUpdate),
		h.UpdateCountToday, h.ResetDate)
	return err
}

func (t *sqliteTx) GetDomain(name string) (*heuristics.DomainMetadata, error) {
	row := t.tx.QueryRow(selectDomain+" WHERE name = ?", name)
	return scanDomain(row)
}

func (t *sqliteTx) PutDomain(d *heuristics.DomainMetadata) error {
	_, err := t.tx.Exec(`INSERT INTO domain_metadata (
			name, soft_limit, hard_limit, active_count, dormant_count, archived_count,
			deprecated_count, capacity_state, entered_overflow_at, health_score,
			last_activity_at, last_contraction_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			soft_limit = excluded.soft_limit,
			hard_limit = excluded.hard_limit,
			active_count = excluded.active_count,
			dormant_count = excluded.dormant_count,
			archived_count = excluded.archived_count,
			deprecated_count = excluded.deprecated_count,
			capacity_state = excluded.capacity_state,
			entered_overflow_at = excluded.entered_overflow_at,
			health_score = excluded.health_score,
			last_activity_at = excluded.last_activity_at,
			last_contraction_at = excluded.last_contraction_at,
			created_at = excluded.created_at`,
		d.Name, d.SoftLimit, d.HardLimit, d.ActiveCount, d.DormantCount, d.ArchivedCount,
		d.DeprecatedCount, string(d.State), formatTime(d.EnteredOverflowAt), d.HealthScore,
		formatTime(d.LastActivityAt), formatTime(d.LastContractionAt), formatTime(d.CreatedAt))
	return err
}

func (t *sqliteTx) ListByDomain(domain string, status heuristics.Status) ([]*heuristics.Heuristic, error) {
	rows, err := t.tx.Query(
		selectHeuristic+" WHERE domain = ? AND status = ? ORDER BY created_at, id",
		domain, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHeuristics(rows)
}

func (t *sqliteTx) CountByStatus(domain string) (map[heuristics.Status]int, error) {
	rows, err := t.tx.Query(
		`SELECT status, COUNT(*) FROM heuristics WHERE domain = ? GROUP BY status`, domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[heuristics.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[heuristics.Status(status)] = n
	}
	return counts, rows.Err()
}

func (t *sqliteTx) AppendUpdate(rec *heuristics.ConfidenceUpdateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO confidence_updates (
			id, heuristic_id, old_confidence, new_confidence, raw_target, delta_raw,
			delta_smoothed, alpha_used, update_type, reason, session_id, rate_limited,
			forced, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.HeuristicID, rec.OldConfidence, rec.NewConfidence, rec.RawTarget,
		rec.DeltaRaw, rec.DeltaSmoothed, rec.AlphaUsed, string(rec.UpdateType),
		rec.Reason, rec.SessionID, rec.RateLimited, rec.Forced, formatTime(rec.Timestamp))
	return err
}

func (t *sqliteTx) AppendMerge(rec *heuristics.MergeRecord) error {
	parents, err := json.Marshal(rec.ParentIDs)
	if err != nil {
		return fmt.Errorf("encoding parent ids: %w", err)
	}
	_, err = t.tx.Exec(`INSERT INTO heuristic_merges (
			id, merged_heuristic_id, parent_heuristic_ids, similarity_score, strategy, timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MergedID, string(parents), rec.SimilarityScore, rec.Strategy,
		formatTime(rec.Timestamp))
	return err
}

func (t *sqliteTx) AppendExpansionEvent(ev *heuristics.ExpansionEvent) error {
	_, err := t.tx.Exec(`INSERT INTO expansion_events (
			id, domain, heuristic_id, event_type, count_before, count_after,
			quality_score, novelty_score, health_score, reason, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Domain, ev.HeuristicID, string(ev.EventType), ev.CountBefore,
		ev.CountAfter, ev.QualityScore, ev.NoveltyScore, ev.HealthScore, ev.Reason,
		formatTime(ev.Timestamp))
	return err
}

func (t *sqliteTx) EnqueueDecision(req *heuristics.DecisionRequest) error {
	_, err := t.tx.Exec(`INSERT INTO decision_queue (
			id, domain, rule_text, confidence, validations, reason, resolved, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Domain, req.RuleText, req.Confidence, req.Validations,
		req.Reason, req.Resolved, formatTime(req.CreatedAt))
	return err
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanHeuristic(row scanner) (*heuristics.Heuristic, error) {
	var h heuristics.Heuristic
	var status, parents, created, used, updated string
	err := row.Scan(&h.ID, &h.Domain, &h.RuleText, &h.Confidence, &h.ConfidenceEMA,
		&h.EMAAlpha, &h.WarmupRemaining, &h.TimesValidated, &h.TimesViolated,
		&h.TimesContradicted, &status, &parents, &h.MergedInto, &created, &used,
		&updated, &h.UpdateCountToday, &h.ResetDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, heuristics.ErrHeuristicNotFound
	}
	if err != nil {
		return nil, err
	}

	h.Status = heuristics.Status(status)
	if err := json.Unmarshal([]byte(parents), &h.MergeParentIDs); err != nil {
		return nil, fmt.Errorf("decoding merge parents for %s: %w", h.ID, err)
	}
	if len(h.MergeParentIDs) == 0 {
		h.MergeParentIDs = nil
	}
	h.CreatedAt = parseTime(created)
	h.LastUsedAt = parseTime(used)
	h.LastConfidenceUpdate = parseTime(updated)
	return &h, nil
}

func scanDomain(row scanner) (*heuristics.DomainMetadata, error) {
	var d heuristics.DomainMetadata
	var state, overflow, activity, contraction, created string
	err := row.Scan(&d.Name, &d.SoftLimit, &d.HardLimit, &d.ActiveCount, &d.DormantCount,
		&d.ArchivedCount, &d.DeprecatedCount, &state, &overflow, &d.HealthScore,
		&activity, &contraction, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, heuristics.ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}

	d.State = heuristics.CapacityState(state)
	d.EnteredOverflowAt = parseTime(overflow)
	d.LastActivityAt = parseTime(activity)
	d.LastContractionAt = parseTime(contraction)
	d.CreatedAt = parseTime(created)
	return &d, nil
}

func collectHeuristics(rows *sql.Rows) ([]*heuristics.Heuristic, error) {
	var hs []*heuristics.Heuristic
	for rows.Next() {
		h, err := scanHeuristic(rows)
		if err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, rows.Err()
}

// formatTime stores zero times as empty strings so they round-trip as zero.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
