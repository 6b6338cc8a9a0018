package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/diamond-finder/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path, creating the parent
// directory if needed, and configures WAL mode. The pool is limited to one
// connection so upsert transactions are serialized.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS candidates (
	id                TEXT PRIMARY KEY,
	address           TEXT NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	listing_type      TEXT NOT NULL DEFAULT 'unknown',
	price             REAL,
	bedrooms          INTEGER,
	sqft              REAL,
	score             REAL NOT NULL DEFAULT 0,
	score_breakdown   TEXT NOT NULL DEFAULT '{}',
	why_special       TEXT NOT NULL DEFAULT '[]',
	photos            TEXT NOT NULL DEFAULT '[]',
	floor_plan_url    TEXT NOT NULL DEFAULT '',
	listing_url       TEXT NOT NULL DEFAULT '',
	found_by          TEXT NOT NULL DEFAULT '[]',
	price_premium_pct REAL,
	tenure_years      INTEGER,
	social_mentions   INTEGER NOT NULL DEFAULT 0,
	is_available      INTEGER NOT NULL DEFAULT 1,
	last_checked      TEXT NOT NULL,
	discovered_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidates_top ON candidates(is_available, score DESC, discovered_at DESC);
CREATE INDEX IF NOT EXISTS idx_candidates_discovered_at ON candidates(discovered_at);

CREATE TABLE IF NOT EXISTS strategy_performance (
	source_name      TEXT PRIMARY KEY,
	found_90plus     INTEGER NOT NULL DEFAULT 0,
	found_80plus     INTEGER NOT NULL DEFAULT 0,
	total_candidates INTEGER NOT NULL DEFAULT 0,
	total_photos     INTEGER NOT NULL DEFAULT 0,
	unique_buildings INTEGER NOT NULL DEFAULT 0,
	first_run        TEXT NOT NULL,
	last_run         TEXT NOT NULL,
	runs_count       INTEGER NOT NULL DEFAULT 0,
	is_active        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS strategy_buildings (
	source_name TEXT NOT NULL,
	building    TEXT NOT NULL,
	PRIMARY KEY (source_name, building)
);
`

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlConn is satisfied by *sql.DB and *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteCandidateColumns = `id, address, unit, listing_type, price, bedrooms, sqft,
	score, score_breakdown, why_special, photos, floor_plan_url, listing_url, found_by,
	price_premium_pct, tenure_years, social_mentions, is_available, last_checked, discovered_at`

// Upsert implements CandidateStore.
func (s *SQLiteStore) Upsert(ctx context.Context, c model.Candidate) error {
	id := c.ID()
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stored, err := sqliteGet(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := sqliteInsert(ctx, tx, id, prepareInsert(c, now)); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := sqliteUpdate(ctx, tx, id, model.ApplyUpsert(*stored, c, now)); err != nil {
			return err
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit upsert %s", id)
}

func sqliteInsert(ctx context.Context, conn sqlConn, id string, c model.Candidate) error {
	f, err := encodeFields(c)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO candidates (`+sqliteCandidateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Address, c.Unit, string(c.ListingType), c.Price, c.Bedrooms, c.SqFt,
		c.Score, string(f.Breakdown), string(f.Why), string(f.Photos), c.FloorPlanURL, c.ListingURL, string(f.FoundBy),
		c.PricePremiumPct, c.TenureYears, c.SocialMentions, c.Available, formatTime(c.LastChecked), formatTime(c.DiscoveredAt),
	)
	return eris.Wrapf(err, "sqlite: insert candidate %s", id)
}

func sqliteUpdate(ctx context.Context, conn sqlConn, id string, c model.Candidate) error {
	f, err := encodeFields(c)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		`UPDATE candidates SET listing_type = ?, price = ?, bedrooms = ?, sqft = ?,
		 score = ?, score_breakdown = ?, why_special = ?, photos = ?,
		 floor_plan_url = ?, listing_url = ?, found_by = ?,
		 price_premium_pct = ?, tenure_years = ?, social_mentions = ?,
		 is_available = ?, last_checked = ?
		 WHERE id = ?`,
		string(c.ListingType), c.Price, c.Bedrooms, c.SqFt,
		c.Score, string(f.Breakdown), string(f.Why), string(f.Photos),
		c.FloorPlanURL, c.ListingURL, string(f.FoundBy),
		c.PricePremiumPct, c.TenureYears, c.SocialMentions,
		c.Available, formatTime(c.LastChecked), id,
	)
	return eris.Wrapf(err, "sqlite: update candidate %s", id)
}

func sqliteGet(ctx context.Context, conn sqlConn, id string) (*model.Candidate, error) {
	row := conn.QueryRowContext(ctx, `SELECT `+sqliteCandidateColumns+` FROM candidates WHERE id = ?`, id)
	c, err := scanSQLiteCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: candidate %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}
	return c, nil
}

// Get implements CandidateStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Candidate, error) {
	return sqliteGet(ctx, s.db, id)
}

// Top implements CandidateStore.
func (s *SQLiteStore) Top(ctx context.Context, limit int, minScore float64) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "top",
		`SELECT `+sqliteCandidateColumns+` FROM candidates
		 WHERE is_available = 1 AND score >= ?
		 ORDER BY score DESC, discovered_at DESC, id ASC
		 LIMIT ?`, minScore, limit)
}

// Recent implements CandidateStore.
func (s *SQLiteStore) Recent(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "recent",
		`SELECT `+sqliteCandidateColumns+` FROM candidates
		 WHERE discovered_at >= ?
		 ORDER BY score DESC, id ASC`, formatTime(since))
}

// All implements CandidateStore.
func (s *SQLiteStore) All(ctx context.Context) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "all",
		`SELECT `+sqliteCandidateColumns+` FROM candidates ORDER BY id ASC`)
}

// Count implements CandidateStore.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count candidates")
}

// SetScore implements CandidateStore.
func (s *SQLiteStore) SetScore(ctx context.Context, id string, score float64, breakdown map[string]float64) error {
	f, err := encodeFields(model.Candidate{ScoreBreakdown: breakdown})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET score = ?, score_breakdown = ? WHERE id = ?`,
		score, string(f.Breakdown), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set score %s", id)
	}
	return checkRowsAffected(res, "candidate", id)
}

// MarkUnavailable implements CandidateStore.
func (s *SQLiteStore) MarkUnavailable(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET is_available = 0, last_checked = ? WHERE id = ?`,
		formatTime(s.now()), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark unavailable %s", id)
	}
	return checkRowsAffected(res, "candidate", id)
}

func (s *SQLiteStore) queryCandidates(ctx context.Context, op, query string, args ...any) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Candidate
	for rows.Next() {
		c, err := scanSQLiteCandidate(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		out = append(out, *c)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", op)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteCandidate(row scannable) (*model.Candidate, error) {
	var (
		c                         model.Candidate
		id, listingType           string
		bd, why, photos, foundBy  string
		lastChecked, discoveredAt string
		price, sqft, premium      sql.NullFloat64
		bedrooms, tenure          sql.NullInt64
	)
	err := row.Scan(&id, &c.Address, &c.Unit, &listingType, &price, &bedrooms, &sqft,
		&c.Score, &bd, &why, &photos, &c.FloorPlanURL, &c.ListingURL, &foundBy,
		&premium, &tenure, &c.SocialMentions, &c.Available, &lastChecked, &discoveredAt)
	if err != nil {
		return nil, err
	}

	c.ListingType = model.ListingType(listingType)
	c.Price = nullFloat(price)
	c.SqFt = nullFloat(sqft)
	c.PricePremiumPct = nullFloat(premium)
	c.Bedrooms = nullInt(bedrooms)
	c.TenureYears = nullInt(tenure)

	f := jsonFields{Breakdown: []byte(bd), Why: []byte(why), Photos: []byte(photos), FoundBy: []byte(foundBy)}
	if err := f.decodeInto(&c); err != nil {
		return nil, err
	}
	if c.LastChecked, err = parseTime(lastChecked); err != nil {
		return nil, err
	}
	if c.DiscoveredAt, err = parseTime(discoveredAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordRun implements PerformanceTracker.
func (s *SQLiteStore) RecordRun(ctx context.Context, source string, outcome model.RunOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record run")
	}
	defer tx.Rollback() //nolint:errcheck

	var current *model.StrategyPerformance
	p, err := sqliteGetPerformance(ctx, tx, source)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		current = p
	}

	for _, b := range model.Union(outcome.Buildings) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO strategy_buildings (source_name, building) VALUES (?, ?)`,
			source, b); err != nil {
			return eris.Wrapf(err, "sqlite: record building for %s", source)
		}
	}

	next := outcome.Apply(current, source)
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strategy_buildings WHERE source_name = ?`, source,
	).Scan(&next.UniqueBuildings); err != nil {
		return eris.Wrapf(err, "sqlite: count buildings for %s", source)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO strategy_performance (source_name, found_90plus, found_80plus, total_candidates,
			total_photos, unique_buildings, first_run, last_run, runs_count, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_name) DO UPDATE SET
			found_90plus = excluded.found_90plus,
			found_80plus = excluded.found_80plus,
			total_candidates = excluded.total_candidates,
			total_photos = excluded.total_photos,
			unique_buildings = excluded.unique_buildings,
			last_run = excluded.last_run,
			runs_count = excluded.runs_count`,
		next.SourceName, next.Found90Plus, next.Found80Plus, next.TotalCandidates,
		next.TotalPhotos, next.UniqueBuildings, formatTime(next.FirstRun), formatTime(next.LastRun),
		next.RunsCount, next.Active,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save performance for %s", source)
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit record run %s", source)
}

const sqlitePerformanceColumns = `source_name, found_90plus, found_80plus, total_candidates,
	total_photos, unique_buildings, first_run, last_run, runs_count, is_active`

func sqliteGetPerformance(ctx context.Context, conn sqlConn, source string) (*model.StrategyPerformance, error) {
	row := conn.QueryRowContext(ctx,
		`SELECT `+sqlitePerformanceColumns+` FROM strategy_performance WHERE source_name = ?`, source)
	p, err := scanSQLitePerformance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: performance %s", source)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get performance %s", source)
	}
	return p, nil
}

// GetPerformance implements PerformanceTracker.
func (s *SQLiteStore) GetPerformance(ctx context.Context, source string) (*model.StrategyPerformance, error) {
	return sqliteGetPerformance(ctx, s.db, source)
}

// ListPerformance implements PerformanceTracker.
func (s *SQLiteStore) ListPerformance(ctx context.Context) ([]model.StrategyPerformance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePerformanceColumns+` FROM strategy_performance
		 ORDER BY is_active DESC, last_run DESC, source_name ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list performance")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StrategyPerformance
	for rows.Next() {
		p, err := scanSQLitePerformance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan performance")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate performance")
}

// SetActive implements PerformanceTracker.
func (s *SQLiteStore) SetActive(ctx context.Context, source string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategy_performance SET is_active = ? WHERE source_name = ?`, active, source)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set active %s", source)
	}
	return checkRowsAffected(res, "strategy", source)
}

func scanSQLitePerformance(row scannable) (*model.StrategyPerformance, error) {
	var (
		p                 model.StrategyPerformance
		firstRun, lastRun string
	)
	if err := row.Scan(&p.SourceName, &p.Found90Plus, &p.Found80Plus, &p.TotalCandidates,
		&p.TotalPhotos, &p.UniqueBuildings, &firstRun, &lastRun, &p.RunsCount, &p.Active); err != nil {
		return nil, err
	}
	var err error
	if p.FirstRun, err = parseTime(firstRun); err != nil {
		return nil, err
	}
	if p.LastRun, err = parseTime(lastRun); err != nil {
		return nil, err
	}
	return &p, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
