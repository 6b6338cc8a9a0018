package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/diamond-finder/internal/db"
	"github.com/sells-group/diamond-finder/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS candidates (
	id                TEXT PRIMARY KEY,
	address           TEXT NOT NULL,
	unit              TEXT NOT NULL DEFAULT '',
	listing_type      TEXT NOT NULL DEFAULT 'unknown',
	price             DOUBLE PRECISION,
	bedrooms          INTEGER,
	sqft              DOUBLE PRECISION,
	score             DOUBLE PRECISION NOT NULL DEFAULT 0,
	score_breakdown   JSONB NOT NULL DEFAULT '{}',
	why_special       JSONB NOT NULL DEFAULT '[]',
	photos            JSONB NOT NULL DEFAULT '[]',
	floor_plan_url    TEXT NOT NULL DEFAULT '',
	listing_url       TEXT NOT NULL DEFAULT '',
	found_by          JSONB NOT NULL DEFAULT '[]',
	price_premium_pct DOUBLE PRECISION,
	tenure_years      INTEGER,
	social_mentions   INTEGER NOT NULL DEFAULT 0,
	is_available      BOOLEAN NOT NULL DEFAULT TRUE,
	last_checked      TIMESTAMPTZ NOT NULL DEFAULT now(),
	discovered_at     TIMESTAMPTZ NOT NULL DEFAULT now()
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
	first_run        TIMESTAMPTZ NOT NULL,
	last_run         TIMESTAMPTZ NOT NULL,
	runs_count       INTEGER NOT NULL DEFAULT 0,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS strategy_buildings (
	source_name TEXT NOT NULL,
	building    TEXT NOT NULL,
	PRIMARY KEY (source_name, building)
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when the store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgCandidateColumns = `id, address, unit, listing_type, price, bedrooms, sqft,
	score, score_breakdown, why_special, photos, floor_plan_url, listing_url, found_by,
	price_premium_pct, tenure_years, social_mentions, is_available, last_checked, discovered_at`

// Upsert implements CandidateStore. A plain insert claims new identities;
// when the key already exists the row is locked with FOR UPDATE, folded
// with model.ApplyUpsert and rewritten in the same transaction, so two
// concurrent runs cannot lose each other's provenance or regress the score.
func (s *PostgresStore) Upsert(ctx context.Context, c model.Candidate) error {
	id := c.ID()
	now := s.now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ins := prepareInsert(c, now)
	f, err := encodeFields(ins)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO candidates (`+pgCandidateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (id) DO NOTHING`,
		id, ins.Address, ins.Unit, string(ins.ListingType), ins.Price, ins.Bedrooms, ins.SqFt,
		ins.Score, string(f.Breakdown), string(f.Why), string(f.Photos), ins.FloorPlanURL, ins.ListingURL, string(f.FoundBy),
		ins.PricePremiumPct, ins.TenureYears, ins.SocialMentions, ins.Available, ins.LastChecked, ins.DiscoveredAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert candidate %s", id)
	}

	if tag.RowsAffected() == 0 {
		row := tx.QueryRow(ctx, `SELECT `+pgCandidateColumns+` FROM candidates WHERE id = $1 FOR UPDATE`, id)
		stored, err := scanPgCandidate(row)
		if err != nil {
			return eris.Wrapf(err, "postgres: lock candidate %s", id)
		}

		merged := model.ApplyUpsert(*stored, c, now)
		mf, err := encodeFields(merged)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE candidates SET listing_type = $1, price = $2, bedrooms = $3, sqft = $4,
			 score = $5, score_breakdown = $6, why_special = $7, photos = $8,
			 floor_plan_url = $9, listing_url = $10, found_by = $11,
			 price_premium_pct = $12, tenure_years = $13, social_mentions = $14,
			 is_available = $15, last_checked = $16
			 WHERE id = $17`,
			string(merged.ListingType), merged.Price, merged.Bedrooms, merged.SqFt,
			merged.Score, string(mf.Breakdown), string(mf.Why), string(mf.Photos),
			merged.FloorPlanURL, merged.ListingURL, string(mf.FoundBy),
			merged.PricePremiumPct, merged.TenureYears, merged.SocialMentions,
			merged.Available, merged.LastChecked, id,
		); err != nil {
			return eris.Wrapf(err, "postgres: update candidate %s", id)
		}
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit upsert %s", id)
}

// Get implements CandidateStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Candidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgCandidateColumns+` FROM candidates WHERE id = $1`, id)
	c, err := scanPgCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: candidate %s", id)
	}
	return c, eris.Wrapf(err, "postgres: get candidate %s", id)
}

// Top implements CandidateStore.
func (s *PostgresStore) Top(ctx context.Context, limit int, minScore float64) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "top",
		`SELECT `+pgCandidateColumns+` FROM candidates
		 WHERE is_available AND score >= $1
		 ORDER BY score DESC, discovered_at DESC, id ASC
		 LIMIT $2`, minScore, limit)
}

// Recent implements CandidateStore.
func (s *PostgresStore) Recent(ctx context.Context, since time.Time) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "recent",
		`SELECT `+pgCandidateColumns+` FROM candidates
		 WHERE discovered_at >= $1
		 ORDER BY score DESC, id ASC`, since)
}

// All implements CandidateStore.
func (s *PostgresStore) All(ctx context.Context) ([]model.Candidate, error) {
	return s.queryCandidates(ctx, "all", `SELECT `+pgCandidateColumns+` FROM candidates ORDER BY id ASC`)
}

// Count implements CandidateStore.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM candidates`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count candidates")
}

// SetScore implements CandidateStore.
func (s *PostgresStore) SetScore(ctx context.Context, id string, score float64, breakdown map[string]float64) error {
	f, err := encodeFields(model.Candidate{ScoreBreakdown: breakdown})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET score = $1, score_breakdown = $2 WHERE id = $3`,
		score, string(f.Breakdown), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set score %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "candidate %s", id)
	}
	return nil
}

// MarkUnavailable implements CandidateStore.
func (s *PostgresStore) MarkUnavailable(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET is_available = FALSE, last_checked = $1 WHERE id = $2`,
		s.now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark unavailable %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "candidate %s", id)
	}
	return nil
}

func (s *PostgresStore) queryCandidates(ctx context.Context, op, query string, args ...any) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", op)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := scanPgCandidate(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		out = append(out, *c)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: iterate %s", op)
}

func scanPgCandidate(row pgx.Row) (*model.Candidate, error) {
	var (
		c           model.Candidate
		id          string
		listingType string
		f           jsonFields
	)
	err := row.Scan(&id, &c.Address, &c.Unit, &listingType, &c.Price, &c.Bedrooms, &c.SqFt,
		&c.Score, &f.Breakdown, &f.Why, &f.Photos, &c.FloorPlanURL, &c.ListingURL, &f.FoundBy,
		&c.PricePremiumPct, &c.TenureYears, &c.SocialMentions, &c.Available, &c.LastChecked, &c.DiscoveredAt)
	if err != nil {
		return nil, err
	}
	c.ListingType = model.ListingType(listingType)
	if err := f.decodeInto(&c); err != nil {
		return nil, err
	}
	c.LastChecked = c.LastChecked.UTC()
	c.DiscoveredAt = c.DiscoveredAt.UTC()
	return &c, nil
}

const pgPerformanceColumns = `source_name, found_90plus, found_80plus, total_candidates,
	total_photos, unique_buildings, first_run, last_run, runs_count, is_active`

// RecordRun implements PerformanceTracker. The source's row is locked for
// the read-modify-write; buildings go through db.BulkUpsert in DoNothing
// mode so the distinct-building set only ever grows.
func (s *PostgresStore) RecordRun(ctx context.Context, source string, outcome model.RunOutcome) error {
	if buildings := model.Union(outcome.Buildings); len(buildings) > 0 {
		rows := make([][]any, len(buildings))
		for i, b := range buildings {
			rows[i] = []any{source, b}
		}
		if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
			Table:        "strategy_buildings",
			Columns:      []string{"source_name", "building"},
			ConflictKeys: []string{"source_name", "building"},
			Mode:         db.DoNothing,
		}, rows); err != nil {
			return eris.Wrapf(err, "postgres: record buildings for %s", source)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current *model.StrategyPerformance
	p, err := scanPgPerformance(tx.QueryRow(ctx,
		`SELECT `+pgPerformanceColumns+` FROM strategy_performance WHERE source_name = $1 FOR UPDATE`, source))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return eris.Wrapf(err, "postgres: lock performance %s", source)
	default:
		current = p
	}

	next := outcome.Apply(current, source)
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM strategy_buildings WHERE source_name = $1`, source,
	).Scan(&next.UniqueBuildings); err != nil {
		return eris.Wrapf(err, "postgres: count buildings for %s", source)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategy_performance (`+pgPerformanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (source_name) DO UPDATE SET
			found_90plus = EXCLUDED.found_90plus,
			found_80plus = EXCLUDED.found_80plus,
			total_candidates = EXCLUDED.total_candidates,
			total_photos = EXCLUDED.total_photos,
			unique_buildings = EXCLUDED.unique_buildings,
			last_run = EXCLUDED.last_run,
			runs_count = EXCLUDED.runs_count`,
		next.SourceName, next.Found90Plus, next.Found80Plus, next.TotalCandidates,
		next.TotalPhotos, next.UniqueBuildings, next.FirstRun, next.LastRun, next.RunsCount, next.Active,
	); err != nil {
		return eris.Wrapf(err, "postgres: save performance for %s", source)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit record run %s", source)
}

// GetPerformance implements PerformanceTracker.
func (s *PostgresStore) GetPerformance(ctx context.Context, source string) (*model.StrategyPerformance, error) {
	p, err := scanPgPerformance(s.pool.QueryRow(ctx,
		`SELECT `+pgPerformanceColumns+` FROM strategy_performance WHERE source_name = $1`, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: performance %s", source)
	}
	return p, eris.Wrapf(err, "postgres: get performance %s", source)
}

// ListPerformance implements PerformanceTracker.
func (s *PostgresStore) ListPerformance(ctx context.Context) ([]model.StrategyPerformance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPerformanceColumns+` FROM strategy_performance
		 ORDER BY is_active DESC, last_run DESC, source_name ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list performance")
	}
	defer rows.Close()

	var out []model.StrategyPerformance
	for rows.Next() {
		p, err := scanPgPerformance(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan performance")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate performance")
}

// SetActive implements PerformanceTracker.
func (s *PostgresStore) SetActive(ctx context.Context, source string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_performance SET is_active = $1 WHERE source_name = $2`, active, source)
	if err != nil {
		return eris.Wrapf(err, "postgres: set active %s", source)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "strategy %s", source)
	}
	return nil
}

func scanPgPerformance(row pgx.Row) (*model.StrategyPerformance, error) {
	var p model.StrategyPerformance
	if err := row.Scan(&p.SourceName, &p.Found90Plus, &p.Found80Plus, &p.TotalCandidates,
		&p.TotalPhotos, &p.UniqueBuildings, &p.FirstRun, &p.LastRun, &p.RunsCount, &p.Active); err != nil {
		return nil, err
	}
	p.FirstRun = p.FirstRun.UTC()
	p.LastRun = p.LastRun.UTC()
	return &p, nil
}
