// Package store persists canonical candidates and per-source performance
// counters. SQLite and Postgres backends implement the same interfaces and
// the same upsert-if-better contract.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diamond-finder/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = eris.New("store: not found")

// CandidateStore is the durable table of canonical candidates keyed by identity.
type CandidateStore interface {
	// Upsert inserts a new identity verbatim, or folds c into the stored
	// record with model.ApplyUpsert. The read-modify-write is atomic per key.
	Upsert(ctx context.Context, c model.Candidate) error
	// Top returns available candidates scoring at least minScore, best first,
	// newest first among equal scores.
	Top(ctx context.Context, limit int, minScore float64) ([]model.Candidate, error)
	// Recent returns candidates discovered at or after since, best first.
	Recent(ctx context.Context, since time.Time) ([]model.Candidate, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*model.Candidate, error)
	All(ctx context.Context) ([]model.Candidate, error)
	// SetScore overwrites score and breakdown unconditionally, bypassing the
	// upsert rule. Callers decide whether a lower score may be written; the
	// rescore command only raises scores unless told otherwise.
	SetScore(ctx context.Context, id string, score float64, breakdown map[string]float64) error
	MarkUnavailable(ctx context.Context, id string) error
}

// PerformanceTracker is the durable table of per-source statistics.
type PerformanceTracker interface {
	// RecordRun folds one run's outcome into the source's record, creating it
	// on first use, and adds the outcome's buildings to the source's set.
	RecordRun(ctx context.Context, source string, outcome model.RunOutcome) error
	GetPerformance(ctx context.Context, source string) (*model.StrategyPerformance, error)
	// ListPerformance returns active sources first, then most recently run.
	ListPerformance(ctx context.Context) ([]model.StrategyPerformance, error)
	SetActive(ctx context.Context, source string, active bool) error
}

// Store is a complete persistence backend.
type Store interface {
	CandidateStore
	PerformanceTracker
	Migrate(ctx context.Context) error
	Close() error
}

// prepareInsert fills the fields a first observation is stored with.
func prepareInsert(c model.Candidate, now time.Time) model.Candidate {
	out := c.Clone()
	out.FoundBy = model.Union(c.FoundBy)
	if out.ListingType == "" {
		out.ListingType = model.ListingUnknown
	}
	if out.DiscoveredAt.IsZero() {
		out.DiscoveredAt = now
	}
	out.LastChecked = now
	return out
}
