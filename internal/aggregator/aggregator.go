// Package aggregator runs discovery sources, folds their raw candidates into
// one canonical record per identity, scores each record, and persists the
// results together with per-source performance counters.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/diamond-finder/internal/model"
	"github.com/sells-group/diamond-finder/internal/resilience"
	"github.com/sells-group/diamond-finder/internal/scorer"
	"github.com/sells-group/diamond-finder/internal/source"
	"github.com/sells-group/diamond-finder/internal/store"
)

const defaultConcurrency = 4

// Options tunes an Aggregator. Zero values select defaults.
type Options struct {
	// Concurrency bounds how many sources search at once. Default: 4.
	Concurrency int
	// Retry governs store writes. Only transient errors are retried.
	Retry resilience.RetryConfig
	// NearDuplicateDistance is the largest address edit distance reported as
	// a possible identity collision. 0 disables the check.
	NearDuplicateDistance int
	// Breakers, when set, skips sources whose breaker is open. Keep the same
	// value across runs for the breaker state to mean anything.
	Breakers *resilience.Breakers
	// Registerer receives the run metrics. nil keeps them private.
	Registerer prometheus.Registerer
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Aggregator is the discovery pipeline.
type Aggregator struct {
	engine     *scorer.Engine
	candidates store.CandidateStore
	tracker    store.PerformanceTracker
	validate   *validator.Validate
	opts       Options
	metrics    *metrics
}

// New creates an Aggregator. tracker may be nil, in which case no performance
// is recorded and no source is ever skipped as inactive.
func New(engine *scorer.Engine, candidates store.CandidateStore, tracker store.PerformanceTracker, opts Options) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("aggregator", "persist")
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Aggregator{
		engine:     engine,
		candidates: candidates,
		tracker:    tracker,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		opts:       opts,
		metrics:    newMetrics(reg),
	}
}

// SourceReport describes what one source did during a run.
type SourceReport struct {
	Name     string
	Status   string // ok, failed, inactive or circuit_open
	Raw      int
	Outcome  model.RunOutcome
	Duration time.Duration
	Err      error
}

// NearDuplicate is a pair of distinct identities whose addresses are within
// the configured edit distance for the same unit.
type NearDuplicate struct {
	A, B     string
	Distance int
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Candidates     []model.Candidate
	Sources        []SourceReport
	PersistErrors  int
	TrackErrors    int
	NearDuplicates []NearDuplicate
}

// Failed returns the names of sources that failed or were skipped by an open breaker.
func (r *RunResult) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Status == outcomeFailed || s.Status == outcomeOpen {
			out = append(out, s.Name)
		}
	}
	return out
}

// Skipped returns the names of sources skipped because they are inactive.
func (r *RunResult) Skipped() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Status == outcomeInactive {
			out = append(out, s.Name)
		}
	}
	return out
}

// fetchResult is one source's search output, stored in the slot matching its
// position in the source list.
type fetchResult struct {
	raw      []model.Candidate
	err      error
	status   string
	duration time.Duration
}

// Run invokes every source, merges and scores the results, persists them,
// and returns the distinct candidates sorted by score (identity breaks ties).
// A failing source never aborts the run; the only error returned is the
// caller's context ending before anything was persisted.
func (a *Aggregator) Run(ctx context.Context, sources []source.Source) (*RunResult, error) {
	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID))
	started := a.opts.Now().UTC()

	result := &RunResult{RunID: runID, StartedAt: started}
	log.Info("aggregator: run starting", zap.Int("sources", len(sources)))

	fetched := a.fetchAll(ctx, log, sources)
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "aggregator: run cancelled")
	}

	working, reports := a.mergeAll(log, sources, fetched, started)
	result.Sources = reports
	result.Candidates = sortedCandidates(working)

	result.NearDuplicates = findNearDuplicates(result.Candidates, a.opts.NearDuplicateDistance)
	for _, nd := range result.NearDuplicates {
		a.metrics.nearDuplicates.Inc()
		log.Warn("aggregator: possible identity collision",
			zap.String("a", nd.A),
			zap.String("b", nd.B),
			zap.Int("distance", nd.Distance),
		)
	}

	result.PersistErrors = a.persistCandidates(ctx, log, result.Candidates)
	result.TrackErrors = a.recordPerformance(ctx, log, result.Sources)

	result.FinishedAt = a.opts.Now().UTC()
	a.metrics.runCandidates.Set(float64(len(result.Candidates)))
	a.metrics.runDuration.Observe(result.FinishedAt.Sub(started).Seconds())

	log.Info("aggregator: run complete",
		zap.Int("candidates", len(result.Candidates)),
		zap.Strings("failed", result.Failed()),
		zap.Strings("skipped", result.Skipped()),
		zap.Int("persist_errors", result.PersistErrors),
		zap.Duration("elapsed", result.FinishedAt.Sub(started)),
	)
	return result, nil
}

// fetchAll searches every source with bounded concurrency. Each result lands
// in the slot of its source, so the merge below sees a fixed order no matter
// which search finishes first.
func (a *Aggregator) fetchAll(ctx context.Context, log *zap.Logger, sources []source.Source) []fetchResult {
	results := make([]fetchResult, len(sources))

	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = a.fetch(ctx, log, src)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) fetch(ctx context.Context, log *zap.Logger, src source.Source) fetchResult {
	name := src.Name()
	srcLog := log.With(zap.String("source", name))

	if a.isInactive(ctx, srcLog, name) {
		srcLog.Info("aggregator: source inactive, skipping")
		a.metrics.sourceRuns.WithLabelValues(name, outcomeInactive).Inc()
		return fetchResult{status: outcomeInactive}
	}

	start := time.Now()
	var raw []model.Candidate
	var err error
	if a.opts.Breakers != nil {
		raw, err = resilience.ExecuteVal(ctx, a.opts.Breakers.Get(name), func(ctx context.Context) ([]model.Candidate, error) {
			return a.search(ctx, src)
		})
	} else {
		raw, err = a.search(ctx, src)
	}
	elapsed := time.Since(start)
	a.metrics.sourceDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	switch {
	case eris.Is(err, resilience.ErrCircuitOpen):
		srcLog.Warn("aggregator: source circuit open, skipping")
		a.metrics.sourceRuns.WithLabelValues(name, outcomeOpen).Inc()
		return fetchResult{err: err, status: outcomeOpen, duration: elapsed}
	case err != nil:
		srcLog.Warn("aggregator: source failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		a.metrics.sourceRuns.WithLabelValues(name, outcomeFailed).Inc()
		return fetchResult{err: err, status: outcomeFailed, duration: elapsed}
	}

	srcLog.Info("aggregator: source returned candidates", zap.Int("count", len(raw)), zap.Duration("elapsed", elapsed))
	a.metrics.sourceRuns.WithLabelValues(name, outcomeOK).Inc()
	a.metrics.rawCandidates.WithLabelValues(name).Add(float64(len(raw)))
	return fetchResult{raw: raw, status: outcomeOK, duration: elapsed}
}

// search calls the source, turning a panic into an error and rejecting the
// whole result when any record is malformed.
func (a *Aggregator) search(ctx context.Context, src source.Source) (raw []model.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw = nil
			err = eris.Errorf("aggregator: source %s panicked: %v", src.Name(), r)
		}
	}()

	found, err := src.Search(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregator: search %s", src.Name())
	}
	raw = make([]model.Candidate, len(found))
	for i := range found {
		c := found[i].Clone()
		c.ListingType = model.ParseListingType(string(c.ListingType))
		if err := a.validateCandidate(c); err != nil {
			return nil, eris.Wrapf(err, "aggregator: %s record %d", src.Name(), i)
		}
		raw[i] = c
	}
	return raw, nil
}

func (a *Aggregator) validateCandidate(c model.Candidate) error {
	if strings.TrimSpace(c.Address) == "" {
		return eris.New("address is blank")
	}
	if err := a.validate.Struct(c); err != nil {
		return eris.Wrap(err, "invalid candidate")
	}
	return nil
}

func (a *Aggregator) isInactive(ctx context.Context, log *zap.Logger, name string) bool {
	if a.tracker == nil {
		return false
	}
	perf, err := a.tracker.GetPerformance(ctx, name)
	if eris.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Warn("aggregator: could not read source status, running it anyway", zap.Error(err))
		return false
	}
	return perf != nil && !perf.Active
}

// mergeAll folds every raw candidate into the working set, one at a time, in
// source order. Each raw candidate is scored standalone and counted against
// its source's thresholds; when it lands on an identity already in the set,
// the merged record is re-scored and counted again.
func (a *Aggregator) mergeAll(log *zap.Logger, sources []source.Source, fetched []fetchResult, now time.Time) (map[string]*model.Candidate, []SourceReport) {
	working := make(map[string]*model.Candidate)
	reports := make([]SourceReport, len(sources))

	for i, src := range sources {
		fr := fetched[i]
		reports[i] = SourceReport{
			Name:     src.Name(),
			Status:   fr.status,
			Raw:      len(fr.raw),
			Duration: fr.duration,
			Err:      fr.err,
		}
		if fr.status != outcomeOK {
			continue
		}

		outcome := model.RunOutcome{RanAt: now}
		buildings := make(map[string]struct{})
		for _, raw := range fr.raw {
			c := observe(raw, src.Name(), now)
			a.engine.Apply(&c)

			outcome.Candidates++
			outcome.Photos += len(raw.Photos)
			outcome.CountScore(c.Score)
			buildings[c.Building()] = struct{}{}

			id := c.ID()
			existing, ok := working[id]
			if !ok {
				working[id] = &c
				continue
			}
			merged := model.Merge(*existing, c)
			a.engine.Apply(&merged)
			outcome.CountScore(merged.Score)
			working[id] = &merged
			a.metrics.merges.Inc()
		}

		outcome.Buildings = make([]string, 0, len(buildings))
		for b := range buildings {
			outcome.Buildings = append(outcome.Buildings, b)
		}
		sort.Strings(outcome.Buildings)
		reports[i].Outcome = outcome

		log.Debug("aggregator: merged source",
			zap.String("source", src.Name()),
			zap.Int("candidates", outcome.Candidates),
			zap.Int("hits_80", outcome.Hits80),
			zap.Int("hits_90", outcome.Hits90),
		)
	}
	return working, reports
}

// observe turns a raw record into a run-local candidate attributed to one source.
func observe(raw model.Candidate, sourceName string, now time.Time) model.Candidate {
	c := raw.Clone()
	c.WhySpecial = model.Union(raw.WhySpecial)
	c.Photos = model.Union(raw.Photos)
	c.FoundBy = []string{sourceName}
	c.Available = true
	c.DiscoveredAt = now
	c.LastChecked = now
	c.Score = 0
	c.ScoreBreakdown = nil
	return c
}

func sortedCandidates(working map[string]*model.Candidate) []model.Candidate {
	out := make([]model.Candidate, 0, len(working))
	for _, c := range working {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// persistCandidates upserts each candidate on its own. A failed write is
// logged and counted; it never stops the remaining writes.
func (a *Aggregator) persistCandidates(ctx context.Context, log *zap.Logger, candidates []model.Candidate) int {
	if a.candidates == nil {
		return 0
	}
	var failures int
	for _, c := range candidates {
		err := resilience.Do(ctx, a.opts.Retry, func(ctx context.Context) error {
			return a.candidates.Upsert(ctx, c)
		})
		if err != nil {
			failures++
			a.metrics.persistErrors.WithLabelValues("candidate").Inc()
			log.Error("aggregator: persist candidate failed",
				zap.String("identity", c.ID()),
				zap.Float64("score", c.Score),
				zap.Error(err),
			)
		}
	}
	return failures
}

// recordPerformance folds each successful source's outcome into its record.
// Failed, inactive and circuit-open sources are left untouched.
func (a *Aggregator) recordPerformance(ctx context.Context, log *zap.Logger, reports []SourceReport) int {
	if a.tracker == nil {
		return 0
	}
	var failures int
	for _, r := range reports {
		if r.Status != outcomeOK {
			continue
		}
		err := resilience.Do(ctx, a.opts.Retry, func(ctx context.Context) error {
			return a.tracker.RecordRun(ctx, r.Name, r.Outcome)
		})
		if err != nil {
			failures++
			a.metrics.persistErrors.WithLabelValues("performance").Inc()
			log.Error("aggregator: record performance failed", zap.String("source", r.Name), zap.Error(err))
		}
	}
	return failures
}

// findNearDuplicates reports identities that share a unit and whose addresses
// differ by at most maxDistance edits. These usually mean two spellings of one
// building, which the identity key cannot reconcile on its own.
func findNearDuplicates(candidates []model.Candidate, maxDistance int) []NearDuplicate {
	if maxDistance <= 0 {
		return nil
	}

	byUnit := make(map[string][]string)
	for _, c := range candidates {
		addr, unit := model.SplitIdentity(c.ID())
		byUnit[unit] = append(byUnit[unit], addr)
	}

	units := make([]string, 0, len(byUnit))
	for u := range byUnit {
		units = append(units, u)
	}
	sort.Strings(units)

	var out []NearDuplicate
	for _, unit := range units {
		addrs := byUnit[unit]
		sort.Strings(addrs)
		for i := 0; i < len(addrs); i++ {
			for j := i + 1; j < len(addrs); j++ {
				if abs(len(addrs[i])-len(addrs[j])) > maxDistance {
					continue
				}
				d := levenshtein.ComputeDistance(addrs[i], addrs[j])
				if d > 0 && d <= maxDistance {
					out = append(out, NearDuplicate{
						A:        model.Identity(addrs[i], unit),
						B:        model.Identity(addrs[j], unit),
						Distance: d,
					})
				}
			}
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// String renders a near-duplicate pair for logs and CLI output.
func (n NearDuplicate) String() string {
	return fmt.Sprintf("%s ~ %s (distance %d)", n.A, n.B, n.Distance)
}
