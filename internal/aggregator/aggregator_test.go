package aggregator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diamond-finder/internal/model"
	"github.com/sells-group/diamond-finder/internal/resilience"
	"github.com/sells-group/diamond-finder/internal/scorer"
	"github.com/sells-group/diamond-finder/internal/source"
	"github.com/sells-group/diamond-finder/internal/store"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

// gem scores 90.4: tenure 30, social 25, photos 0.4, outdoor 15, maintenance 20.
func gem() model.Candidate {
	return model.Candidate{
		Address:        "10 Main St",
		Unit:           "2A",
		TenureYears:    intPtr(45),
		SocialMentions: 10,
		WhySpecial:     []string{"zero hpd violations", "private terrace"},
		Photos:         []string{"p1", "p2"},
	}
}

func quietUnit() model.Candidate {
	return model.Candidate{Address: "10 main st", Unit: "2a", WhySpecial: []string{"quiet"}, SocialMentions: 2}
}

func cornerUnit() model.Candidate {
	return model.Candidate{Address: "10  Main St", Unit: "2A", WhySpecial: []string{"corner"}, SocialMentions: 5}
}

func sourceReturning(name string, cands ...model.Candidate) *mockSource {
	m := newMockSource(name)
	m.On("Search", mock.Anything).Return(cands, nil)
	return m
}

func failingSource(name string, err error) *mockSource {
	m := newMockSource(name)
	m.On("Search", mock.Anything).Return(nil, err)
	return m
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "diamonds.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T) *scorer.Engine {
	t.Helper()
	e, err := scorer.NewDefault()
	require.NoError(t, err)
	return e
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func sources(s ...source.Source) []source.Source { return s }

func findByID(t *testing.T, cands []model.Candidate, id string) model.Candidate {
	t.Helper()
	for _, c := range cands {
		if c.ID() == id {
			return c
		}
	}
	t.Fatalf("candidate %q not in result", id)
	return model.Candidate{}
}

func TestRun_BasicMerge(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{})

	res, err := agg.Run(context.Background(), sources(
		sourceReturning("x", quietUnit()),
		sourceReturning("y", cornerUnit()),
	))
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.Equal(t, []string{"corner", "quiet"}, c.WhySpecial)
	assert.Equal(t, []string{"x", "y"}, c.FoundBy)
	assert.Equal(t, 5, c.SocialMentions)
	assert.Equal(t, map[string]float64{
		"light_quality": 5,
		"quiet":         5,
		"social_proof":  18,
		"consensus":     4,
	}, c.ScoreBreakdown)
	assert.Equal(t, 32.0, c.Score)
	assert.True(t, c.Available)
	assert.Empty(t, res.Failed())
	assert.NotEmpty(t, res.RunID)
}

func TestRun_MergeIsOrderIndependent(t *testing.T) {
	engine := newTestEngine(t)

	forward, err := New(engine, nil, nil, Options{}).Run(context.Background(), sources(
		sourceReturning("x", gem()),
		sourceReturning("y", quietUnit(), cornerUnit()),
	))
	require.NoError(t, err)

	backward, err := New(engine, nil, nil, Options{}).Run(context.Background(), sources(
		sourceReturning("y", cornerUnit(), quietUnit()),
		sourceReturning("x", gem()),
	))
	require.NoError(t, err)

	require.Len(t, forward.Candidates, 1)
	require.Len(t, backward.Candidates, 1)
	f, b := forward.Candidates[0], backward.Candidates[0]
	assert.Equal(t, f.WhySpecial, b.WhySpecial)
	assert.Equal(t, f.Photos, b.Photos)
	assert.Equal(t, f.FoundBy, b.FoundBy)
	assert.Equal(t, f.SocialMentions, b.SocialMentions)
	assert.Equal(t, f.Score, b.Score)
	assert.Equal(t, f.ScoreBreakdown, b.ScoreBreakdown)
}

func TestRun_SortsByScoreThenIdentity(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{})

	b := model.Candidate{Address: "B St", WhySpecial: []string{"quiet"}}
	a := model.Candidate{Address: "A St", WhySpecial: []string{"quiet"}}
	res, err := agg.Run(context.Background(), sources(sourceReturning("x", b, gem(), a)))
	require.NoError(t, err)

	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "10 Main St", res.Candidates[0].Address)
	assert.Equal(t, "A St", res.Candidates[1].Address)
	assert.Equal(t, "B St", res.Candidates[2].Address)
}

func TestRun_SourceFailureIsolation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.RecordRun(ctx, "z", model.RunOutcome{Candidates: 1, RanAt: time.Now().UTC()}))

	agg := New(newTestEngine(t), st, st, Options{Retry: fastRetry()})
	z := failingSource("z", errors.New("connection refused"))

	res, err := agg.Run(ctx, sources(
		sourceReturning("x", gem()),
		z,
		sourceReturning("y", model.Candidate{Address: "5 Oak Ave", Unit: "1", WhySpecial: []string{"quiet"}}),
	))
	require.NoError(t, err)

	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, []string{"z"}, res.Failed())
	assert.Error(t, res.Sources[1].Err)

	zPerf, err := st.GetPerformance(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, 1, zPerf.RunsCount)
	assert.Equal(t, 1, zPerf.TotalCandidates)

	xPerf, err := st.GetPerformance(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, xPerf.RunsCount)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 1.0, testutil.ToFloat64(agg.metrics.sourceRuns.WithLabelValues("z", outcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(agg.metrics.sourceRuns.WithLabelValues("x", outcomeOK)))
}

func TestRun_PanickingSourceIsRecovered(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{})

	res, err := agg.Run(context.Background(), sources(
		panicSource{name: "boom"},
		sourceReturning("x", gem()),
	))
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
	assert.Equal(t, []string{"boom"}, res.Failed())
	assert.Contains(t, res.Sources[0].Err.Error(), "panicked")
}

func TestRun_MalformedRecordFailsSource(t *testing.T) {
	tests := []struct {
		name string
		bad  model.Candidate
	}{
		{"blank address", model.Candidate{Address: "   ", Unit: "1"}},
		{"negative price", model.Candidate{Address: "1 Elm St", Price: floatPtr(-5)}},
		{"negative bedrooms", model.Candidate{Address: "1 Elm St", Bedrooms: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(newTestEngine(t), nil, nil, Options{})
			res, err := agg.Run(context.Background(), sources(
				sourceReturning("bad", gem(), tt.bad),
				sourceReturning("good", quietUnit()),
			))
			require.NoError(t, err)
			assert.Equal(t, []string{"bad"}, res.Failed())
			require.Len(t, res.Candidates, 1)
			assert.Equal(t, []string{"good"}, res.Candidates[0].FoundBy)
		})
	}
}

func TestRun_ListingTypeNormalized(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{})
	res, err := agg.Run(context.Background(), sources(
		sourceReturning("x",
			model.Candidate{Address: "1 Elm St", ListingType: "For Rent"},
			model.Candidate{Address: "2 Elm St"},
		),
	))
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, model.ListingRental, findByID(t, res.Candidates, model.Identity("1 Elm St", "")).ListingType)
	assert.Equal(t, model.ListingUnknown, findByID(t, res.Candidates, model.Identity("2 Elm St", "")).ListingType)
}

func TestRun_RecountsMergedScores(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	agg := New(newTestEngine(t), st, st, Options{Retry: fastRetry()})

	// The same unit twice from one source: two standalone 90+ events plus
	// one for the merged re-score.
	_, err := agg.Run(ctx, sources(sourceReturning("x", gem(), gem())))
	require.NoError(t, err)

	perf, err := st.GetPerformance(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, perf.TotalCandidates)
	assert.Equal(t, 3, perf.Found90Plus)
	assert.Equal(t, 3, perf.Found80Plus)
	assert.Equal(t, 4, perf.TotalPhotos)
	assert.Equal(t, 1, perf.UniqueBuildings)
	assert.Equal(t, 1, perf.RunsCount)
	assert.True(t, perf.Active)
}

func TestRun_CrossSourceMergeCountsForLaterSource(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{})

	res, err := agg.Run(context.Background(), sources(
		sourceReturning("x", gem()),
		sourceReturning("y", quietUnit()),
	))
	require.NoError(t, err)

	x, y := res.Sources[0].Outcome, res.Sources[1].Outcome
	assert.Equal(t, 1, x.Hits90)
	// quiet alone scores 15; merged with the gem it scores 99.4
	assert.Equal(t, 1, y.Hits90)
	assert.Equal(t, 1, y.Hits80)
	assert.Equal(t, []string{"10 main st"}, y.Buildings)

	require.Len(t, res.Candidates, 1)
	assert.InDelta(t, 99.4, res.Candidates[0].Score, 1e-9)
}

func TestRun_NonRegressionAcrossRuns(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	engine := newTestEngine(t)
	id := model.Identity("10 Main St", "2A")

	_, err := New(engine, st, st, Options{Retry: fastRetry()}).Run(ctx, sources(sourceReturning("x", gem())))
	require.NoError(t, err)
	first, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.InDelta(t, 90.4, first.Score, 1e-9)

	time.Sleep(2 * time.Millisecond)
	res, err := New(engine, st, st, Options{Retry: fastRetry()}).Run(ctx, sources(sourceReturning("y", quietUnit())))
	require.NoError(t, err)
	assert.Equal(t, 15.0, res.Candidates[0].Score)

	second, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 90.4, second.Score, 1e-9)
	assert.Equal(t, first.ScoreBreakdown, second.ScoreBreakdown)
	assert.Equal(t, first.WhySpecial, second.WhySpecial)
	assert.Equal(t, []string{"x", "y"}, second.FoundBy)
	assert.True(t, second.LastChecked.After(first.LastChecked))
	assert.True(t, second.DiscoveredAt.Equal(first.DiscoveredAt))
}

func TestRun_RepeatedRunIsIdempotentOnEvidence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	agg := New(newTestEngine(t), st, st, Options{Retry: fastRetry()})
	src := sourceReturning("x", gem())

	_, err := agg.Run(ctx, sources(src))
	require.NoError(t, err)
	_, err = agg.Run(ctx, sources(src))
	require.NoError(t, err)

	stored, err := st.Get(ctx, model.Identity("10 Main St", "2A"))
	require.NoError(t, err)
	assert.Equal(t, []string{"private terrace", "zero hpd violations"}, stored.WhySpecial)
	assert.Equal(t, []string{"p1", "p2"}, stored.Photos)

	perf, err := st.GetPerformance(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, perf.RunsCount)
	assert.Equal(t, 2, perf.Found90Plus)
	assert.Equal(t, 1, perf.UniqueBuildings)
}

func TestRun_InactiveSourceSkipped(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.RecordRun(ctx, "x", model.RunOutcome{RanAt: time.Now().UTC()}))
	require.NoError(t, st.SetActive(ctx, "x", false))

	x := newMockSource("x")
	agg := New(newTestEngine(t), st, st, Options{Retry: fastRetry()})
	res, err := agg.Run(ctx, sources(x, sourceReturning("y", quietUnit())))
	require.NoError(t, err)

	x.AssertNotCalled(t, "Search", mock.Anything)
	assert.Equal(t, []string{"x"}, res.Skipped())
	assert.Empty(t, res.Failed())

	perf, err := st.GetPerformance(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.RunsCount)
}

func TestRun_CircuitBreakerSkipsRepeatedFailures(t *testing.T) {
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	agg := New(newTestEngine(t), nil, nil, Options{Breakers: breakers})
	flaky := failingSource("flaky", errors.New("upstream down"))

	for range 3 {
		_, err := agg.Run(context.Background(), sources(flaky))
		require.NoError(t, err)
	}

	flaky.AssertNumberOfCalls(t, "Search", 2)
	assert.Equal(t, resilience.CircuitOpen, breakers.Get("flaky").State())

	res, err := agg.Run(context.Background(), sources(flaky, sourceReturning("ok", gem())))
	require.NoError(t, err)
	assert.Equal(t, outcomeOpen, res.Sources[0].Status)
	assert.Equal(t, []string{"flaky"}, res.Failed())
	assert.Len(t, res.Candidates, 1)
}

func TestRun_PersistFailureIsIsolated(t *testing.T) {
	cs := &mockCandidateStore{}
	cs.On("Upsert", mock.Anything, mock.MatchedBy(func(c model.Candidate) bool {
		return c.Address == "13 Broken Pl"
	})).Return(errors.New("constraint violation"))
	cs.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	agg := New(newTestEngine(t), cs, nil, Options{Retry: fastRetry()})
	res, err := agg.Run(context.Background(), sources(sourceReturning("x",
		gem(),
		model.Candidate{Address: "13 Broken Pl", WhySpecial: []string{"quiet"}},
		model.Candidate{Address: "7 Fine Ct", WhySpecial: []string{"quiet"}},
	)))
	require.NoError(t, err)

	assert.Equal(t, 1, res.PersistErrors)
	assert.Len(t, res.Candidates, 3)
	cs.AssertNumberOfCalls(t, "Upsert", 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(agg.metrics.persistErrors.WithLabelValues("candidate")))
}

func TestRun_TransientPersistErrorIsRetried(t *testing.T) {
	cs := &mockCandidateStore{}
	cs.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("database is locked")).Once()
	cs.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	agg := New(newTestEngine(t), cs, nil, Options{Retry: fastRetry()})
	res, err := agg.Run(context.Background(), sources(sourceReturning("x", gem())))
	require.NoError(t, err)

	assert.Equal(t, 0, res.PersistErrors)
	cs.AssertNumberOfCalls(t, "Upsert", 2)
}

func TestRun_ConcurrentSourcesMergeDeterministically(t *testing.T) {
	var srcs []source.Source
	for i := range 8 {
		srcs = append(srcs, sourceReturning(fmt.Sprintf("s%d", i),
			model.Candidate{Address: fmt.Sprintf("%d Own St", i), WhySpecial: []string{"quiet"}},
			model.Candidate{Address: "1 Shared Plaza", Unit: "PH", WhySpecial: []string{fmt.Sprintf("reason %d", i)}},
		))
	}

	agg := New(newTestEngine(t), nil, nil, Options{Concurrency: 3})
	res, err := agg.Run(context.Background(), srcs)
	require.NoError(t, err)
	require.Len(t, res.Candidates, 9)

	shared := findByID(t, res.Candidates, model.Identity("1 Shared Plaza", "PH"))
	assert.Len(t, shared.FoundBy, 8)
	assert.Len(t, shared.WhySpecial, 8)
	assert.Equal(t, 10.0, shared.ScoreBreakdown["consensus"])

	for i, r := range res.Sources {
		assert.Equal(t, fmt.Sprintf("s%d", i), r.Name)
		assert.Equal(t, 2, r.Outcome.Candidates)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs := &mockCandidateStore{}
	agg := New(newTestEngine(t), cs, nil, Options{})
	_, err := agg.Run(ctx, sources(failingSource("x", context.Canceled)))
	assert.Error(t, err)
	cs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestRun_NearDuplicateIdentities(t *testing.T) {
	agg := New(newTestEngine(t), nil, nil, Options{NearDuplicateDistance: 2})
	res, err := agg.Run(context.Background(), sources(sourceReturning("x",
		model.Candidate{Address: "10 Main St", Unit: "1A"},
		model.Candidate{Address: "10 Mian St", Unit: "1A"},
		model.Candidate{Address: "10 Main St", Unit: "2B"},
		model.Candidate{Address: "99 Far Away Blvd", Unit: "1A"},
	)))
	require.NoError(t, err)

	require.Len(t, res.NearDuplicates, 1)
	nd := res.NearDuplicates[0]
	assert.Equal(t, model.Identity("10 Main St", "1A"), nd.A)
	assert.Equal(t, model.Identity("10 Mian St", "1A"), nd.B)
	assert.Equal(t, 2, nd.Distance)
	assert.Contains(t, nd.String(), "distance 2")
}

func TestFindNearDuplicates_Disabled(t *testing.T) {
	cands := []model.Candidate{{Address: "10 Main St"}, {Address: "10 Main Sq"}}
	assert.Nil(t, findNearDuplicates(cands, 0))
	assert.Len(t, findNearDuplicates(cands, 2), 1)
}
