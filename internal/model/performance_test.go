package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrategyPerformance_DerivedMetrics(t *testing.T) {
	p := StrategyPerformance{
		TotalCandidates: 20,
		Found90Plus:     5,
		Found80Plus:     10,
		UniqueBuildings: 4,
		TotalPhotos:     50,
	}

	assert.InDelta(t, 0.25, p.Precision(), 1e-9)
	assert.InDelta(t, 0.4, p.Diversity(), 1e-9)
	assert.InDelta(t, 5.0, p.Richness(), 1e-9)
	assert.InDelta(t, 0.25*0.4+0.4*0.3+0.5*0.3, p.Effectiveness(), 1e-9)
}

func TestStrategyPerformance_ZeroDenominators(t *testing.T) {
	var p StrategyPerformance
	assert.Zero(t, p.Precision())
	assert.Zero(t, p.Diversity())
	assert.Zero(t, p.Richness())
	assert.Zero(t, p.Effectiveness())
}

func TestStrategyPerformance_RichnessSaturates(t *testing.T) {
	p := StrategyPerformance{Found80Plus: 1, TotalPhotos: 500}
	assert.InDelta(t, 0.3, p.Effectiveness(), 1e-9)
}

func TestRunOutcome_CountScore(t *testing.T) {
	var o RunOutcome
	o.CountScore(95)
	o.CountScore(85)
	o.CountScore(80)
	o.CountScore(79.9)
	assert.Equal(t, 1, o.Hits90)
	assert.Equal(t, 3, o.Hits80)
}

func TestRunOutcome_ApplyNewAndExisting(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	first := RunOutcome{Candidates: 3, Photos: 7, Hits90: 1, Hits80: 2, RanAt: t1}.Apply(nil, "alpha")
	assert.Equal(t, "alpha", first.SourceName)
	assert.Equal(t, t1, first.FirstRun)
	assert.Equal(t, t1, first.LastRun)
	assert.Equal(t, 1, first.RunsCount)
	assert.True(t, first.Active)

	first.Active = false
	second := RunOutcome{Candidates: 2, Photos: 1, Hits80: 1, RanAt: t2}.Apply(&first, "alpha")
	assert.Equal(t, t1, second.FirstRun)
	assert.Equal(t, t2, second.LastRun)
	assert.Equal(t, 2, second.RunsCount)
	assert.Equal(t, 5, second.TotalCandidates)
	assert.Equal(t, 8, second.TotalPhotos)
	assert.Equal(t, 1, second.Found90Plus)
	assert.Equal(t, 3, second.Found80Plus)
	assert.False(t, second.Active)
}

func TestDayCutoff(t *testing.T) {
	now := time.Date(2026, 10, 16, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), DayCutoff(now, 1))
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), DayCutoff(now, 0))
	assert.Equal(t, time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC), DayCutoff(now, 7))
}

func TestRankByEffectiveness(t *testing.T) {
	perfs := []StrategyPerformance{
		{SourceName: "idle", Active: true},
		{SourceName: "strong", TotalCandidates: 10, Found90Plus: 5, Found80Plus: 5, UniqueBuildings: 5, TotalPhotos: 50, Active: true},
		{SourceName: "off", Active: false},
		{SourceName: "also-idle", Active: true},
	}

	RankByEffectiveness(perfs)

	names := make([]string, len(perfs))
	for i, p := range perfs {
		names[i] = p.SourceName
	}
	assert.Equal(t, []string{"strong", "also-idle", "idle", "off"}, names)
}
