package model

import (
	"math"
	"sort"
	"time"
)

// Score thresholds tracked per source.
const (
	ThresholdExceptional = 90.0
	ThresholdStrong      = 80.0
)

// StrategyPerformance holds the cumulative counters for one source.
// Precision, Diversity, Richness and Effectiveness are derived on read.
type StrategyPerformance struct {
	SourceName      string    `json:"strategy_name"`
	Found90Plus     int       `json:"diamonds_found_90plus"`
	Found80Plus     int       `json:"diamonds_found_80plus"`
	TotalCandidates int       `json:"total_candidates"`
	TotalPhotos     int       `json:"total_photos_found"`
	UniqueBuildings int       `json:"unique_buildings"`
	FirstRun        time.Time `json:"first_run"`
	LastRun         time.Time `json:"last_run"`
	RunsCount       int       `json:"runs_count"`
	Active          bool      `json:"is_active"`
}

// Precision is the share of observed candidates that scored 90 or more.
func (p *StrategyPerformance) Precision() float64 {
	if p.TotalCandidates == 0 {
		return 0
	}
	return float64(p.Found90Plus) / float64(p.TotalCandidates)
}

// Diversity is distinct buildings per 80+ hit.
func (p *StrategyPerformance) Diversity() float64 {
	if p.Found80Plus == 0 {
		return 0
	}
	return float64(p.UniqueBuildings) / float64(p.Found80Plus)
}

// Richness is photos per 80+ hit.
func (p *StrategyPerformance) Richness() float64 {
	if p.Found80Plus == 0 {
		return 0
	}
	return float64(p.TotalPhotos) / float64(p.Found80Plus)
}

// Effectiveness weights precision 0.4, diversity 0.3 and richness 0.3, with
// richness saturating at 10 photos per hit.
func (p *StrategyPerformance) Effectiveness() float64 {
	return p.Precision()*0.4 + p.Diversity()*0.3 + math.Min(p.Richness()/10, 1.0)*0.3
}

// RunOutcome is what one source contributed during a single pipeline run.
type RunOutcome struct {
	Candidates int
	Photos     int
	Hits90     int
	Hits80     int
	Buildings  []string
	RanAt      time.Time
}

// CountScore increments the threshold counters for one scoring event.
func (o *RunOutcome) CountScore(score float64) {
	if score >= ThresholdExceptional {
		o.Hits90++
	}
	if score >= ThresholdStrong {
		o.Hits80++
	}
}

// Apply folds a run outcome into the cumulative record. A nil record starts
// a new one with first_run set to the outcome time.
func (o RunOutcome) Apply(p *StrategyPerformance, source string) StrategyPerformance {
	var out StrategyPerformance
	if p == nil {
		out = StrategyPerformance{
			SourceName: source,
			FirstRun:   o.RanAt,
			Active:     true,
		}
	} else {
		out = *p
	}
	out.LastRun = o.RanAt
	out.RunsCount++
	out.TotalCandidates += o.Candidates
	out.TotalPhotos += o.Photos
	out.Found90Plus += o.Hits90
	out.Found80Plus += o.Hits80
	return out
}

// DayCutoff returns the start of the day that is days-1 days before now.
// days <= 1 means "today".
func DayCutoff(now time.Time, days int) time.Time {
	y, m, d := now.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	if days > 1 {
		cutoff = cutoff.AddDate(0, 0, -(days - 1))
	}
	return cutoff
}

// RankByEffectiveness sorts records best first. Ties keep active sources
// ahead, then order by name.
func RankByEffectiveness(perfs []StrategyPerformance) {
	sort.SliceStable(perfs, func(i, j int) bool {
		ei, ej := perfs[i].Effectiveness(), perfs[j].Effectiveness()
		if ei != ej {
			return ei > ej
		}
		if perfs[i].Active != perfs[j].Active {
			return perfs[i].Active
		}
		return perfs[i].SourceName < perfs[j].SourceName
	})
}
