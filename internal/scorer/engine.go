package scorer

import (
	"math"
	"strings"

	"github.com/sells-group/diamond-finder/internal/model"
)

// Breakdown maps factor key to the points it contributed. Only factors that
// applied and scored above zero are present.
type Breakdown map[string]float64

// Total sums the breakdown and applies the overall ceiling.
func (b Breakdown) Total() float64 {
	var sum float64
	for _, v := range b {
		sum += v
	}
	return math.Min(sum, MaxScore)
}

// Engine scores candidates against an immutable set of tables. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	tables *Tables
}

// New creates an Engine over the given tables.
func New(t *Tables) *Engine {
	return &Engine{tables: t}
}

// NewDefault creates an Engine over the embedded tables.
func NewDefault() (*Engine, error) {
	t, err := DefaultTables()
	if err != nil {
		return nil, err
	}
	return New(t), nil
}

// Tables returns the tables the engine scores with.
func (e *Engine) Tables() *Tables {
	return e.tables
}

// Score returns the composite score and its breakdown. Each factor is
// clamped to its own cap, then the sum is clamped to MaxScore. Missing or
// out-of-range enrichment values (nil, zero or negative tenure, non-positive
// mentions) skip their factor.
func (e *Engine) Score(c model.Candidate) (float64, Breakdown) {
	t := e.tables
	bd := make(Breakdown)

	if c.TenureYears != nil && *c.TenureYears > 0 {
		add(bd, t.Tenure.Key, stepPoints(t.Tenure, float64(*c.TenureYears)), t.Tenure.Cap)
	}

	if c.SocialMentions > 0 {
		add(bd, t.Social.Key, stepPoints(t.Social, float64(c.SocialMentions)), t.Social.Cap)
	}

	if n := len(model.Union(c.Photos)); n > 0 && n >= t.Photos.MinCount {
		add(bd, t.Photos.Key, float64(n)*t.Photos.PerUnit, t.Photos.Cap)
	}

	if n := c.SourceCount(); n > 1 && n >= t.Consensus.MinCount {
		add(bd, t.Consensus.Key, float64(n)*t.Consensus.PerUnit, t.Consensus.Cap)
	}

	text := evidenceText(c.WhySpecial)
	if text != "" {
		for _, cat := range t.Keywords {
			add(bd, cat.Key, categoryPoints(cat, text), cat.Cap)
		}
	}

	return bd.Total(), bd
}

// Apply scores c in place.
func (e *Engine) Apply(c *model.Candidate) {
	score, bd := e.Score(*c)
	c.Score = score
	c.ScoreBreakdown = bd
}

func add(bd Breakdown, key string, points, limit float64) {
	points = math.Min(points, limit)
	if points > 0 {
		bd[key] = points
	}
}

func stepPoints(f StepFactor, v float64) float64 {
	for _, s := range f.Steps {
		if v >= s.Min {
			return s.Points
		}
	}
	return v * f.PerUnit
}

func categoryPoints(cat Category, text string) float64 {
	var pts float64
	for _, tier := range cat.Tiers {
		if tier.Requires != "" && !strings.Contains(text, tier.Requires) {
			continue
		}
		if containsAny(text, tier.Any) {
			pts += tier.Points
			break
		}
	}
	for _, p := range cat.Phrases {
		if strings.Contains(text, p.Text) {
			pts += p.Points
		}
	}
	return pts
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// evidenceText joins the de-duplicated reasons with newlines so a phrase can
// never match across two separate reasons, and the text depends only on the
// set of reasons, not on the order a source listed them.
func evidenceText(reasons []string) string {
	return strings.ToLower(strings.Join(model.Union(reasons), "\n"))
}
