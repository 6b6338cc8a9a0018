// Package scorer computes the composite quality-of-life score of a candidate
// from a fixed set of independently capped factors.
package scorer

import (
	_ "embed"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// MaxScore is the ceiling of the composite score.
const MaxScore = 100.0

// Step maps a minimum count to a point value.
type Step struct {
	Min    float64 `yaml:"min" validate:"gte=0"`
	Points float64 `yaml:"points" validate:"gte=0"`
}

// StepFactor scores a count through descending breakpoints. Counts below the
// lowest breakpoint earn PerUnit points each.
type StepFactor struct {
	Key     string  `yaml:"key" validate:"required"`
	Cap     float64 `yaml:"cap" validate:"gt=0"`
	PerUnit float64 `yaml:"per_unit" validate:"gte=0"`
	Steps   []Step  `yaml:"steps" validate:"required,min=1,dive"`
}

// LinearFactor scores PerUnit points per counted item once the count reaches MinCount.
type LinearFactor struct {
	Key      string  `yaml:"key" validate:"required"`
	Cap      float64 `yaml:"cap" validate:"gt=0"`
	PerUnit  float64 `yaml:"per_unit" validate:"gt=0"`
	MinCount int     `yaml:"min_count" validate:"gte=0"`
}

// Tier is an exclusive phrase rule: the first tier whose conditions match
// contributes its points and later tiers are skipped.
type Tier struct {
	Requires string   `yaml:"requires"`
	Any      []string `yaml:"any" validate:"required,min=1"`
	Points   float64  `yaml:"points" validate:"gt=0"`
}

// Phrase is one keyword and its point value.
type Phrase struct {
	Text   string
	Points float64
}

// Category is an independent keyword dimension scanned over the evidence text.
type Category struct {
	Key     string             `yaml:"key" validate:"required"`
	Cap     float64            `yaml:"cap" validate:"gt=0"`
	Tiers   []Tier             `yaml:"tiers" validate:"dive"`
	Raw     map[string]float64 `yaml:"phrases"`
	Phrases []Phrase           `yaml:"-"`
}

// Tables is the complete, immutable scoring configuration.
type Tables struct {
	Version   int          `yaml:"version" validate:"gte=1"`
	Tenure    StepFactor   `yaml:"tenure"`
	Social    StepFactor   `yaml:"social"`
	Photos    LinearFactor `yaml:"photos"`
	Consensus LinearFactor `yaml:"consensus"`
	Keywords  []Category   `yaml:"keywords" validate:"required,min=1,dive"`
}

// Caps returns the per-factor maximum keyed by breakdown name.
func (t *Tables) Caps() map[string]float64 {
	caps := map[string]float64{
		t.Tenure.Key:    t.Tenure.Cap,
		t.Social.Key:    t.Social.Cap,
		t.Photos.Key:    t.Photos.Cap,
		t.Consensus.Key: t.Consensus.Cap,
	}
	for _, c := range t.Keywords {
		caps[c.Key] = c.Cap
	}
	return caps
}

// DefaultTables parses the tables embedded in the binary.
func DefaultTables() (*Tables, error) {
	return ParseTables(defaultTablesYAML)
}

// LoadTables reads a tables file from disk. An empty path returns the defaults.
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read tables %s", path)
	}
	return ParseTables(data)
}

// ParseTables decodes and validates a tables document. Phrases are
// lower-cased and sorted so evaluation order is fixed.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "scorer: parse tables")
	}

	if err := validator.New().Struct(&t); err != nil {
		return nil, eris.Wrap(err, "scorer: invalid tables")
	}

	for _, f := range []*StepFactor{&t.Tenure, &t.Social} {
		if !sort.SliceIsSorted(f.Steps, func(i, j int) bool { return f.Steps[i].Min > f.Steps[j].Min }) {
			return nil, eris.Errorf("scorer: %s steps must be in descending order", f.Key)
		}
	}

	seen := make(map[string]bool)
	for _, key := range []string{t.Tenure.Key, t.Social.Key, t.Photos.Key, t.Consensus.Key} {
		if seen[key] {
			return nil, eris.Errorf("scorer: duplicate factor key %q", key)
		}
		seen[key] = true
	}

	for i := range t.Keywords {
		c := &t.Keywords[i]
		if seen[c.Key] {
			return nil, eris.Errorf("scorer: duplicate factor key %q", c.Key)
		}
		seen[c.Key] = true

		if len(c.Raw) == 0 && len(c.Tiers) == 0 {
			return nil, eris.Errorf("scorer: category %s has no phrases or tiers", c.Key)
		}

		c.Phrases = make([]Phrase, 0, len(c.Raw))
		for text, pts := range c.Raw {
			if pts < 0 {
				return nil, eris.Errorf("scorer: category %s phrase %q has negative points", c.Key, text)
			}
			c.Phrases = append(c.Phrases, Phrase{Text: strings.ToLower(text), Points: pts})
		}
		sort.Slice(c.Phrases, func(a, b int) bool { return c.Phrases[a].Text < c.Phrases[b].Text })
		c.Raw = nil

		for j := range c.Tiers {
			tier := &c.Tiers[j]
			tier.Requires = strings.ToLower(tier.Requires)
			for k := range tier.Any {
				tier.Any[k] = strings.ToLower(tier.Any[k])
			}
		}
	}

	return &t, nil
}
