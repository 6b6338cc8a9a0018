package scorer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diamond-finder/internal/model"
)

const minimalTables = `
version: 1
tenure:
  key: tenure
  cap: 10
  steps:
    - {min: 5, points: 10}
    - {min: 0, points: 2}
social:
  key: social
  cap: 5
  per_unit: 1
  steps:
    - {min: 5, points: 5}
photos:
  key: photos
  cap: 2
  per_unit: 1
consensus:
  key: consensus
  cap: 4
  per_unit: 2
  min_count: 2
keywords:
  - key: light
    cap: 6
    phrases:
      Sunny: 4
      Bright: 3
`

func TestDefaultTables(t *testing.T) {
	tables, err := DefaultTables()
	require.NoError(t, err)

	assert.Equal(t, 3, tables.Version)
	assert.Len(t, tables.Keywords, 9)

	caps := tables.Caps()
	assert.Equal(t, 30.0, caps["long_tenure"])
	assert.Equal(t, 25.0, caps["social_proof"])
	assert.Equal(t, 10.0, caps["photo_evidence"])
	assert.Equal(t, 10.0, caps["consensus"])
	assert.Equal(t, 20.0, caps["building_maintenance"])
	assert.Equal(t, 12.0, caps["lived_experience"])
}

func TestParseTables_LowercasesAndSortsPhrases(t *testing.T) {
	tables, err := ParseTables([]byte(minimalTables))
	require.NoError(t, err)

	require.Len(t, tables.Keywords, 1)
	assert.Equal(t, []Phrase{{Text: "bright", Points: 3}, {Text: "sunny", Points: 4}}, tables.Keywords[0].Phrases)
	assert.Nil(t, tables.Keywords[0].Raw)
}

func TestParseTables_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "version: [1"},
		{"missing keywords", "version: 1\ntenure: {key: t, cap: 1, steps: [{min: 0, points: 1}]}"},
		{"ascending steps", replace(minimalTables, "- {min: 5, points: 10}\n    - {min: 0, points: 2}", "- {min: 0, points: 2}\n    - {min: 5, points: 10}")},
		{"duplicate key", replace(minimalTables, "key: light", "key: photos")},
		{"negative phrase", replace(minimalTables, "Bright: 3", "Bright: -3")},
		{"zero cap", replace(minimalTables, "cap: 6", "cap: 0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTables([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTables_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalTables), 0o600))

	tables, err := LoadTables(path)
	require.NoError(t, err)
	assert.Equal(t, 1, tables.Version)
	assert.Equal(t, "tenure", tables.Tenure.Key)
}

func TestLoadTables_EmptyPathUsesDefaults(t *testing.T) {
	tables, err := LoadTables("")
	require.NoError(t, err)
	assert.Equal(t, 3, tables.Version)
}

func TestLoadTables_MissingFile(t *testing.T) {
	_, err := LoadTables(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEngine_CustomTables(t *testing.T) {
	tables, err := ParseTables([]byte(minimalTables))
	require.NoError(t, err)

	e := New(tables)
	score, bd := e.Score(candidateWith("sunny and bright", 7, 2))
	assert.Equal(t, Breakdown{"light": 6, "tenure": 10, "social": 2}, bd)
	assert.Equal(t, 18.0, score)
}

func replace(doc, old, repl string) string {
	return strings.Replace(doc, old, repl, 1)
}

func candidateWith(why string, tenure, mentions int) model.Candidate {
	return model.Candidate{
		Address:        "1 Test Pl",
		WhySpecial:     []string{why},
		TenureYears:    &tenure,
		SocialMentions: mentions,
	}
}
