package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diamond-finder/internal/model"
)

func TestRowsToCandidates_FullRow(t *testing.T) {
	rows := [][]string{
		{"Address", "Unit", "Listing Type", "Price", "Beds", "Sq Ft", "Why Special", "Photos", "Listing URL", "Tenure", "Mentions", "Price Premium Pct"},
		{"123 Main St", "4B", "For Rent", "$4,200", "2", "950", "sunny corner; quiet block", "a.jpg|b.jpg", "https://x/1", "12", "3", "15%"},
	}

	got, err := rowsToCandidates(rows)
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, "123 Main St", c.Address)
	assert.Equal(t, "4B", c.Unit)
	assert.Equal(t, model.ListingRental, c.ListingType)
	require.NotNil(t, c.Price)
	assert.Equal(t, 4200.0, *c.Price)
	require.NotNil(t, c.Bedrooms)
	assert.Equal(t, 2, *c.Bedrooms)
	require.NotNil(t, c.SqFt)
	assert.Equal(t, 950.0, *c.SqFt)
	assert.Equal(t, []string{"sunny corner", "quiet block"}, c.WhySpecial)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, c.Photos)
	assert.Equal(t, "https://x/1", c.ListingURL)
	require.NotNil(t, c.TenureYears)
	assert.Equal(t, 12, *c.TenureYears)
	assert.Equal(t, 3, c.SocialMentions)
	require.NotNil(t, c.PricePremiumPct)
	assert.Equal(t, 15.0, *c.PricePremiumPct)
}

func TestRowsToCandidates_EmptyCellsAreAbsent(t *testing.T) {
	rows := [][]string{
		{"address", "unit", "price", "tenure_years", "social_mentions"},
		{"1 Elm St", "", "", "", ""},
		{"", "", "", "", ""},
		{"2 Elm St"},
	}

	got, err := rowsToCandidates(rows)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Price)
	assert.Nil(t, got[0].TenureYears)
	assert.Equal(t, 0, got[0].SocialMentions)
	assert.Equal(t, model.ListingUnknown, got[0].ListingType)
	assert.Equal(t, "2 Elm St", got[1].Address)
}

func TestRowsToCandidates_Errors(t *testing.T) {
	tests := []struct {
		name string
		rows [][]string
	}{
		{"no address column", [][]string{{"unit", "price"}, {"1A", "100"}}},
		{"bad price", [][]string{{"address", "price"}, {"1 Elm", "cheap"}}},
		{"fractional bedrooms", [][]string{{"address", "bedrooms"}, {"1 Elm", "1.5"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rowsToCandidates(tt.rows)
			assert.Error(t, err)
		})
	}
}

func TestRowsToCandidates_NoRows(t *testing.T) {
	got, err := rowsToCandidates(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b", "c"}, splitList(" a ; b|c ;; "))
}

func TestCanonicalHeader(t *testing.T) {
	assert.Equal(t, "address", canonicalHeader(" Street Address "))
	assert.Equal(t, "sqft", canonicalHeader("Square-Feet"))
	assert.Equal(t, "floor_plan_url", canonicalHeader("Floor Plan URL"))
	assert.Equal(t, "custom_col", canonicalHeader("custom col"))
}
