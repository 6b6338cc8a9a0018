// Package model defines the core domain types shared across the aggregation
// pipeline, the scoring engine, and the persistence layer.
package model

import (
	"time"
)

// ListingType describes how a unit is offered.
type ListingType string

// Listing type values.
const (
	ListingSale    ListingType = "sale"
	ListingRental  ListingType = "rental"
	ListingUnknown ListingType = "unknown"
)

// ParseListingType maps free text onto a ListingType. Anything unrecognized is unknown.
func ParseListingType(s string) ListingType {
	switch ListingType(normalizeSpace(s)) {
	case ListingSale, "sell", "for sale":
		return ListingSale
	case ListingRental, "rent", "for rent", "lease":
		return ListingRental
	default:
		return ListingUnknown
	}
}

// Candidate is one observation of an apartment unit, before or after merging.
// Optional numeric fields are pointers: nil means the source did not report
// the value, which is different from zero.
type Candidate struct {
	Address     string      `json:"address" yaml:"address" validate:"required"`
	Unit        string      `json:"unit" yaml:"unit"`
	ListingType ListingType `json:"listing_type,omitempty" yaml:"listing_type" validate:"omitempty,oneof=sale rental unknown"`

	Price    *float64 `json:"price,omitempty" yaml:"price" validate:"omitempty,gte=0"`
	Bedrooms *int     `json:"bedrooms,omitempty" yaml:"bedrooms" validate:"omitempty,gte=0"`
	SqFt     *float64 `json:"sqft,omitempty" yaml:"sqft" validate:"omitempty,gte=0"`

	Score          float64            `json:"score" yaml:"-"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown,omitempty" yaml:"-"`

	WhySpecial   []string `json:"why_special,omitempty" yaml:"why_special"`
	Photos       []string `json:"photos,omitempty" yaml:"photos"`
	FloorPlanURL string   `json:"floor_plan_url,omitempty" yaml:"floor_plan_url"`
	ListingURL   string   `json:"listing_url,omitempty" yaml:"listing_url"`

	// FoundBy is the provenance set: every source that has observed this identity.
	FoundBy []string `json:"found_by_strategies,omitempty" yaml:"found_by"`

	PricePremiumPct *float64 `json:"price_premium_pct,omitempty" yaml:"price_premium_pct"`
	TenureYears     *int     `json:"tenure_years,omitempty" yaml:"tenure_years"`
	SocialMentions  int      `json:"social_mentions" yaml:"social_mentions"`

	Available    bool      `json:"is_available" yaml:"is_available"`
	LastChecked  time.Time `json:"last_checked" yaml:"-"`
	DiscoveredAt time.Time `json:"discovered_at" yaml:"-"`
}

// ID returns the identity key of the candidate.
func (c *Candidate) ID() string {
	return Identity(c.Address, c.Unit)
}

// Building returns the normalized building address, used to count the
// distinct buildings a source has touched.
func (c *Candidate) Building() string {
	return normalizeSpace(c.Address)
}

// SourceCount returns the number of distinct sources in the provenance set.
func (c *Candidate) SourceCount() int {
	return len(Union(c.FoundBy))
}

// Clone returns a deep copy so merges never alias slices or maps owned by a source.
func (c Candidate) Clone() Candidate {
	out := c
	out.WhySpecial = cloneStrings(c.WhySpecial)
	out.Photos = cloneStrings(c.Photos)
	out.FoundBy = cloneStrings(c.FoundBy)
	if c.ScoreBreakdown != nil {
		out.ScoreBreakdown = make(map[string]float64, len(c.ScoreBreakdown))
		for k, v := range c.ScoreBreakdown {
			out.ScoreBreakdown[k] = v
		}
	}
	out.Price = clonePtr(c.Price)
	out.Bedrooms = clonePtr(c.Bedrooms)
	out.SqFt = clonePtr(c.SqFt)
	out.PricePremiumPct = clonePtr(c.PricePremiumPct)
	out.TenureYears = clonePtr(c.TenureYears)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
