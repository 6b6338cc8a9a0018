package model

import "time"

// Merge combines two observations of the same identity into one candidate.
// Every rule is commutative, so Merge(a, b) and Merge(b, a) agree on all
// fields that feed the score:
//   - evidence (reasons, photos) and provenance: set union
//   - social mentions: max, since two sources reporting mentions of the same
//     unit are usually seeing the same underlying posts
//   - tenure and price premium: max
//   - discovered_at: earliest; last_checked: latest
//
// Score and breakdown are cleared; callers re-score the merged result.
func Merge(a, b Candidate) Candidate {
	out := a.Clone()

	out.WhySpecial = Union(a.WhySpecial, b.WhySpecial)
	out.Photos = Union(a.Photos, b.Photos)
	out.FoundBy = Union(a.FoundBy, b.FoundBy)

	out.SocialMentions = max(a.SocialMentions, b.SocialMentions)
	out.TenureYears = maxPtr(a.TenureYears, b.TenureYears)
	out.PricePremiumPct = maxPtr(a.PricePremiumPct, b.PricePremiumPct)

	out.Price = firstPtr(a.Price, b.Price)
	out.Bedrooms = firstPtr(a.Bedrooms, b.Bedrooms)
	out.SqFt = firstPtr(a.SqFt, b.SqFt)
	out.FloorPlanURL = minNonEmpty(a.FloorPlanURL, b.FloorPlanURL)
	out.ListingURL = minNonEmpty(a.ListingURL, b.ListingURL)

	if out.ListingType == "" || out.ListingType == ListingUnknown {
		out.ListingType = b.ListingType
	}
	out.Available = a.Available || b.Available

	out.DiscoveredAt = earliest(a.DiscoveredAt, b.DiscoveredAt)
	out.LastChecked = latest(a.LastChecked, b.LastChecked)

	out.Score = 0
	out.ScoreBreakdown = nil
	return out
}

// ApplyUpsert computes the record to persist when incoming is written over
// stored. Provenance always grows, last_checked always advances to now, and
// an available re-observation makes the record available again.
// When the incoming score is strictly higher, the score and every field that
// fed it are taken from incoming, so the stored row always reproduces its own
// breakdown, and listing details reported by incoming replace the stored
// ones. A weaker re-observation never downgrades an established record.
// discovered_at is never changed.
func ApplyUpsert(stored, incoming Candidate, now time.Time) Candidate {
	out := stored.Clone()
	out.FoundBy = Union(stored.FoundBy, incoming.FoundBy)
	out.LastChecked = now
	out.Available = stored.Available || incoming.Available

	if incoming.Score > stored.Score {
		in := incoming.Clone()
		out.Score = in.Score
		out.ScoreBreakdown = in.ScoreBreakdown
		out.WhySpecial = in.WhySpecial
		out.Photos = in.Photos
		out.SocialMentions = in.SocialMentions
		out.TenureYears = in.TenureYears
		out.PricePremiumPct = firstPtr(in.PricePremiumPct, stored.PricePremiumPct)
		out.Price = firstPtr(in.Price, stored.Price)
		out.Bedrooms = firstPtr(in.Bedrooms, stored.Bedrooms)
		out.SqFt = firstPtr(in.SqFt, stored.SqFt)
		if in.ListingType != "" && in.ListingType != ListingUnknown {
			out.ListingType = in.ListingType
		}
		if in.FloorPlanURL != "" {
			out.FloorPlanURL = in.FloorPlanURL
		}
		if in.ListingURL != "" {
			out.ListingURL = in.ListingURL
		}
	}
	return out
}

func maxPtr[T int | float64](a, b *T) *T {
	switch {
	case a == nil:
		return clonePtr(b)
	case b == nil:
		return clonePtr(a)
	case *b > *a:
		return clonePtr(b)
	default:
		return clonePtr(a)
	}
}

func firstPtr[T any](a, b *T) *T {
	if a != nil {
		return clonePtr(a)
	}
	return clonePtr(b)
}

// minNonEmpty picks the lexically smaller non-empty value so the choice does
// not depend on merge order.
func minNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	default:
		return a
	}
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
