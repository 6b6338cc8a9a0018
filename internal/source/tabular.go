package source

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diamond-finder/internal/model"
)

// Column names recognized in CSV and XLSX exports. Headers are matched after
// lowercasing and replacing spaces and dashes with underscores.
const (
	colAddress      = "address"
	colUnit         = "unit"
	colListingType  = "listing_type"
	colPrice        = "price"
	colBedrooms     = "bedrooms"
	colSqFt         = "sqft"
	colWhySpecial   = "why_special"
	colPhotos       = "photos"
	colFloorPlanURL = "floor_plan_url"
	colListingURL   = "listing_url"
	colPremium      = "price_premium_pct"
	colTenure       = "tenure_years"
	colSocial       = "social_mentions"
)

var headerAliases = map[string]string{
	"street_address": colAddress,
	"apt":            colUnit,
	"apartment":      colUnit,
	"type":           colListingType,
	"beds":           colBedrooms,
	"square_feet":    colSqFt,
	"sq_ft":          colSqFt,
	"why":            colWhySpecial,
	"reasons":        colWhySpecial,
	"photo_urls":     colPhotos,
	"floor_plan":     colFloorPlanURL,
	"url":            colListingURL,
	"premium_pct":    colPremium,
	"tenure":         colTenure,
	"mentions":       colSocial,
}

// columnMap maps canonical column names to their index in a row.
type columnMap map[string]int

func newColumnMap(header []string) (columnMap, error) {
	m := make(columnMap, len(header))
	for i, h := range header {
		key := canonicalHeader(h)
		if key == "" {
			continue
		}
		if _, dup := m[key]; !dup {
			m[key] = i
		}
	}
	if _, ok := m[colAddress]; !ok {
		return nil, eris.New("source: header has no address column")
	}
	return m, nil
}

func canonicalHeader(h string) string {
	key := strings.ToLower(strings.TrimSpace(h))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if alias, ok := headerAliases[key]; ok {
		return alias
	}
	return key
}

func (m columnMap) get(row []string, col string) string {
	i, ok := m[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// rowsToCandidates converts a header row plus data rows into candidates.
// Blank rows are skipped. A value that cannot be parsed fails the whole file,
// since a source returning malformed data is treated as a failed source.
func rowsToCandidates(rows [][]string) ([]model.Candidate, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols, err := newColumnMap(rows[0])
	if err != nil {
		return nil, err
	}

	var out []model.Candidate
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		c, err := rowToCandidate(cols, row)
		if err != nil {
			return nil, eris.Wrapf(err, "source: row %d", i+2)
		}
		out = append(out, c)
	}
	return out, nil
}

func rowToCandidate(cols columnMap, row []string) (model.Candidate, error) {
	c := model.Candidate{
		Address:      cols.get(row, colAddress),
		Unit:         cols.get(row, colUnit),
		ListingType:  model.ParseListingType(cols.get(row, colListingType)),
		WhySpecial:   splitList(cols.get(row, colWhySpecial)),
		Photos:       splitList(cols.get(row, colPhotos)),
		FloorPlanURL: cols.get(row, colFloorPlanURL),
		ListingURL:   cols.get(row, colListingURL),
	}

	var err error
	if c.Price, err = parseFloat(cols.get(row, colPrice), colPrice); err != nil {
		return c, err
	}
	if c.SqFt, err = parseFloat(cols.get(row, colSqFt), colSqFt); err != nil {
		return c, err
	}
	if c.PricePremiumPct, err = parseFloat(cols.get(row, colPremium), colPremium); err != nil {
		return c, err
	}
	if c.Bedrooms, err = parseInt(cols.get(row, colBedrooms), colBedrooms); err != nil {
		return c, err
	}
	if c.TenureYears, err = parseInt(cols.get(row, colTenure), colTenure); err != nil {
		return c, err
	}
	mentions, err := parseInt(cols.get(row, colSocial), colSocial)
	if err != nil {
		return c, err
	}
	if mentions != nil {
		c.SocialMentions = *mentions
	}
	return c, nil
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// splitList splits a multi-valued cell on ";" or "|".
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' })
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var numberCleaner = strings.NewReplacer("$", "", ",", "", "%", "", " ", "")

func parseFloat(s, col string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(numberCleaner.Replace(s), 64)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse %s %q", col, s)
	}
	return &v, nil
}

func parseInt(s, col string) (*int, error) {
	f, err := parseFloat(s, col)
	if err != nil || f == nil {
		return nil, err
	}
	v := int(*f)
	if float64(v) != *f {
		return nil, eris.Errorf("source: parse %s %q: not a whole number", col, s)
	}
	return &v, nil
}
