package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diamond-finder/internal/model"
)

// timeLayout is fixed width so SQLite text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse time %q", s)
	}
	return t, nil
}

// jsonFields are the set-valued columns of a candidate row.
type jsonFields struct {
	Breakdown []byte
	Why       []byte
	Photos    []byte
	FoundBy   []byte
}

func encodeFields(c model.Candidate) (jsonFields, error) {
	var f jsonFields
	var err error
	bd := c.ScoreBreakdown
	if bd == nil {
		bd = map[string]float64{}
	}
	if f.Breakdown, err = json.Marshal(bd); err != nil {
		return f, eris.Wrap(err, "store: marshal breakdown")
	}
	if f.Why, err = marshalSet(c.WhySpecial); err != nil {
		return f, err
	}
	if f.Photos, err = marshalSet(c.Photos); err != nil {
		return f, err
	}
	if f.FoundBy, err = marshalSet(c.FoundBy); err != nil {
		return f, err
	}
	return f, nil
}

func (f jsonFields) decodeInto(c *model.Candidate) error {
	if len(f.Breakdown) > 0 {
		if err := json.Unmarshal(f.Breakdown, &c.ScoreBreakdown); err != nil {
			return eris.Wrap(err, "store: unmarshal breakdown")
		}
		if len(c.ScoreBreakdown) == 0 {
			c.ScoreBreakdown = nil
		}
	}
	var err error
	if c.WhySpecial, err = unmarshalSet(f.Why); err != nil {
		return err
	}
	if c.Photos, err = unmarshalSet(f.Photos); err != nil {
		return err
	}
	if c.FoundBy, err = unmarshalSet(f.FoundBy); err != nil {
		return err
	}
	return nil
}

func marshalSet(s []string) ([]byte, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	return b, eris.Wrap(err, "store: marshal set")
}

func unmarshalSet(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal set")
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}
