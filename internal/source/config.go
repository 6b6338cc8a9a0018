package source

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/config"
	"github.com/sells-group/diamond-finder/internal/resilience"
)

// Source types accepted in configuration.
const (
	TypeFile = "file"
	TypeHTTP = "http"
)

// New builds one source from its configuration entry.
func New(sc config.SourceConfig) (Source, error) {
	typ := sc.Type
	if typ == "" {
		switch {
		case sc.URL != "":
			typ = TypeHTTP
		case sc.Path != "":
			typ = TypeFile
		}
	}

	switch typ {
	case TypeFile:
		if sc.Path == "" {
			return nil, eris.Errorf("source: %s: path is required for file sources", sc.Name)
		}
		return NewFileSource(sc.Name, sc.Path, FileOptions{
			Description: sc.Description,
			Format:      Format(sc.Format),
			Sheet:       sc.Sheet,
		})
	case TypeHTTP:
		if sc.URL == "" {
			return nil, eris.Errorf("source: %s: url is required for http sources", sc.Name)
		}
		return NewHTTPSource(sc.Name, sc.URL, HTTPOptions{
			Description: sc.Description,
			Headers:     sc.Headers,
			RatePerSec:  sc.RatePerSec,
			Timeout:     time.Duration(sc.TimeoutSecs) * time.Second,
			MaxPages:    sc.MaxPages,
			Retry:       resilience.DefaultRetryConfig(),
		})
	default:
		return nil, eris.Errorf("source: %s: unknown type %q", sc.Name, sc.Type)
	}
}

// FromConfig builds a registry from the configured sources, in file order.
// Disabled entries are skipped.
func FromConfig(entries []config.SourceConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, sc := range entries {
		if !sc.IsEnabled() {
			zap.L().Debug("source: skipping disabled source", zap.String("source", sc.Name))
			continue
		}
		s, err := New(sc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
