package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/diamond-finder/internal/model"
)

// Format identifies how a file source is encoded.
type Format string

// Supported file formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat resolves the format of a file source. An explicit format wins;
// otherwise the file extension decides.
func DetectFormat(path, explicit string) (Format, error) {
	f := strings.ToLower(strings.TrimSpace(explicit))
	if f == "" {
		f = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch f {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("source: unsupported file format %q for %s", f, path)
	}
}

// FileSource reads candidates from a local export file on every search, so
// an operator can refresh the file between runs.
type FileSource struct {
	name        string
	description string
	path        string
	format      Format
	sheet       string
}

// FileOptions configures a FileSource.
type FileOptions struct {
	Description string
	Format      Format
	Sheet       string // xlsx only; defaults to the first sheet
}

// NewFileSource creates a file-backed source. An empty format is detected
// from the path extension.
func NewFileSource(name, path string, opts FileOptions) (*FileSource, error) {
	format, err := DetectFormat(path, string(opts.Format))
	if err != nil {
		return nil, err
	}
	desc := opts.Description
	if desc == "" {
		desc = "candidates read from " + filepath.Base(path)
	}
	return &FileSource{
		name:        name,
		description: desc,
		path:        path,
		format:      format,
		sheet:       opts.Sheet,
	}, nil
}

// Name implements Source.
func (s *FileSource) Name() string { return s.name }

// Description implements Source.
func (s *FileSource) Description() string { return s.description }

// Search reads and decodes the file.
func (s *FileSource) Search(ctx context.Context) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "source: context cancelled")
	}

	if s.format == FormatXLSX {
		rows, err := readXLSX(s.path, s.sheet)
		if err != nil {
			return nil, err
		}
		return rowsToCandidates(rows)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", s.path)
	}

	switch s.format {
	case FormatJSON:
		return decodeJSONCandidates(data)
	case FormatYAML:
		var out []model.Candidate
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, eris.Wrapf(err, "source: decode yaml %s", s.path)
		}
		return out, nil
	case FormatCSV:
		rows, err := readCSV(ctx, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return rowsToCandidates(rows)
	default:
		return nil, eris.Errorf("source: unsupported format %q", s.format)
	}
}

// feedPage is the envelope form of a JSON payload. A bare array is also accepted.
type feedPage struct {
	Candidates []model.Candidate `json:"candidates"`
	Next       string            `json:"next,omitempty"`
}

func decodeJSONCandidates(data []byte) ([]model.Candidate, error) {
	page, err := decodeFeedPage(data)
	if err != nil {
		return nil, err
	}
	return page.Candidates, nil
}

func decodeFeedPage(data []byte) (feedPage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return feedPage{}, nil
	}
	if trimmed[0] == '[' {
		var list []model.Candidate
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return feedPage{}, eris.Wrap(err, "source: decode json array")
		}
		return feedPage{Candidates: list}, nil
	}
	var page feedPage
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return feedPage{}, eris.Wrap(err, "source: decode json object")
	}
	return page, nil
}

func readCSV(ctx context.Context, r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var rows [][]string
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "source: csv context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "source: csv read row")
		}
		rows = append(rows, record)
	}
}

func readXLSX(path, sheetName string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open xlsx %s", path)
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("source: xlsx sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("source: xlsx %s has no sheets", path)
		}
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
