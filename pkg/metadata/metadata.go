// Package metadata exposes normalized accessors over a record's metadata
// payload. Format parsers live upstream in the harvesting pipeline; the dedup
// engine only ever reads records through this interface.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Record is the read-only view of one metadata record
type Record interface {
	GetTitle(mainOnly bool) string
	GetFullTitle() string
	GetMainAuthor() string
	GetISBNs() []string
	GetISSNs() []string
	GetUniqueIDs() []string
	GetFormat() string
	GetPublicationYear() string
	GetPageCount() int
	GetSeriesISSN() string
	GetSeriesNumbering() string
	GetAccessRestrictions() string
	IsHiddenComponentPart() bool
}

// Factory opens metadata records from stored payloads
type Factory interface {
	CreateRecord(format string, payload json.RawMessage) (Record, error)
}

// FieldPaths holds the jmespath expressions used to read one format's
// normalized payload. Empty expressions fall back to the default paths.
type FieldPaths struct {
	Title               string `yaml:"title"`
	FullTitle           string `yaml:"full_title"`
	MainAuthor          string `yaml:"main_author"`
	ISBNs               string `yaml:"isbns"`
	ISSNs               string `yaml:"issns"`
	UniqueIDs           string `yaml:"unique_ids"`
	Format              string `yaml:"format"`
	PublicationYear     string `yaml:"publication_year"`
	PageCount           string `yaml:"page_count"`
	SeriesISSN          string `yaml:"series_issn"`
	SeriesNumbering     string `yaml:"series_numbering"`
	AccessRestrictions  string `yaml:"access_restrictions"`
	HiddenComponentPart string `yaml:"hidden_component_part"`
}

// defaultPaths reads the canonical normalized payload shape. Format-specific
// overrides are a mapping file, not code.
func defaultPaths() FieldPaths {
	return FieldPaths{
		Title:               "title",
		FullTitle:           "full_title",
		MainAuthor:          "main_author",
		ISBNs:               "isbns",
		ISSNs:               "issns",
		UniqueIDs:           "unique_ids",
		Format:              "format",
		PublicationYear:     "publication_year",
		PageCount:           "page_count",
		SeriesISSN:          "series.issn",
		SeriesNumbering:     "series.numbering",
		AccessRestrictions:  "access_restrictions",
		HiddenComponentPart: "hidden_component_part",
	}
}

// mappingsFile is the YAML shape of a format mapping file
type mappingsFile struct {
	Formats map[string]FieldPaths `yaml:"formats"`
}

// JSONFactory creates JSON-payload backed metadata records
type JSONFactory struct {
	formats map[string]*compiledPaths
	fall    *compiledPaths
}

// NewJSONFactory creates a factory with only the default payload paths
func NewJSONFactory() (*JSONFactory, error) {
	fall, err := compilePaths(defaultPaths())
	if err != nil {
		return nil, err
	}
	return &JSONFactory{
		formats: make(map[string]*compiledPaths),
		fall:    fall,
	}, nil
}

// LoadMappings reads format-specific field paths from a YAML mapping file
func (f *JSONFactory) LoadMappings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read metadata mappings: %w", err)
	}

	var file mappingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse metadata mappings: %w", err)
	}

	for format, paths := range file.Formats {
		compiled, err := compilePaths(withDefaults(paths))
		if err != nil {
			return fmt.Errorf("invalid mapping for format %q: %w", format, err)
		}
		f.formats[format] = compiled
	}
	return nil
}

// RegisterFormat adds or replaces a single format mapping
func (f *JSONFactory) RegisterFormat(format string, paths FieldPaths) error {
	compiled, err := compilePaths(withDefaults(paths))
	if err != nil {
		return err
	}
	f.formats[format] = compiled
	return nil
}

// CreateRecord opens a metadata record for the given format and payload
func (f *JSONFactory) CreateRecord(format string, payload json.RawMessage) (Record, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("failed to parse metadata payload: %w", err)
	}

	paths := f.fall
	if compiled, ok := f.formats[format]; ok {
		paths = compiled
	}

	return &jsonRecord{format: format, data: data, paths: paths}, nil
}

// withDefaults fills unset expressions from the default payload shape
func withDefaults(paths FieldPaths) FieldPaths {
	def := defaultPaths()
	if paths.Title == "" {
		paths.Title = def.Title
	}
	if paths.FullTitle == "" {
		paths.FullTitle = def.FullTitle
	}
	if paths.MainAuthor == "" {
		paths.MainAuthor = def.MainAuthor
	}
	if paths.ISBNs == "" {
		paths.ISBNs = def.ISBNs
	}
	if paths.ISSNs == "" {
		paths.ISSNs = def.ISSNs
	}
	if paths.UniqueIDs == "" {
		paths.UniqueIDs = def.UniqueIDs
	}
	if paths.Format == "" {
		paths.Format = def.Format
	}
	if paths.PublicationYear == "" {
		paths.PublicationYear = def.PublicationYear
	}
	if paths.PageCount == "" {
		paths.PageCount = def.PageCount
	}
	if paths.SeriesISSN == "" {
		paths.SeriesISSN = def.SeriesISSN
	}
	if paths.SeriesNumbering == "" {
		paths.SeriesNumbering = def.SeriesNumbering
	}
	if paths.AccessRestrictions == "" {
		paths.AccessRestrictions = def.AccessRestrictions
	}
	if paths.HiddenComponentPart == "" {
		paths.HiddenComponentPart = def.HiddenComponentPart
	}
	return paths
}
