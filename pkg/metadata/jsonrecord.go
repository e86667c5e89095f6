package metadata

import (
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

// compiledPaths holds precompiled jmespath expressions for one format
type compiledPaths struct {
	title               *jmespath.JMESPath
	fullTitle           *jmespath.JMESPath
	mainAuthor          *jmespath.JMESPath
	isbns               *jmespath.JMESPath
	issns               *jmespath.JMESPath
	uniqueIDs           *jmespath.JMESPath
	format              *jmespath.JMESPath
	publicationYear     *jmespath.JMESPath
	pageCount           *jmespath.JMESPath
	seriesISSN          *jmespath.JMESPath
	seriesNumbering     *jmespath.JMESPath
	accessRestrictions  *jmespath.JMESPath
	hiddenComponentPart *jmespath.JMESPath
}

func compilePaths(paths FieldPaths) (*compiledPaths, error) {
	compiled := &compiledPaths{}
	fields := []struct {
		expr   string
		target **jmespath.JMESPath
	}{
		{paths.Title, &compiled.title},
		{paths.FullTitle, &compiled.fullTitle},
		{paths.MainAuthor, &compiled.mainAuthor},
		{paths.ISBNs, &compiled.isbns},
		{paths.ISSNs, &compiled.issns},
		{paths.UniqueIDs, &compiled.uniqueIDs},
		{paths.Format, &compiled.format},
		{paths.PublicationYear, &compiled.publicationYear},
		{paths.PageCount, &compiled.pageCount},
		{paths.SeriesISSN, &compiled.seriesISSN},
		{paths.SeriesNumbering, &compiled.seriesNumbering},
		{paths.AccessRestrictions, &compiled.accessRestrictions},
		{paths.HiddenComponentPart, &compiled.hiddenComponentPart},
	}

	for _, field := range fields {
		expr, err := jmespath.Compile(field.expr)
		if err != nil {
			return nil, fmt.Errorf("invalid jmespath %q: %w", field.expr, err)
		}
		*field.target = expr
	}
	return compiled, nil
}

// jsonRecord reads normalized metadata from a parsed JSON payload
type jsonRecord struct {
	format string
	data   map[string]any
	paths  *compiledPaths
}

func (r *jsonRecord) GetTitle(mainOnly bool) string {
	if mainOnly {
		return r.searchString(r.paths.title)
	}
	if full := r.searchString(r.paths.fullTitle); full != "" {
		return full
	}
	return r.searchString(r.paths.title)
}

func (r *jsonRecord) GetFullTitle() string {
	return r.searchString(r.paths.fullTitle)
}

func (r *jsonRecord) GetMainAuthor() string {
	return r.searchString(r.paths.mainAuthor)
}

func (r *jsonRecord) GetISBNs() []string {
	return r.searchStrings(r.paths.isbns)
}

func (r *jsonRecord) GetISSNs() []string {
	return r.searchStrings(r.paths.issns)
}

func (r *jsonRecord) GetUniqueIDs() []string {
	return r.searchStrings(r.paths.uniqueIDs)
}

func (r *jsonRecord) GetFormat() string {
	if format := r.searchString(r.paths.format); format != "" {
		return format
	}
	return r.format
}

func (r *jsonRecord) GetPublicationYear() string {
	value, err := r.paths.publicationYear.Search(r.data)
	if err != nil || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.Itoa(int(v))
	default:
		return ""
	}
}

func (r *jsonRecord) GetPageCount() int {
	value, err := r.paths.pageCount.Search(r.data)
	if err != nil || value == nil {
		return 0
	}
	switch v := value.(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func (r *jsonRecord) GetSeriesISSN() string {
	return r.searchString(r.paths.seriesISSN)
}

func (r *jsonRecord) GetSeriesNumbering() string {
	return r.searchString(r.paths.seriesNumbering)
}

func (r *jsonRecord) GetAccessRestrictions() string {
	return r.searchString(r.paths.accessRestrictions)
}

func (r *jsonRecord) IsHiddenComponentPart() bool {
	value, err := r.paths.hiddenComponentPart.Search(r.data)
	if err != nil || value == nil {
		return false
	}
	hidden, ok := value.(bool)
	return ok && hidden
}

func (r *jsonRecord) searchString(expr *jmespath.JMESPath) string {
	value, err := expr.Search(r.data)
	if err != nil || value == nil {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return s
}

func (r *jsonRecord) searchStrings(expr *jmespath.JMESPath) []string {
	value, err := expr.Search(r.data)
	if err != nil || value == nil {
		return nil
	}
	switch v := value.(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				result = append(result, s)
			}
		}
		return result
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
