package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatches_Equality(t *testing.T) {
	doc := map[string]any{
		"id":        "src.1",
		"source_id": "src",
		"deleted":   false,
		"pages":     320,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"string equality", Filter{"source_id": "src"}, true},
		{"string inequality", Filter{"source_id": "other"}, false},
		{"bool equality", Filter{"deleted": false}, true},
		{"numeric coercion", Filter{"pages": float64(320)}, true},
		{"missing field equals nil", Filter{"dedup_id": nil}, true},
		{"missing field equals value", Filter{"dedup_id": "g1"}, false},
		{"multiple conditions all hold", Filter{"source_id": "src", "deleted": false}, true},
		{"multiple conditions one fails", Filter{"source_id": "src", "deleted": true}, false},
		{"empty filter matches everything", Filter{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(doc, tt.filter))
		})
	}
}

func TestMatches_ArrayFields(t *testing.T) {
	doc := map[string]any{
		"isbn_keys": []string{"9780306406157", "0306406152"},
	}

	t.Run("equality matches any element", func(t *testing.T) {
		assert.True(t, Matches(doc, Filter{"isbn_keys": "0306406152"}))
		assert.False(t, Matches(doc, Filter{"isbn_keys": "9999999999"}))
	})

	t.Run("in intersects with options", func(t *testing.T) {
		f := Filter{"isbn_keys": map[string]any{OpIn: []string{"x", "9780306406157"}}}
		assert.True(t, Matches(doc, f))

		f = Filter{"isbn_keys": map[string]any{OpIn: []string{"x", "y"}}}
		assert.False(t, Matches(doc, f))
	})
}

func TestMatches_Operators(t *testing.T) {
	now := time.Now().UTC()
	doc := map[string]any{
		"source_id":  "src",
		"pages":      100,
		"updated_at": now,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"ne on differing value", Filter{"source_id": map[string]any{OpNe: "other"}}, true},
		{"ne on equal value", Filter{"source_id": map[string]any{OpNe: "src"}}, false},
		{"ne on missing field", Filter{"dedup_id": map[string]any{OpNe: "g1"}}, true},
		{"ne nil on missing field", Filter{"dedup_id": map[string]any{OpNe: nil}}, false},
		{"exists true", Filter{"pages": map[string]any{OpExists: true}}, true},
		{"exists false on present field", Filter{"pages": map[string]any{OpExists: false}}, false},
		{"exists false on missing field", Filter{"dedup_id": map[string]any{OpExists: false}}, true},
		{"in with scalar", Filter{"source_id": map[string]any{OpIn: []any{"a", "src"}}}, true},
		{"in with nil option matches missing", Filter{"suppressed": map[string]any{OpIn: []any{nil, false}}}, true},
		{"gte", Filter{"pages": map[string]any{OpGte: 100}}, true},
		{"gt fails on equal", Filter{"pages": map[string]any{OpGt: 100}}, false},
		{"lt", Filter{"pages": map[string]any{OpLt: 101}}, true},
		{"lte time", Filter{"updated_at": map[string]any{OpLte: now}}, true},
		{"gt time fails on equal", Filter{"updated_at": map[string]any{OpGt: now}}, false},
		{"ordered comparison on missing field", Filter{"missing": map[string]any{OpGte: 1}}, false},
		{"unknown operator never matches", Filter{"pages": map[string]any{"$weird": 1}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(doc, tt.filter))
		})
	}
}

func TestMatches_LogicalGroups(t *testing.T) {
	doc := map[string]any{"source_id": "src", "deleted": false}

	t.Run("or matches when any branch holds", func(t *testing.T) {
		f := Filter{KeyOr: []Filter{{"source_id": "other"}, {"deleted": false}}}
		assert.True(t, Matches(doc, f))
	})

	t.Run("or fails when no branch holds", func(t *testing.T) {
		f := Filter{KeyOr: []Filter{{"source_id": "other"}, {"deleted": true}}}
		assert.False(t, Matches(doc, f))
	})

	t.Run("nor inverts or", func(t *testing.T) {
		f := Filter{KeyNor: []Filter{{"source_id": "other"}, {"deleted": true}}}
		assert.True(t, Matches(doc, f))

		f = Filter{KeyNor: []Filter{{"source_id": "src"}}}
		assert.False(t, Matches(doc, f))
	})

	t.Run("group combined with field condition", func(t *testing.T) {
		f := Filter{
			"deleted": false,
			KeyOr:     []Filter{{"source_id": "src"}},
		}
		assert.True(t, Matches(doc, f))

		f["deleted"] = true
		assert.False(t, Matches(doc, f))
	})

	t.Run("branches as generic maps", func(t *testing.T) {
		f := Filter{KeyOr: []map[string]any{{"source_id": "src"}}}
		assert.True(t, Matches(doc, f))
	})
}

func TestMatches_NestedPaths(t *testing.T) {
	doc := map[string]any{
		"series": map[string]any{"issn": "0317-8471"},
	}

	assert.True(t, Matches(doc, Filter{"series.issn": "0317-8471"}))
	assert.False(t, Matches(doc, Filter{"series.issn": "other"}))
	assert.False(t, Matches(doc, Filter{"series.missing": map[string]any{OpExists: true}}))
}

func TestParse(t *testing.T) {
	f := Filter{
		"source_id": "src",
		"pages":     map[string]any{OpGte: 10},
		KeyOr:       []Filter{{"deleted": true}},
	}

	conditions := Parse(f)
	assert.Len(t, conditions, 2)

	byField := make(map[string]Condition)
	for _, c := range conditions {
		byField[c.Field] = c
	}
	assert.Equal(t, OpEquals, byField["source_id"].Operator)
	assert.Equal(t, OpGte, byField["pages"].Operator)
}

func TestSplit(t *testing.T) {
	f := Filter{
		"source_id": "src",
		"deleted":   false,
		"pages":     map[string]any{OpGte: 10},
		KeyOr:       []Filter{{"deleted": true}},
	}

	simple, residual := Split(f)
	assert.Equal(t, map[string]any{"source_id": "src", "deleted": false}, simple)
	assert.Len(t, residual, 2)
	assert.Contains(t, residual, "pages")
	assert.Contains(t, residual, KeyOr)

	t.Run("nil residual when fully simple", func(t *testing.T) {
		simple, residual := Split(Filter{"id": "a"})
		assert.Equal(t, map[string]any{"id": "a"}, simple)
		assert.Nil(t, residual)
	})
}
