package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the incoming row of an ON CONFLICT DO UPDATE clause
func Excluded(column string) any {
	return sqlbuilder.Raw(fmt.Sprintf("EXCLUDED.%s", column))
}

// InsertBuilder extends go-sqlbuilder's PostgreSQL insert builder with upsert
// clauses.
type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

// OnConflict appends an ON CONFLICT DO UPDATE clause keyed on the given
// columns and returns the builder for its SET assignments.
func (b *InsertBuilder) OnConflict(columns ...string) *UpdateBuilder {
	ub := &UpdateBuilder{sqlbuilder.PostgreSQL.NewUpdateBuilder()}
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(columns, ", "), b.Var(ub)))
	return ub
}

// OnConflictDoNothing appends an ON CONFLICT DO NOTHING clause
func (b *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	b.SQL("ON CONFLICT DO NOTHING")
	return b
}

// UpdateBuilder aliases go-sqlbuilder's update builder so OnConflict can hand
// one back without callers importing the library directly.
type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

// Struct builds queries from db-tagged row structs
type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)}
}

func (s *Struct) InsertInto(table string, rows ...any) *InsertBuilder {
	return &InsertBuilder{s.Struct.InsertInto(table, rows...)}
}
