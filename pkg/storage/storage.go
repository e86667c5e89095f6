// Package storage defines the persistence contracts consumed by the dedup
// engine. Implementations live in internal/repositories (PostgreSQL) and
// pkg/storage/memstore (in-memory, used by tests and tooling).
package storage

import (
	"context"

	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/models"
)

// SortField orders results by a single field
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions bounds and orders find/iterate calls
type FindOptions struct {
	Sort  []SortField
	Limit int
	Skip  int
}

// RecordStore persists harvested records. Get returns (nil, nil) when the
// record does not exist; store-level failures propagate unmodified.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	FindRecord(ctx context.Context, f filter.Filter, opts *FindOptions) (*models.Record, error)
	FindRecords(ctx context.Context, f filter.Filter, opts *FindOptions) ([]*models.Record, error)
	// IterateRecords calls fn for each matching record; returning false from
	// fn stops the iteration early.
	IterateRecords(ctx context.Context, f filter.Filter, opts *FindOptions, fn func(*models.Record) bool) error
	SaveRecord(ctx context.Context, record *models.Record) error
	UpdateRecord(ctx context.Context, id string, set map[string]any, unset []string) error
	UpdateRecords(ctx context.Context, f filter.Filter, set map[string]any, unset []string) error
	DeleteRecord(ctx context.Context, id string) error
	// CountRecords may return an estimate; exact reports whether the count is
	// precise. The dedup algorithm never consumes counts.
	CountRecords(ctx context.Context, f filter.Filter) (count int64, exact bool, err error)
}

// DedupStore persists dedup groups with the same contracts as RecordStore
type DedupStore interface {
	GetGroup(ctx context.Context, id string) (*models.DedupGroup, error)
	FindGroup(ctx context.Context, f filter.Filter, opts *FindOptions) (*models.DedupGroup, error)
	FindGroups(ctx context.Context, f filter.Filter, opts *FindOptions) ([]*models.DedupGroup, error)
	IterateGroups(ctx context.Context, f filter.Filter, opts *FindOptions, fn func(*models.DedupGroup) bool) error
	SaveGroup(ctx context.Context, group *models.DedupGroup) error
	DeleteGroup(ctx context.Context, id string) error
	CountGroups(ctx context.Context, f filter.Filter) (count int64, exact bool, err error)
}
