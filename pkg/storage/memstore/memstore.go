// Package memstore provides in-memory implementations of the storage
// contracts. It backs engine tests and small one-off tooling runs; the
// production stores are the PostgreSQL repositories.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// RecordStore is an in-memory storage.RecordStore
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*models.Record
	order   []string // insertion order, used as a stable tie break
}

// NewRecordStore creates an empty in-memory record store
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*models.Record)}
}

func (s *RecordStore) GetRecord(_ context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *RecordStore) FindRecord(ctx context.Context, f filter.Filter, opts *storage.FindOptions) (*models.Record, error) {
	limited := storage.FindOptions{Limit: 1}
	if opts != nil {
		limited = *opts
		limited.Limit = 1
	}
	matches, err := s.FindRecords(ctx, f, &limited)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

func (s *RecordStore) FindRecords(_ context.Context, f filter.Filter, opts *storage.FindOptions) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*models.Record
	for _, id := range s.order {
		record := s.records[id]
		if filter.Matches(record.AsDocument(), f) {
			clone := *record
			matches = append(matches, &clone)
		}
	}

	return applyOptions(matches, opts, recordSortValue), nil
}

func (s *RecordStore) IterateRecords(ctx context.Context, f filter.Filter, opts *storage.FindOptions, fn func(*models.Record) bool) error {
	matches, err := s.FindRecords(ctx, f, opts)
	if err != nil {
		return err
	}
	for _, record := range matches {
		if !fn(record) {
			return nil
		}
	}
	return nil
}

func (s *RecordStore) SaveRecord(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; !ok {
		s.order = append(s.order, record.ID)
	}
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *RecordStore) UpdateRecord(_ context.Context, id string, set map[string]any, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok {
		record.ApplyUpdate(set, unset)
	}
	return nil
}

func (s *RecordStore) UpdateRecords(_ context.Context, f filter.Filter, set map[string]any, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if filter.Matches(record.AsDocument(), f) {
			record.ApplyUpdate(set, unset)
		}
	}
	return nil
}

func (s *RecordStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; ok {
		delete(s.records, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *RecordStore) CountRecords(ctx context.Context, f filter.Filter) (int64, bool, error) {
	matches, err := s.FindRecords(ctx, f, nil)
	if err != nil {
		return 0, false, err
	}
	return int64(len(matches)), true, nil
}

// DedupStore is an in-memory storage.DedupStore
type DedupStore struct {
	mu     sync.RWMutex
	groups map[string]*models.DedupGroup
	order  []string
}

// NewDedupStore creates an empty in-memory dedup group store
func NewDedupStore() *DedupStore {
	return &DedupStore{groups: make(map[string]*models.DedupGroup)}
}

func (s *DedupStore) GetGroup(_ context.Context, id string) (*models.DedupGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return cloneGroup(group), nil
}

func (s *DedupStore) FindGroup(ctx context.Context, f filter.Filter, opts *storage.FindOptions) (*models.DedupGroup, error) {
	limited := storage.FindOptions{Limit: 1}
	if opts != nil {
		limited = *opts
		limited.Limit = 1
	}
	matches, err := s.FindGroups(ctx, f, &limited)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[0], nil
}

func (s *DedupStore) FindGroups(_ context.Context, f filter.Filter, opts *storage.FindOptions) ([]*models.DedupGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*models.DedupGroup
	for _, id := range s.order {
		group := s.groups[id]
		if filter.Matches(group.AsDocument(), f) {
			matches = append(matches, cloneGroup(group))
		}
	}

	return applyOptions(matches, opts, groupSortValue), nil
}

func (s *DedupStore) IterateGroups(ctx context.Context, f filter.Filter, opts *storage.FindOptions, fn func(*models.DedupGroup) bool) error {
	matches, err := s.FindGroups(ctx, f, opts)
	if err != nil {
		return err
	}
	for _, group := range matches {
		if !fn(group) {
			return nil
		}
	}
	return nil
}

func (s *DedupStore) SaveGroup(_ context.Context, group *models.DedupGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group.ID]; !ok {
		s.order = append(s.order, group.ID)
	}
	s.groups[group.ID] = cloneGroup(group)
	return nil
}

func (s *DedupStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; ok {
		delete(s.groups, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *DedupStore) CountGroups(ctx context.Context, f filter.Filter) (int64, bool, error) {
	matches, err := s.FindGroups(ctx, f, nil)
	if err != nil {
		return 0, false, err
	}
	return int64(len(matches)), true, nil
}

func cloneGroup(group *models.DedupGroup) *models.DedupGroup {
	clone := *group
	clone.IDs = append([]string(nil), group.IDs...)
	return &clone
}

// applyOptions sorts, skips and limits an already filtered result set
func applyOptions[T any](matches []T, opts *storage.FindOptions, sortValue func(T, string) any) []T {
	if opts == nil {
		return matches
	}

	for i := len(opts.Sort) - 1; i >= 0; i-- {
		field := opts.Sort[i]
		sort.SliceStable(matches, func(a, b int) bool {
			less := valueLess(sortValue(matches[a], field.Field), sortValue(matches[b], field.Field))
			if field.Desc {
				return !less && !valuesSame(sortValue(matches[a], field.Field), sortValue(matches[b], field.Field))
			}
			return less
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(matches) {
			return nil
		}
		matches = matches[opts.Skip:]
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches
}

func recordSortValue(record *models.Record, field string) any {
	doc := record.AsDocument()
	return doc[field]
}

func groupSortValue(group *models.DedupGroup, field string) any {
	doc := group.AsDocument()
	return doc[field]
}

func valueLess(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case int:
		if bv, ok := b.(int); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	}
	return false
}

func valuesSame(a, b any) bool {
	return !valueLess(a, b) && !valueLess(b, a)
}
