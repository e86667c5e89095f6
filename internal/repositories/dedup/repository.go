// Package dedup provides the PostgreSQL-backed dedup group store
package dedup

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/sorrel/internal/database"
	"github.com/Ramsey-B/sorrel/internal/repositories/sqlfilter"
	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

const table = "dedup_groups"

var columns = []string{"id", "ids", "deleted", "changed_at"}

// arrayFields marks the member id list for any-element filter semantics
var arrayFields = map[string]bool{
	"ids": true,
}

// Repository handles dedup group persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dedup group repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ storage.DedupStore = (*Repository)(nil)

type groupRow struct {
	ID        string         `db:"id"`
	IDs       pq.StringArray `db:"ids"`
	Deleted   bool           `db:"deleted"`
	ChangedAt time.Time      `db:"changed_at"`
}

var groupStruct = database.NewStruct(new(groupRow))

func (row *groupRow) toModel() *models.DedupGroup {
	return &models.DedupGroup{
		ID:        row.ID,
		IDs:       row.IDs,
		Deleted:   row.Deleted,
		ChangedAt: row.ChangedAt,
	}
}

// GetGroup retrieves a group by id. Returns (nil, nil) when it does not exist.
func (r *Repository) GetGroup(ctx context.Context, id string) (*models.DedupGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.GetGroup")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	sb.Limit(1)

	query, args := sb.Build()
	var row groupRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get dedup group")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dedup group")
	}
	return row.toModel(), nil
}

// FindGroup returns the first group matching the filter or (nil, nil)
func (r *Repository) FindGroup(ctx context.Context, f filter.Filter, opts *storage.FindOptions) (*models.DedupGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.FindGroup")
	defer span.End()

	limited := storage.FindOptions{Limit: 1}
	if opts != nil {
		limited = *opts
		limited.Limit = 1
	}
	groups, err := r.FindGroups(ctx, f, &limited)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return groups[0], nil
}

// FindGroups returns all groups matching the filter
func (r *Repository) FindGroups(ctx context.Context, f filter.Filter, opts *storage.FindOptions) ([]*models.DedupGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.FindGroups")
	defer span.End()

	var groups []*models.DedupGroup
	err := r.IterateGroups(ctx, f, opts, func(group *models.DedupGroup) bool {
		groups = append(groups, group)
		return true
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// IterateGroups streams matching groups through fn; fn returning false stops
// the iteration.
func (r *Repository) IterateGroups(ctx context.Context, f filter.Filter, opts *storage.FindOptions, fn func(*models.DedupGroup) bool) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.IterateGroups")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	exprs, residual := sqlfilter.Translate(sb, f, arrayFields)
	if len(exprs) > 0 {
		sb.Where(exprs...)
	}

	skip := 0
	limit := 0
	if opts != nil {
		if len(opts.Sort) > 0 {
			sb.OrderBy(sqlfilter.OrderBy(opts.Sort)...)
		}
		if residual == nil {
			if opts.Limit > 0 {
				sb.Limit(opts.Limit)
			}
			if opts.Skip > 0 {
				sb.Offset(opts.Skip)
			}
		} else {
			skip = opts.Skip
			limit = opts.Limit
		}
	}

	query, args := sb.Build()
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query dedup groups")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to query dedup groups")
	}
	defer rows.Close()

	seen := 0
	for rows.Next() {
		var row groupRow
		if err := rows.StructScan(&row); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to scan dedup group row")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan dedup group")
		}
		group := row.toModel()
		if residual != nil && !filter.Matches(group.AsDocument(), residual) {
			continue
		}
		seen++
		if seen <= skip {
			continue
		}
		if !fn(group) {
			break
		}
		if limit > 0 && seen-skip >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Dedup group iteration failed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "dedup group iteration failed")
	}
	return nil
}

// SaveGroup inserts or replaces a group by id
func (r *Repository) SaveGroup(ctx context.Context, group *models.DedupGroup) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.SaveGroup")
	defer span.End()

	row := &groupRow{
		ID:        group.ID,
		IDs:       group.IDs,
		Deleted:   group.Deleted,
		ChangedAt: group.ChangedAt,
	}
	ib := groupStruct.InsertInto(table, row)
	ub := ib.OnConflict("id")
	ub.Set(
		ub.Assign("ids", database.Excluded("ids")),
		ub.Assign("deleted", database.Excluded("deleted")),
		ub.Assign("changed_at", database.Excluded("changed_at")),
	)

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": group.ID}).Error("Failed to save dedup group")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save dedup group")
	}
	return tx.Commit(ctx)
}

// DeleteGroup marks a group deleted and clears its member list. Group rows
// are never physically removed so old dedup ids stay resolvable.
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.DeleteGroup")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("deleted", true),
		sb.Assign("ids", pq.Array([]string{})),
		sb.Assign("changed_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to delete dedup group")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete dedup group")
	}
	return nil
}

// CountGroups counts groups matching the filter
func (r *Repository) CountGroups(ctx context.Context, f filter.Filter) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Repository.CountGroups")
	defer span.End()

	if len(f) == 0 {
		var estimate int64
		err := r.db.GetContext(ctx, &estimate, "SELECT reltuples::bigint FROM pg_class WHERE relname = $1", table)
		if err == nil && estimate >= 0 {
			return estimate, false, nil
		}
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)

	exprs, residual := sqlfilter.Translate(sb, f, arrayFields)
	if residual != nil {
		var count int64
		err := r.IterateGroups(ctx, f, nil, func(*models.DedupGroup) bool {
			count++
			return true
		})
		return count, true, err
	}
	if len(exprs) > 0 {
		sb.Where(exprs...)
	}

	query, args := sb.Build()
	var count int64
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count dedup groups")
		return 0, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count dedup groups")
	}
	return count, true, nil
}
