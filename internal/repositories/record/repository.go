// Package record provides the PostgreSQL-backed record store
package record

import (
	"context"
	"encoding/json"
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

const table = "records"

var columns = []string{
	"id", "source_id", "format", "payload", "deleted", "suppressed",
	"dedup_id", "update_needed", "title_keys", "isbn_keys", "id_keys",
	"host_record_id", "linking_id", "created_at", "updated_at",
}

// arrayFields are the text[] columns with any-element filter semantics
var arrayFields = map[string]bool{
	"title_keys": true,
	"isbn_keys":  true,
	"id_keys":    true,
}

// Repository handles record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ storage.RecordStore = (*Repository)(nil)

// recordRow maps a records table row; the key arrays scan through pq and the
// payload through the jsonb wrapper
type recordRow struct {
	ID           string                          `db:"id"`
	SourceID     string                          `db:"source_id"`
	Format       string                          `db:"format"`
	Payload      database.JSONB[json.RawMessage] `db:"payload"`
	Deleted      bool                            `db:"deleted"`
	Suppressed   *bool                           `db:"suppressed"`
	DedupID      *string                         `db:"dedup_id"`
	UpdateNeeded bool                            `db:"update_needed"`
	TitleKeys    pq.StringArray                  `db:"title_keys"`
	ISBNKeys     pq.StringArray                  `db:"isbn_keys"`
	IDKeys       pq.StringArray                  `db:"id_keys"`
	HostRecordID *string                         `db:"host_record_id"`
	LinkingID    *string                         `db:"linking_id"`
	CreatedAt    time.Time                       `db:"created_at"`
	UpdatedAt    time.Time                       `db:"updated_at"`
}

var recordStruct = database.NewStruct(new(recordRow))

func fromModel(record *models.Record) *recordRow {
	return &recordRow{
		ID:           record.ID,
		SourceID:     record.SourceID,
		Format:       record.Format,
		Payload:      database.JSONB[json.RawMessage]{Data: record.Payload},
		Deleted:      record.Deleted,
		Suppressed:   record.Suppressed,
		DedupID:      record.DedupID,
		UpdateNeeded: record.UpdateNeeded,
		TitleKeys:    record.TitleKeys,
		ISBNKeys:     record.ISBNKeys,
		IDKeys:       record.IDKeys,
		HostRecordID: record.HostRecordID,
		LinkingID:    record.LinkingID,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func (row *recordRow) toModel() *models.Record {
	return &models.Record{
		ID:           row.ID,
		SourceID:     row.SourceID,
		Format:       row.Format,
		Payload:      row.Payload.GetValue(),
		Deleted:      row.Deleted,
		Suppressed:   row.Suppressed,
		DedupID:      row.DedupID,
		UpdateNeeded: row.UpdateNeeded,
		TitleKeys:    row.TitleKeys,
		ISBNKeys:     row.ISBNKeys,
		IDKeys:       row.IDKeys,
		HostRecordID: row.HostRecordID,
		LinkingID:    row.LinkingID,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

// GetRecord retrieves a record by id. Returns (nil, nil) when it does not exist.
func (r *Repository) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.GetRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	sb.Limit(1)

	query, args := sb.Build()
	var row recordRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}
	return row.toModel(), nil
}

// FindRecord returns the first record matching the filter or (nil, nil)
func (r *Repository) FindRecord(ctx context.Context, f filter.Filter, opts *storage.FindOptions) (*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FindRecord")
	defer span.End()

	limited := storage.FindOptions{Limit: 1}
	if opts != nil {
		limited = *opts
		limited.Limit = 1
	}
	records, err := r.FindRecords(ctx, f, &limited)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// FindRecords returns all records matching the filter. Conditions the SQL
// translation cannot express are evaluated in Go after the fetch.
func (r *Repository) FindRecords(ctx context.Context, f filter.Filter, opts *storage.FindOptions) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FindRecords")
	defer span.End()

	var records []*models.Record
	err := r.IterateRecords(ctx, f, opts, func(record *models.Record) bool {
		records = append(records, record)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// IterateRecords streams matching records through fn; fn returning false
// stops the iteration.
func (r *Repository) IterateRecords(ctx context.Context, f filter.Filter, opts *storage.FindOptions, fn func(*models.Record) bool) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.IterateRecords")
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
		// skip and limit can only be pushed down when the database saw the
		// whole filter
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
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query records")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to query records")
	}
	defer rows.Close()

	seen := 0
	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to scan record row")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan record")
		}
		record := row.toModel()
		if residual != nil && !filter.Matches(record.AsDocument(), residual) {
			continue
		}
		seen++
		if seen <= skip {
			continue
		}
		if !fn(record) {
			break
		}
		if limit > 0 && seen-skip >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Record iteration failed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "record iteration failed")
	}
	return nil
}

// SaveRecord inserts or replaces a record by id
func (r *Repository) SaveRecord(ctx context.Context, record *models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.SaveRecord")
	defer span.End()

	ib := recordStruct.InsertInto(table, fromModel(record))
	ub := ib.OnConflict("id")
	ub.Set(
		ub.Assign("source_id", database.Excluded("source_id")),
		ub.Assign("format", database.Excluded("format")),
		ub.Assign("payload", database.Excluded("payload")),
		ub.Assign("deleted", database.Excluded("deleted")),
		ub.Assign("suppressed", database.Excluded("suppressed")),
		ub.Assign("dedup_id", database.Excluded("dedup_id")),
		ub.Assign("update_needed", database.Excluded("update_needed")),
		ub.Assign("title_keys", database.Excluded("title_keys")),
		ub.Assign("isbn_keys", database.Excluded("isbn_keys")),
		ub.Assign("id_keys", database.Excluded("id_keys")),
		ub.Assign("host_record_id", database.Excluded("host_record_id")),
		ub.Assign("linking_id", database.Excluded("linking_id")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": record.ID, "source_id": record.SourceID}).Error("Failed to save record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save record")
	}
	return tx.Commit(ctx)
}

// UpdateRecord applies set/unset field updates to a single record
func (r *Repository) UpdateRecord(ctx context.Context, id string, set map[string]any, unset []string) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.UpdateRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(assignments(sb, set, unset)...)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to update record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}
	return nil
}

// UpdateRecords applies set/unset field updates to every record matching the
// filter. Filters with untranslatable conditions resolve the target ids first.
func (r *Repository) UpdateRecords(ctx context.Context, f filter.Filter, set map[string]any, unset []string) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.UpdateRecords")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(assignments(sb, set, unset)...)

	exprs, residual := sqlfilter.Translate(sb, f, arrayFields)
	if residual != nil {
		matched, err := r.FindRecords(ctx, f, nil)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}
		ids := make([]any, len(matched))
		for i, record := range matched {
			ids[i] = record.ID
		}
		exprs = []string{sb.In("id", ids...)}
	}
	if len(exprs) > 0 {
		sb.Where(exprs...)
	}

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update records")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update records")
	}
	return nil
}

// DeleteRecord removes a record row entirely. Dedup processing uses the
// deleted flag instead; this exists for administrative cleanup.
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.DeleteRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to delete record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete record")
	}
	return nil
}

// CountRecords counts records matching the filter. An empty filter returns
// the planner's row estimate, which is cheap on large tables; exact reports
// which path was taken.
func (r *Repository) CountRecords(ctx context.Context, f filter.Filter) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CountRecords")
	defer span.End()

	if len(f) == 0 {
		var estimate int64
		err := r.db.GetContext(ctx, &estimate, "SELECT reltuples::bigint FROM pg_class WHERE relname = $1", table)
		if err == nil && estimate >= 0 {
			return estimate, false, nil
		}
		// fall through to an exact count when the estimate is unavailable
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From(table)

	exprs, residual := sqlfilter.Translate(sb, f, arrayFields)
	if residual != nil {
		var count int64
		err := r.IterateRecords(ctx, f, nil, func(*models.Record) bool {
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
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count records")
		return 0, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count records")
	}
	return count, true, nil
}

// assignments renders set/unset updates as SQL assignments. Unset fields
// become NULLs, which reads back as a missing field.
func assignments(sb *sqlbuilder.UpdateBuilder, set map[string]any, unset []string) []string {
	assigns := make([]string, 0, len(set)+len(unset))
	for field, value := range set {
		if keys, ok := value.([]string); ok {
			assigns = append(assigns, sb.Assign(field, pq.Array(keys)))
			continue
		}
		assigns = append(assigns, sb.Assign(field, value))
	}
	for _, field := range unset {
		assigns = append(assigns, sb.Assign(field, nil))
	}
	return assigns
}
