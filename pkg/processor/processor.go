// Package processor orchestrates deduplication for records flowing through
// the pipeline: key extraction, candidate search, group mutation and the
// batch pass over records flagged for re-deduplication.
package processor

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/internal/metrics"
	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/extractor"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/matching"
	"github.com/Ramsey-B/sorrel/pkg/merging"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Processor runs deduplication over records
type Processor struct {
	logger          ectologger.Logger
	records         storage.RecordStore
	factory         metadata.Factory
	search          *matching.Engine
	merger          *merging.Engine
	disabledSources map[string]struct{}
}

// NewProcessor creates a new dedup processor. disabledSources lists source
// ids whose records never participate in deduplication.
func NewProcessor(
	logger ectologger.Logger,
	records storage.RecordStore,
	factory metadata.Factory,
	search *matching.Engine,
	merger *merging.Engine,
	disabledSources []string,
) *Processor {
	disabled := make(map[string]struct{}, len(disabledSources))
	for _, source := range disabledSources {
		disabled[source] = struct{}{}
	}
	return &Processor{
		logger:          logger,
		records:         records,
		factory:         factory,
		search:          search,
		merger:          merger,
		disabledSources: disabled,
	}
}

// DedupRecord runs one full dedup pass for a record: refresh its candidate
// keys, search for a duplicate, and either link it into a group or detach it
// from a group it no longer belongs in. Returns whether a duplicate was
// found. Data-quality problems never surface as errors; only storage
// failures do.
func (p *Processor) DedupRecord(ctx context.Context, record *models.Record) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.DedupRecord")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.DedupDuration.WithLabelValues(record.SourceID).Observe(time.Since(start).Seconds())
	}()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": record.ID,
		"source_id": record.SourceID,
	})

	if record.Deleted || record.IsSuppressed() || p.sourceDisabled(record.SourceID) {
		if err := p.detach(ctx, record); err != nil {
			return false, err
		}
		metrics.RecordsProcessedTotal.WithLabelValues(record.SourceID, "skipped").Inc()
		return false, nil
	}

	meta, err := p.factory.CreateRecord(record.Format, record.Payload)
	if err != nil {
		log.WithError(err).Error("Failed to open record metadata, skipping dedup")
		metrics.RecordsProcessedTotal.WithLabelValues(record.SourceID, "unreadable").Inc()
		return false, nil
	}

	if extractor.UpdateCandidateKeys(record, meta) {
		if err := p.persistKeys(ctx, record); err != nil {
			return false, err
		}
	}

	best, err := p.search.FindBestMatch(ctx, record, meta)
	if err != nil {
		return false, err
	}

	if best != nil {
		if err := p.merger.MarkDuplicates(ctx, record.ID, best.ID); err != nil {
			return false, err
		}
		metrics.RecordsProcessedTotal.WithLabelValues(record.SourceID, "matched").Inc()
		return true, nil
	}

	if record.DedupID != nil || record.UpdateNeeded {
		if err := p.detach(ctx, record); err != nil {
			return false, err
		}
	}
	metrics.RecordsProcessedTotal.WithLabelValues(record.SourceID, "unmatched").Inc()
	return false, nil
}

// ProcessPending runs DedupRecord over every record flagged update_needed,
// oldest first. Stops early when the context is cancelled. Returns the
// number of records processed.
func (p *Processor) ProcessPending(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessPending")
	defer span.End()

	log := p.logger.WithContext(ctx)

	processed := 0
	var runErr error
	err := p.records.IterateRecords(ctx,
		filter.Filter{"update_needed": true},
		&storage.FindOptions{Sort: []storage.SortField{{Field: "updated_at"}}},
		func(record *models.Record) bool {
			select {
			case <-ctx.Done():
				runErr = ctx.Err()
				return false
			default:
			}

			if _, err := p.DedupRecord(ctx, record); err != nil {
				runErr = err
				return false
			}
			processed++
			return true
		},
	)
	if err != nil {
		return processed, err
	}
	if runErr != nil {
		return processed, runErr
	}

	log.WithFields(map[string]any{"processed": processed}).Info("Processed pending dedup records")
	return processed, nil
}

// detach removes the record from its group (if any) and clears its dedup
// state
func (p *Processor) detach(ctx context.Context, record *models.Record) error {
	if record.DedupID != nil {
		if err := p.merger.RemoveFromGroup(ctx, *record.DedupID, record.ID); err != nil {
			return err
		}
	}
	return p.records.UpdateRecord(ctx, record.ID,
		map[string]any{"update_needed": false, "updated_at": time.Now().UTC()},
		[]string{"dedup_id"},
	)
}

// persistKeys writes the record's recomputed candidate keys. Empty key lists
// are unset rather than stored empty.
func (p *Processor) persistKeys(ctx context.Context, record *models.Record) error {
	set := map[string]any{"updated_at": time.Now().UTC()}
	var unset []string

	if len(record.TitleKeys) > 0 {
		set["title_keys"] = record.TitleKeys
	} else {
		unset = append(unset, "title_keys")
	}
	if len(record.ISBNKeys) > 0 {
		set["isbn_keys"] = record.ISBNKeys
	} else {
		unset = append(unset, "isbn_keys")
	}
	if len(record.IDKeys) > 0 {
		set["id_keys"] = record.IDKeys
	} else {
		unset = append(unset, "id_keys")
	}

	return p.records.UpdateRecord(ctx, record.ID, set, unset)
}

func (p *Processor) sourceDisabled(sourceID string) bool {
	_, disabled := p.disabledSources[sourceID]
	return disabled
}
