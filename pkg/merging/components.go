package merging

import (
	"context"

	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// DedupComponentParts propagates a host record's deduplication to its
// component parts. Component lists of the host and of each other host in the
// same dedup group are compared position by position (both sorted by id so
// positions line up deterministically); only a full pairwise match marks any
// duplicates. The first fully matching host wins. Returns the number of
// component pairs marked.
func (e *Engine) DedupComponentParts(ctx context.Context, host *models.Record) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.DedupComponentParts")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": host.ID,
	})

	if host.LinkingID == nil || *host.LinkingID == "" {
		log.Error("Host record has no linking id, cannot dedup component parts")
		return 0, nil
	}
	if host.DedupID == nil {
		return 0, nil
	}

	parts, err := e.componentParts(ctx, *host.LinkingID)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, nil
	}

	// Scan the other hosts in the group until one matches on every position.
	var matched []*models.Record
	var iterErr error
	err = e.records.IterateRecords(ctx,
		filter.Filter{
			"dedup_id":  *host.DedupID,
			"id":        map[string]any{filter.OpNe: host.ID},
			"source_id": map[string]any{filter.OpNe: host.SourceID},
		},
		nil,
		func(other *models.Record) bool {
			if other.LinkingID == nil || *other.LinkingID == "" {
				return true
			}
			otherParts, err := e.componentParts(ctx, *other.LinkingID)
			if err != nil {
				iterErr = err
				return false
			}
			if len(otherParts) != len(parts) {
				return true
			}

			for i, part := range parts {
				meta, err := e.factory.CreateRecord(part.Format, part.Payload)
				if err != nil {
					log.WithError(err).Warn("Failed to open component part metadata")
					return true
				}
				if !e.matcher.Match(ctx, part, meta, otherParts[i]) {
					return true
				}
			}

			matched = otherParts
			return false
		},
	)
	if err != nil {
		return 0, err
	}
	if iterErr != nil {
		return 0, iterErr
	}
	if matched == nil {
		return 0, nil
	}

	for i, part := range parts {
		if err := e.MarkDuplicates(ctx, part.ID, matched[i].ID); err != nil {
			return i, err
		}
	}

	log.WithFields(map[string]any{"component_pairs": len(parts)}).Debug("Deduplicated component parts")
	return len(parts), nil
}

// componentParts fetches the live component parts of a host, sorted by id so
// positional comparison across hosts is stable
func (e *Engine) componentParts(ctx context.Context, linkingID string) ([]*models.Record, error) {
	return e.records.FindRecords(ctx,
		filter.Filter{
			"host_record_id": map[string]any{filter.OpIn: []string{linkingID}},
			"deleted":        false,
			"suppressed":     map[string]any{filter.OpIn: []any{nil, false}},
		},
		&storage.FindOptions{Sort: []storage.SortField{{Field: "id"}}},
	)
}
