// Package repair validates dedup group and record link consistency and heals
// divergence left behind by concurrent workers. It runs as a periodic
// reconciliation pass and never fails the run for one bad record.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/internal/metrics"
	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/merging"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Checker validates and repairs dedup state
type Checker struct {
	logger  ectologger.Logger
	records storage.RecordStore
	groups  storage.DedupStore
	merger  *merging.Engine
}

// NewChecker creates a new consistency checker
func NewChecker(
	logger ectologger.Logger,
	records storage.RecordStore,
	groups storage.DedupStore,
	merger *merging.Engine,
) *Checker {
	return &Checker{
		logger:  logger,
		records: records,
		groups:  groups,
		merger:  merger,
	}
}

// CheckGroup validates one dedup group and evicts members that no longer
// belong. Returns one human-readable message per repair applied.
func (c *Checker) CheckGroup(ctx context.Context, group *models.DedupGroup) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "repair.Checker.CheckGroup")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"group_id": group.ID,
	})

	if !group.Deleted && len(group.IDs) == 0 {
		if err := c.groups.DeleteGroup(ctx, group.ID); err != nil {
			return nil, err
		}
		metrics.RepairActionsTotal.WithLabelValues("empty_group").Inc()
		log.Warn("Deleted empty dedup group")
		return []string{fmt.Sprintf("Deleted empty dedup group %s", group.ID)}, nil
	}

	var messages []string
	seenSources := make(map[string]struct{})

	for _, id := range group.IDs {
		record, err := c.records.GetRecord(ctx, id)
		if err != nil {
			return messages, err
		}

		reason := evictionReason(group, record, seenSources)
		if reason == "" {
			seenSources[models.SourcePrefix(id)] = struct{}{}
			continue
		}

		if err := c.evict(ctx, group, record, id); err != nil {
			return messages, err
		}

		metrics.RepairActionsTotal.WithLabelValues(reason).Inc()
		message := fmt.Sprintf("Removed %s from dedup group %s (%s)", id, group.ID, reason)
		log.WithFields(map[string]any{"record_id": id, "reason": reason}).Warn("Evicted record from dedup group")
		messages = append(messages, message)
	}

	return messages, nil
}

// evictionReason decides whether a group member must be evicted, and why
func evictionReason(group *models.DedupGroup, record *models.Record, seenSources map[string]struct{}) string {
	if record == nil {
		return "record missing"
	}
	if _, seen := seenSources[models.SourcePrefix(record.ID)]; seen {
		return "duplicate source in group"
	}
	if group.Deleted {
		return "group deleted"
	}
	if record.Deleted {
		return "record deleted"
	}
	if len(group.IDs) < 2 {
		return "group has too few members"
	}
	if record.DedupID == nil {
		return "record not linked to group"
	}
	if *record.DedupID != group.ID {
		return "record linked to different group"
	}
	return ""
}

// evict clears the record's link via a filtered update before detaching it,
// so a concurrent writer cannot resurrect the stale reference between the two
// steps. The filter pins the dedup id the record was observed with, which may
// be another group's when the member points elsewhere.
func (c *Checker) evict(ctx context.Context, group *models.DedupGroup, record *models.Record, id string) error {
	linkedID := group.ID
	if record != nil && record.DedupID != nil {
		linkedID = *record.DedupID
	}
	err := c.records.UpdateRecords(ctx,
		filter.Filter{"id": id, "dedup_id": linkedID},
		map[string]any{"update_needed": true, "updated_at": time.Now().UTC()},
		[]string{"dedup_id"},
	)
	if err != nil {
		return err
	}

	if err := c.merger.RemoveFromGroup(ctx, group.ID, id); err != nil {
		return err
	}

	if record != nil && record.DedupID != nil && *record.DedupID != group.ID {
		if err := c.merger.RemoveFromGroup(ctx, *record.DedupID, id); err != nil {
			return err
		}
	}
	return nil
}

// CheckRecordLinks verifies that a record's dedup reference is reciprocated
// by the group. A dangling or one-sided link is cleared and the record
// flagged for re-deduplication. Returns an explanatory message when a repair
// was applied.
func (c *Checker) CheckRecordLinks(ctx context.Context, record *models.Record) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "repair.Checker.CheckRecordLinks")
	defer span.End()

	if record.DedupID == nil {
		return "", nil
	}

	group, err := c.groups.GetGroup(ctx, *record.DedupID)
	if err != nil {
		return "", err
	}
	if group != nil && !group.Deleted && group.Contains(record.ID) {
		return "", nil
	}

	err = c.records.UpdateRecords(ctx,
		filter.Filter{"id": record.ID},
		map[string]any{"update_needed": true, "updated_at": time.Now().UTC()},
		[]string{"dedup_id"},
	)
	if err != nil {
		return "", err
	}

	metrics.RepairActionsTotal.WithLabelValues("dangling_link").Inc()
	message := fmt.Sprintf("Cleared dangling dedup reference %s from record %s", *record.DedupID, record.ID)
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": record.ID,
		"dedup_id":  *record.DedupID,
	}).Warn("Cleared dangling dedup reference")
	return message, nil
}

// CheckAllGroups runs CheckGroup over every stored group, live groups first.
// Returns all repair messages.
func (c *Checker) CheckAllGroups(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "repair.Checker.CheckAllGroups")
	defer span.End()

	var messages []string
	var runErr error
	err := c.groups.IterateGroups(ctx, filter.Filter{"deleted": false}, nil, func(group *models.DedupGroup) bool {
		repaired, err := c.CheckGroup(ctx, group)
		if err != nil {
			runErr = err
			return false
		}
		messages = append(messages, repaired...)
		return true
	})
	if err != nil {
		return messages, err
	}
	return messages, runErr
}
