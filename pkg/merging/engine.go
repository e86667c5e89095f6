// Package merging mutates dedup groups: creating them when two records first
// match, extending them, and detaching members while keeping the group
// invariants intact.
package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/internal/metrics"
	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/matching"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Notifier receives group lifecycle notifications. Implementations must not
// fail the mutation; errors are theirs to log.
type Notifier interface {
	GroupCreated(ctx context.Context, group *models.DedupGroup)
	GroupExtended(ctx context.Context, group *models.DedupGroup, recordID string)
	GroupDetached(ctx context.Context, groupID, recordID string)
	GroupDeleted(ctx context.Context, groupID string)
}

// Engine performs dedup group mutations
type Engine struct {
	logger    ectologger.Logger
	records   storage.RecordStore
	groups    storage.DedupStore
	matcher   *matching.Matcher
	factory   metadata.Factory
	notifiers []Notifier
}

// NewEngine creates a new group mutation engine
func NewEngine(
	logger ectologger.Logger,
	records storage.RecordStore,
	groups storage.DedupStore,
	matcher *matching.Matcher,
	factory metadata.Factory,
	notifiers ...Notifier,
) *Engine {
	return &Engine{
		logger:    logger,
		records:   records,
		groups:    groups,
		matcher:   matcher,
		factory:   factory,
		notifiers: notifiers,
	}
}

// MarkDuplicates links two records into the same dedup group. Both records
// are re-read first so the decision is never applied to stale state; if
// either has gone missing, deleted or suppressed in the meantime the
// operation is logged and dropped.
func (e *Engine) MarkDuplicates(ctx context.Context, id1, id2 string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.MarkDuplicates")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id":    id1,
		"duplicate_id": id2,
	})

	record1, err := e.records.GetRecord(ctx, id1)
	if err != nil {
		return err
	}
	record2, err := e.records.GetRecord(ctx, id2)
	if err != nil {
		return err
	}
	if !eligible(record1) || !eligible(record2) {
		log.Warn("Record(s) no longer available for deduplication, aborting")
		return nil
	}

	// Detachments from superseded groups are deferred until after the bulk
	// field update so no group is read mid-mutation.
	var pendingDetach []detachment

	var dedupID string
	switch {
	case record2.DedupID != nil:
		dedupID, err = e.attachOrRecreate(ctx, log, record2, record1)
		if err != nil {
			return err
		}
		if record1.DedupID != nil && *record1.DedupID != dedupID {
			pendingDetach = append(pendingDetach, detachment{groupID: *record1.DedupID, recordID: record1.ID})
		}

	case record1.DedupID != nil:
		dedupID, err = e.attachOrRecreate(ctx, log, record1, record2)
		if err != nil {
			return err
		}
		if record2.DedupID != nil && *record2.DedupID != dedupID {
			pendingDetach = append(pendingDetach, detachment{groupID: *record2.DedupID, recordID: record2.ID})
		}

	default:
		group, err := e.CreateGroup(ctx, record1.ID, record2.ID)
		if err != nil {
			return err
		}
		dedupID = group.ID
	}

	now := time.Now().UTC()
	err = e.records.UpdateRecords(ctx,
		filter.Filter{"id": map[string]any{filter.OpIn: []string{record1.ID, record2.ID}}},
		map[string]any{"dedup_id": dedupID, "updated_at": now, "update_needed": false},
		nil,
	)
	if err != nil {
		return err
	}
	// Refresh the in-memory copies so the cascade below sees the group both
	// records now belong to, not the one they came in with.
	record1.DedupID = &dedupID
	record2.DedupID = &dedupID

	for _, d := range pendingDetach {
		if err := e.RemoveFromGroup(ctx, d.groupID, d.recordID); err != nil {
			return err
		}
	}

	log.WithFields(map[string]any{"dedup_id": dedupID}).Debug("Marked records as duplicates")

	if !record1.IsComponentPart() {
		if _, err := e.DedupComponentParts(ctx, record1); err != nil {
			return err
		}
	}

	return nil
}

type detachment struct {
	groupID  string
	recordID string
}

// attachOrRecreate tries to add the other record to the anchor's existing
// group. On a same-source conflict the anchor is detached from its old group
// and a fresh two-member group replaces it.
func (e *Engine) attachOrRecreate(ctx context.Context, log ectologger.Logger, anchor, other *models.Record) (string, error) {
	added, err := e.AddToGroup(ctx, *anchor.DedupID, other.ID)
	if err != nil {
		return "", err
	}
	if added {
		return *anchor.DedupID, nil
	}

	log.WithFields(map[string]any{"group_id": *anchor.DedupID}).Debug("Group rejected new member, creating replacement group")

	if err := e.RemoveFromGroup(ctx, *anchor.DedupID, anchor.ID); err != nil {
		return "", err
	}
	group, err := e.CreateGroup(ctx, other.ID, anchor.ID)
	if err != nil {
		return "", err
	}
	return group.ID, nil
}

// AddToGroup appends a record id to a live group. Returns false when the
// group cannot take the record because another member shares its source.
func (e *Engine) AddToGroup(ctx context.Context, groupID, id string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.AddToGroup")
	defer span.End()

	group, err := e.groups.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	if group == nil || group.Deleted {
		return false, nil
	}

	source := models.SourcePrefix(id)
	for _, member := range group.IDs {
		if member != id && models.SourcePrefix(member) == source {
			return false, nil
		}
	}

	if !group.Contains(id) {
		group.IDs = append(group.IDs, id)
	}
	group.ChangedAt = time.Now().UTC()
	if err := e.groups.SaveGroup(ctx, group); err != nil {
		return false, err
	}

	metrics.GroupMutationsTotal.WithLabelValues("extended").Inc()
	for _, n := range e.notifiers {
		n.GroupExtended(ctx, group, id)
	}
	return true, nil
}

// CreateGroup creates a new two-member dedup group
func (e *Engine) CreateGroup(ctx context.Context, id1, id2 string) (*models.DedupGroup, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.CreateGroup")
	defer span.End()

	group := &models.DedupGroup{
		ID:        uuid.New().String(),
		IDs:       []string{id1, id2},
		Deleted:   false,
		ChangedAt: time.Now().UTC(),
	}
	if err := e.groups.SaveGroup(ctx, group); err != nil {
		return nil, err
	}

	metrics.GroupMutationsTotal.WithLabelValues("created").Inc()
	for _, n := range e.notifiers {
		n.GroupCreated(ctx, group)
	}
	return group, nil
}

// RemoveFromGroup detaches a record id from a group. A group shrinking to one
// member is deleted and its last member released for re-deduplication; the
// remaining members of a shrunk group are flagged for a new dedup pass since
// their best-match group may have changed.
func (e *Engine) RemoveFromGroup(ctx context.Context, groupID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.RemoveFromGroup")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"group_id":  groupID,
		"record_id": id,
	})

	group, err := e.groups.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group == nil || group.Deleted {
		// Dangling reference, tolerated
		log.Warn("Group missing or already deleted, nothing to detach")
		return nil
	}

	group.Remove(id)
	now := time.Now().UTC()
	deleted := false

	switch len(group.IDs) {
	case 1:
		lastID := group.IDs[0]
		last, err := e.records.GetRecord(ctx, lastID)
		if err != nil {
			return err
		}
		if last != nil {
			set := map[string]any{"updated_at": now}
			if eligible(last) {
				set["update_needed"] = true
			}
			if err := e.records.UpdateRecord(ctx, lastID, set, []string{"dedup_id"}); err != nil {
				return err
			}
		}
		group.IDs = nil
		group.Deleted = true
		group.ChangedAt = now
		if err := e.groups.SaveGroup(ctx, group); err != nil {
			return err
		}
		deleted = true
		log.WithFields(map[string]any{"last_member": lastID}).Debug("Group shrank to one member, deleted")

	case 0:
		// Should not normally happen
		group.Deleted = true
		group.ChangedAt = now
		if err := e.groups.SaveGroup(ctx, group); err != nil {
			return err
		}
		deleted = true
		log.Warn("Group emptied out, marked deleted")

	default:
		group.ChangedAt = now
		if err := e.groups.SaveGroup(ctx, group); err != nil {
			return err
		}
		err = e.records.UpdateRecords(ctx,
			filter.Filter{
				"id":         map[string]any{filter.OpIn: group.IDs},
				"deleted":    false,
				"suppressed": map[string]any{filter.OpIn: []any{nil, false}},
			},
			map[string]any{"update_needed": true, "updated_at": now},
			nil,
		)
		if err != nil {
			return err
		}
	}

	metrics.GroupMutationsTotal.WithLabelValues("detached").Inc()
	for _, n := range e.notifiers {
		n.GroupDetached(ctx, groupID, id)
	}
	if deleted {
		metrics.GroupMutationsTotal.WithLabelValues("deleted").Inc()
		for _, n := range e.notifiers {
			n.GroupDeleted(ctx, groupID)
		}
	}
	return nil
}

// eligible reports whether a record may participate in a dedup group
func eligible(record *models.Record) bool {
	return record != nil && !record.Deleted && !record.IsSuppressed()
}
