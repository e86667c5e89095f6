// Package events publishes dedup group lifecycle events to Kafka
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
)

// Emitter publishes group events. It satisfies merging.Notifier, so a dedup
// pass emits an event for every group mutation. Publish failures are logged
// and dropped; group state in the store is the source of truth.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// GroupCreated emits a group.created event
func (e *Emitter) GroupCreated(ctx context.Context, group *models.DedupGroup) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.GroupCreated")
	defer span.End()

	event := &kafka.GroupEvent{
		EventType: string(EventTypeGroupCreated),
		GroupID:   group.ID,
		RecordIDs: group.IDs,
	}

	if err := e.producer.PublishGroupEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": group.ID}).Error("Failed to emit group.created event")
	}
}

// GroupExtended emits a group.extended event for the record that joined
func (e *Emitter) GroupExtended(ctx context.Context, group *models.DedupGroup, recordID string) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.GroupExtended")
	defer span.End()

	event := &kafka.GroupEvent{
		EventType: string(EventTypeGroupExtended),
		GroupID:   group.ID,
		RecordID:  recordID,
		RecordIDs: group.IDs,
	}

	if err := e.producer.PublishGroupEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": group.ID, "record_id": recordID}).Error("Failed to emit group.extended event")
	}
}

// GroupDetached emits a group.detached event for the record that left
func (e *Emitter) GroupDetached(ctx context.Context, groupID, recordID string) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.GroupDetached")
	defer span.End()

	event := &kafka.GroupEvent{
		EventType: string(EventTypeGroupDetached),
		GroupID:   groupID,
		RecordID:  recordID,
	}

	if err := e.producer.PublishGroupEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": groupID, "record_id": recordID}).Error("Failed to emit group.detached event")
	}
}

// GroupDeleted emits a group.deleted event when a group dissolves entirely
func (e *Emitter) GroupDeleted(ctx context.Context, groupID string) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.GroupDeleted")
	defer span.End()

	event := &kafka.GroupEvent{
		EventType: string(EventTypeGroupDeleted),
		GroupID:   groupID,
	}

	if err := e.producer.PublishGroupEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": groupID}).Error("Failed to emit group.deleted event")
	}
}
