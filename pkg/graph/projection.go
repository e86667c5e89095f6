package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/models"
)

// ProjectionService mirrors dedup groups into the graph database as
// (:Record)-[:IN_GROUP]->(:DedupGroup) so duplicate clusters can be explored
// with graph queries. It satisfies merging.Notifier; projection failures are
// logged and dropped because the relational store is the source of truth.
type ProjectionService struct {
	client *Client
	logger ectologger.Logger
}

// NewProjectionService creates a new group projection service
func NewProjectionService(client *Client, logger ectologger.Logger) *ProjectionService {
	return &ProjectionService{
		client: client,
		logger: logger,
	}
}

// GroupCreated projects a new group and its initial members
func (s *ProjectionService) GroupCreated(ctx context.Context, group *models.DedupGroup) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.GroupCreated")
	defer span.End()

	if err := s.SyncGroup(ctx, group); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": group.ID}).Error("Failed to project created group")
	}
}

// GroupExtended projects a record joining an existing group
func (s *ProjectionService) GroupExtended(ctx context.Context, group *models.DedupGroup, recordID string) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.GroupExtended")
	defer span.End()

	cypher := `
		MERGE (g:DedupGroup {id: $group_id})
		MERGE (r:Record {id: $record_id})
		MERGE (r)-[:IN_GROUP]->(g)
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"group_id":  group.ID,
			"record_id": recordID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": group.ID, "record_id": recordID}).Error("Failed to project extended group")
	}
}

// GroupDetached removes the membership edge of a record that left a group
func (s *ProjectionService) GroupDetached(ctx context.Context, groupID, recordID string) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.GroupDetached")
	defer span.End()

	cypher := `
		MATCH (r:Record {id: $record_id})-[m:IN_GROUP]->(g:DedupGroup {id: $group_id})
		DELETE m
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"group_id":  groupID,
			"record_id": recordID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": groupID, "record_id": recordID}).Error("Failed to project detached record")
	}
}

// GroupDeleted removes a dissolved group's node along with every remaining
// membership edge, including the last member's.
func (s *ProjectionService) GroupDeleted(ctx context.Context, groupID string) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.GroupDeleted")
	defer span.End()

	if err := s.RemoveGroup(ctx, groupID); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"group_id": groupID}).Error("Failed to project deleted group")
	}
}

// SyncGroup rewrites a group's membership edges to match the stored member
// list, removing edges from records the group no longer lists.
func (s *ProjectionService) SyncGroup(ctx context.Context, group *models.DedupGroup) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.SyncGroup")
	defer span.End()

	if group.Deleted || len(group.IDs) == 0 {
		return s.RemoveGroup(ctx, group.ID)
	}

	cypher := `
		MERGE (g:DedupGroup {id: $group_id})
		WITH g
		OPTIONAL MATCH (stale:Record)-[m:IN_GROUP]->(g)
		WHERE NOT stale.id IN $record_ids
		DELETE m
		WITH DISTINCT g
		UNWIND $record_ids AS record_id
		MERGE (r:Record {id: record_id})
		MERGE (r)-[:IN_GROUP]->(g)
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"group_id":   group.ID,
			"record_ids": group.IDs,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to sync group projection: %w", err)
	}
	return nil
}

// RemoveGroup deletes a group node and its membership edges
func (s *ProjectionService) RemoveGroup(ctx context.Context, groupID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.RemoveGroup")
	defer span.End()

	cypher := `
		MATCH (g:DedupGroup {id: $group_id})
		DETACH DELETE g
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"group_id": groupID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to remove group projection: %w", err)
	}
	return nil
}

// DuplicatesOf returns the ids of records sharing a group with the given
// record.
func (s *ProjectionService) DuplicatesOf(ctx context.Context, recordID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.DuplicatesOf")
	defer span.End()

	cypher := `
		MATCH (r:Record {id: $record_id})-[:IN_GROUP]->(g:DedupGroup)<-[:IN_GROUP]-(dup:Record)
		WHERE dup.id <> $record_id
		RETURN dup.id AS id
		ORDER BY id
	`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"record_id": recordID})
		if err != nil {
			return nil, err
		}

		var ids []string
		for result.Next(ctx) {
			if id, ok := result.Record().Get("id"); ok {
				if s, ok := id.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}

	ids, _ := result.([]string)
	return ids, nil
}

// GroupMembers returns the projected member ids of a group
func (s *ProjectionService) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.GroupMembers")
	defer span.End()

	cypher := `
		MATCH (r:Record)-[:IN_GROUP]->(g:DedupGroup {id: $group_id})
		RETURN r.id AS id
		ORDER BY id
	`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"group_id": groupID})
		if err != nil {
			return nil, err
		}

		var ids []string
		for result.Next(ctx) {
			if id, ok := result.Record().Get("id"); ok {
				if s, ok := id.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query group members: %w", err)
	}

	ids, _ := result.([]string)
	return ids, nil
}
