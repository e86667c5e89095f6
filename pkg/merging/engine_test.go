package merging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/matching"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage/memstore"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// recordingNotifier captures group lifecycle notifications
type recordingNotifier struct {
	mu       sync.Mutex
	created  []string
	extended []string
	detached []string
	deleted  []string
}

func (n *recordingNotifier) GroupCreated(_ context.Context, group *models.DedupGroup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, group.ID)
}

func (n *recordingNotifier) GroupExtended(_ context.Context, group *models.DedupGroup, recordID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.extended = append(n.extended, fmt.Sprintf("%s:%s", group.ID, recordID))
}

func (n *recordingNotifier) GroupDetached(_ context.Context, groupID, recordID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached = append(n.detached, fmt.Sprintf("%s:%s", groupID, recordID))
}

func (n *recordingNotifier) GroupDeleted(_ context.Context, groupID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, groupID)
}

type testEnv struct {
	records  *memstore.RecordStore
	groups   *memstore.DedupStore
	engine   *Engine
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	factory, err := metadata.NewJSONFactory()
	require.NoError(t, err)

	records := memstore.NewRecordStore()
	groups := memstore.NewDedupStore()
	matcher := matching.NewMatcher(testLogger(), factory, nil)
	notifier := &recordingNotifier{}

	return &testEnv{
		records:  records,
		groups:   groups,
		engine:   NewEngine(testLogger(), records, groups, matcher, factory, notifier),
		notifier: notifier,
	}
}

func payload(title, author string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"title": title, "main_author": author, "format": "book"})
	return raw
}

func (env *testEnv) addRecord(t *testing.T, id string) *models.Record {
	t.Helper()
	record := &models.Record{
		ID:       id,
		SourceID: models.SourcePrefix(id),
		Format:   "marc",
		Payload:  payload("Some Title", "Author, Test"),
	}
	require.NoError(t, env.records.SaveRecord(context.Background(), record))
	return record
}

func (env *testEnv) mustGetRecord(t *testing.T, id string) *models.Record {
	t.Helper()
	record, err := env.records.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func (env *testEnv) mustGetGroup(t *testing.T, id string) *models.DedupGroup {
	t.Helper()
	group, err := env.groups.GetGroup(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, group)
	return group
}

func TestMarkDuplicates_CreatesGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecord(t, "alpha.1")
	env.addRecord(t, "beta.1")

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.1", "beta.1"))

	r1 := env.mustGetRecord(t, "alpha.1")
	r2 := env.mustGetRecord(t, "beta.1")
	require.NotNil(t, r1.DedupID)
	require.NotNil(t, r2.DedupID)
	assert.Equal(t, *r1.DedupID, *r2.DedupID)
	assert.False(t, r1.UpdateNeeded)
	assert.False(t, r2.UpdateNeeded)

	group := env.mustGetGroup(t, *r1.DedupID)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, group.IDs)
	assert.False(t, group.Deleted)

	assert.Len(t, env.notifier.created, 1)
}

func TestMarkDuplicates_ExtendsExistingGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecord(t, "alpha.1")
	env.addRecord(t, "beta.1")
	env.addRecord(t, "gamma.1")

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.1", "beta.1"))
	require.NoError(t, env.engine.MarkDuplicates(ctx, "gamma.1", "beta.1"))

	r3 := env.mustGetRecord(t, "gamma.1")
	require.NotNil(t, r3.DedupID)

	group := env.mustGetGroup(t, *r3.DedupID)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1", "gamma.1"}, group.IDs)

	assert.Len(t, env.notifier.created, 1)
	assert.NotEmpty(t, env.notifier.extended)
}

func TestMarkDuplicates_SameSourceConflictRecreatesGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecord(t, "alpha.1")
	env.addRecord(t, "beta.1")
	// second record from source alpha cannot join a group already holding
	// alpha.1
	env.addRecord(t, "alpha.2")

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.1", "beta.1"))
	oldGroupID := *env.mustGetRecord(t, "beta.1").DedupID

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.2", "beta.1"))

	r2 := env.mustGetRecord(t, "beta.1")
	r3 := env.mustGetRecord(t, "alpha.2")
	require.NotNil(t, r2.DedupID)
	require.NotNil(t, r3.DedupID)
	assert.Equal(t, *r2.DedupID, *r3.DedupID)
	assert.NotEqual(t, oldGroupID, *r2.DedupID)

	newGroup := env.mustGetGroup(t, *r2.DedupID)
	assert.ElementsMatch(t, []string{"beta.1", "alpha.2"}, newGroup.IDs)

	// the old group lost beta.1, shrank to one member and was deleted; its
	// last member alpha.1 is released for another pass
	oldGroup := env.mustGetGroup(t, oldGroupID)
	assert.True(t, oldGroup.Deleted)
	assert.Empty(t, oldGroup.IDs)

	r1 := env.mustGetRecord(t, "alpha.1")
	assert.Nil(t, r1.DedupID)
	assert.True(t, r1.UpdateNeeded)
}

func TestMarkDuplicates_IneligibleRecordAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecord(t, "alpha.1")
	deleted := env.addRecord(t, "beta.1")
	deleted.Deleted = true
	require.NoError(t, env.records.SaveRecord(ctx, deleted))

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.1", "beta.1"))

	assert.Nil(t, env.mustGetRecord(t, "alpha.1").DedupID)
	assert.Empty(t, env.notifier.created)
}

func TestMarkDuplicates_MissingRecordAborts(t *testing.T) {
	env := newTestEnv(t)
	env.addRecord(t, "alpha.1")

	require.NoError(t, env.engine.MarkDuplicates(context.Background(), "alpha.1", "ghost.1"))
	assert.Nil(t, env.mustGetRecord(t, "alpha.1").DedupID)
}

func TestAddToGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := &models.DedupGroup{ID: "g1", IDs: []string{"alpha.1", "beta.1"}}
	require.NoError(t, env.groups.SaveGroup(ctx, group))

	t.Run("accepts record from new source", func(t *testing.T) {
		added, err := env.engine.AddToGroup(ctx, "g1", "gamma.1")
		require.NoError(t, err)
		assert.True(t, added)
		assert.ElementsMatch(t, []string{"alpha.1", "beta.1", "gamma.1"}, env.mustGetGroup(t, "g1").IDs)
	})

	t.Run("rejects record sharing a member source", func(t *testing.T) {
		added, err := env.engine.AddToGroup(ctx, "g1", "alpha.9")
		require.NoError(t, err)
		assert.False(t, added)
	})

	t.Run("re-adding an existing member is a no-op success", func(t *testing.T) {
		added, err := env.engine.AddToGroup(ctx, "g1", "beta.1")
		require.NoError(t, err)
		assert.True(t, added)
		assert.ElementsMatch(t, []string{"alpha.1", "beta.1", "gamma.1"}, env.mustGetGroup(t, "g1").IDs)
	})

	t.Run("missing group rejects", func(t *testing.T) {
		added, err := env.engine.AddToGroup(ctx, "ghost", "delta.1")
		require.NoError(t, err)
		assert.False(t, added)
	})
}

func TestRemoveFromGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addRecord(t, "alpha.1")
	env.addRecord(t, "beta.1")
	env.addRecord(t, "gamma.1")
	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.1", "beta.1"))
	require.NoError(t, env.engine.MarkDuplicates(ctx, "gamma.1", "beta.1"))
	groupID := *env.mustGetRecord(t, "alpha.1").DedupID

	t.Run("remaining members get reflagged", func(t *testing.T) {
		require.NoError(t, env.engine.RemoveFromGroup(ctx, groupID, "gamma.1"))

		group := env.mustGetGroup(t, groupID)
		assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, group.IDs)
		assert.False(t, group.Deleted)

		assert.True(t, env.mustGetRecord(t, "alpha.1").UpdateNeeded)
		assert.True(t, env.mustGetRecord(t, "beta.1").UpdateNeeded)
	})

	t.Run("shrinking to one member deletes the group", func(t *testing.T) {
		require.NoError(t, env.engine.RemoveFromGroup(ctx, groupID, "beta.1"))

		group := env.mustGetGroup(t, groupID)
		assert.True(t, group.Deleted)
		assert.Empty(t, group.IDs)

		last := env.mustGetRecord(t, "alpha.1")
		assert.Nil(t, last.DedupID)
		assert.True(t, last.UpdateNeeded)

		// the dissolution itself is announced so projections can drop the
		// group node, not just the removed member's edge
		assert.Contains(t, env.notifier.deleted, groupID)
	})

	t.Run("missing group is tolerated", func(t *testing.T) {
		assert.NoError(t, env.engine.RemoveFromGroup(ctx, "ghost", "alpha.1"))
	})
}
