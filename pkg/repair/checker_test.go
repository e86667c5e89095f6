package repair

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/matching"
	"github.com/Ramsey-B/sorrel/pkg/merging"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage/memstore"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type testEnv struct {
	records *memstore.RecordStore
	groups  *memstore.DedupStore
	checker *Checker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	factory, err := metadata.NewJSONFactory()
	require.NoError(t, err)

	records := memstore.NewRecordStore()
	groups := memstore.NewDedupStore()
	matcher := matching.NewMatcher(testLogger(), factory, nil)
	merger := merging.NewEngine(testLogger(), records, groups, matcher, factory)

	return &testEnv{
		records: records,
		groups:  groups,
		checker: NewChecker(testLogger(), records, groups, merger),
	}
}

func (env *testEnv) addMember(t *testing.T, id, dedupID string) *models.Record {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{"title": "A Title", "main_author": "Author, A"})
	record := &models.Record{
		ID:       id,
		SourceID: models.SourcePrefix(id),
		Format:   "marc",
		Payload:  raw,
	}
	if dedupID != "" {
		record.DedupID = &dedupID
	}
	require.NoError(t, env.records.SaveRecord(context.Background(), record))
	return record
}

func (env *testEnv) saveGroup(t *testing.T, id string, members ...string) *models.DedupGroup {
	t.Helper()
	group := &models.DedupGroup{ID: id, IDs: members}
	require.NoError(t, env.groups.SaveGroup(context.Background(), group))
	return group
}

func (env *testEnv) mustGetRecord(t *testing.T, id string) *models.Record {
	t.Helper()
	record, err := env.records.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func TestCheckGroup_HealthyGroupUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "g1", "alpha.1", "beta.1")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	assert.Empty(t, repairs)

	stored, err := env.groups.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, stored.IDs)
}

func TestCheckGroup_EmptyGroupDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "empty")

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Contains(t, repairs[0], "empty")

	stored, err := env.groups.GetGroup(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCheckGroup_MissingRecordEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "g1", "alpha.1", "beta.1", "ghost.1")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Contains(t, repairs[0], "ghost.1")
	assert.Contains(t, repairs[0], "record missing")

	stored, err := env.groups.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, stored.IDs)
}

func TestCheckGroup_DeletedRecordEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "g1", "alpha.1", "beta.1", "gamma.1")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")
	deleted := env.addMember(t, "gamma.1", "g1")
	deleted.Deleted = true
	require.NoError(t, env.records.SaveRecord(ctx, deleted))

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Contains(t, repairs[0], "record deleted")
}

func TestCheckGroup_DuplicateSourceEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "g1", "alpha.1", "beta.1", "alpha.2")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")
	env.addMember(t, "alpha.2", "g1")

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Contains(t, repairs[0], "alpha.2")
	assert.Contains(t, repairs[0], "duplicate source")

	evicted := env.mustGetRecord(t, "alpha.2")
	assert.Nil(t, evicted.DedupID)
	assert.True(t, evicted.UpdateNeeded)
}

func TestCheckGroup_WrongLinkEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := env.saveGroup(t, "g1", "alpha.1", "beta.1", "gamma.1")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")

	t.Run("member not linked at all", func(t *testing.T) {
		env.addMember(t, "gamma.1", "")

		repairs, err := env.checker.CheckGroup(ctx, group)
		require.NoError(t, err)
		require.Len(t, repairs, 1)
		assert.Contains(t, repairs[0], "not linked")
	})
}

func TestCheckGroup_MemberLinkedElsewhereEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// g1 lists delta.1 but delta.1 points at g-other, which lists it too.
	// One pass must clear delta.1's link and drop it from both member lists.
	group := env.saveGroup(t, "g1", "alpha.1", "beta.1", "delta.1")
	env.saveGroup(t, "g-other", "delta.1", "eps.1", "zeta.1")
	env.addMember(t, "alpha.1", "g1")
	env.addMember(t, "beta.1", "g1")
	env.addMember(t, "delta.1", "g-other")
	env.addMember(t, "eps.1", "g-other")
	env.addMember(t, "zeta.1", "g-other")

	repairs, err := env.checker.CheckGroup(ctx, group)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Contains(t, repairs[0], "delta.1")
	assert.Contains(t, repairs[0], "different group")

	evicted := env.mustGetRecord(t, "delta.1")
	assert.Nil(t, evicted.DedupID)
	assert.True(t, evicted.UpdateNeeded)

	g1, err := env.groups.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g1)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, g1.IDs)

	other, err := env.groups.GetGroup(ctx, "g-other")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.NotContains(t, other.IDs, "delta.1")

	// no second CheckRecordLinks pass should be needed
	message, err := env.checker.CheckRecordLinks(ctx, evicted)
	require.NoError(t, err)
	assert.Empty(t, message)
}

func TestCheckRecordLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("record without link is fine", func(t *testing.T) {
		record := env.addMember(t, "alpha.1", "")
		message, err := env.checker.CheckRecordLinks(ctx, record)
		require.NoError(t, err)
		assert.Empty(t, message)
	})

	t.Run("reciprocated link is fine", func(t *testing.T) {
		env.saveGroup(t, "g1", "alpha.2", "beta.1")
		record := env.addMember(t, "alpha.2", "g1")

		message, err := env.checker.CheckRecordLinks(ctx, record)
		require.NoError(t, err)
		assert.Empty(t, message)
	})

	t.Run("dangling link is cleared", func(t *testing.T) {
		record := env.addMember(t, "alpha.3", "no-such-group")

		message, err := env.checker.CheckRecordLinks(ctx, record)
		require.NoError(t, err)
		assert.Contains(t, message, "no-such-group")

		stored := env.mustGetRecord(t, "alpha.3")
		assert.Nil(t, stored.DedupID)
		assert.True(t, stored.UpdateNeeded)
	})

	t.Run("one-sided link is cleared", func(t *testing.T) {
		env.saveGroup(t, "g2", "beta.2", "gamma.2")
		record := env.addMember(t, "alpha.4", "g2")

		message, err := env.checker.CheckRecordLinks(ctx, record)
		require.NoError(t, err)
		assert.NotEmpty(t, message)
		assert.Nil(t, env.mustGetRecord(t, "alpha.4").DedupID)
	})
}

func TestCheckAllGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveGroup(t, "healthy", "alpha.1", "beta.1")
	env.addMember(t, "alpha.1", "healthy")
	env.addMember(t, "beta.1", "healthy")

	env.saveGroup(t, "broken", "alpha.2", "ghost.9")
	env.addMember(t, "alpha.2", "broken")

	repairs, err := env.checker.CheckAllGroups(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, repairs)

	healthy, err := env.groups.GetGroup(ctx, "healthy")
	require.NoError(t, err)
	require.NotNil(t, healthy)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, healthy.IDs)
}
