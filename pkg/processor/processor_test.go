package processor

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
	proc    *Processor
}

func newTestEnv(t *testing.T, disabledSources ...string) *testEnv {
	t.Helper()

	factory, err := metadata.NewJSONFactory()
	require.NoError(t, err)

	records := memstore.NewRecordStore()
	groups := memstore.NewDedupStore()
	matcher := matching.NewMatcher(testLogger(), factory, nil)
	search := matching.NewEngine(testLogger(), records, groups, matcher, matching.DefaultConfig())
	merger := merging.NewEngine(testLogger(), records, groups, matcher, factory)

	return &testEnv{
		records: records,
		groups:  groups,
		proc:    NewProcessor(testLogger(), records, factory, search, merger, disabledSources),
	}
}

func bookPayload(title, author, isbn string) json.RawMessage {
	payload := map[string]any{
		"title":       title,
		"main_author": author,
		"format":      "book",
	}
	if isbn != "" {
		payload["isbns"] = []string{isbn}
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func (env *testEnv) addBook(t *testing.T, id, title, author, isbn string) *models.Record {
	t.Helper()
	record := &models.Record{
		ID:           id,
		SourceID:     models.SourcePrefix(id),
		Format:       "marc",
		Payload:      bookPayload(title, author, isbn),
		UpdateNeeded: true,
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

func TestDedupRecord_FirstRecordFindsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	record := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")

	matched, err := env.proc.DedupRecord(ctx, record)
	require.NoError(t, err)
	assert.False(t, matched)

	stored := env.mustGetRecord(t, "alpha.1")
	assert.Nil(t, stored.DedupID)
	assert.False(t, stored.UpdateNeeded, "pass clears the pending flag")
	assert.NotEmpty(t, stored.TitleKeys, "candidate keys are persisted")
	assert.Equal(t, []string{"9780743273565"}, stored.ISBNKeys)
}

func TestDedupRecord_TwoRecordsFromDifferentSourcesGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1 := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	r2 := env.addBook(t, "beta.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")

	matched, err := env.proc.DedupRecord(ctx, r1)
	require.NoError(t, err)
	assert.False(t, matched, "nothing to match against yet")

	matched, err = env.proc.DedupRecord(ctx, r2)
	require.NoError(t, err)
	assert.True(t, matched)

	s1 := env.mustGetRecord(t, "alpha.1")
	s2 := env.mustGetRecord(t, "beta.1")
	require.NotNil(t, s1.DedupID)
	require.NotNil(t, s2.DedupID)
	assert.Equal(t, *s1.DedupID, *s2.DedupID)

	group, err := env.groups.GetGroup(ctx, *s1.DedupID)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.ElementsMatch(t, []string{"alpha.1", "beta.1"}, group.IDs)
}

func TestDedupRecord_SameSourceNeverGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1 := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	r2 := env.addBook(t, "alpha.2", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")

	_, err := env.proc.DedupRecord(ctx, r1)
	require.NoError(t, err)
	matched, err := env.proc.DedupRecord(ctx, r2)
	require.NoError(t, err)
	assert.False(t, matched, "candidates from the record's own source are excluded")

	assert.Nil(t, env.mustGetRecord(t, "alpha.1").DedupID)
	assert.Nil(t, env.mustGetRecord(t, "alpha.2").DedupID)
}

func TestDedupRecord_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1 := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	r2 := env.addBook(t, "beta.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")

	_, err := env.proc.DedupRecord(ctx, r1)
	require.NoError(t, err)
	_, err = env.proc.DedupRecord(ctx, r2)
	require.NoError(t, err)

	groupID := *env.mustGetRecord(t, "alpha.1").DedupID

	// Re-running either record leaves the same single group in place
	matched, err := env.proc.DedupRecord(ctx, env.mustGetRecord(t, "alpha.1"))
	require.NoError(t, err)
	assert.True(t, matched)

	assert.Equal(t, groupID, *env.mustGetRecord(t, "alpha.1").DedupID)
	assert.Equal(t, groupID, *env.mustGetRecord(t, "beta.1").DedupID)

	count, _, err := env.groups.CountGroups(ctx, map[string]any{"deleted": false})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDedupRecord_DeletedRecordDetaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r1 := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	r2 := env.addBook(t, "beta.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	_, err := env.proc.DedupRecord(ctx, r1)
	require.NoError(t, err)
	_, err = env.proc.DedupRecord(ctx, r2)
	require.NoError(t, err)

	groupID := *env.mustGetRecord(t, "alpha.1").DedupID

	deleted := env.mustGetRecord(t, "beta.1")
	deleted.Deleted = true
	require.NoError(t, env.records.SaveRecord(ctx, deleted))

	matched, err := env.proc.DedupRecord(ctx, deleted)
	require.NoError(t, err)
	assert.False(t, matched)

	assert.Nil(t, env.mustGetRecord(t, "beta.1").DedupID)

	group, err := env.groups.GetGroup(ctx, groupID)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.True(t, group.Deleted, "group shrank below two members")

	survivor := env.mustGetRecord(t, "alpha.1")
	assert.Nil(t, survivor.DedupID)
	assert.True(t, survivor.UpdateNeeded, "last member is released for another pass")
}

func TestDedupRecord_DisabledSourceSkips(t *testing.T) {
	env := newTestEnv(t, "alpha")
	ctx := context.Background()

	record := env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	matched, err := env.proc.DedupRecord(ctx, record)
	require.NoError(t, err)
	assert.False(t, matched)

	stored := env.mustGetRecord(t, "alpha.1")
	assert.False(t, stored.UpdateNeeded)
	assert.Empty(t, stored.ISBNKeys, "disabled sources never get keys computed")
}

func TestDedupRecord_UnreadablePayloadSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	record := &models.Record{
		ID:           "alpha.1",
		SourceID:     "alpha",
		Format:       "marc",
		Payload:      json.RawMessage(`not json`),
		UpdateNeeded: true,
	}
	require.NoError(t, env.records.SaveRecord(ctx, record))

	matched, err := env.proc.DedupRecord(ctx, record)
	require.NoError(t, err, "data-quality problems never surface as errors")
	assert.False(t, matched)
}

func TestProcessPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "alpha.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	env.addBook(t, "beta.1", "The Great Gatsby", "Fitzgerald, F. Scott", "9780743273565")
	env.addBook(t, "gamma.1", "Some Other Book", "Unrelated, Author", "")

	processed, err := env.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	s1 := env.mustGetRecord(t, "alpha.1")
	s2 := env.mustGetRecord(t, "beta.1")
	require.NotNil(t, s1.DedupID)
	require.NotNil(t, s2.DedupID)
	assert.Equal(t, *s1.DedupID, *s2.DedupID)
	assert.Nil(t, env.mustGetRecord(t, "gamma.1").DedupID)

	t.Run("second run has nothing left", func(t *testing.T) {
		processed, err := env.proc.ProcessPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, processed)
	})

	t.Run("cancelled context stops early", func(t *testing.T) {
		env.addBook(t, "delta.1", "Another Book", "Author, New", "")
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := env.proc.ProcessPending(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
