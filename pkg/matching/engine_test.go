package matching

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage/memstore"
)

type searchEnv struct {
	engine  *Engine
	records *memstore.RecordStore
	groups  *memstore.DedupStore
	factory *metadata.JSONFactory
}

func newSearchEnv(t *testing.T) *searchEnv {
	t.Helper()
	matcher, factory := newTestMatcher(t, nil)
	records := memstore.NewRecordStore()
	groups := memstore.NewDedupStore()
	return &searchEnv{
		engine:  NewEngine(testLogger(), records, groups, matcher, DefaultConfig()),
		records: records,
		groups:  groups,
		factory: factory,
	}
}

// subject builds the record under search plus its opened metadata. All
// records in these tests share one ISBN so the pairwise match itself always
// succeeds and only the staged search semantics are under test.
func (env *searchEnv) subject(t *testing.T, id string) (*models.Record, metadata.Record) {
	t.Helper()
	payload := bookPayload(map[string]any{"isbns": []string{"9780306406157"}})
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	record := &models.Record{
		ID:        id,
		SourceID:  "alpha",
		Format:    "marc",
		Payload:   raw,
		ISBNKeys:  []string{"9780306406157"},
		TitleKeys: []string{"greatgatsby/fitzgerald"},
	}
	return record, openMeta(t, env.factory, payload)
}

// candidate saves a matchable record. createdOffset orders candidates within
// a stage scan; dedupID of "" leaves the candidate ungrouped.
func (env *searchEnv) candidate(t *testing.T, id, sourceID, dedupID string, createdOffset time.Duration, overrides map[string]any) *models.Record {
	t.Helper()
	raw, err := json.Marshal(bookPayload(overrides))
	require.NoError(t, err)
	record := &models.Record{
		ID:        id,
		SourceID:  sourceID,
		Format:    "marc",
		Payload:   raw,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(createdOffset),
	}
	if isbns, ok := overrides["isbns"]; ok {
		record.ISBNKeys = isbns.([]string)
	}
	record.TitleKeys = []string{"greatgatsby/fitzgerald"}
	if dedupID != "" {
		record.DedupID = &dedupID
	}
	require.NoError(t, env.records.SaveRecord(context.Background(), record))
	return record
}

func (env *searchEnv) saveGroup(t *testing.T, id string, members ...string) {
	t.Helper()
	require.NoError(t, env.groups.SaveGroup(context.Background(), &models.DedupGroup{ID: id, IDs: members}))
}

var sharedISBN = map[string]any{"isbns": []string{"9780306406157"}}

func TestFindBestMatch_LargestGroupWins(t *testing.T) {
	env := newSearchEnv(t)
	record, meta := env.subject(t, "alpha.1")

	// The small-group candidate sorts first by created_at; the whole stage is
	// still scanned so the larger group must win.
	env.saveGroup(t, "small", "beta.1", "x.1")
	env.saveGroup(t, "big", "gamma.1", "y.1", "z.1")
	env.candidate(t, "beta.1", "beta", "small", 0, sharedISBN)
	env.candidate(t, "gamma.1", "gamma", "big", time.Hour, sharedISBN)

	best, err := env.engine.FindBestMatch(context.Background(), record, meta)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "gamma.1", best.ID)
}

func TestFindBestMatch_GroupSizeTieBreaksOnSmallestID(t *testing.T) {
	env := newSearchEnv(t)
	record, meta := env.subject(t, "alpha.1")

	// Equal group sizes; the candidate in group "g-b" is scanned first, so
	// the lexicographic tie-break must displace it.
	env.saveGroup(t, "g-a", "beta.1", "x.1")
	env.saveGroup(t, "g-b", "gamma.1", "y.1")
	env.candidate(t, "gamma.1", "gamma", "g-b", 0, sharedISBN)
	env.candidate(t, "beta.1", "beta", "g-a", time.Hour, sharedISBN)

	best, err := env.engine.FindBestMatch(context.Background(), record, meta)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "beta.1", best.ID)
}

func TestFindBestMatch_StagePriority(t *testing.T) {
	t.Run("grouped isbn candidate beats ungrouped title candidate", func(t *testing.T) {
		env := newSearchEnv(t)
		record, meta := env.subject(t, "alpha.1")

		env.saveGroup(t, "g1", "beta.1", "x.1")
		env.candidate(t, "beta.1", "beta", "g1", 0, sharedISBN)
		// shares only a title key, found in a later stage that never runs
		env.candidate(t, "delta.1", "delta", "", 0, nil)

		best, err := env.engine.FindBestMatch(context.Background(), record, meta)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, "beta.1", best.ID)
	})

	t.Run("ungrouped isbn candidate beats grouped title candidate", func(t *testing.T) {
		env := newSearchEnv(t)
		record, meta := env.subject(t, "alpha.1")

		env.saveGroup(t, "g1", "delta.1", "x.1")
		env.candidate(t, "delta.1", "delta", "g1", 0, nil)
		env.candidate(t, "eps.1", "eps", "", 0, sharedISBN)

		best, err := env.engine.FindBestMatch(context.Background(), record, meta)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, "eps.1", best.ID)
	})
}

func TestFindBestMatch_UngroupedFallsBackToFirstMatch(t *testing.T) {
	env := newSearchEnv(t)
	record, meta := env.subject(t, "alpha.1")

	env.candidate(t, "gamma.1", "gamma", "", time.Hour, sharedISBN)
	env.candidate(t, "beta.1", "beta", "", 0, sharedISBN)

	best, err := env.engine.FindBestMatch(context.Background(), record, meta)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "beta.1", best.ID, "without grouped candidates the earliest match wins")
}

func TestFindBestMatch_NoCandidates(t *testing.T) {
	env := newSearchEnv(t)
	record, meta := env.subject(t, "alpha.1")

	// same-source records never become candidates
	env.candidate(t, "alpha.2", "alpha", "", 0, sharedISBN)

	best, err := env.engine.FindBestMatch(context.Background(), record, meta)
	require.NoError(t, err)
	assert.Nil(t, best)
}
