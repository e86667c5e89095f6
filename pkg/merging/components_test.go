package merging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// addHost saves a host record already linked into a dedup group
func (env *testEnv) addHost(t *testing.T, id, linkingID, dedupID string) *models.Record {
	t.Helper()
	record := &models.Record{
		ID:        id,
		SourceID:  models.SourcePrefix(id),
		Format:    "marc",
		Payload:   payload("Collected Works", "Editor, Some"),
		LinkingID: &linkingID,
	}
	if dedupID != "" {
		record.DedupID = &dedupID
	}
	require.NoError(t, env.records.SaveRecord(context.Background(), record))
	return record
}

// addPart saves a component part of the given host with its own metadata
func (env *testEnv) addPart(t *testing.T, id, hostLinkingID, title string) *models.Record {
	t.Helper()
	record := &models.Record{
		ID:           id,
		SourceID:     models.SourcePrefix(id),
		Format:       "marc",
		Payload:      payload(title, "Author, Part"),
		HostRecordID: &hostLinkingID,
	}
	require.NoError(t, env.records.SaveRecord(context.Background(), record))
	return record
}

func TestDedupComponentParts_FullMatchMarksAllPairs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := &models.DedupGroup{ID: "hosts", IDs: []string{"alpha.h", "beta.h"}}
	require.NoError(t, env.groups.SaveGroup(ctx, group))

	host := env.addHost(t, "alpha.h", "alpha-link", "hosts")
	env.addHost(t, "beta.h", "beta-link", "hosts")

	// Parts are compared position by position after sorting by id, so give
	// both hosts the same titles in the same positional order.
	env.addPart(t, "alpha.p1", "alpha-link", "First Movement")
	env.addPart(t, "alpha.p2", "alpha-link", "Second Movement")
	env.addPart(t, "beta.p1", "beta-link", "First Movement")
	env.addPart(t, "beta.p2", "beta-link", "Second Movement")

	marked, err := env.engine.DedupComponentParts(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	p1 := env.mustGetRecord(t, "alpha.p1")
	q1 := env.mustGetRecord(t, "beta.p1")
	require.NotNil(t, p1.DedupID)
	require.NotNil(t, q1.DedupID)
	assert.Equal(t, *p1.DedupID, *q1.DedupID)

	p2 := env.mustGetRecord(t, "alpha.p2")
	q2 := env.mustGetRecord(t, "beta.p2")
	require.NotNil(t, p2.DedupID)
	require.NotNil(t, q2.DedupID)
	assert.Equal(t, *p2.DedupID, *q2.DedupID)

	assert.NotEqual(t, *p1.DedupID, *p2.DedupID, "each positional pair gets its own group")
}

func TestMarkDuplicates_CascadesToComponentParts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Both hosts start ungrouped; the group only exists once MarkDuplicates
	// creates it, and the cascade must pick it up from there.
	env.addHost(t, "alpha.h", "alpha-link", "")
	env.addHost(t, "beta.h", "beta-link", "")

	env.addPart(t, "alpha.p1", "alpha-link", "First Movement")
	env.addPart(t, "beta.p1", "beta-link", "First Movement")

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.h", "beta.h"))

	h1 := env.mustGetRecord(t, "alpha.h")
	h2 := env.mustGetRecord(t, "beta.h")
	require.NotNil(t, h1.DedupID)
	require.NotNil(t, h2.DedupID)
	assert.Equal(t, *h1.DedupID, *h2.DedupID)

	p1 := env.mustGetRecord(t, "alpha.p1")
	q1 := env.mustGetRecord(t, "beta.p1")
	require.NotNil(t, p1.DedupID, "component part should be grouped by the cascade")
	require.NotNil(t, q1.DedupID, "component part should be grouped by the cascade")
	assert.Equal(t, *p1.DedupID, *q1.DedupID)
	assert.NotEqual(t, *h1.DedupID, *p1.DedupID, "parts group separately from their hosts")
}

func TestMarkDuplicates_CascadeFollowsHostToNewGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// alpha.h starts grouped with gamma.h, then gets marked against beta.h and
	// moves into beta.h's group. The cascade must walk the group alpha.h
	// landed in, not the one it left.
	env.addHost(t, "alpha.h", "alpha-link", "")
	env.addHost(t, "gamma.h", "gamma-link", "")
	env.addHost(t, "beta.h", "beta-link", "")
	env.addHost(t, "delta.h", "delta-link", "")

	env.addPart(t, "alpha.p1", "alpha-link", "First Movement")
	env.addPart(t, "beta.p1", "beta-link", "First Movement")

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.h", "gamma.h"))
	require.NoError(t, env.engine.MarkDuplicates(ctx, "beta.h", "delta.h"))
	oldGroupID := *env.mustGetRecord(t, "alpha.h").DedupID

	require.NoError(t, env.engine.MarkDuplicates(ctx, "alpha.h", "beta.h"))

	h1 := env.mustGetRecord(t, "alpha.h")
	h2 := env.mustGetRecord(t, "beta.h")
	require.NotNil(t, h1.DedupID)
	require.NotNil(t, h2.DedupID)
	require.Equal(t, *h1.DedupID, *h2.DedupID)
	require.NotEqual(t, oldGroupID, *h1.DedupID)

	p1 := env.mustGetRecord(t, "alpha.p1")
	q1 := env.mustGetRecord(t, "beta.p1")
	require.NotNil(t, p1.DedupID, "cascade should run against the host's new group")
	require.NotNil(t, q1.DedupID, "cascade should run against the host's new group")
	assert.Equal(t, *p1.DedupID, *q1.DedupID)
}

func TestDedupComponentParts_PartialMismatchMarksNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := &models.DedupGroup{ID: "hosts", IDs: []string{"alpha.h", "beta.h"}}
	require.NoError(t, env.groups.SaveGroup(ctx, group))

	host := env.addHost(t, "alpha.h", "alpha-link", "hosts")
	env.addHost(t, "beta.h", "beta-link", "hosts")

	env.addPart(t, "alpha.p1", "alpha-link", "First Movement")
	env.addPart(t, "alpha.p2", "alpha-link", "Second Movement")
	env.addPart(t, "beta.p1", "beta-link", "First Movement")
	env.addPart(t, "beta.p2", "beta-link", "Completely Different Piece")

	marked, err := env.engine.DedupComponentParts(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 0, marked, "one mismatching position disqualifies the whole host")

	assert.Nil(t, env.mustGetRecord(t, "alpha.p1").DedupID)
	assert.Nil(t, env.mustGetRecord(t, "beta.p1").DedupID)
}

func TestDedupComponentParts_CountMismatchSkipsHost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := &models.DedupGroup{ID: "hosts", IDs: []string{"alpha.h", "beta.h"}}
	require.NoError(t, env.groups.SaveGroup(ctx, group))

	host := env.addHost(t, "alpha.h", "alpha-link", "hosts")
	env.addHost(t, "beta.h", "beta-link", "hosts")

	env.addPart(t, "alpha.p1", "alpha-link", "First Movement")
	env.addPart(t, "alpha.p2", "alpha-link", "Second Movement")
	env.addPart(t, "beta.p1", "beta-link", "First Movement")

	marked, err := env.engine.DedupComponentParts(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestDedupComponentParts_Guards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("host without linking id", func(t *testing.T) {
		host := env.addRecord(t, "alpha.h")
		marked, err := env.engine.DedupComponentParts(ctx, host)
		require.NoError(t, err)
		assert.Equal(t, 0, marked)
	})

	t.Run("ungrouped host", func(t *testing.T) {
		host := env.addHost(t, "gamma.h", "gamma-link", "")
		marked, err := env.engine.DedupComponentParts(ctx, host)
		require.NoError(t, err)
		assert.Equal(t, 0, marked)
	})

	t.Run("host without parts", func(t *testing.T) {
		host := env.addHost(t, "delta.h", "delta-link", "hosts")
		marked, err := env.engine.DedupComponentParts(ctx, host)
		require.NoError(t, err)
		assert.Equal(t, 0, marked)
	})
}
