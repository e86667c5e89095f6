package matching

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/filter"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/storage"
)

// Engine runs the staged candidate search for one record
type Engine struct {
	logger  ectologger.Logger
	records storage.RecordStore
	groups  storage.DedupStore
	matcher *Matcher
	config  EngineConfig
}

// EngineConfig contains configuration for the candidate search
type EngineConfig struct {
	MaxCandidates    int // Maximum candidates fetched per key query (default: 101)
	MaxMatchAttempts int // Hard cap on match attempts per stage (default: 1000)
}

// DefaultConfig returns default engine configuration
func DefaultConfig() EngineConfig {
	return EngineConfig{
		MaxCandidates:    101,
		MaxMatchAttempts: 1000,
	}
}

// NewEngine creates a new candidate search engine
func NewEngine(
	logger ectologger.Logger,
	records storage.RecordStore,
	groups storage.DedupStore,
	matcher *Matcher,
	config EngineConfig,
) *Engine {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 101
	}
	if config.MaxMatchAttempts <= 0 {
		config.MaxMatchAttempts = 1000
	}
	return &Engine{
		logger:  logger,
		records: records,
		groups:  groups,
		matcher: matcher,
		config:  config,
	}
}

// stage is one step of the fixed candidate search order: a key field paired
// with whether candidates must already belong to a dedup group
type stage struct {
	keyField string
	grouped  bool
}

// searchStages is the fixed priority order. Identifier stages run before
// title stages, and already grouped candidates before ungrouped ones.
var searchStages = []stage{
	{keyField: "isbn_keys", grouped: true},
	{keyField: "id_keys", grouped: true},
	{keyField: "isbn_keys", grouped: false},
	{keyField: "id_keys", grouped: false},
	{keyField: "title_keys", grouped: true},
	{keyField: "title_keys", grouped: false},
}

// FindBestMatch runs the staged candidate search and returns the best
// matching candidate, or nil when nothing matches.
//
// Every candidate of the first stage that produces a match is still scanned
// before group selection; only stage advancement stops on a hit. This is
// deliberate: it decides which group wins when several groups match within
// one stage, so do not optimize it into a first-hit exit.
func (e *Engine) FindBestMatch(ctx context.Context, record *models.Record, meta metadata.Record) (*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.FindBestMatch")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id": record.ID,
		"source_id": record.SourceID,
	})

	// Candidates proven non-matching earlier in this run are skipped in
	// later stages.
	nonMatches := make(map[string]struct{})

	for _, s := range searchStages {
		keys := stageKeys(record, s.keyField)
		if len(keys) == 0 {
			continue
		}

		matches, err := e.runStage(ctx, log, record, meta, s, keys, nonMatches)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return e.selectBestMatch(ctx, log, matches)
		}
	}

	log.Debug("No duplicate candidates matched")
	return nil, nil
}

// runStage scans all candidates for one key-type/grouping stage and returns
// every candidate that matched
func (e *Engine) runStage(
	ctx context.Context,
	log ectologger.Logger,
	record *models.Record,
	meta metadata.Record,
	s stage,
	keys []string,
	nonMatches map[string]struct{},
) ([]*models.Record, error) {
	f := filter.Filter{
		s.keyField:   map[string]any{filter.OpIn: keys},
		"deleted":    false,
		"suppressed": map[string]any{filter.OpIn: []any{nil, false}},
		"source_id":  map[string]any{filter.OpNe: record.SourceID},
		"dedup_id":   map[string]any{filter.OpExists: s.grouped},
	}
	opts := &storage.FindOptions{
		Sort:  []storage.SortField{{Field: "created_at"}},
		Limit: e.config.MaxCandidates,
	}

	candidates, err := e.records.FindRecords(ctx, f, opts)
	if err != nil {
		return nil, err
	}

	var matches []*models.Record
	attempts := 0
	for _, candidate := range candidates {
		if candidate.ID == record.ID {
			continue
		}
		if _, tried := nonMatches[candidate.ID]; tried {
			continue
		}

		attempts++
		if attempts > e.config.MaxMatchAttempts {
			log.WithFields(map[string]any{
				"key_field": s.keyField,
				"attempts":  attempts,
			}).Warn("Too many match attempts for key, abandoning rest of stage")
			break
		}

		if e.matcher.Match(ctx, record, meta, candidate) {
			matches = append(matches, candidate)
		} else {
			nonMatches[candidate.ID] = struct{}{}
		}
	}

	if len(matches) > 0 {
		log.WithFields(map[string]any{
			"key_field": s.keyField,
			"grouped":   s.grouped,
			"matches":   len(matches),
		}).Debug("Stage produced matches")
	}
	return matches, nil
}

// selectBestMatch picks the winning candidate when several matched. Among
// candidates in existing groups the largest group wins, ties broken by the
// lexicographically smallest group id. Without any grouped candidate the
// first match found wins.
func (e *Engine) selectBestMatch(ctx context.Context, log ectologger.Logger, matches []*models.Record) (*models.Record, error) {
	var best *models.Record
	var bestSize int
	var bestGroupID string

	for _, candidate := range matches {
		if candidate.DedupID == nil {
			continue
		}
		group, err := e.groups.GetGroup(ctx, *candidate.DedupID)
		if err != nil {
			return nil, err
		}
		if group == nil || group.Deleted {
			// Dangling reference; repaired elsewhere, not a blocker here
			continue
		}
		if best == nil || len(group.IDs) > bestSize || (len(group.IDs) == bestSize && group.ID < bestGroupID) {
			best = candidate
			bestSize = len(group.IDs)
			bestGroupID = group.ID
		}
	}

	if best == nil {
		best = matches[0]
	}

	log.WithFields(map[string]any{"candidate_id": best.ID}).Debug("Selected best match")
	return best, nil
}

// stageKeys returns the record's stored keys for a stage's key field
func stageKeys(record *models.Record, keyField string) []string {
	switch keyField {
	case "isbn_keys":
		return record.ISBNKeys
	case "id_keys":
		return record.IDKeys
	case "title_keys":
		return record.TitleKeys
	default:
		return nil
	}
}
