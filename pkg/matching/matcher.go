// Package matching implements the pairwise record matcher and the staged
// candidate search that drive deduplication.
package matching

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/internal/tracing"
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/normalizers"
)

// Match thresholds. Title uses a strict bound, authors a lenient one backed
// by the equivalence check.
const (
	titleMaxDistancePercent  = 10.0
	authorMaxDistancePercent = 20.0
	pageCountMaxDelta        = 10
)

// Matcher scores two metadata records and decides whether they describe the
// same work. Deterministic and side-effect free aside from debug logging.
type Matcher struct {
	logger        ectologger.Logger
	factory       metadata.Factory
	formatAliases map[string]string
}

// NewMatcher creates a new pairwise matcher. formatAliases maps raw format
// tags to a normalized family (e.g. "marc21" -> "marc") consulted when the
// raw formats disagree.
func NewMatcher(logger ectologger.Logger, factory metadata.Factory, formatAliases map[string]string) *Matcher {
	return &Matcher{
		logger:        logger,
		factory:       factory,
		formatAliases: formatAliases,
	}
}

// Match evaluates the ordered match rules for a record against a stored
// candidate. The first decisive rule wins. Candidates whose payload cannot be
// opened are treated as non-matching, never as an error.
func (m *Matcher) Match(ctx context.Context, record *models.Record, meta metadata.Record, candidate *models.Record) bool {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.Match")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"record_id":    record.ID,
		"candidate_id": candidate.ID,
	})

	candidateMeta, err := m.factory.CreateRecord(candidate.Format, candidate.Payload)
	if err != nil {
		log.WithError(err).Warn("Failed to open candidate metadata, treating as non-match")
		return false
	}

	return m.matchMetadata(log, meta, candidateMeta)
}

// MatchMetadata evaluates the rules over two already opened metadata records
func (m *Matcher) MatchMetadata(ctx context.Context, a, b metadata.Record) bool {
	return m.matchMetadata(m.logger.WithContext(ctx), a, b)
}

func (m *Matcher) matchMetadata(log ectologger.Logger, a, b metadata.Record) bool {
	if a.IsHiddenComponentPart() != b.IsHiddenComponentPart() {
		log.Debug("No match: hidden component part mismatch")
		return false
	}

	if a.GetAccessRestrictions() != b.GetAccessRestrictions() {
		log.Debug("No match: differing access restrictions")
		return false
	}

	if a.GetFormat() != b.GetFormat() && m.mappedFormat(a.GetFormat()) != m.mappedFormat(b.GetFormat()) {
		log.Debug("No match: format mismatch")
		return false
	}

	if sharedKey(a.GetISBNs(), b.GetISBNs()) {
		log.Debug("Match: shared ISBN")
		return true
	}

	if sharedNormalizedID(a.GetUniqueIDs(), b.GetUniqueIDs()) {
		log.Debug("Match: shared unique identifier")
		return true
	}

	issnsA, issnsB := a.GetISSNs(), b.GetISSNs()
	if len(issnsA) > 0 && len(issnsB) > 0 && !sharedKey(issnsA, issnsB) {
		log.Debug("No match: disjoint ISSN lists")
		return false
	}

	yearA, yearB := a.GetPublicationYear(), b.GetPublicationYear()
	if yearA != "" && yearB != "" && yearA != yearB {
		log.Debug("No match: differing publication years")
		return false
	}

	pagesA, pagesB := a.GetPageCount(), b.GetPageCount()
	if pagesA > 0 && pagesB > 0 && absDiff(pagesA, pagesB) > pageCountMaxDelta {
		log.Debug("No match: page counts too far apart")
		return false
	}

	seriesA, seriesB := a.GetSeriesISSN(), b.GetSeriesISSN()
	if seriesA != "" && seriesB != "" && seriesA != seriesB {
		log.Debug("No match: differing series ISSN")
		return false
	}
	numberingA, numberingB := a.GetSeriesNumbering(), b.GetSeriesNumbering()
	if numberingA != "" && numberingB != "" && numberingA != numberingB {
		log.Debug("No match: differing series numbering")
		return false
	}

	titleA := normalizers.NormalizeTitle(a.GetTitle(true))
	titleB := normalizers.NormalizeTitle(b.GetTitle(true))
	if titleA == "" || titleB == "" {
		log.Debug("No match: empty title after normalization")
		return false
	}

	if percent := titleDistancePercent(titleA, titleB); percent >= titleMaxDistancePercent {
		log.WithFields(map[string]any{"title_distance_percent": percent}).Debug("No match: titles too different")
		return false
	}

	authorA := normalizers.NormalizeAuthor(a.GetMainAuthor())
	authorB := normalizers.NormalizeAuthor(b.GetMainAuthor())
	if (authorA == "") != (authorB == "") {
		log.Debug("No match: author present on only one record")
		return false
	}
	if authorA != "" {
		if !authorsEquivalent(authorA, authorB) {
			if percent := authorDistancePercent(authorA, authorB); percent > authorMaxDistancePercent {
				log.WithFields(map[string]any{"author_distance_percent": percent}).Debug("No match: authors too different")
				return false
			}
		}
	}

	log.Debug("Match: all rules passed")
	return true
}

// mappedFormat maps a raw format tag to its normalized family
func (m *Matcher) mappedFormat(format string) string {
	format = strings.ToLower(format)
	if mapped, ok := m.formatAliases[format]; ok {
		return mapped
	}
	return format
}

// sharedKey reports whether the two key lists intersect
func sharedKey(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, key := range a {
		seen[key] = struct{}{}
	}
	for _, key := range b {
		if _, ok := seen[key]; ok {
			return true
		}
	}
	return false
}

// sharedNormalizedID intersects identifier lists after normalization
func sharedNormalizedID(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, id := range a {
		seen[normalizers.NormalizeIdentifier(id)] = struct{}{}
	}
	for _, id := range b {
		if _, ok := seen[normalizers.NormalizeIdentifier(id)]; ok {
			return true
		}
	}
	return false
}

// authorsEquivalent is the lenient author equivalence check: normalized
// equality, also accepting "Family, Given" against "Given Family" ordering.
// Initials are NOT expanded; "smith j" and "smith john" are left to the edit
// distance threshold.
func authorsEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	return reverseSegments(a) == b || a == reverseSegments(b)
}

// reverseSegments flips "family given" ordering produced by comma inversion.
// Normalization has already removed the comma, so the flip is word-level.
func reverseSegments(author string) string {
	words := strings.Fields(author)
	if len(words) < 2 {
		return author
	}
	return strings.Join(append(words[1:], words[0]), " ")
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
