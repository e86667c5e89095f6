// Package extractor computes the dedup candidate keys persisted on each
// record for fast candidate lookup
package extractor

import (
	"github.com/Ramsey-B/sorrel/pkg/metadata"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/normalizers"
)

// maxIDKeyLength bounds stored identifier keys
const maxIDKeyLength = 200

// UpdateCandidateKeys recomputes the record's title/ISBN/ID candidate keys
// from its metadata and mutates the record in place. It returns whether
// anything changed so the caller can decide whether to persist.
//
// Empty key lists are removed from the record rather than stored empty, which
// keeps $exists filters on the key fields meaningful.
func UpdateCandidateKeys(record *models.Record, meta metadata.Record) bool {
	changed := false

	var titleKeys []string
	if key := TitleKey(meta); key != "" {
		titleKeys = []string{key}
	}
	if !sameKeys(record.TitleKeys, titleKeys) {
		record.TitleKeys = titleKeys
		changed = true
	}

	isbnKeys := meta.GetISBNs()
	if len(isbnKeys) == 0 {
		isbnKeys = nil
	}
	if !sameKeys(record.ISBNKeys, isbnKeys) {
		record.ISBNKeys = isbnKeys
		changed = true
	}

	var idKeys []string
	for _, id := range meta.GetUniqueIDs() {
		key := normalizers.NormalizeIdentifier(id)
		if key == "" {
			continue
		}
		if len(key) > maxIDKeyLength {
			key = key[:maxIDKeyLength]
		}
		idKeys = append(idKeys, key)
	}
	if !sameKeys(record.IDKeys, idKeys) {
		record.IDKeys = idKeys
		changed = true
	}

	return changed
}

// TitleKey builds the combined title+author candidate key. Both parts must be
// non-empty or no key is produced.
func TitleKey(meta metadata.Record) string {
	title := normalizers.NormalizeTitle(meta.GetTitle(true))
	author := normalizers.AuthorFirstSegment(meta.GetMainAuthor())
	if title == "" || author == "" {
		return ""
	}
	return title + author
}

// sameKeys compares two key lists by set equality
func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, key := range a {
		seen[key] = struct{}{}
	}
	for _, key := range b {
		if _, ok := seen[key]; !ok {
			return false
		}
	}
	return true
}
