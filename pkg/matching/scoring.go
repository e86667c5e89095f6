package matching

import "unicode/utf8"

// compareMax caps the string length fed to the edit distance computation.
// Percentages are still taken against the full original values.
const compareMax = 255

// LevenshteinDistance calculates the edit distance between two strings
func LevenshteinDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// Two rows for dynamic programming
	row := make([]int, len(b)+1)
	prevRow := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			row[j] = min(min(row[j-1]+1, prevRow[j]+1), prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(b)]
}

// truncate caps a string at compareMax bytes
func truncate(s string) string {
	if len(s) > compareMax {
		return s[:compareMax]
	}
	return s
}

// titleDistancePercent computes the edit distance of two normalized titles as
// a percentage of the longer title's byte length. Distance is computed on
// truncated inputs to bound the cost on pathological titles.
func titleDistancePercent(a, b string) float64 {
	length := max(len(a), len(b))
	if length == 0 {
		return 0
	}
	distance := LevenshteinDistance(truncate(a), truncate(b))
	return float64(distance) / float64(length) * 100
}

// authorDistancePercent computes the edit distance of two normalized authors
// as a percentage of the longer author's rune count. Rune counting keeps the
// threshold stable for multi-byte scripts.
func authorDistancePercent(a, b string) float64 {
	length := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if length == 0 {
		return 0
	}
	distance := LevenshteinDistance(truncate(a), truncate(b))
	return float64(distance) / float64(length) * 100
}
