// Package utils provides small helpers shared by the store and the CLI:
// approximate string matching for search, human readable timestamps and
// file sizes.
package utils

import (
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
)

// ===========================================================================
// STRING MATCHING
// ===========================================================================

// Distance returns the edit distance between query and the closest substring
// of haystack. A query contained verbatim in haystack scores 0.
//
// The first DP row is all zeros so a match may start anywhere in haystack,
// and the result is the minimum of the last row so it may end anywhere.
func Distance(query, haystack string) int {
	q := []rune(query)
	h := []rune(haystack)
	if len(q) == 0 {
		return 0
	}
	if len(h) == 0 {
		return len(q)
	}

	prev := make([]int, len(h)+1)
	curr := make([]int, len(h)+1)
	for i := 1; i <= len(q); i++ {
		curr[0] = i
		for j := 1; j <= len(h); j++ {
			cost := 1
			if q[i-1] == h[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	best := prev[0]
	for _, d := range prev[1:] {
		best = min(best, d)
	}
	return best
}

// Fold returns s case folded for case-insensitive comparison.
func Fold(s string) string {
	// A Caser keeps state, so each call gets its own.
	return cases.Fold().String(s)
}

// FoldedDistance is Distance over case folded inputs.
func FoldedDistance(query, haystack string) int {
	return Distance(Fold(query), Fold(haystack))
}

// ===========================================================================
// TIME
// ===========================================================================

// DescriptiveTime renders then relative to now the way a room list shows
// the time of the last message: the clock time today, "Yesterday", day and
// month within a year, and a full short date otherwise.
func DescriptiveTime(then, now time.Time) string {
	then = then.In(now.Location())
	days := calendarDays(then, now)

	switch {
	case days == 0:
		return then.Format("15:04")
	case days < 2:
		return "Yesterday"
	case days < 365:
		return then.Format("02/01")
	default:
		return then.Format("02/01/06")
	}
}

// calendarDays counts date changes from a to b.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// FromMillis converts a Matrix origin_server_ts.
func FromMillis(ts int64) time.Time {
	return time.UnixMilli(ts)
}

// ===========================================================================
// SIZES
// ===========================================================================

// FileSize formats a byte count, e.g. "1.2 MB".
func FileSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Count formats a large count with thousands separators.
func Count(n int) string {
	return humanize.Comma(int64(n))
}
