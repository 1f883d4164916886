package policy

import "strings"

// CompareVersions orders two printer firmware versions lexically and returns
// -1, 0 or 1.
//
// Printers report versions as fixed-width, zero-padded "AA.BB.CC.DD" strings,
// for which byte order equals numeric order. Inputs in any other shape are
// still ordered lexically; callers must not pass them.
func CompareVersions(a, b string) int {
	return strings.Compare(a, b)
}

// InRange reports whether lo <= v <= hi under CompareVersions.
func InRange(v, lo, hi string) bool {
	return CompareVersions(v, lo) >= 0 && CompareVersions(v, hi) <= 0
}
