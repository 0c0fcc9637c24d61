// Package similarity scores how alike two company names or city names are.
package similarity

import (
	"math"
	"strings"

	"github.com/hbollon/go-edlib"
	"golang.org/x/text/cases"
)

// Score returns the Jaro-Winkler similarity of a and b in [0,1].
//
// Comparison is case-insensitive. Either string empty yields 0, equal strings
// yield 1. The Jaro match window is floor(max(len)/2)-1 and the common-prefix
// bonus (up to 4 runes, scale 0.1) only applies once the Jaro score exceeds 0.7.
func Score(a, b string) float64 {
	a = fold(a)
	b = fold(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	s := float64(edlib.JaroWinklerSimilarity(a, b))
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Percent returns Score scaled to 0-100 and floored.
func Percent(a, b string) int {
	return int(math.Floor(Score(a, b)*100 + 1e-9))
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
