package anchor

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Normalize lowercases s and strips every character outside [a-z0-9_].
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return -1
		}
	}, s)
}

// Similarity is 1 - distance/maxLen over the normalized forms of a and b.
// It is 0 when either normalized string is empty.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	d := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(d)/float64(max(len(na), len(nb)))
}

// FuzzyMatch reports whether a and b are equal after normalization or their
// normalized Levenshtein similarity reaches threshold. Strings that normalize
// to nothing never match.
func FuzzyMatch(a, b string, threshold float64) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return Similarity(na, nb) >= threshold
}
