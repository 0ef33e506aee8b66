package match

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// similarityOptions prices every edit at 1. The library's DefaultOptions
// charge 2 for a substitution, which would make a single reformatted
// character count double against the score.
var similarityOptions = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// Similarity returns the normalized edit-distance similarity of two strings
// in [0, 1]: 1 - distance/maxLen. Inputs are expected to be pre-normalized
// (case folded, whitespace collapsed). Empty strings carry no matching
// signal and score 0 against everything, including each other.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	distance := levenshtein.DistanceForStrings(ra, rb, similarityOptions)

	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}

	return 1 - float64(distance)/float64(maxLen)
}
