package breaker

import "strings"

// stopWords are excluded from the near-duplicate token sets so boilerplate
// words do not inflate similarity.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true, "you": true,
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if word == "" || stopWords[word] {
			continue
		}
		set[word] = true
	}
	return set
}

// jaccard computes |A∩B| / |A∪B| over stop-word-filtered lowercase word sets.
func jaccard(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	inter := 0
	for word := range setA {
		if setB[word] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
