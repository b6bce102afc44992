package patient

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// MatchThreshold is the highest score a search result may have.
const MatchThreshold = 0.4

// Match is a search hit. Score is 0 for an exact match and grows with the
// edit distance, normalised by length.
type Match struct {
	Patient Patient
	Score   float64
}

type entry struct {
	patient Patient
	name    string
	email   string
	tokens  []string
}

func newEntry(p Patient) entry {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	email := strings.ToLower(strings.TrimSpace(p.Email))
	return entry{
		patient: p,
		name:    name,
		email:   email,
		tokens:  append(tokenize(name), tokenize(email)...),
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// distance is the Levenshtein distance of a and b divided by the longer
// length.
func distance(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

// tokenScore compares one query token to one indexed token. A prefix scores by
// the share of the token left untyped, halved.
func tokenScore(q, t string) float64 {
	score := distance(q, t)
	if strings.HasPrefix(t, q) {
		qn, tn := utf8.RuneCountInString(q), utf8.RuneCountInString(t)
		if prefix := float64(tn-qn) / float64(tn) / 2; prefix < score {
			score = prefix
		}
	}
	return score
}

func (e entry) score(query string, qtokens []string) float64 {
	best := distance(query, e.name)
	if d := distance(query, e.email); d < best {
		best = d
	}
	if len(qtokens) == 0 || len(e.tokens) == 0 {
		return best
	}
	var sum float64
	for _, q := range qtokens {
		tokBest := 1.0
		for _, t := range e.tokens {
			if s := tokenScore(q, t); s < tokBest {
				tokBest = s
			}
		}
		sum += tokBest
	}
	if avg := sum / float64(len(qtokens)); avg < best {
		best = avg
	}
	return best
}

func search(index []entry, query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Match{}
	}
	qtokens := tokenize(q)
	out := make([]Match, 0)
	for _, e := range index {
		s := e.score(q, qtokens)
		if s <= MatchThreshold {
			out = append(out, Match{Patient: e.patient, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Patient.Name < out[j].Patient.Name
	})
	return out
}
