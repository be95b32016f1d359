package util

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

var (
	reStage  = regexp.MustCompile(`\b(?:stage|level|lvl)\s+(\d+)\b`)
	reSpaces = regexp.MustCompile(`\s+`)
)

// NormalizeName lowercases, spells out "&", drops punctuation and collapses
// whitespace. "Stage 2" style suffixes are reduced to the bare number.
func NormalizeName(input string) string {
	s := strings.ToLower(input)
	repl := strings.NewReplacer("&", " and ", "+", " and ", "'", "", "’", "", "`", "")
	s = repl.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(' ')
	}
	s = reSpaces.ReplaceAllString(b.String(), " ")
	s = strings.TrimSpace(s)
	return reStage.ReplaceAllString(s, "$1")
}

var noiseWords = map[string]bool{"badge": true, "badges": true, "patch": true, "patches": true}

// MatchKey is NormalizeName without a trailing "badge" or a leading "the",
// the form names are compared in.
func MatchKey(input string) string {
	tokens := strings.Fields(NormalizeName(input))
	for len(tokens) > 1 && noiseWords[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) > 1 && tokens[0] == "the" {
		tokens = tokens[1:]
	}
	return strings.Join(tokens, " ")
}

func Tokenize(input string) []string {
	norm := NormalizeName(input)
	if norm == "" {
		return nil
	}
	return strings.Split(norm, " ")
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

// EditRatio is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func EditRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// TokenSimilarity pairs every token with its closest counterpart on the other
// side and averages both directions, so extra words on either side cost.
func TokenSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return (bestTokenAverage(a, b) + bestTokenAverage(b, a)) / 2
}

func bestTokenAverage(from, to []string) float64 {
	total := 0.0
	for _, f := range from {
		best := 0.0
		for _, t := range to {
			if r := tokenRatio(f, t); r > best {
				best = r
			}
		}
		total += best
	}
	return total / float64(len(from))
}

// tokenRatio treats numbers as exact: "1" and "2" share nothing.
func tokenRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if isDigits(a) || isDigits(b) {
		return 0
	}
	return EditRatio(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func ContainsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}
