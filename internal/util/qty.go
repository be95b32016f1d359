package util

import (
	"regexp"
	"strconv"
	"strings"
)

// QuantityExpr matches a quantity phrase: digits, a digit range, or an
// English count word, optionally preceded by a hedge such as "about".
const QuantityExpr = `(?:(?:about|around|approximately|approx\.?|roughly|nearly|almost|at least|at most|over|maybe|perhaps|~)\s*)?` +
	`(?:\d{1,4}(?:\s*(?:-|–|to|or)\s*\d{1,4})?` +
	`|half a dozen|a dozen|a couple of|a couple|a pair of|a few|a single|couple of|pair of` +
	`|twenty|nineteen|eighteen|seventeen|sixteen|fifteen|fourteen|thirteen|twelve|eleven|ten` +
	`|nine|eight|seven|six|five|four|three|two|one|single|several|few|dozen|zero|an|a)`

var (
	reHedge = regexp.MustCompile(`^(?:about|around|approximately|approx\.?|roughly|nearly|almost|at least|at most|over|maybe|perhaps|~)\s*`)
	reRange = regexp.MustCompile(`^(\d{1,4})\s*(?:-|–|to|or)\s*(\d{1,4})$`)
	reInt   = regexp.MustCompile(`^\d{1,4}$`)
)

// Count words are a heuristic: "a few" and "several" both read as 3 and may
// under or over count what the recognizer actually saw.
var quantityWords = map[string]int{
	"zero": 0, "a": 1, "an": 1, "one": 1, "single": 1, "a single": 1,
	"two": 2, "couple of": 2, "a couple": 2, "a couple of": 2, "pair of": 2, "a pair of": 2,
	"three": 3, "few": 3, "a few": 3, "several": 3,
	"four": 4, "five": 5, "six": 6, "half a dozen": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "dozen": 12, "a dozen": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
}

// ParseQuantity reads a quantity phrase matched by QuantityExpr. Ranges
// resolve to their lower bound.
func ParseQuantity(phrase string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(phrase))
	s = strings.TrimSpace(reHedge.ReplaceAllString(s, ""))
	if s == "" {
		return 0, false
	}

	if m := reRange.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if hi < lo {
			lo = hi
		}
		return lo, true
	}
	if reInt.MatchString(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	if n, ok := quantityWords[s]; ok {
		return n, true
	}
	return 0, false
}
