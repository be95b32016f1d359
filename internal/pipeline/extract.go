package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

// Candidate is one (name, quantity) pair read from recognizer output.
type Candidate struct {
	LineNo    int
	RawLine   string
	RawName   string
	Quantity  int
	Certainty *string
	Context   *string
}

const maxNameWords = 8

// skipPatterns drop a segment entirely.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[-=*_#~.]{2,}$`),
	regexp.MustCompile(`^\|?\s*:?-{3,}`),
	regexp.MustCompile(`(?i)^no\s+(?:\w+\s+)?badges?\b`),
	regexp.MustCompile(`(?i)^(?:none|n/a|nothing)\b`),
	regexp.MustCompile(`(?i)^badge\s*name\s*\|`),
	regexp.MustCompile(`(?i)^(?:in\s+)?total\b`),
	regexp.MustCompile(`(?i)^(?:overall|summary|altogether)\b`),
	regexp.MustCompile(`(?i)^example\b`),
}

// chatterPatterns mark conversational lines. They are only mined for
// explicit "N name badges" phrases.
var chatterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:i\s+)?(?:can(?:not|'t)?|could(?:n't)?|am\s+unable|unable|will|would|see|notice|think|believe)\b`),
	regexp.MustCompile(`(?i)^(?:here|sure|certainly|okay|ok|note|please|based|this|these|the\s+(?:image|photo|picture|box)|there|it|they|in\s+(?:this|the)|from|looking|some|unfortunately|however|additionally|also)\b`),
	regexp.MustCompile(`\?$`),
}

var (
	reListMarker = regexp.MustCompile(`^(?:[-*•·▪►◦]+|\d{1,2}[.)]|[a-z][.)])\s+`)
	reHeading    = regexp.MustCompile(`^#{1,6}\s*`)
	emphasis     = strings.NewReplacer("**", "", "__", "", "`", "")
	reCertainty  = regexp.MustCompile(`(?i)\b(high|medium|low)\b`)
	reFirstInt   = regexp.MustCompile(`\d{1,4}`)
	reBadgeWord  = regexp.MustCompile(`(?i)\s*\bbadges?\b\s*$`)
	reNameTrim   = regexp.MustCompile(`^[\s"'“”‘’*:;,.\-–—]+|[\s"'“”‘’*:;,.\-–—]+$`)
	reHasLetter  = regexp.MustCompile(`\pL`)
	reSpaces     = regexp.MustCompile(`\s+`)

	reTrailingQty = regexp.MustCompile(`(?i)^(.+?)(?:\s*[:=]\s*|\s+[-–—]\s*|\s+[x×]\s*|\s*\(\s*)(` + util.QuantityExpr + `)\b\s*\)?\s*(?:badges?|pcs|pieces|items?)?\s*(.*)$`)
	reLeadingQty  = regexp.MustCompile(`(?i)^(` + util.QuantityExpr + `)(?:\s*[x×])?\s+(.+)$`)
	reTimesPrefix = regexp.MustCompile(`(?i)^(\d{1,4})\s*[x×]\s+(.+)$`)
	reTimesWord   = regexp.MustCompile(`(?i)^(\d{1,4})\s*[x×]$`)

	// Counts past four digits are not read as quantities.
	reOversizedTrailing = regexp.MustCompile(`(?i)^(.+?)(?:\s*[:=]\s*|\s+[-–—]\s*|\s+[x×]\s*|\s*\(\s*)\d{5,}\b`)
	reOversizedLeading  = regexp.MustCompile(`(?i)^\d{5,}(?:\s*[x×])?\s+(.+)$`)
	reOversizedDigits   = regexp.MustCompile(`\d{5,}`)
)

var badNameStarts = map[string]bool{
	"of": true, "are": true, "is": true, "more": true, "other": true, "types": true, "type": true,
	"kinds": true, "different": true, "badges": true, "badge": true, "times": true, "items": true,
}

// proseStopWords end a backwards name scan in free prose.
var proseStopWords = map[string]bool{
	"the": true, "of": true, "and": true, "or": true, "with": true, "in": true, "on": true, "at": true,
	"are": true, "is": true, "were": true, "was": true, "there": true, "see": true, "can": true, "i": true,
	"also": true, "which": true, "that": true, "these": true, "those": true, "some": true, "more": true,
	"other": true, "different": true, "types": true, "kinds": true, "including": true, "include": true,
	"includes": true, "like": true, "such": true, "as": true, "for": true, "from": true, "to": true,
	"by": true, "plus": true, "visible": true, "my": true, "your": true, "their": true, "its": true,
	"box": true, "image": true, "photo": true, "picture": true, "identified": true, "contains": true,
	"shows": true, "has": true, "have": true, "be": true, "appear": true, "appears": true, "seem": true,
	"following": true, "various": true, "many": true, "multiple": true, "all": true, "any": true,
	"each": true, "both": true, "listed": true, "below": true, "above": true, "this": true,
}

// ParseResponse turns recognizer output into candidates. It never fails:
// anything it cannot read is dropped, and empty or foreign input yields an
// empty slice.
func ParseResponse(raw string) []Candidate {
	var out []Candidate
	var context *string

	for lineNo, line := range splitLines(raw) {
		for _, segment := range splitSegments(line) {
			cleaned, heading := cleanSegment(segment)
			if cleaned == "" {
				continue
			}
			chatter := matchesAny(chatterPatterns, cleaned)
			if heading || (!chatter && isSectionHeader(cleaned)) {
				ctx := strings.TrimSpace(strings.TrimRight(cleaned, ":"))
				if ctx != "" && reHasLetter.MatchString(ctx) {
					context = util.StringPtr(ctx)
				}
				continue
			}
			if matchesAny(skipPatterns, cleaned) || (chatter && isPreamble(cleaned)) {
				continue
			}

			var found []Candidate
			if chatter {
				found = parseProse(cleaned)
			} else {
				found = parseSegment(cleaned)
			}
			for _, c := range found {
				c.LineNo = lineNo + 1
				c.RawLine = segment
				c.Context = context
				out = append(out, c)
			}
		}
	}
	return out
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

// splitSegments breaks a line on semicolons unless it is a pipe row.
func splitSegments(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.Contains(line, "|") {
		return []string{line}
	}
	parts := strings.Split(line, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cleanSegment(segment string) (string, bool) {
	s := strings.TrimSpace(segment)
	heading := reHeading.MatchString(s)
	s = reHeading.ReplaceAllString(s, "")
	s = emphasis.Replace(s)
	s = reListMarker.ReplaceAllString(s, "")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s), heading
}

func isSectionHeader(s string) bool {
	return strings.HasSuffix(s, ":") && !strings.Contains(s, "|") && !reFirstInt.MatchString(s) && len(strings.Fields(s)) <= 6
}

// isPreamble reports a conversational lead-in such as "I can see the
// following badges:". The list that follows carries the counts.
func isPreamble(s string) bool {
	return strings.HasSuffix(s, ":") && !reFirstInt.MatchString(s)
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func parseSegment(s string) []Candidate {
	if strings.Contains(s, "|") {
		if c, ok := parsePipeRow(s); ok {
			return []Candidate{c}
		}
		return nil
	}
	if c, ok := parseOversizedQty(s); ok {
		return []Candidate{c}
	}
	if c, ok := parseTrailingQty(s); ok {
		return []Candidate{c}
	}
	if c, ok := parseLeadingQty(s); ok {
		return []Candidate{c}
	}
	if found := parseProse(s); len(found) > 0 {
		return found
	}
	if c, ok := parseBareName(s); ok {
		return []Candidate{c}
	}
	return nil
}

// parsePipeRow reads "Name | Count | Confidence" rows, including markdown
// table rows with leading and trailing pipes.
func parsePipeRow(s string) (Candidate, bool) {
	var cells []string
	for _, cell := range strings.Split(s, "|") {
		cells = append(cells, strings.TrimSpace(cell))
	}
	for len(cells) > 0 && cells[0] == "" {
		cells = cells[1:]
	}
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	if len(cells) == 0 {
		return Candidate{}, false
	}

	name, ok := cleanName(cells[0])
	if !ok {
		return Candidate{}, false
	}
	switch strings.ToLower(name) {
	case "name", "badge", "badge name", "badge type":
		return Candidate{}, false
	}

	qty := 1
	if len(cells) > 1 {
		qty = readQuantityCell(cells[1])
	}

	var certainty *string
	for _, cell := range cells[min(2, len(cells)):] {
		if m := reCertainty.FindStringSubmatch(cell); m != nil {
			certainty = util.StringPtr(strings.ToLower(m[1]))
			break
		}
	}
	return Candidate{RawName: name, Quantity: qty, Certainty: certainty}, true
}

func readQuantityCell(cell string) int {
	cell = strings.TrimSpace(reBadgeWord.ReplaceAllString(cell, ""))
	if reOversizedDigits.MatchString(cell) {
		return 0
	}
	if n, ok := util.ParseQuantity(cell); ok {
		return n
	}
	if m := reFirstInt.FindString(cell); m != "" {
		if n, ok := util.ParseQuantity(m); ok {
			return n
		}
	}
	return 1
}

// parseOversizedQty keeps the name of a "Name: 10000" or "10000 Name" segment
// with quantity 0, so an unreadable count never reaches inventory.
func parseOversizedQty(s string) (Candidate, bool) {
	var rest string
	if m := reOversizedTrailing.FindStringSubmatch(s); m != nil {
		rest = m[1]
	} else if m := reOversizedLeading.FindStringSubmatch(s); m != nil {
		rest = m[1]
		words := strings.Fields(rest)
		if len(words) > maxNameWords || badNameStarts[strings.ToLower(words[0])] {
			return Candidate{}, false
		}
	} else {
		return Candidate{}, false
	}
	name, ok := cleanName(rest)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{RawName: name, Quantity: 0}, true
}

// parseTrailingQty reads "Name: 3", "Name - 3", "Name x3" and "Name (3)".
func parseTrailingQty(s string) (Candidate, bool) {
	m := reTrailingQty.FindStringSubmatch(s)
	if m == nil {
		return Candidate{}, false
	}
	name, ok := cleanName(m[1])
	if !ok {
		return Candidate{}, false
	}
	qty, ok := util.ParseQuantity(m[2])
	if !ok {
		return Candidate{}, false
	}
	c := Candidate{RawName: name, Quantity: qty}
	if cm := reCertainty.FindStringSubmatch(m[3]); cm != nil {
		c.Certainty = util.StringPtr(strings.ToLower(cm[1]))
	}
	return c, true
}

// parseLeadingQty reads short segments such as "3 Swimmer badges", "3x
// Swimmer" or "about four Cyclist badges".
func parseLeadingQty(s string) (Candidate, bool) {
	var qtyText, rest string
	if m := reTimesPrefix.FindStringSubmatch(s); m != nil {
		qtyText, rest = m[1], m[2]
	} else if m := reLeadingQty.FindStringSubmatch(s); m != nil {
		qtyText, rest = m[1], m[2]
	} else {
		return Candidate{}, false
	}

	words := strings.Fields(rest)
	if len(words) == 0 || len(words) > maxNameWords || badNameStarts[strings.ToLower(words[0])] {
		return Candidate{}, false
	}
	name, ok := cleanName(rest)
	if !ok {
		return Candidate{}, false
	}
	qty, ok := util.ParseQuantity(qtyText)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{RawName: name, Quantity: qty}, true
}

// parseProse finds every "<quantity> <name> badge(s)" phrase by scanning
// backwards from each occurrence of the word "badge".
func parseProse(s string) []Candidate {
	words := strings.Fields(s)
	var out []Candidate
	for i, w := range words {
		if !isBadgeWord(w) || i == 0 {
			continue
		}
		if c, ok := scanBackwards(words[:i]); ok {
			out = append(out, c)
		}
	}
	return out
}

func scanBackwards(words []string) (Candidate, bool) {
	var name []string
	qty := 1
	for j := len(words) - 1; j >= 0; j-- {
		raw := words[j]
		word := strings.Trim(raw, `"'“”‘’()[]`)
		lower := strings.ToLower(strings.Trim(word, ".,;:!"))
		if j < len(words)-1 && endsClause(raw) {
			break
		}

		if len(name) > 0 {
			if n, ok := quantityEndingAt(words, j); ok {
				qty = n
				break
			}
		}
		if len(name) == 0 && !allDigits(lower) {
			if _, ok := util.ParseQuantity(lower); ok {
				break
			}
		}
		if proseStopWords[lower] {
			if lower == "and" && len(name) > 0 && j > 0 && startsUpper(words[j-1]) && startsUpper(name[0]) {
				name = append([]string{word}, name...)
				continue
			}
			if n, ok := quantityEndingAt(words, j); ok && len(name) > 0 {
				qty = n
			}
			break
		}
		if lower == "a" || lower == "an" {
			break
		}
		name = append([]string{word}, name...)
		if len(name) > maxNameWords {
			return Candidate{}, false
		}
	}

	cleaned, ok := cleanName(strings.Join(name, " "))
	if !ok {
		return Candidate{}, false
	}
	return Candidate{RawName: cleaned, Quantity: qty}, true
}

// quantityEndingAt tries the longest quantity phrase that ends at words[j].
func quantityEndingAt(words []string, j int) (int, bool) {
	for span := 3; span >= 1; span-- {
		start := j - span + 1
		if start < 0 {
			continue
		}
		if start < j && endsClause(words[start]) {
			continue
		}
		phrase := strings.ToLower(strings.Join(words[start:j+1], " "))
		phrase = strings.Trim(phrase, `"'()[],;:`)
		phrase = reTimesWord.ReplaceAllString(phrase, "$1")
		if n, ok := util.ParseQuantity(phrase); ok {
			return n, true
		}
	}
	return 0, false
}

func parseBareName(s string) (Candidate, bool) {
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 6 {
		return Candidate{}, false
	}
	if strings.HasSuffix(s, ".") && len(words) > 3 {
		return Candidate{}, false
	}
	name, ok := cleanName(s)
	if !ok {
		return Candidate{}, false
	}
	c := Candidate{RawName: name, Quantity: 1}
	if m := reCertainty.FindStringSubmatch(s); m != nil && strings.Contains(s, "(") {
		c.Certainty = util.StringPtr(strings.ToLower(m[1]))
		c.RawName = strings.TrimSpace(reNameTrim.ReplaceAllString(strings.Split(name, "(")[0], ""))
		if c.RawName == "" {
			return Candidate{}, false
		}
	}
	return c, true
}

func cleanName(s string) (string, bool) {
	s = reSpaces.ReplaceAllString(strings.TrimSpace(s), " ")
	s = reNameTrim.ReplaceAllString(s, "")
	s = reBadgeWord.ReplaceAllString(s, "")
	s = reNameTrim.ReplaceAllString(s, "")
	if lower := strings.ToLower(s); strings.HasPrefix(lower, "the ") {
		s = s[4:]
	}
	s = strings.TrimSpace(s)
	if s == "" || !reHasLetter.MatchString(s) {
		return "", false
	}
	if len(strings.Fields(s)) > maxNameWords {
		return "", false
	}
	return s, true
}

func isBadgeWord(w string) bool {
	w = strings.ToLower(strings.Trim(w, `"'“”‘’()[].,;:!?`))
	return w == "badge" || w == "badges"
}

func endsClause(w string) bool {
	return strings.HasSuffix(w, ",") || strings.HasSuffix(w, ".") || strings.HasSuffix(w, ":") || strings.HasSuffix(w, ";")
}

func startsUpper(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return unicode.IsUpper(r)
}

func allDigits(s string) bool {
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
