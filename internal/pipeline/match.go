package pipeline

import (
	"math"
	"sort"
	"strings"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

const (
	maxCandidates = 5
	exactScore    = 100.0
)

type MatchConfig struct {
	Floor  float64
	Auto   float64
	Review float64
}

func MatchConfigFrom(cfg config.Config) MatchConfig {
	return MatchConfig{Floor: cfg.MatchFloor, Auto: cfg.MatchAutoThreshold, Review: cfg.MatchReviewThreshold}
}

// Matcher scores free-text badge names against one catalog snapshot. It holds
// no mutable state and is safe for concurrent use.
type Matcher struct {
	snapshot *catalog.Snapshot
	cfg      MatchConfig
}

func NewMatcher(snapshot *catalog.Snapshot, cfg MatchConfig) *Matcher {
	if snapshot == nil {
		snapshot = catalog.NewSnapshot(nil)
	}
	return &Matcher{snapshot: snapshot, cfg: cfg}
}

type scored struct {
	entry           catalog.Entry
	score           float64
	categoryMention bool
}

// Match resolves rawName to the best scoring badge. context is any nearby
// text (section heading, the raw line) used only to break exact score ties by
// category. Below the floor the badge id is nil but the confidence is kept.
func (m *Matcher) Match(rawName, context string) internal.MatchResult {
	query := util.MatchKey(rawName)
	if query == "" || m.snapshot.Len() == 0 {
		return internal.MatchResult{Confidence: 0, Band: m.Band(0), Candidates: []internal.MatchCandidate{}}
	}

	// A single exact name match needs no ranking. Duplicate names fall
	// through to the category tie-break.
	if exact := m.snapshot.ExactByName(query); len(exact) == 1 {
		return internal.MatchResult{
			BadgeID:    util.StringPtr(exact[0].Badge.ID),
			Confidence: exactScore,
			Band:       m.Band(exactScore),
			Candidates: toCandidates([]scored{{entry: exact[0], score: exactScore}}, maxCandidates),
		}
	}

	contextTokens := util.Tokenize(context + " " + rawName)
	ranked := m.rank(query, contextTokens)

	best := ranked[0]
	result := internal.MatchResult{
		Confidence: best.score,
		Band:       m.Band(best.score),
		Candidates: toCandidates(ranked, maxCandidates),
	}
	if best.score >= m.cfg.Floor && best.score > 0 {
		result.BadgeID = util.StringPtr(best.entry.Badge.ID)
	}
	return result
}

// Band classifies a confidence into the review bands.
func (m *Matcher) Band(confidence float64) internal.ConfidenceBand {
	switch {
	case confidence >= m.cfg.Auto:
		return internal.BandAuto
	case confidence >= m.cfg.Review:
		return internal.BandReview
	default:
		return internal.BandCorrect
	}
}

// Suggest returns up to limit badges for a partially typed name. Names that
// contain the typed text rank above fuzzy matches.
func (m *Matcher) Suggest(partial string, limit int) []internal.MatchCandidate {
	if limit <= 0 {
		limit = maxCandidates
	}
	query := util.MatchKey(partial)
	if query == "" {
		return []internal.MatchCandidate{}
	}

	ranked := m.rank(query, nil)
	for i := range ranked {
		norm := ranked[i].entry.Normalized
		if strings.Contains(norm, query) {
			boost := 80 + 20*float64(len(query))/float64(len(norm))
			ranked[i].score = math.Max(ranked[i].score, round1(boost))
		}
	}
	sortScored(ranked)

	out := make([]internal.MatchCandidate, 0, limit)
	for _, s := range ranked {
		if len(out) == limit || s.score <= 0 {
			break
		}
		out = append(out, toCandidate(s))
	}
	return out
}

func (m *Matcher) rank(query string, contextTokens []string) []scored {
	queryTokens := strings.Fields(query)
	entries := m.snapshot.Entries()
	out := make([]scored, 0, len(entries))
	for _, e := range entries {
		s := scored{entry: e, score: scoreName(query, queryTokens, e)}
		if len(contextTokens) > 0 {
			s.categoryMention = mentionsCategory(contextTokens, e.CategoryTokens)
		}
		out = append(out, s)
	}
	sortScored(out)
	return out
}

// sortScored orders by score, then category mention, then badge id, so equal
// inputs always produce equal output.
func sortScored(s []scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		if s[i].categoryMention != s[j].categoryMention {
			return s[i].categoryMention
		}
		return s[i].entry.Badge.ID < s[j].entry.Badge.ID
	})
}

// scoreName blends character bigram overlap, whole string edit distance and
// per-token similarity on a 0..100 scale.
func scoreName(query string, queryTokens []string, e catalog.Entry) float64 {
	if query == e.Normalized {
		return exactScore
	}
	dice := util.DiceCoefficient(query, e.Normalized)
	edit := util.EditRatio(query, e.Normalized)
	tokens := util.TokenSimilarity(queryTokens, e.Tokens)
	return round1(100 * (0.4*dice + 0.3*edit + 0.3*tokens))
}

func mentionsCategory(contextTokens, categoryTokens []string) bool {
	if len(categoryTokens) == 0 {
		return false
	}
	for _, t := range categoryTokens {
		if !util.ContainsToken(contextTokens, t) {
			return false
		}
	}
	return true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func toCandidate(s scored) internal.MatchCandidate {
	return internal.MatchCandidate{
		BadgeID:  s.entry.Badge.ID,
		Name:     s.entry.Badge.Name,
		Category: s.entry.Badge.Category,
		Score:    s.score,
	}
}

func toCandidates(ranked []scored, limit int) []internal.MatchCandidate {
	if len(ranked) < limit {
		limit = len(ranked)
	}
	out := make([]internal.MatchCandidate, 0, limit)
	for _, s := range ranked[:limit] {
		out = append(out, toCandidate(s))
	}
	return out
}
