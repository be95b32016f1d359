package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
)

var testMatchConfig = MatchConfig{Floor: 50, Auto: 90, Review: 70}

func testMatcher(badges ...internal.Badge) *Matcher {
	if len(badges) == 0 {
		badges = []internal.Badge{
			{ID: "bronze-boomerang", Name: "Bronze Boomerang", Category: "Cub Scouts"},
			{ID: "swimmer", Name: "Swimmer", Category: "Cub Scouts"},
			{ID: "milestone-1", Name: "Milestone 1", Category: "Milestones"},
			{ID: "milestone-2", Name: "Milestone 2", Category: "Milestones"},
			{ID: "grey-wolf", Name: "Grey Wolf Award", Category: "Awards"},
		}
	}
	return NewMatcher(catalog.NewSnapshot(badges), testMatchConfig)
}

func TestMatcherMisspelling(t *testing.T) {
	m := testMatcher(
		internal.Badge{ID: "bronze-boomerang", Name: "Bronze Boomerang"},
		internal.Badge{ID: "swimmer", Name: "Swimmer"},
	)

	res := m.Match("broze boomrang", "")
	require.NotNil(t, res.BadgeID)
	assert.Equal(t, "bronze-boomerang", *res.BadgeID)
	assert.GreaterOrEqual(t, res.Confidence, 70.0)
	assert.Equal(t, internal.BandReview, res.Band)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "Bronze Boomerang", res.Candidates[0].Name)
}

func TestMatcherExactNameIgnoresNoise(t *testing.T) {
	m := testMatcher()
	for _, raw := range []string{"Swimmer", "swimmer badge", "The Swimmer Badges", "  SWIMMER!! "} {
		res := m.Match(raw, "")
		require.NotNil(t, res.BadgeID, raw)
		assert.Equal(t, "swimmer", *res.BadgeID, raw)
		assert.Equal(t, 100.0, res.Confidence, raw)
		assert.Equal(t, internal.BandAuto, res.Band, raw)
	}

	res := m.Match("Milestone Stage 2", "")
	require.NotNil(t, res.BadgeID)
	assert.Equal(t, "milestone-2", *res.BadgeID)

	res = m.Match("Grey Wolf Award", "")
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "grey-wolf", res.Candidates[0].BadgeID)
	assert.Equal(t, 100.0, res.Candidates[0].Score)
}

func TestMatcherBelowFloorKeepsConfidence(t *testing.T) {
	m := testMatcher()
	res := m.Match("xyzzy qwerty", "")
	assert.Nil(t, res.BadgeID)
	assert.Greater(t, res.Confidence, 0.0)
	assert.Less(t, res.Confidence, 50.0)
	assert.Equal(t, internal.BandCorrect, res.Band)
	assert.NotEmpty(t, res.Candidates)
}

func TestMatcherEmptyInput(t *testing.T) {
	m := testMatcher()
	res := m.Match("  ", "")
	assert.Nil(t, res.BadgeID)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Empty(t, res.Candidates)

	empty := NewMatcher(nil, testMatchConfig)
	assert.Nil(t, empty.Match("Swimmer", "").BadgeID)
}

func TestMatcherTieBreaksOnLowestID(t *testing.T) {
	m := testMatcher()
	res := m.Match("Milestone 3", "")
	require.NotNil(t, res.BadgeID)
	assert.Equal(t, "milestone-1", *res.BadgeID)
	require.GreaterOrEqual(t, len(res.Candidates), 2)
	assert.Equal(t, res.Candidates[0].Score, res.Candidates[1].Score)
	assert.Equal(t, internal.BandReview, res.Band)
}

func TestMatcherTieBreaksOnCategoryMention(t *testing.T) {
	m := testMatcher(
		internal.Badge{ID: "cub-swimmer", Name: "Swimmer", Category: "Cub Scouts"},
		internal.Badge{ID: "joey-swimmer", Name: "Swimmer", Category: "Joey Scouts"},
	)

	res := m.Match("Swimmer", "Joey Scouts")
	require.NotNil(t, res.BadgeID)
	assert.Equal(t, "joey-swimmer", *res.BadgeID)

	res = m.Match("Swimmer", "")
	require.NotNil(t, res.BadgeID)
	assert.Equal(t, "cub-swimmer", *res.BadgeID)
}

func TestMatcherDeterministic(t *testing.T) {
	m := testMatcher()
	first := m.Match("grey wolf", "Awards")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Match("grey wolf", "Awards"))
	}
	require.NotNil(t, first.BadgeID)
	assert.Equal(t, "grey-wolf", *first.BadgeID)
	assert.Len(t, first.Candidates, 5)
}

func TestMatcherBand(t *testing.T) {
	m := testMatcher()
	assert.Equal(t, internal.BandAuto, m.Band(90))
	assert.Equal(t, internal.BandReview, m.Band(89.9))
	assert.Equal(t, internal.BandReview, m.Band(70))
	assert.Equal(t, internal.BandCorrect, m.Band(69.9))
}

func TestMatcherSuggest(t *testing.T) {
	m := testMatcher()

	got := m.Suggest("swim", 3)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)
	assert.Equal(t, "swimmer", got[0].BadgeID)

	got = m.Suggest("milestone", 0)
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, "milestone-1", got[0].BadgeID)
	assert.Equal(t, "milestone-2", got[1].BadgeID)

	assert.Empty(t, m.Suggest("", 5))
}
