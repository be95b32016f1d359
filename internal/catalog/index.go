package catalog

import (
	"sort"
	"strings"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

type Entry struct {
	Badge          internal.Badge
	Normalized     string
	Tokens         []string
	CategoryTokens []string
}

// Snapshot is an immutable view of the catalog. A scan works against the
// snapshot taken when its run started, so a reload never changes matching
// results half way through a scan.
type Snapshot struct {
	entries      []Entry
	byID         map[string]int
	byNormalized map[string][]int
}

func NewSnapshot(badges []internal.Badge) *Snapshot {
	sorted := append([]internal.Badge(nil), badges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s := &Snapshot{
		entries:      make([]Entry, 0, len(sorted)),
		byID:         make(map[string]int, len(sorted)),
		byNormalized: map[string][]int{},
	}

	for _, b := range sorted {
		if _, dup := s.byID[b.ID]; dup {
			continue
		}
		norm := util.MatchKey(b.Name)
		entry := Entry{
			Badge:          b,
			Normalized:     norm,
			Tokens:         strings.Fields(norm),
			CategoryTokens: util.Tokenize(b.Category),
		}
		idx := len(s.entries)
		s.entries = append(s.entries, entry)
		s.byID[b.ID] = idx
		s.byNormalized[norm] = append(s.byNormalized[norm], idx)
	}

	return s
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns the entries ordered by badge id. Callers must not modify
// the returned slice.
func (s *Snapshot) Entries() []Entry {
	return s.entries
}

func (s *Snapshot) Badge(id string) (internal.Badge, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return internal.Badge{}, false
	}
	return s.entries[idx].Badge, true
}

func (s *Snapshot) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// ExactByName returns entries whose normalized name equals normalized.
func (s *Snapshot) ExactByName(normalized string) []Entry {
	idxs := s.byNormalized[normalized]
	out := make([]Entry, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, s.entries[idx])
	}
	return out
}

// Names returns canonical badge names sorted alphabetically, without
// duplicates.
func (s *Snapshot) Names() []string {
	seen := make(map[string]struct{}, len(s.entries))
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		if _, ok := seen[e.Badge.Name]; ok {
			continue
		}
		seen[e.Badge.Name] = struct{}{}
		out = append(out, e.Badge.Name)
	}
	sort.Strings(out)
	return out
}

// Categories returns the distinct non-empty categories, sorted.
func (s *Snapshot) Categories() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, e := range s.entries {
		if e.Badge.Category == "" {
			continue
		}
		if _, ok := seen[e.Badge.Category]; ok {
			continue
		}
		seen[e.Badge.Category] = struct{}{}
		out = append(out, e.Badge.Category)
	}
	sort.Strings(out)
	return out
}
