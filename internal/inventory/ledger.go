package inventory

import (
	"context"
	"sort"
)

type Stats struct {
	BadgeTypes      int            `json:"badgeTypes"`
	TotalUnits      int            `json:"totalUnits"`
	LowStock        int            `json:"lowStock"`
	OutOfStock      int            `json:"outOfStock"`
	UnitsByCategory map[string]int `json:"unitsByCategory"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	items, err := e.db.ListInventory(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{UnitsByCategory: map[string]int{}}
	for _, it := range items {
		s.BadgeTypes++
		s.TotalUnits += it.Quantity
		s.UnitsByCategory[it.Category] += it.Quantity
		switch {
		case it.Quantity <= 0:
			s.OutOfStock++
		case it.LowStock():
			s.LowStock++
		}
	}
	return s, nil
}

// LedgerDiscrepancy is a badge whose stored quantity differs from the replay
// of its adjustments, or whose adjustments do not chain.
type LedgerDiscrepancy struct {
	BadgeID     string `json:"badgeId"`
	Stored      int    `json:"stored"`
	Replayed    int    `json:"replayed"`
	BrokenChain *int64 `json:"brokenChainAt,omitempty"`
}

// VerifyLedger replays every adjustment from zero and compares the result
// with the inventory table. Each adjustment must start where the previous
// one for the same badge ended.
func (e *Engine) VerifyLedger(ctx context.Context) ([]LedgerDiscrepancy, error) {
	ledger, err := e.db.ListLedger(ctx)
	if err != nil {
		return nil, err
	}
	items, err := e.db.ListInventory(ctx)
	if err != nil {
		return nil, err
	}

	replayed := map[string]int{}
	broken := map[string]int64{}
	for _, adj := range ledger {
		running := replayed[adj.BadgeID]
		if _, seen := broken[adj.BadgeID]; !seen &&
			(adj.PreviousQuantity != running || adj.NewQuantity != adj.PreviousQuantity+adj.QuantityChange) {
			broken[adj.BadgeID] = adj.ID
		}
		replayed[adj.BadgeID] = running + adj.QuantityChange
	}

	stored := make(map[string]int, len(items))
	for _, it := range items {
		stored[it.BadgeID] = it.Quantity
	}
	for badgeID := range replayed {
		if _, ok := stored[badgeID]; !ok {
			stored[badgeID] = 0
		}
	}

	var out []LedgerDiscrepancy
	for badgeID, qty := range stored {
		d := LedgerDiscrepancy{BadgeID: badgeID, Stored: qty, Replayed: replayed[badgeID]}
		if id, ok := broken[badgeID]; ok {
			d.BrokenChain = &id
		}
		if d.Stored != d.Replayed || d.BrokenChain != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}
