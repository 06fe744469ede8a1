package domain

import "sort"

// TraderSet is the fixed roster of configured traders.
type TraderSet map[TraderID]Trader

// NewTraderSet indexes traders by id.
func NewTraderSet(traders ...Trader) TraderSet {
	s := make(TraderSet, len(traders))
	for _, t := range traders {
		s[t.ID] = t
	}
	return s
}

// Lookup returns the trader with id.
func (s TraderSet) Lookup(id TraderID) (Trader, bool) {
	t, ok := s[id]
	return t, ok
}

// All returns the traders sorted by id.
func (s TraderSet) All() []Trader {
	out := make([]Trader, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
