package settlement

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// traderSlot is the per-trader serialization point. Its mutex guards the
// trader's open tab and is held across guarantee issuance and across the
// settlement call, so a trader never ingests while its tab is settling.
// Readers use view, the copy published after every change. stray holds
// retained locks whose external tab has no engine tab yet.
type traderSlot struct {
	mu    sync.Mutex
	tab   *domain.TraderTab
	stray []domain.IntentGuarantee
	view  atomic.Pointer[domain.TraderTab]
}

// publish refreshes view from tab. The caller holds mu.
func (s *traderSlot) publish() {
	if s.tab == nil || s.tab.Status != domain.TabOpen {
		s.view.Store(nil)
		return
	}
	c := s.tab.Clone()
	s.view.Store(&c)
}

func (s *traderSlot) snapshot() (domain.TraderTab, bool) {
	v := s.view.Load()
	if v == nil {
		return domain.TraderTab{}, false
	}
	return v.Clone(), true
}

// TabRepository holds the active tabs, at most one per trader. A tab leaves
// the repository the moment it is claimed for settlement.
type TabRepository struct {
	mu    sync.RWMutex
	slots map[domain.TraderID]*traderSlot
}

// NewTabRepository creates an empty repository.
func NewTabRepository() *TabRepository {
	return &TabRepository{slots: make(map[domain.TraderID]*traderSlot)}
}

// slot returns the trader's slot, creating it on first use.
func (r *TabRepository) slot(trader domain.TraderID) *traderSlot {
	r.mu.RLock()
	s, ok := r.slots[trader]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slots[trader]; ok {
		return s
	}
	s = &traderSlot{}
	r.slots[trader] = s
	return s
}

// all returns a snapshot of every slot for iteration without holding the
// repository lock.
func (r *TabRepository) all() []*traderSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*traderSlot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	return out
}

// Open returns copies of every open tab. It never waits for a trader that
// is ingesting or settling.
func (r *TabRepository) Open() []domain.TraderTab {
	var out []domain.TraderTab
	for _, s := range r.all() {
		if tab, ok := s.snapshot(); ok {
			out = append(out, tab)
		}
	}
	return out
}

// Get returns a copy of the trader's open tab.
func (r *TabRepository) Get(trader domain.TraderID) (domain.TraderTab, bool) {
	r.mu.RLock()
	s, ok := r.slots[trader]
	r.mu.RUnlock()
	if !ok {
		return domain.TraderTab{}, false
	}
	return s.snapshot()
}
