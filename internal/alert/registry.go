// File: internal/alert/registry.go
package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"coinwatch/internal/window"
)

// Snapshot is the derived per-symbol state a predicate sees: the latest
// price and the consistent standard window set.
type Snapshot struct {
	Symbol  string
	Price   float64
	Metrics window.Set
	Time    time.Time
}

// Predicate resolves one numeric signal from a snapshot. ok is false when
// the signal is unavailable (e.g. the window is not fully populated yet);
// an unavailable predicate never fires a rule.
type Predicate func(Snapshot) (value float64, ok bool)

// Registry maps predicate-type tags to pure evaluation functions. The
// catalog is data: adding a predicate type is a Register call, the
// evaluation driver never changes.
type Registry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewRegistry builds a registry pre-loaded with the standard catalog for
// the given window set: per-window price-change percent and volume sums,
// plus the last price.
func NewRegistry(windows []int) *Registry {
	r := &Registry{preds: make(map[string]Predicate)}

	r.Register("last_price", func(s Snapshot) (float64, bool) {
		return s.Price, s.Price > 0
	})
	for _, w := range windows {
		w := w
		r.Register(fmt.Sprintf("price_change_pct_%dm", w), func(s Snapshot) (float64, bool) {
			m, ok := s.Metrics.Get(w)
			return m.PriceChangePercent, ok && m.Full
		})
		r.Register(fmt.Sprintf("base_volume_%dm", w), func(s Snapshot) (float64, bool) {
			m, ok := s.Metrics.Get(w)
			return m.BaseVolume, ok && m.Full
		})
		r.Register(fmt.Sprintf("quote_volume_%dm", w), func(s Snapshot) (float64, bool) {
			m, ok := s.Metrics.Get(w)
			return m.QuoteVolume, ok && m.Full
		})
	}
	return r
}

// Register adds or replaces a predicate type.
func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = p
}

// Lookup resolves a predicate type tag.
func (r *Registry) Lookup(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[name]
	return p, ok
}

// Names lists the registered predicate types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.preds))
	for n := range r.preds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
