// File: internal/window/window.go
package window

import (
	"sort"

	"coinwatch/internal/ring"
)

const msPerMinute = 60_000

// Standard is the default window set, in minutes.
var Standard = []int{5, 15, 60, 480, 1440}

// Metrics is the derived view of one trailing window. A new value replaces
// the previous one on every sample; nothing here is mutated in place.
type Metrics struct {
	Symbol             string  `json:"symbol"`
	Minutes            int     `json:"minutes"`
	PriceChange        float64 `json:"priceChange"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	BaseVolume         float64 `json:"baseVolume"`
	QuoteVolume        float64 `json:"quoteVolume"`
	Samples            int     `json:"samples"`
	// Full reports whether the buffer spans the whole window. Partial
	// windows still carry values computed from the retained range.
	Full bool `json:"full"`
}

// Set holds the metrics for every configured window, computed together so
// consumers always read a consistent snapshot.
type Set map[int]Metrics

// Get returns the metrics for one window length.
func (s Set) Get(minutes int) (Metrics, bool) {
	m, ok := s[minutes]
	return m, ok
}

// PercentChange is (end/start - 1) * 100, defined as 0 when start is zero
// so downstream threshold comparisons stay well-defined.
func PercentChange(start, end float64) float64 {
	if start == 0 {
		return 0
	}
	return (end/start - 1) * 100
}

// ComputeSet derives the metrics for all windows in a single backward pass
// over the buffer. Volume accumulators are shared across windows: each
// window's sums are snapshotted the moment the walk crosses its start
// boundary, so five windows cost one scan, not five.
func ComputeSet(buf *ring.Buffer, symbol string, windows []int, asOf int64) (Set, error) {
	ws := append([]int(nil), windows...)
	sort.Ints(ws)
	if len(ws) > 0 && ws[len(ws)-1] > buf.Cap() {
		return nil, ring.ErrWindowTooLarge
	}

	set := make(Set, len(ws))
	latest, ok := buf.Last()
	if !ok {
		for _, w := range ws {
			set[w] = Metrics{Symbol: symbol, Minutes: w}
		}
		return set, nil
	}

	var baseSum, quoteSum float64
	count := 0
	wi := 0
	finalize := func(minutes int, startClose float64, full bool) {
		set[minutes] = Metrics{
			Symbol:             symbol,
			Minutes:            minutes,
			PriceChange:        latest.Close - startClose,
			PriceChangePercent: PercentChange(startClose, latest.Close),
			BaseVolume:         baseSum,
			QuoteVolume:        quoteSum,
			Samples:            count,
			Full:               full,
		}
	}

	for i := buf.Len() - 1; i >= 0 && wi < len(ws); i-- {
		s := buf.At(i)
		if s.OpenTime > asOf {
			continue
		}
		// A sample at or before the boundary closes the window: it is the
		// start reference and its volume stays outside the sums.
		for wi < len(ws) && s.OpenTime <= asOf-int64(ws[wi])*msPerMinute {
			finalize(ws[wi], s.Close, true)
			wi++
		}
		if wi == len(ws) {
			break
		}
		baseSum += s.BaseVolume
		quoteSum += s.QuoteVolume
		count++
	}

	// Buffer exhausted before reaching the remaining boundaries: report the
	// partial range anchored at the oldest retained close. At capacity the
	// boundary sample was evicted rather than never seen, so a retained
	// range that still covers the whole window counts as full; otherwise a
	// window as long as the buffer itself could never report Full.
	if wi < len(ws) {
		oldest, _ := buf.Oldest()
		atCap := buf.Len() == buf.Cap()
		for ; wi < len(ws); wi++ {
			full := atCap && oldest.OpenTime <= asOf-int64(ws[wi]-1)*msPerMinute
			finalize(ws[wi], oldest.Close, full)
		}
	}
	return set, nil
}
