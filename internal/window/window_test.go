// File: internal/window/window_test.go
package window_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinwatch/internal/ring"
	"coinwatch/internal/window"
)

const base = int64(1_700_000_000_000)

func buffer(closes []float64) *ring.Buffer {
	b := ring.New(1440)
	for i, c := range closes {
		b.Append(ring.Sample{
			OpenTime:    base + int64(i)*60_000,
			Close:       c,
			BaseVolume:  1000,
			QuoteVolume: 2000,
		})
	}
	return b
}

func lastOpen(b *ring.Buffer) int64 {
	s, _ := b.Last()
	return s.OpenTime
}

func TestPercentChange(t *testing.T) {
	assert.InDelta(t, 5.0, window.PercentChange(100, 105), 1e-9)
	assert.InDelta(t, -50.0, window.PercentChange(200, 100), 1e-9)
	assert.Zero(t, window.PercentChange(0, 123.45), "zero start close is defined as zero change")
	assert.Zero(t, window.PercentChange(0, 0))
}

func TestComputeSetFiveMinuteScenario(t *testing.T) {
	b := buffer([]float64{100, 100, 100, 100, 105})

	set, err := window.ComputeSet(b, "BTCUSDT", []int{5}, lastOpen(b))
	require.NoError(t, err)

	m, ok := set.Get(5)
	require.True(t, ok)
	assert.InDelta(t, 5.0, m.PriceChangePercent, 1e-9)
	assert.InDelta(t, 5.0, m.PriceChange, 1e-9)
	assert.InDelta(t, 5000, m.BaseVolume, 1e-9)
	assert.InDelta(t, 10000, m.QuoteVolume, 1e-9)
	assert.Equal(t, 5, m.Samples)
	assert.False(t, m.Full, "five samples cannot span a full five-minute window")
}

func TestComputeSetFullWindow(t *testing.T) {
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	b := buffer(closes)

	set, err := window.ComputeSet(b, "BTCUSDT", []int{5}, lastOpen(b))
	require.NoError(t, err)

	m, _ := set.Get(5)
	assert.True(t, m.Full)
	assert.Equal(t, 5, m.Samples)
	// Start reference is the sample at the window boundary (close 104).
	assert.InDelta(t, 5.0, m.PriceChange, 1e-9)
	assert.InDelta(t, (109.0/104.0-1)*100, m.PriceChangePercent, 1e-9)
	assert.InDelta(t, 5000, m.BaseVolume, 1e-9)
}

func TestComputeSetSharedPass(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 50 + float64(i)
	}
	b := buffer(closes)

	set, err := window.ComputeSet(b, "ETHUSDT", []int{5, 15, 60}, lastOpen(b))
	require.NoError(t, err)

	m5, _ := set.Get(5)
	m15, _ := set.Get(15)
	m60, _ := set.Get(60)

	assert.True(t, m5.Full)
	assert.True(t, m15.Full)
	assert.False(t, m60.Full, "thirty samples cannot span an hour")

	assert.InDelta(t, 5000, m5.BaseVolume, 1e-9)
	assert.InDelta(t, 15000, m15.BaseVolume, 1e-9)
	assert.InDelta(t, 30000, m60.BaseVolume, 1e-9)

	assert.InDelta(t, 5.0, m5.PriceChange, 1e-9)
	assert.InDelta(t, 15.0, m15.PriceChange, 1e-9)
	assert.InDelta(t, 29.0, m60.PriceChange, 1e-9, "partial window anchors at the oldest retained close")
}

func TestComputeSetSaturatedBufferFillsLongestWindow(t *testing.T) {
	b := ring.New(10)
	for i := 0; i < 30; i++ {
		b.Append(ring.Sample{
			OpenTime:    base + int64(i)*60_000,
			Close:       100 + float64(i),
			BaseVolume:  1000,
			QuoteVolume: 2000,
		})
	}

	set, err := window.ComputeSet(b, "BTCUSDT", []int{10}, lastOpen(b))
	require.NoError(t, err)

	m, _ := set.Get(10)
	assert.True(t, m.Full, "a saturated buffer spans a window as long as its capacity")
	assert.Equal(t, 10, m.Samples)
	// The boundary sample is evicted; the oldest retained close anchors.
	assert.InDelta(t, 9.0, m.PriceChange, 1e-9)
	assert.InDelta(t, 10000, m.BaseVolume, 1e-9)
}

func TestComputeSetDayWindowFullAtDayCapacity(t *testing.T) {
	b := ring.New(1440)
	for i := 0; i < 3000; i++ {
		b.Append(ring.Sample{
			OpenTime:    base + int64(i)*60_000,
			Close:       100,
			BaseVolume:  1,
			QuoteVolume: 2,
		})
	}

	set, err := window.ComputeSet(b, "BTCUSDT", window.Standard, lastOpen(b))
	require.NoError(t, err)

	for _, w := range window.Standard {
		m, ok := set.Get(w)
		require.True(t, ok)
		assert.True(t, m.Full, "window %dm must be full on a saturated day-deep buffer", w)
		assert.Equal(t, w, m.Samples)
	}
}

func TestComputeSetUnsaturatedBufferStaysPartial(t *testing.T) {
	// Same retained span as the saturated case, but the buffer never
	// evicted: history genuinely starts here, the window is not full.
	b := ring.New(20)
	for i := 0; i < 10; i++ {
		b.Append(ring.Sample{
			OpenTime:    base + int64(i)*60_000,
			Close:       100 + float64(i),
			BaseVolume:  1000,
			QuoteVolume: 2000,
		})
	}

	set, err := window.ComputeSet(b, "BTCUSDT", []int{10}, lastOpen(b))
	require.NoError(t, err)

	m, _ := set.Get(10)
	assert.False(t, m.Full)
	assert.Equal(t, 10, m.Samples)
}

func TestComputeSetWindowExceedsCapacity(t *testing.T) {
	b := ring.New(60)
	_, err := window.ComputeSet(b, "BTCUSDT", []int{1440}, base)
	assert.ErrorIs(t, err, ring.ErrWindowTooLarge)
}

func TestComputeSetEmptyBuffer(t *testing.T) {
	b := ring.New(1440)
	set, err := window.ComputeSet(b, "BTCUSDT", []int{5, 15}, base)
	require.NoError(t, err)

	m, ok := set.Get(5)
	require.True(t, ok)
	assert.Zero(t, m.Samples)
	assert.False(t, m.Full)
	assert.Zero(t, m.PriceChangePercent)
}

func TestComputeSetReplacesNotMutates(t *testing.T) {
	b := buffer([]float64{100, 101})
	first, err := window.ComputeSet(b, "BTCUSDT", []int{5}, lastOpen(b))
	require.NoError(t, err)
	snapshot := first[5]

	b.Append(ring.Sample{OpenTime: base + 2*60_000, Close: 200, BaseVolume: 1000, QuoteVolume: 2000})
	_, err = window.ComputeSet(b, "BTCUSDT", []int{5}, lastOpen(b))
	require.NoError(t, err)

	assert.Equal(t, snapshot, first[5], "an earlier set must not change when a new one is computed")
}
