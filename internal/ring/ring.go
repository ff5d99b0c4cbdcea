// File: internal/ring/ring.go
package ring

import (
	"errors"
	"fmt"
	"sort"
)

const msPerMinute = 60_000

// ErrWindowTooLarge is returned when a window query exceeds the span the
// buffer can ever hold.
var ErrWindowTooLarge = errors.New("ring: window exceeds buffer span")

// Sample is one minute-granularity observation. Immutable once appended.
type Sample struct {
	OpenTime    int64 // epoch ms, unique ascending per symbol
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
}

// Buffer is a fixed-capacity chronological store of minute samples.
// Once full, the oldest sample is overwritten on each accepted append.
// Not safe for concurrent use; callers hold a per-symbol lock.
type Buffer struct {
	data  []Sample
	start int // index of the oldest sample
	size  int
}

// New creates a buffer holding at most capacity samples.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{data: make([]Sample, capacity)}
}

func (b *Buffer) Len() int { return b.size }
func (b *Buffer) Cap() int { return len(b.data) }

// At returns the i-th sample counting from the oldest (0-based).
func (b *Buffer) At(i int) Sample {
	return b.data[(b.start+i)%len(b.data)]
}

// Last returns the newest sample.
func (b *Buffer) Last() (Sample, bool) {
	if b.size == 0 {
		return Sample{}, false
	}
	return b.At(b.size - 1), true
}

// Oldest returns the oldest retained sample.
func (b *Buffer) Oldest() (Sample, bool) {
	if b.size == 0 {
		return Sample{}, false
	}
	return b.data[b.start], true
}

// Append records s unless its open-time is not strictly greater than the
// newest entry. Out-of-order or duplicate samples are rejected so window
// math never sees a non-chronological slice; the caller decides whether
// the rejection is worth a log line. At capacity the oldest sample is
// overwritten in place.
func (b *Buffer) Append(s Sample) bool {
	if last, ok := b.Last(); ok && s.OpenTime <= last.OpenTime {
		return false
	}
	if b.size < len(b.data) {
		b.data[(b.start+b.size)%len(b.data)] = s
		b.size++
		return true
	}
	b.data[b.start] = s
	b.start = (b.start + 1) % len(b.data)
	return true
}

// searchAfter returns the smallest index i (oldest-based) whose sample has
// OpenTime > ts, or Len() when no such sample exists. O(log C).
func (b *Buffer) searchAfter(ts int64) int {
	return sort.Search(b.size, func(i int) bool {
		return b.At(i).OpenTime > ts
	})
}

// AtOrBefore returns the newest sample whose open-time is <= ts.
func (b *Buffer) AtOrBefore(ts int64) (Sample, bool) {
	i := b.searchAfter(ts)
	if i == 0 {
		return Sample{}, false
	}
	return b.At(i - 1), true
}

// Window returns a copy of the samples with open-time in
// (asOf - minutes*60s, asOf]. The lower bound is exclusive: the sample
// sitting exactly at the boundary is the window's start reference, not a
// member. When the buffer does not yet span the full window the partial
// range is returned; the caller decides whether that is sufficient.
func (b *Buffer) Window(minutes int, asOf int64) ([]Sample, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("ring: non-positive window %dm", minutes)
	}
	if minutes > len(b.data) {
		return nil, fmt.Errorf("%w: %dm > %dm", ErrWindowTooLarge, minutes, len(b.data))
	}
	lo := b.searchAfter(asOf - int64(minutes)*msPerMinute)
	hi := b.searchAfter(asOf)
	if lo >= hi {
		return nil, nil
	}
	out := make([]Sample, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, b.At(i))
	}
	return out, nil
}
