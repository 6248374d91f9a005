package ghist

import (
	"math"
	"sort"
)

// weighted is one buffered observation awaiting a summary flush.
type weighted struct {
	value  float64
	weight float64
}

// summaryEntry is one retained value in a weighted quantile summary.
// rmin and rmax bound the weighted rank of value: rmin is the total weight
// strictly below it, rmax the total weight at or below it, and wmin the
// weight of the value itself. rmin+wmin <= rmax holds at all times; the gap
// is the rank uncertainty introduced by pruning.
type summaryEntry struct {
	rmin  float64
	rmax  float64
	wmin  float64
	value float64
}

// rminNext is the lowest possible rank of the next larger value.
func (e summaryEntry) rminNext() float64 { return e.rmin + e.wmin }

// rmaxPrev is the highest possible rank of the next smaller value.
func (e summaryEntry) rmaxPrev() float64 { return e.rmax - e.wmin }

const (
	// sketchBudgetFactor scales the per-feature retention budget relative
	// to the bin budget. With 8x headroom the rank error after pruning
	// stays well under one bin's worth of weight.
	sketchBudgetFactor = 8
	sketchMinBudget    = 64
)

// quantileSketch is a bounded-memory streaming summary of one feature's
// weighted value distribution. Incoming pairs buffer until a flush folds
// them into the running summary; pruning keeps the summary within its
// retention budget while keeping the rank bounds of every surviving entry
// valid.
type quantileSketch struct {
	limit   int
	queue   []weighted
	summary []summaryEntry
	merged  []summaryEntry // scratch reused across flushes
}

// newQuantileSketch creates a sketch for a feature with up to maxBins bins.
// colSize, if positive, caps the buffer for features with few observed
// values.
func newQuantileSketch(maxBins, colSize int) *quantileSketch {
	limit := sketchBudgetFactor * maxBins
	if limit < sketchMinBudget {
		limit = sketchMinBudget
	}
	queueCap := limit
	if colSize > 0 && colSize < queueCap {
		queueCap = colSize
	}
	return &quantileSketch{
		limit: limit,
		queue: make([]weighted, 0, queueCap),
	}
}

// push adds one weighted observation. Zero-weight and NaN observations
// carry no rank information and are skipped.
func (s *quantileSketch) push(value, weight float64) {
	if weight <= 0 || math.IsNaN(value) {
		return
	}
	if len(s.queue) == cap(s.queue) {
		s.flush()
	}
	s.queue = append(s.queue, weighted{value: value, weight: weight})
}

// flush folds the buffered pairs into the running summary.
func (s *quantileSketch) flush() {
	if len(s.queue) == 0 {
		return
	}
	sort.Slice(s.queue, func(i, j int) bool { return s.queue[i].value < s.queue[j].value })

	// Exact summary of the buffer: equal values coalesce into one entry
	// with tight rank bounds.
	incoming := make([]summaryEntry, 0, len(s.queue))
	var rank float64
	for i := 0; i < len(s.queue); {
		v := s.queue[i].value
		var w float64
		for i < len(s.queue) && s.queue[i].value == v {
			w += s.queue[i].weight
			i++
		}
		incoming = append(incoming, summaryEntry{rmin: rank, rmax: rank + w, wmin: w, value: v})
		rank += w
	}
	s.queue = s.queue[:0]

	merged := combineSummaries(s.merged[:0], s.summary, incoming)
	if len(merged) > s.limit {
		s.summary = pruneSummary(s.summary[:0], merged, s.limit)
	} else {
		s.summary = append(s.summary[:0], merged...)
	}
	s.merged = merged
}

// finalize flushes pending observations and returns the summary pruned to
// at most maxEntries entries, sorted by value. The sketch must not be
// pushed to afterwards. The returned slice aliases the sketch.
func (s *quantileSketch) finalize(maxEntries int) []summaryEntry {
	s.flush()
	if len(s.summary) > maxEntries {
		pruned := pruneSummary(s.merged[:0], s.summary, maxEntries)
		s.summary = append(s.summary[:0], pruned...)
	}
	return s.summary
}

// combineSummaries merges two summaries sorted by value, summing rank
// bounds so the result summarizes the union of both streams. Appends onto
// dst and returns it. dst must not alias a or b.
func combineSummaries(dst, a, b []summaryEntry) []summaryEntry {
	if len(a) == 0 {
		return append(dst, b...)
	}
	if len(b) == 0 {
		return append(dst, a...)
	}
	var i, j int
	var aprev, bprev float64 // rminNext of the last consumed entry per side
	for i < len(a) && j < len(b) {
		ea, eb := a[i], b[j]
		switch {
		case ea.value == eb.value:
			dst = append(dst, summaryEntry{
				rmin:  ea.rmin + eb.rmin,
				rmax:  ea.rmax + eb.rmax,
				wmin:  ea.wmin + eb.wmin,
				value: ea.value,
			})
			aprev = ea.rminNext()
			bprev = eb.rminNext()
			i++
			j++
		case ea.value < eb.value:
			dst = append(dst, summaryEntry{
				rmin:  ea.rmin + bprev,
				rmax:  ea.rmax + eb.rmaxPrev(),
				wmin:  ea.wmin,
				value: ea.value,
			})
			aprev = ea.rminNext()
			i++
		default:
			dst = append(dst, summaryEntry{
				rmin:  eb.rmin + aprev,
				rmax:  eb.rmax + ea.rmaxPrev(),
				wmin:  eb.wmin,
				value: eb.value,
			})
			bprev = eb.rminNext()
			j++
		}
	}
	for ; i < len(a); i++ {
		brmax := b[len(b)-1].rmax
		dst = append(dst, summaryEntry{
			rmin:  a[i].rmin + bprev,
			rmax:  a[i].rmax + brmax,
			wmin:  a[i].wmin,
			value: a[i].value,
		})
	}
	for ; j < len(b); j++ {
		armax := a[len(a)-1].rmax
		dst = append(dst, summaryEntry{
			rmin:  b[j].rmin + aprev,
			rmax:  b[j].rmax + armax,
			wmin:  b[j].wmin,
			value: b[j].value,
		})
	}
	return dst
}

// pruneSummary shrinks src to at most maxSize entries, always keeping the
// extremes and, between them, the entries whose rank bounds straddle evenly
// spaced rank targets. Appends onto dst and returns it. dst must not alias
// src.
func pruneSummary(dst, src []summaryEntry, maxSize int) []summaryEntry {
	if len(src) <= maxSize {
		return append(dst, src...)
	}
	begin := src[0].rmax
	rng := src[len(src)-1].rmin - begin
	n := maxSize - 2

	dst = append(dst, src[0])
	lastIdx := 0
	i := 1
	for k := 1; k < n; k++ {
		dx2 := 2 * (float64(k)*rng/float64(n) + begin)
		for i < len(src)-1 && dx2 >= src[i+1].rmax+src[i+1].rmin {
			i++
		}
		if i == len(src)-1 {
			break
		}
		if dx2 < src[i].rminNext()+src[i+1].rmaxPrev() {
			if i != lastIdx {
				dst = append(dst, src[i])
				lastIdx = i
			}
		} else {
			if i+1 != lastIdx {
				dst = append(dst, src[i+1])
				lastIdx = i + 1
			}
		}
	}
	if lastIdx != len(src)-1 {
		dst = append(dst, src[len(src)-1])
	}
	return dst
}
