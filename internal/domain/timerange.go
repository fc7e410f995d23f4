package domain

// TimeRange is one contiguous buffered span in playback-clock seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (r TimeRange) Duration() float64 { return r.End - r.Start }

func (r TimeRange) Contains(t float64) bool { return t >= r.Start && t <= r.End }

// TimeRanges mirrors the host buffering primitive's buffered/seekable list:
// ordered, non-overlapping spans.
type TimeRanges []TimeRange

func (rs TimeRanges) Length() int { return len(rs) }

func (rs TimeRanges) Start(i int) float64 { return rs[i].Start }

func (rs TimeRanges) End(i int) float64 { return rs[i].End }

// Contains reports whether t falls inside any span.
func (rs TimeRanges) Contains(t float64) bool {
	for _, r := range rs {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// RangeAt returns the span containing t, if any.
func (rs TimeRanges) RangeAt(t float64) (TimeRange, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return TimeRange{}, false
}

// NextRangeAfter returns the first span starting strictly after t.
func (rs TimeRanges) NextRangeAfter(t float64) (TimeRange, bool) {
	for _, r := range rs {
		if r.Start > t {
			return r, true
		}
	}
	return TimeRange{}, false
}

// Equal reports span-for-span equality. Used by the watcher to decide whether
// an append actually grew the buffer.
func (rs TimeRanges) Equal(other TimeRanges) bool {
	if len(rs) != len(other) {
		return false
	}
	for i := range rs {
		if rs[i] != other[i] {
			return false
		}
	}
	return true
}

// Merge returns the union of two range lists, coalescing adjacent or
// overlapping spans.
func Merge(a, b TimeRanges) TimeRanges {
	all := make(TimeRanges, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	if len(all) == 0 {
		return nil
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Start < all[j-1].Start; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	out := TimeRanges{all[0]}
	for _, r := range all[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Intersect returns the spans present in both lists. The logical buffered
// range of a demuxed stream is the intersection of its audio and video
// buffers.
func Intersect(a, b TimeRanges) TimeRanges {
	var out TimeRanges
	for _, ra := range a {
		for _, rb := range b {
			start := ra.Start
			if rb.Start > start {
				start = rb.Start
			}
			end := ra.End
			if rb.End < end {
				end = rb.End
			}
			if start < end {
				out = append(out, TimeRange{Start: start, End: end})
			}
		}
	}
	return out
}
