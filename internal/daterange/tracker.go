// Package daterange tracks out-of-band timed events (ad markers,
// interstitials) anchored to the first segment's program time.
package daterange

import (
	"time"

	"playbackengine/internal/domain"
)

// DateRange is one timed event from the playlist's out-of-band channel.
type DateRange struct {
	ID              string     `json:"id"`
	Class           string     `json:"class,omitempty"`
	StartDate       time.Time  `json:"startDate"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	Duration        *float64   `json:"duration,omitempty"`
	PlannedDuration *float64   `json:"plannedDuration,omitempty"`
	EndOnNext       bool       `json:"endOnNext,omitempty"`

	// Resolved playback-clock times, filled by GetDateRangesToProcess.
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`

	// ProcessDateRange marks the range processed. The caller invokes it
	// once the range has been consumed.
	ProcessDateRange func() `json:"-"`
}

// Tracker keeps pending and processed date ranges across playlist refreshes.
type Tracker struct {
	offset    float64
	offsetSet bool
	pending   map[string]DateRange
	order     []string // pending ids in arrival order, for endOnNext lookahead
	processed map[string]DateRange
}

func NewTracker() *Tracker {
	return &Tracker{
		pending:   make(map[string]DateRange),
		processed: make(map[string]DateRange),
	}
}

// SetOffset latches the program-time origin from the first segment of the
// first playlist load that carries a program-date-time. Later calls are
// no-ops.
func (t *Tracker) SetOffset(segments []*domain.Segment) {
	if t.offsetSet || len(segments) == 0 {
		return
	}
	first := segments[0]
	if first.DateTimeObject == nil {
		return
	}
	t.offset = float64(first.DateTimeObject.UnixMilli()) / 1000
	t.offsetSet = true
}

// SetPendingDateRanges replaces the pending set from a playlist refresh and
// prunes processed entries that have rolled out of the live window.
func (t *Tracker) SetPendingDateRanges(ranges []DateRange) {
	if len(ranges) > 0 {
		windowStart := ranges[0].StartDate
		for _, r := range ranges[1:] {
			if r.StartDate.Before(windowStart) {
				windowStart = r.StartDate
			}
		}
		for id, r := range t.processed {
			if r.StartDate.Before(windowStart) {
				delete(t.processed, id)
			}
		}
	}

	t.pending = make(map[string]DateRange, len(ranges))
	t.order = t.order[:0]
	for _, r := range ranges {
		t.pending[r.ID] = r
		t.order = append(t.order, r.ID)
	}
}

// GetDateRangesToProcess resolves playback-clock times for every pending
// range not yet processed. Each returned range carries a bound
// ProcessDateRange callback moving it pending→processed.
func (t *Tracker) GetDateRangesToProcess() []DateRange {
	if !t.offsetSet {
		return nil
	}

	var out []DateRange
	for _, id := range t.order {
		r, ok := t.pending[id]
		if !ok {
			continue
		}
		if _, done := t.processed[id]; done {
			continue
		}
		r.StartTime = float64(r.StartDate.UnixMilli())/1000 - t.offset
		r.EndTime = t.resolveEndTime(r)
		id := id
		resolved := r
		r.ProcessDateRange = func() {
			delete(t.pending, id)
			t.processed[id] = resolved
		}
		out = append(out, r)
	}
	return out
}

// resolveEndTime picks the end time by priority: explicit endDate, the next
// range of the same class (endOnNext), duration, plannedDuration, and
// finally the start time itself (zero length).
func (t *Tracker) resolveEndTime(r DateRange) float64 {
	if r.EndDate != nil {
		return float64(r.EndDate.UnixMilli())/1000 - t.offset
	}
	if r.EndOnNext && r.Class != "" {
		if next, ok := t.nextInClass(r); ok {
			return float64(next.StartDate.UnixMilli())/1000 - t.offset
		}
	}
	if r.Duration != nil {
		return r.StartTime + *r.Duration
	}
	if r.PlannedDuration != nil {
		return r.StartTime + *r.PlannedDuration
	}
	return r.StartTime
}

// nextInClass finds the next pending range sharing r's class, by arrival
// order within the class.
func (t *Tracker) nextInClass(r DateRange) (DateRange, bool) {
	seen := false
	for _, id := range t.order {
		candidate, ok := t.pending[id]
		if !ok || candidate.Class != r.Class {
			continue
		}
		if candidate.ID == r.ID {
			seen = true
			continue
		}
		if seen {
			return candidate, true
		}
	}
	return DateRange{}, false
}

// ProcessedCount reports how many ranges have been consumed; used by the
// session state surface.
func (t *Tracker) ProcessedCount() int { return len(t.processed) }
