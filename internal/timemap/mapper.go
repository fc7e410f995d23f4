// Package timemap translates between playback-clock seconds and program
// (wall-clock) time using per-segment timing anchors.
package timemap

import (
	"time"

	"playbackengine/internal/domain"
)

// segmentEndFudgePercent widens the acceptable window past the last segment's
// estimated end. Estimated segment durations routinely undershoot the real
// transmuxed duration; the fudge only applies while the last segment has not
// been transmuxed.
const segmentEndFudgePercent = 0.25

// MatchType states how trustworthy a segment match is.
type MatchType string

const (
	MatchAccurate MatchType = "accurate"
	MatchEstimate MatchType = "estimate"
)

// SegmentMatch is the result of locating a segment for a player or program
// time.
type SegmentMatch struct {
	Segment        *domain.Segment
	EstimatedStart float64
	Type           MatchType
}

// PlayerTimeToProgramTime maps a playback-clock time inside segment to
// program time. Returns the zero time and false when the segment lacks a
// program-time anchor or accurate transmuxed timing.
func PlayerTimeToProgramTime(playerTime float64, segment *domain.Segment) (time.Time, bool) {
	if segment == nil || segment.DateTimeObject == nil || segment.VideoTimingInfo == nil {
		return time.Time{}, false
	}
	vti := segment.VideoTimingInfo
	// Discount stale GOP content the transmuxer prepended for alignment.
	offset := playerTime - (vti.TransmuxedPresentationStart + vti.TransmuxerPrependedSeconds)
	return segment.DateTimeObject.Add(secondsToDuration(offset)), true
}

// OriginalSegmentVideoDuration is the duration of the segment's own video
// content, excluding transmuxer-prepended alignment data.
func OriginalSegmentVideoDuration(vti domain.VideoTimingInfo) float64 {
	return vti.TransmuxedPresentationEnd - vti.TransmuxedPresentationStart - vti.TransmuxerPrependedSeconds
}

// FindSegmentForPlayerTime locates the segment covering a playback-clock
// time. The scan accumulates an estimated end per segment: accurate
// transmuxed end when known, a running duration sum otherwise. Returns nil
// when time precedes the first segment or exceeds the last segment's end by
// more than the fudge window.
func FindSegmentForPlayerTime(playerTime float64, playlist *domain.Playlist) *SegmentMatch {
	if playlist == nil || len(playlist.Segments) == 0 || playerTime < 0 {
		return nil
	}

	estimatedStart := 0.0
	for _, segment := range playlist.Segments {
		estimatedEnd := estimatedStart + segment.Duration
		if segment.Transmuxed() {
			estimatedStart = segment.VideoTimingInfo.TransmuxedPresentationStart
			estimatedEnd = segment.VideoTimingInfo.TransmuxedPresentationEnd
		}
		if playerTime <= estimatedEnd {
			return newMatch(segment, estimatedStart)
		}
		estimatedStart = estimatedEnd
	}

	last := playlist.Segments[len(playlist.Segments)-1]
	if last.Transmuxed() {
		// Accurate timing leaves no room for estimation error.
		return nil
	}
	lastEnd := estimatedStart
	if playerTime <= lastEnd+last.Duration*segmentEndFudgePercent {
		return newMatch(last, lastEnd-last.Duration)
	}
	return nil
}

// FindSegmentForProgramTime locates the segment covering a program time,
// keyed on each segment's program-date-time anchor. The tail fudge rule is
// identical to FindSegmentForPlayerTime.
func FindSegmentForProgramTime(programTime time.Time, playlist *domain.Playlist) *SegmentMatch {
	if playlist == nil || len(playlist.Segments) == 0 {
		return nil
	}
	if playlist.Segments[0].DateTimeObject == nil || programTime.Before(*playlist.Segments[0].DateTimeObject) {
		return nil
	}

	estimatedStart := 0.0
	for _, segment := range playlist.Segments {
		if segment.DateTimeObject == nil {
			return nil
		}
		duration := segment.Duration
		if segment.Transmuxed() {
			estimatedStart = segment.VideoTimingInfo.TransmuxedPresentationStart
			duration = OriginalSegmentVideoDuration(*segment.VideoTimingInfo)
		}
		segmentEnd := segment.DateTimeObject.Add(secondsToDuration(duration))
		if !programTime.After(segmentEnd) {
			return newMatch(segment, estimatedStart)
		}
		estimatedStart += duration
	}

	last := playlist.Segments[len(playlist.Segments)-1]
	if last.Transmuxed() {
		return nil
	}
	fudgedEnd := last.DateTimeObject.Add(secondsToDuration(last.Duration * (1 + segmentEndFudgePercent)))
	if !programTime.After(fudgedEnd) {
		return newMatch(last, estimatedStart-last.Duration)
	}
	return nil
}

func newMatch(segment *domain.Segment, estimatedStart float64) *SegmentMatch {
	matchType := MatchEstimate
	if segment.Transmuxed() {
		matchType = MatchAccurate
	}
	return &SegmentMatch{Segment: segment, EstimatedStart: estimatedStart, Type: matchType}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
