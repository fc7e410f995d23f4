package buffer

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"playbackengine/internal/domain"
)

// Cue is one text-track entry. Metadata cues start with a zero span; the
// chaining post-pass rewrites their end times.
type Cue struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Text      string  `json:"text"`

	frame *domain.MetadataFrame
	value *domain.Caption
}

var deprecationOnce sync.Once

// Frame exposes the raw metadata frame behind a metadata cue. Deprecated
// access path kept for compatibility; it warns once per process and still
// returns correct values.
func (c *Cue) Frame() *domain.MetadataFrame {
	warnDeprecatedCueAccess()
	return c.frame
}

// Value exposes the raw caption payload behind a caption cue. Deprecated,
// same contract as Frame.
func (c *Cue) Value() *domain.Caption {
	warnDeprecatedCueAccess()
	return c.value
}

func warnDeprecatedCueAccess() {
	deprecationOnce.Do(func() {
		slog.Warn("cue.frame and cue.value are deprecated, use startTime/endTime/text")
	})
}

// TextTrack is one host-facing track of cues. Caption tracks are keyed by
// caption stream id (CC1..CC4); the metadata track is shared.
type TextTrack struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"` // "captions" or "metadata"
	Cues  []*Cue `json:"cues"`
}

// AudioTrack is one selectable audio track; Kind "main" is the default mix.
type AudioTrack struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// TrackStore owns the text tracks derived from transmux side channels.
type TrackStore struct {
	mu       sync.Mutex
	captions map[string]*TextTrack
	order    []string
	metadata *TextTrack
	logger   *slog.Logger
}

func NewTrackStore(logger *slog.Logger) *TrackStore {
	return &TrackStore{captions: make(map[string]*TextTrack), logger: logger}
}

// CaptionTrack returns the track for a caption stream, creating it lazily.
// An existing track with a matching id is reused.
func (s *TrackStore) CaptionTrack(streamID string) *TextTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captionTrackLocked(streamID)
}

func (s *TrackStore) captionTrackLocked(streamID string) *TextTrack {
	if track, ok := s.captions[streamID]; ok {
		return track
	}
	track := &TextTrack{ID: streamID, Label: streamID, Kind: "captions"}
	s.captions[streamID] = track
	s.order = append(s.order, streamID)
	s.logger.Debug("caption track created", slog.String("stream", streamID))
	return track
}

// MetadataTrack returns the shared timed-metadata track, creating it lazily.
func (s *TrackStore) MetadataTrack() *TextTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataTrackLocked()
}

func (s *TrackStore) metadataTrackLocked() *TextTrack {
	if s.metadata == nil {
		s.metadata = &TextTrack{ID: "metadata", Label: "Timed Metadata", Kind: "metadata"}
	}
	return s.metadata
}

// AddCaptions derives one cue per caption on the caption's own stream
// track, offset by the buffer's timestamp offset. The cue's end time comes
// from the caption's own span.
func (s *TrackStore) AddCaptions(captions []domain.Caption, timestampOffset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range captions {
		caption := captions[i]
		track := s.captionTrackLocked(caption.Stream)
		track.Cues = append(track.Cues, &Cue{
			StartTime: caption.Start + timestampOffset,
			EndTime:   caption.End + timestampOffset,
			Text:      caption.Text,
			value:     &caption,
		})
	}
}

// AddMetadata derives zero-length cues from ID3-like frames. Callers run
// ChainMetadataCues afterwards to resolve end times.
func (s *TrackStore) AddMetadata(frames []domain.MetadataFrame, timestampOffset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track := s.metadataTrackLocked()
	for i := range frames {
		frame := frames[i]
		at := frame.CueTime + timestampOffset
		track.Cues = append(track.Cues, &Cue{
			StartTime: at,
			EndTime:   at,
			Text:      frame.Value,
			frame:     &frame,
		})
	}
}

// ChainMetadataCues groups metadata cues by start time and sets each
// group's end time to the next group's start time; the last group ends at
// the stream duration, or effectively never when the duration is unknown or
// infinite.
func (s *TrackStore) ChainMetadataCues(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil || len(s.metadata.Cues) == 0 {
		return
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) {
		duration = math.MaxFloat64
	}

	groups := make(map[float64][]*Cue)
	var starts []float64
	for _, cue := range s.metadata.Cues {
		if _, ok := groups[cue.StartTime]; !ok {
			starts = append(starts, cue.StartTime)
		}
		groups[cue.StartTime] = append(groups[cue.StartTime], cue)
	}
	sort.Float64s(starts)

	for i, start := range starts {
		end := duration
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		for _, cue := range groups[start] {
			cue.EndTime = end
		}
	}
}

// RemoveCuesWithin deletes cues whose span overlaps [start, end) on every
// track. Tracks with no cues are fine.
func (s *TrackStore) RemoveCuesWithin(start, end float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		removeCues(s.captions[id], start, end)
	}
	removeCues(s.metadata, start, end)
}

func removeCues(track *TextTrack, start, end float64) {
	if track == nil || track.Cues == nil {
		return
	}
	kept := track.Cues[:0]
	for _, cue := range track.Cues {
		if cue.StartTime < end && cue.EndTime >= start {
			continue
		}
		kept = append(kept, cue)
	}
	track.Cues = kept
}

// Tracks snapshots all text tracks in creation order, metadata last.
func (s *TrackStore) Tracks() []*TextTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TextTrack, 0, len(s.order)+1)
	for _, id := range s.order {
		out = append(out, s.captions[id])
	}
	if s.metadata != nil {
		out = append(out, s.metadata)
	}
	return out
}
