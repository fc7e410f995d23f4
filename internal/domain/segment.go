package domain

import "time"

// VideoTimingInfo is the accurate timing reported by the transmuxer for one
// segment. TransmuxerPrependedSeconds is stale GOP data the transmuxer
// prepended for alignment; it is part of the transmuxed output but not of the
// original segment content.
type VideoTimingInfo struct {
	TransmuxedPresentationStart float64 `json:"transmuxedPresentationStart"`
	TransmuxedPresentationEnd   float64 `json:"transmuxedPresentationEnd"`
	TransmuxerPrependedSeconds  float64 `json:"transmuxerPrependedSeconds"`
}

// EncryptionKey describes a segment's encryption, resolved externally.
type EncryptionKey struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	IV     []byte `json:"iv,omitempty"`
}

// Segment is one media segment as described by the (externally parsed)
// playlist. Start/End are playlist-relative estimates until the transmuxer
// fills VideoTimingInfo.
type Segment struct {
	Duration        float64          `json:"duration"`
	Start           float64          `json:"start"`
	End             float64          `json:"end"`
	DateTimeObject  *time.Time       `json:"dateTimeObject,omitempty"`
	VideoTimingInfo *VideoTimingInfo `json:"videoTimingInfo,omitempty"`
	Key             *EncryptionKey   `json:"key,omitempty"`
}

// Transmuxed reports whether accurate timing is available for the segment.
func (s *Segment) Transmuxed() bool { return s.VideoTimingInfo != nil }

// Playlist is the minimal view of a parsed media playlist the engine needs.
// Manifest parsing itself is an external collaborator.
type Playlist struct {
	ID                 string     `json:"id"`
	Segments           []*Segment `json:"segments"`
	TargetDuration     float64    `json:"targetDuration"`
	PartTargetDuration float64    `json:"partTargetDuration,omitempty"`
	EndList            bool       `json:"endList"`
}

// Live reports whether the playlist describes a live (unending) timeline.
func (p *Playlist) Live() bool { return !p.EndList }

// LoaderType identifies which loader produced an append, for per-loader
// health tracking.
type LoaderType string

const (
	LoaderAudio    LoaderType = "audio"
	LoaderMain     LoaderType = "main"
	LoaderSubtitle LoaderType = "subtitle"
)

// MediaType identifies one elementary stream kind.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)
