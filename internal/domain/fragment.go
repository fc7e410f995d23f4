package domain

// Caption is one closed-caption span extracted during a transmux pass.
// Times are in transmuxed presentation seconds.
type Caption struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Stream  string  `json:"stream"` // e.g. "CC1"
	Content string  `json:"content,omitempty"`
}

// MetadataFrame is one ID3-like timed metadata frame.
type MetadataFrame struct {
	ID      string  `json:"id"`
	CueTime float64 `json:"cueTime"`
	Value   string  `json:"value,omitempty"`
	Data    []byte  `json:"data,omitempty"`
}

// TrackInfo reports which elementary streams a pushed segment contains.
type TrackInfo struct {
	HasAudio bool `json:"hasAudio"`
	HasVideo bool `json:"hasVideo"`
}

// GopInfo describes one group of pictures, used for alignment across pushes.
type GopInfo struct {
	PTS      int64   `json:"pts"`
	DTS      int64   `json:"dts"`
	ByteSize int     `json:"byteLength"`
	Duration float64 `json:"duration"`
}

// TimingInfo is the start/end of produced media for one type in one pass.
type TimingInfo struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SegmentTimingInfo carries the transmuxer's precise per-segment timing
// side channel (prepended GOP seconds included).
type SegmentTimingInfo struct {
	Start                    TimingClock `json:"start"`
	End                      TimingClock `json:"end"`
	PrependedContentDuration float64     `json:"prependedContentDuration"`
	BaseMediaDecodeTime      int64       `json:"baseMediaDecodeTime"`
}

// TimingClock is one instant in both presentation and decode clocks.
type TimingClock struct {
	Presentation float64 `json:"presentation"`
	Decode       float64 `json:"decode"`
}

// Fragment is the output of one transmux pass for one media type: an optional
// init segment plus the media payload. Fragments are ephemeral; the buffer
// adapter consumes them immediately.
type Fragment struct {
	Type              MediaType       `json:"type"`
	InitSegment       []byte          `json:"-"`
	Data              []byte          `json:"-"`
	Captions          []Caption       `json:"captions,omitempty"`
	CaptionStreams    map[string]bool `json:"captionStreams,omitempty"`
	Metadata          []MetadataFrame `json:"metadata,omitempty"`
	Info              *FragmentInfo   `json:"info,omitempty"`
	VideoFrameDtsTime *float64        `json:"videoFrameDtsTime,omitempty"`
}

// FragmentInfo describes the codec configuration of a fragment.
type FragmentInfo struct {
	Codec   string `json:"codec"`
	Profile string `json:"profile,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// SegmentBundle is the aggregate of everything one push→flush session
// produced, bucketed per media type.
type SegmentBundle struct {
	Video          *Fragment       `json:"video,omitempty"`
	Audio          *Fragment       `json:"audio,omitempty"`
	ByteLength     int             `json:"byteLength"`
	Captions       []Caption       `json:"captions,omitempty"`
	CaptionStreams map[string]bool `json:"captionStreams,omitempty"`
	Metadata       []MetadataFrame `json:"metadata,omitempty"`
}
