// Package transmux drives an isolated transmux engine through a strict
// action protocol: a closed set of request/response messages exchanged over
// a bounded channel with a single consumer, at most one transmux unit in
// flight.
package transmux

import "playbackengine/internal/domain"

// ActionKind enumerates outbound actions. The set is closed; the worker
// rejects nothing because nothing else can be constructed.
type ActionKind string

const (
	ActionPush                ActionKind = "push"
	ActionFlush               ActionKind = "flush"
	ActionEndTimeline         ActionKind = "endTimeline"
	ActionReset               ActionKind = "reset"
	ActionSetAudioAppendStart ActionKind = "setAudioAppendStart"
	ActionAlignGopsWith       ActionKind = "alignGopsWith"
)

// ActionMessage is one outbound request to the transmux engine. Data crosses
// the boundary by reference; ByteOffset/ByteLength describe the valid view,
// which need not start at offset 0.
type ActionMessage struct {
	Action          ActionKind
	Data            []byte
	ByteOffset      int
	ByteLength      int
	AppendStart     float64
	GopsToAlignWith []domain.GopInfo
}

// EventKind enumerates inbound events.
type EventKind string

const (
	EventTrackInfo              EventKind = "trackinfo"
	EventGopInfo                EventKind = "gopInfo"
	EventVideoTimingInfo        EventKind = "videoTimingInfo"
	EventAudioTimingInfo        EventKind = "audioTimingInfo"
	EventVideoSegmentTimingInfo EventKind = "videoSegmentTimingInfo"
	EventAudioSegmentTimingInfo EventKind = "audioSegmentTimingInfo"
	EventID3                    EventKind = "id3Frame"
	EventCaptions               EventKind = "caption"
	EventData                   EventKind = "data"
	EventDone                   EventKind = "done"
	EventEndedTimeline          EventKind = "endedtimeline"
)

// terminalType marks the engine-confirmed end of one transmux unit.
const terminalType = "transmuxed"

// BytePayload is a transferable byte range. The receiving side must
// reconstruct the typed view from the offset and length; the backing slice
// may be a subrange of a larger shared buffer.
type BytePayload struct {
	Data       []byte
	ByteOffset int
	ByteLength int
}

// View returns the valid byte view of the payload.
func (p BytePayload) View() []byte {
	if p.Data == nil {
		return nil
	}
	return p.Data[p.ByteOffset : p.ByteOffset+p.ByteLength]
}

// DataPayload is the body of an EventData message: one media fragment plus
// its optional init segment and side-channel extras.
type DataPayload struct {
	Type              domain.MediaType
	Segment           BytePayload
	InitSegment       *BytePayload
	Captions          []domain.Caption
	CaptionStreams    map[string]bool
	Metadata          []domain.MetadataFrame
	Info              *domain.FragmentInfo
	VideoFrameDtsTime *float64
}

// EventMessage is one inbound response from the transmux engine. Kind
// selects which field is populated; TerminalType is set to "transmuxed" on
// the event closing a unit.
type EventMessage struct {
	Kind         EventKind
	TerminalType string

	TrackInfo         *domain.TrackInfo
	Gops              []domain.GopInfo
	TimingInfo        *domain.TimingInfo
	SegmentTimingInfo *domain.SegmentTimingInfo
	ID3               []domain.MetadataFrame
	DispatchType      string
	Captions          []domain.Caption
	Data              *DataPayload
}

// Terminal reports whether the event closes the in-flight transmux unit.
func (e EventMessage) Terminal() bool {
	return (e.Kind == EventDone || e.Kind == EventEndedTimeline) && e.TerminalType == terminalType
}
