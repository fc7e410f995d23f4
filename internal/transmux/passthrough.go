package transmux

import (
	"sync"

	"playbackengine/internal/domain"
)

// Passthrough is an Engine for sources that are already buffer-appendable:
// it forwards pushed bytes as a single video fragment per unit and
// synthesizes timing from a fixed nominal segment duration. It is the
// stream-copy analog of a real transport-stream transmuxer and the default
// engine when no external transmuxer is wired in.
type Passthrough struct {
	mu sync.Mutex

	SegmentDuration float64 // nominal seconds per pushed segment

	pending          [][]byte
	clock            float64
	audioAppendStart float64
	gops             []domain.GopInfo
}

const defaultSegmentDuration = 4.0

func NewPassthrough(segmentDuration float64) *Passthrough {
	if segmentDuration <= 0 {
		segmentDuration = defaultSegmentDuration
	}
	return &Passthrough{SegmentDuration: segmentDuration}
}

func (p *Passthrough) SetAudioAppendStart(seconds float64) {
	p.mu.Lock()
	p.audioAppendStart = seconds
	p.mu.Unlock()
}

func (p *Passthrough) AlignGopsWith(gops []domain.GopInfo) {
	p.mu.Lock()
	p.gops = gops
	p.mu.Unlock()
}

func (p *Passthrough) Push(data []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, data)
	p.mu.Unlock()
}

func (p *Passthrough) Flush(emit func(EventMessage)) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	start := p.clock
	end := start + p.SegmentDuration*float64(len(pending))
	p.clock = end
	p.mu.Unlock()

	if len(pending) == 0 {
		emit(EventMessage{Kind: EventDone})
		return
	}

	size := 0
	for _, b := range pending {
		size += len(b)
	}
	data := make([]byte, 0, size)
	for _, b := range pending {
		data = append(data, b...)
	}

	emit(EventMessage{Kind: EventTrackInfo, TrackInfo: &domain.TrackInfo{HasVideo: true}})
	emit(EventMessage{
		Kind: EventVideoSegmentTimingInfo,
		SegmentTimingInfo: &domain.SegmentTimingInfo{
			Start: domain.TimingClock{Presentation: start, Decode: start},
			End:   domain.TimingClock{Presentation: end, Decode: end},
		},
	})
	emit(EventMessage{Kind: EventVideoTimingInfo, TimingInfo: &domain.TimingInfo{Start: start, End: end}})
	emit(EventMessage{Kind: EventData, Data: &DataPayload{
		Type:    domain.MediaVideo,
		Segment: BytePayload{Data: data, ByteOffset: 0, ByteLength: len(data)},
	}})
	emit(EventMessage{Kind: EventDone})
}

func (p *Passthrough) EndTimeline(emit func(EventMessage)) {
	p.Flush(emit)
}

func (p *Passthrough) Reset() {
	p.mu.Lock()
	p.pending = nil
	p.clock = 0
	p.gops = nil
	p.audioAppendStart = 0
	p.mu.Unlock()
}
