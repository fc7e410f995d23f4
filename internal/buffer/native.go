package buffer

import (
	"errors"
	"sync"

	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
)

// ErrUpdating is returned when an operation is issued while the buffer is
// mid-update. The logical adapter queues operations instead of hitting this.
var ErrUpdating = errors.New("native buffer is updating")

// AppendOp is one native append: the raw bytes plus the presentation span
// they cover when transmux timing made it known.
type AppendOp struct {
	Data []byte
	Span *domain.TimeRange
}

// NativeBuffer models the host's buffering primitive for one media type:
// asynchronous updates, an updating flag, buffered ranges, a timestamp
// offset, and update lifecycle listeners.
type NativeBuffer interface {
	Append(op AppendOp) error
	Remove(start, end float64) error
	Abort() error
	Updating() bool
	Buffered() domain.TimeRanges
	TimestampOffset() float64
	SetTimestampOffset(offset float64)
	OnUpdateStart(fn func())
	OnUpdateEnd(fn func())
}

// MemoryBuffer is an in-memory NativeBuffer. In auto-complete mode (the
// default) every operation settles before Append/Remove returns, still
// walking the full updatestart→updateend lifecycle. With auto-complete off
// the update stays open until Complete is called, mimicking the host
// primitive's asynchrony.
type MemoryBuffer struct {
	mu sync.Mutex

	mediaType    domain.MediaType
	data         []byte
	buffered     domain.TimeRanges
	offset       float64
	updating     bool
	autoComplete bool
	pending      *AppendOp
	pendingWipe  *domain.TimeRange

	updateStart []func()
	updateEnd   []func()
}

func NewMemoryBuffer(mediaType domain.MediaType) *MemoryBuffer {
	return &MemoryBuffer{mediaType: mediaType, autoComplete: true}
}

// SetAutoComplete toggles synchronous settling. Tests drive completion
// manually to exercise the adapter's update aggregation.
func (b *MemoryBuffer) SetAutoComplete(auto bool) {
	b.mu.Lock()
	b.autoComplete = auto
	b.mu.Unlock()
}

func (b *MemoryBuffer) Append(op AppendOp) error {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		return ErrUpdating
	}
	b.updating = true
	b.pending = &op
	auto := b.autoComplete
	starts := append([]func(){}, b.updateStart...)
	b.mu.Unlock()

	metrics.BufferAppendsTotal.WithLabelValues(string(b.mediaType)).Inc()
	for _, fn := range starts {
		fn()
	}
	if auto {
		b.Complete()
	}
	return nil
}

func (b *MemoryBuffer) Remove(start, end float64) error {
	b.mu.Lock()
	if b.updating {
		b.mu.Unlock()
		return ErrUpdating
	}
	b.updating = true
	span := domain.TimeRange{Start: start, End: end}
	b.pendingWipe = &span
	auto := b.autoComplete
	starts := append([]func(){}, b.updateStart...)
	b.mu.Unlock()

	for _, fn := range starts {
		fn()
	}
	if auto {
		b.Complete()
	}
	return nil
}

// Complete settles the open update and fires updateend listeners.
func (b *MemoryBuffer) Complete() {
	b.mu.Lock()
	if !b.updating {
		b.mu.Unlock()
		return
	}
	if op := b.pending; op != nil {
		b.data = append(b.data, op.Data...)
		if op.Span != nil {
			span := *op.Span
			span.Start += b.offset
			span.End += b.offset
			b.buffered = domain.Merge(b.buffered, domain.TimeRanges{span})
		}
		b.pending = nil
	}
	if wipe := b.pendingWipe; wipe != nil {
		b.buffered = subtractRange(b.buffered, *wipe)
		b.pendingWipe = nil
	}
	b.updating = false
	ends := append([]func(){}, b.updateEnd...)
	b.mu.Unlock()

	for _, fn := range ends {
		fn()
	}
}

func (b *MemoryBuffer) Abort() error {
	b.mu.Lock()
	b.pending = nil
	b.pendingWipe = nil
	wasUpdating := b.updating
	b.updating = false
	ends := append([]func(){}, b.updateEnd...)
	b.mu.Unlock()

	if wasUpdating {
		for _, fn := range ends {
			fn()
		}
	}
	return nil
}

func (b *MemoryBuffer) Updating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updating
}

func (b *MemoryBuffer) Buffered() domain.TimeRanges {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(domain.TimeRanges(nil), b.buffered...)
}

func (b *MemoryBuffer) TimestampOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

func (b *MemoryBuffer) SetTimestampOffset(offset float64) {
	b.mu.Lock()
	b.offset = offset
	b.mu.Unlock()
}

func (b *MemoryBuffer) OnUpdateStart(fn func()) {
	b.mu.Lock()
	b.updateStart = append(b.updateStart, fn)
	b.mu.Unlock()
}

func (b *MemoryBuffer) OnUpdateEnd(fn func()) {
	b.mu.Lock()
	b.updateEnd = append(b.updateEnd, fn)
	b.mu.Unlock()
}

// Size reports the total appended bytes.
func (b *MemoryBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// subtractRange removes [wipe.Start, wipe.End) from every span.
func subtractRange(ranges domain.TimeRanges, wipe domain.TimeRange) domain.TimeRanges {
	var out domain.TimeRanges
	for _, r := range ranges {
		if wipe.End <= r.Start || wipe.Start >= r.End {
			out = append(out, r)
			continue
		}
		if wipe.Start > r.Start {
			out = append(out, domain.TimeRange{Start: r.Start, End: wipe.Start})
		}
		if wipe.End < r.End {
			out = append(out, domain.TimeRange{Start: wipe.End, End: r.End})
		}
	}
	return out
}
