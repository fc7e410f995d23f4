package buffer

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
)

// UpdateState is the aggregation state of one logical buffer across its
// native pair.
type UpdateState int

const (
	UpdateIdle UpdateState = iota
	UpdateUpdating
	UpdateSettling // one native buffer done, the other still updating
)

var updateStateNames = [...]string{"idle", "updating", "settling"}

func (s UpdateState) String() string {
	if int(s) < len(updateStateNames) {
		return updateStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// AppendRequest is one logical append: the transmux session's aggregate plus
// the presentation spans its fragments cover, when timing reported them.
type AppendRequest struct {
	Bundle    *domain.SegmentBundle
	VideoSpan *domain.TimeRange
	AudioSpan *domain.TimeRange
}

// LogicalBuffer makes up to two native buffers behave as one. Native
// operations are never issued while either buffer is updating; logical
// operations queue until the pair is idle.
type LogicalBuffer struct {
	mu sync.Mutex

	adapter *Adapter
	logger  *slog.Logger
	codecs  CodecPair
	tracks  *TrackStore

	audioBuffer NativeBuffer
	videoBuffer NativeBuffer

	state           UpdateState
	opOpen          bool
	issued          int
	completed       int
	timestampOffset float64
	audioDisabled   bool
	audioInitLatch  bool
	updateBegan     time.Time

	queue []func()

	onUpdateStart []func()
	onUpdate      []func()
	onUpdateEnd   []func()
}

// Codecs returns the negotiated codec pair.
func (lb *LogicalBuffer) Codecs() CodecPair { return lb.codecs }

// Tracks returns the derived text-track store.
func (lb *LogicalBuffer) Tracks() *TrackStore { return lb.tracks }

// Updating mirrors the host invariant: the logical buffer is updating iff
// at least one native buffer is.
func (lb *LogicalBuffer) Updating() bool {
	lb.mu.Lock()
	audio, video := lb.audioBuffer, lb.videoBuffer
	lb.mu.Unlock()
	return (audio != nil && audio.Updating()) || (video != nil && video.Updating())
}

// Buffered is the logical buffered range: the intersection of both native
// ranges when demuxed, otherwise whichever side exists.
func (lb *LogicalBuffer) Buffered() domain.TimeRanges {
	lb.mu.Lock()
	audio, video := lb.audioBuffer, lb.videoBuffer
	lb.mu.Unlock()
	switch {
	case audio != nil && video != nil:
		return domain.Intersect(audio.Buffered(), video.Buffered())
	case audio != nil:
		return audio.Buffered()
	case video != nil:
		return video.Buffered()
	}
	return nil
}

func (lb *LogicalBuffer) OnUpdateStart(fn func()) {
	lb.mu.Lock()
	lb.onUpdateStart = append(lb.onUpdateStart, fn)
	lb.mu.Unlock()
}

func (lb *LogicalBuffer) OnUpdate(fn func()) {
	lb.mu.Lock()
	lb.onUpdate = append(lb.onUpdate, fn)
	lb.mu.Unlock()
}

func (lb *LogicalBuffer) OnUpdateEnd(fn func()) {
	lb.mu.Lock()
	lb.onUpdateEnd = append(lb.onUpdateEnd, fn)
	lb.mu.Unlock()
}

// SetAudioDisabled flips whether this buffer's audio side participates in
// playback; the active-buffer selection drives it.
func (lb *LogicalBuffer) SetAudioDisabled(disabled bool) {
	lb.mu.Lock()
	lb.audioDisabled = disabled
	lb.mu.Unlock()
}

func (lb *LogicalBuffer) AudioDisabled() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.audioDisabled
}

// AudioTrackChanged re-arms the audio init-segment latch; the next audio
// append re-signals codec configuration.
func (lb *LogicalBuffer) AudioTrackChanged() {
	lb.mu.Lock()
	lb.audioInitLatch = true
	lb.mu.Unlock()
}

// MediaChanged re-arms the latch on a rendition/media switch.
func (lb *LogicalBuffer) MediaChanged() {
	lb.AudioTrackChanged()
}

func (lb *LogicalBuffer) TimestampOffset() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.timestampOffset
}

// SetTimestampOffset applies the offset to both native buffers.
func (lb *LogicalBuffer) SetTimestampOffset(offset float64) {
	lb.run(func() {
		lb.mu.Lock()
		lb.timestampOffset = offset
		audio, video := lb.audioBuffer, lb.videoBuffer
		lb.mu.Unlock()
		if audio != nil {
			audio.SetTimestampOffset(offset)
		}
		if video != nil {
			video.SetTimestampOffset(offset)
		}
	})
}

// Append consumes one transmux session's output: fans media into the native
// pair and derives caption/metadata cues.
func (lb *LogicalBuffer) Append(req AppendRequest) {
	if req.Bundle == nil {
		return
	}
	lb.run(func() { lb.appendNow(req) })
}

func (lb *LogicalBuffer) appendNow(req AppendRequest) {
	bundle := req.Bundle

	lb.beginOperation()
	if bundle.Video != nil {
		video := lb.bufferFor(domain.MediaVideo)
		// Video decoder re-initialization per segment is cheap; prepend
		// the init segment on every append.
		data := concatInit(bundle.Video.InitSegment, bundle.Video.Data)
		lb.issue(video, AppendOp{Data: data, Span: req.VideoSpan})
	}
	if bundle.Audio != nil {
		audio := lb.bufferFor(domain.MediaAudio)
		lb.mu.Lock()
		withInit := lb.audioInitLatch
		lb.audioInitLatch = false
		lb.mu.Unlock()
		data := bundle.Audio.Data
		if withInit {
			data = concatInit(bundle.Audio.InitSegment, bundle.Audio.Data)
		}
		lb.issue(audio, AppendOp{Data: data, Span: req.AudioSpan})
	}
	lb.endOperation()

	offset := lb.TimestampOffset()
	if len(bundle.Captions) > 0 {
		lb.tracks.AddCaptions(bundle.Captions, offset)
	}
	if len(bundle.Metadata) > 0 {
		lb.tracks.AddMetadata(bundle.Metadata, offset)
		lb.tracks.ChainMetadataCues(lb.adapter.Duration())
	}
}

// Remove drops [start, end) from every native buffer holding data, plus any
// overlapping text-track cues. Buffers with nothing buffered are skipped.
func (lb *LogicalBuffer) Remove(start, end float64) {
	lb.run(func() {
		lb.mu.Lock()
		audio, video := lb.audioBuffer, lb.videoBuffer
		lb.mu.Unlock()

		lb.beginOperation()
		if audio != nil && audio.Buffered().Length() > 0 {
			lb.issueRemove(audio, start, end)
		}
		if video != nil && video.Buffered().Length() > 0 {
			lb.issueRemove(video, start, end)
		}
		lb.endOperation()

		lb.tracks.RemoveCuesWithin(start, end)
		metrics.BufferRemovesTotal.Inc()
	})
}

// Abort aborts both native buffers immediately, bypassing the queue.
func (lb *LogicalBuffer) Abort() {
	lb.mu.Lock()
	audio, video := lb.audioBuffer, lb.videoBuffer
	lb.queue = nil
	lb.mu.Unlock()
	if audio != nil {
		_ = audio.Abort()
	}
	if video != nil {
		_ = video.Abort()
	}
}

// run executes op now if the pair is idle, otherwise queues it. Queued ops
// drain in order after each aggregated update settles.
func (lb *LogicalBuffer) run(op func()) {
	lb.mu.Lock()
	busy := lb.state != UpdateIdle
	if !busy {
		busy = (lb.audioBuffer != nil && lb.audioBuffer.Updating()) ||
			(lb.videoBuffer != nil && lb.videoBuffer.Updating())
	}
	if busy {
		lb.queue = append(lb.queue, op)
		lb.mu.Unlock()
		return
	}
	lb.mu.Unlock()
	op()
}

func (lb *LogicalBuffer) beginOperation() {
	lb.mu.Lock()
	lb.opOpen = true
	lb.issued = 0
	lb.completed = 0
	lb.mu.Unlock()
}

func (lb *LogicalBuffer) endOperation() {
	lb.mu.Lock()
	lb.opOpen = false
	lb.mu.Unlock()
	lb.maybeSettle()
}

func (lb *LogicalBuffer) issue(buf NativeBuffer, op AppendOp) {
	lb.mu.Lock()
	lb.issued++
	lb.mu.Unlock()
	if err := buf.Append(op); err != nil {
		lb.logger.Error("native append failed", slog.String("error", err.Error()))
		lb.mu.Lock()
		lb.issued--
		lb.mu.Unlock()
	}
}

func (lb *LogicalBuffer) issueRemove(buf NativeBuffer, start, end float64) {
	lb.mu.Lock()
	lb.issued++
	lb.mu.Unlock()
	if err := buf.Remove(start, end); err != nil {
		lb.logger.Error("native remove failed", slog.String("error", err.Error()))
		lb.mu.Lock()
		lb.issued--
		lb.mu.Unlock()
	}
}

// bufferFor lazily creates the native buffer for a produced media type.
// Buffers exist per type actually produced, not per requested codec.
func (lb *LogicalBuffer) bufferFor(mediaType domain.MediaType) NativeBuffer {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	switch mediaType {
	case domain.MediaAudio:
		if lb.audioBuffer == nil {
			lb.audioBuffer = lb.createBufferLocked(mediaType)
		}
		return lb.audioBuffer
	default:
		if lb.videoBuffer == nil {
			lb.videoBuffer = lb.createBufferLocked(mediaType)
		}
		return lb.videoBuffer
	}
}

func (lb *LogicalBuffer) createBufferLocked(mediaType domain.MediaType) NativeBuffer {
	buf := lb.adapter.factory(mediaType)
	buf.SetTimestampOffset(lb.timestampOffset)
	buf.OnUpdateStart(lb.handleNativeUpdateStart)
	buf.OnUpdateEnd(lb.handleNativeUpdateEnd)
	lb.logger.Debug("native buffer created",
		slog.String("type", string(mediaType)),
		slog.String("codecs", lb.codecs.String()),
	)
	return buf
}

func (lb *LogicalBuffer) handleNativeUpdateStart() {
	lb.mu.Lock()
	if lb.state != UpdateIdle {
		lb.mu.Unlock()
		return
	}
	lb.transitionLocked(UpdateUpdating)
	lb.updateBegan = time.Now()
	starts := append([]func(){}, lb.onUpdateStart...)
	lb.mu.Unlock()
	for _, fn := range starts {
		fn()
	}
}

func (lb *LogicalBuffer) handleNativeUpdateEnd() {
	lb.mu.Lock()
	lb.completed++
	lb.mu.Unlock()
	lb.maybeSettle()
}

// maybeSettle closes the aggregated update once the operation has fully
// issued and every issued native op has completed. A buffer with no
// counterpart is vacuously done for the missing side.
func (lb *LogicalBuffer) maybeSettle() {
	lb.mu.Lock()
	if lb.opOpen || lb.state == UpdateIdle {
		lb.mu.Unlock()
		return
	}
	if lb.completed < lb.issued {
		if lb.state == UpdateUpdating {
			lb.transitionLocked(UpdateSettling)
		}
		lb.mu.Unlock()
		return
	}
	lb.transitionLocked(UpdateIdle)
	began := lb.updateBegan
	updates := append([]func(){}, lb.onUpdate...)
	ends := append([]func(){}, lb.onUpdateEnd...)
	lb.mu.Unlock()

	if !began.IsZero() {
		metrics.BufferUpdateDuration.Observe(time.Since(began).Seconds())
	}
	for _, fn := range updates {
		fn()
	}
	for _, fn := range ends {
		fn()
	}
	lb.drainQueue()
}

func (lb *LogicalBuffer) drainQueue() {
	for {
		lb.mu.Lock()
		if len(lb.queue) == 0 || lb.state != UpdateIdle {
			lb.mu.Unlock()
			return
		}
		op := lb.queue[0]
		lb.queue = lb.queue[1:]
		lb.mu.Unlock()
		op()
	}
}

func (lb *LogicalBuffer) transitionLocked(to UpdateState) {
	from := lb.state
	lb.state = to
	metrics.StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

func concatInit(initSegment, data []byte) []byte {
	if len(initSegment) == 0 {
		return data
	}
	out := make([]byte, 0, len(initSegment)+len(data))
	out = append(out, initSegment...)
	out = append(out, data...)
	return out
}

// BufferFactory creates a native buffer for one media type.
type BufferFactory func(domain.MediaType) NativeBuffer

// Adapter is the media-source-level surface: it owns the logical buffers,
// emulates duration/seekable for live streams, and drives active-buffer
// selection.
type Adapter struct {
	mu      sync.Mutex
	logger  *slog.Logger
	factory BufferFactory

	buffers        []*LogicalBuffer
	duration       float64
	nativeDuration float64
	audioTracks    []*AudioTrack
}

func NewAdapter(logger *slog.Logger, factory BufferFactory) *Adapter {
	if factory == nil {
		factory = func(mediaType domain.MediaType) NativeBuffer {
			return NewMemoryBuffer(mediaType)
		}
	}
	return &Adapter{logger: logger, factory: factory, duration: math.NaN()}
}

// CreateLogicalBuffer negotiates codecs and registers a logical buffer.
func (a *Adapter) CreateLogicalBuffer(codecs []string) *LogicalBuffer {
	pair := NegotiateCodecs(codecs)
	lb := &LogicalBuffer{
		adapter:        a,
		logger:         a.logger,
		codecs:         pair,
		tracks:         NewTrackStore(a.logger),
		audioInitLatch: true,
	}
	a.mu.Lock()
	a.buffers = append(a.buffers, lb)
	a.mu.Unlock()
	a.logger.Info("logical buffer created", slog.String("codecs", pair.String()))
	return lb
}

// Buffers snapshots the registered logical buffers.
func (a *Adapter) Buffers() []*LogicalBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*LogicalBuffer(nil), a.buffers...)
}

// Duration returns the logical duration; Infinity for live streams is
// reported as-is even though the native side cannot hold it.
func (a *Adapter) Duration() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duration
}

// SetDuration sets the logical duration. A finite value flows through to
// the native duration; Infinity leaves the native duration to be grown by
// AddSeekableRange.
func (a *Adapter) SetDuration(d float64) {
	a.mu.Lock()
	a.duration = d
	if !math.IsInf(d, 1) && !math.IsNaN(d) {
		a.nativeDuration = d
	}
	a.mu.Unlock()
}

// Seekable synthesizes the seekable range: [0, nativeDuration] when the
// logical duration is Infinity, [0, duration] otherwise.
func (a *Adapter) Seekable() domain.TimeRanges {
	a.mu.Lock()
	defer a.mu.Unlock()
	if math.IsNaN(a.duration) {
		return nil
	}
	end := a.duration
	if math.IsInf(a.duration, 1) {
		end = a.nativeDuration
	}
	return domain.TimeRanges{{Start: 0, End: end}}
}

// AddSeekableRange grows the emulated native duration. Valid only while the
// logical duration is Infinity; it never shrinks the native duration.
func (a *Adapter) AddSeekableRange(start, end float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !math.IsInf(a.duration, 1) {
		return fmt.Errorf("%w: addSeekableRange requires an infinite duration", domain.ErrInvalidState)
	}
	if start > end {
		return fmt.Errorf("%w: seekable range start %v is after end %v", domain.ErrInvalidState, start, end)
	}
	if end > a.nativeDuration {
		a.nativeDuration = end
	}
	return nil
}

// SetAudioTracks replaces the host's audio track list used for
// active-buffer selection.
func (a *Adapter) SetAudioTracks(tracks []*AudioTrack) {
	a.mu.Lock()
	a.audioTracks = tracks
	a.mu.Unlock()
	a.UpdateActiveSourceBuffers()
	for _, lb := range a.Buffers() {
		lb.AudioTrackChanged()
	}
}

// EndOfStream finalizes the stream: the logical duration becomes final and
// every metadata track's last cues are rewritten to it.
func (a *Adapter) EndOfStream(finalDuration float64) {
	a.SetDuration(finalDuration)
	for _, lb := range a.Buffers() {
		lb.tracks.ChainMetadataCues(finalDuration)
	}
}

// UpdateActiveSourceBuffers decides which buffer's audio is live. With one
// buffer its audio is disabled iff it declares no audio codec. With a
// combined buffer plus an audio-only alternate, the combined buffer's audio
// wins unless an enabled track is non-main; a video-only combined buffer
// never disables its audio-only sibling.
func (a *Adapter) UpdateActiveSourceBuffers() {
	a.mu.Lock()
	buffers := append([]*LogicalBuffer(nil), a.buffers...)
	mainOnly := true
	for _, track := range a.audioTracks {
		if track.Enabled && track.Kind != "main" {
			mainOnly = false
		}
	}
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	if len(buffers) == 1 {
		buffers[0].SetAudioDisabled(!buffers[0].codecs.HasAudio())
		return
	}

	combined := buffers[0]
	alternate := buffers[1]
	for _, lb := range buffers {
		if lb.codecs.HasVideo() {
			combined = lb
		} else {
			alternate = lb
		}
	}

	if !combined.codecs.HasAudio() {
		// Demuxed safety: the sibling carries the only audio.
		combined.SetAudioDisabled(true)
		alternate.SetAudioDisabled(false)
		return
	}
	combined.SetAudioDisabled(!mainOnly)
	alternate.SetAudioDisabled(mainOnly)
}
