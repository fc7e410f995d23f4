package transmux

import (
	"log/slog"
	"sync"

	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
)

// Callbacks receives the output of one transmux unit. All callbacks fire on
// the coordinator's event goroutine; OnData fires once per media type
// produced, OnDone once per unit, OnEndedTimeline only after OnDone when the
// push declared end-of-timeline.
type Callbacks struct {
	OnTrackInfo              func(domain.TrackInfo)
	OnGopInfo                func([]domain.GopInfo)
	OnVideoTimingInfo        func(domain.TimingInfo)
	OnAudioTimingInfo        func(domain.TimingInfo)
	OnVideoSegmentTimingInfo func(domain.SegmentTimingInfo)
	OnAudioSegmentTimingInfo func(domain.SegmentTimingInfo)
	OnID3                    func(frames []domain.MetadataFrame, dispatchType string)
	OnCaptions               func([]domain.Caption)
	OnData                   func(*domain.Fragment)
	OnDone                   func(*domain.SegmentBundle)
	OnEndedTimeline          func()
}

// PushOptions parameterizes one transmux unit.
type PushOptions struct {
	AudioAppendStart *float64
	GopsToAlignWith  []domain.GopInfo
	IsEndOfTimeline  bool
}

// unit is one push→flush (or push→endTimeline) cycle and its aggregation
// state.
type unit struct {
	actions       []ActionMessage
	callbacks     Callbacks
	endOfTimeline bool

	fragments []*domain.Fragment
}

type queueItem struct {
	unit  *unit
	reset bool
}

// Coordinator serializes transmux units onto a Worker: at most one unit in
// flight, everything else queued FIFO. A Reset issued mid-flight takes
// effect after the current unit drains, never interleaved with it.
//
// The coordinator does not retry after an engine failure; the caller must
// Reset and re-push, and no coordinator state is assumed valid until then.
type Coordinator struct {
	mu       sync.Mutex
	worker   *Worker
	queue    []queueItem
	inFlight *unit
	logger   *slog.Logger
	stopped  bool
	done     chan struct{}
}

func NewCoordinator(worker *Worker, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		worker: worker,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.eventLoop()
	return c
}

// Push schedules a transmux of one segment's bytes. The byte slice crosses
// to the worker by reference with an explicit view.
func (c *Coordinator) Push(data []byte, opts PushOptions, cbs Callbacks) {
	u := &unit{callbacks: cbs, endOfTimeline: opts.IsEndOfTimeline}

	if opts.AudioAppendStart != nil {
		u.actions = append(u.actions, ActionMessage{
			Action:      ActionSetAudioAppendStart,
			AppendStart: *opts.AudioAppendStart,
		})
	}
	if opts.GopsToAlignWith != nil {
		u.actions = append(u.actions, ActionMessage{
			Action:          ActionAlignGopsWith,
			GopsToAlignWith: opts.GopsToAlignWith,
		})
	}
	u.actions = append(u.actions, ActionMessage{
		Action:     ActionPush,
		Data:       data,
		ByteOffset: 0,
		ByteLength: len(data),
	})
	final := ActionFlush
	if opts.IsEndOfTimeline {
		final = ActionEndTimeline
	}
	u.actions = append(u.actions, ActionMessage{Action: final})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.inFlight != nil {
		c.queue = append(c.queue, queueItem{unit: u})
		metrics.TransmuxQueueDepth.Set(float64(len(c.queue)))
		return
	}
	c.startLocked(u)
}

// Reset clears engine state. Queued-but-unsent work is discarded; an
// in-flight unit drains first, and events it already delivered stay honored.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.queue = c.queue[:0]
	if c.inFlight != nil {
		c.queue = append(c.queue, queueItem{reset: true})
		metrics.TransmuxQueueDepth.Set(float64(len(c.queue)))
		return
	}
	c.sendResetLocked()
}

// Terminate shuts down the worker. No callbacks fire afterwards.
func (c *Coordinator) Terminate() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.queue = nil
	c.inFlight = nil
	c.mu.Unlock()

	c.worker.Terminate()
	<-c.done
}

func (c *Coordinator) startLocked(u *unit) {
	c.inFlight = u
	for _, action := range u.actions {
		c.worker.Send(action)
	}
}

func (c *Coordinator) sendResetLocked() {
	c.worker.Send(ActionMessage{Action: ActionReset})
	metrics.TransmuxResetsTotal.Inc()
}

func (c *Coordinator) eventLoop() {
	defer close(c.done)
	for e := range c.worker.Events() {
		c.dispatch(e)
	}
}

func (c *Coordinator) dispatch(e EventMessage) {
	c.mu.Lock()
	u := c.inFlight
	c.mu.Unlock()
	if u == nil {
		// Late events from a unit cancelled by Terminate.
		return
	}
	cbs := u.callbacks

	switch e.Kind {
	case EventTrackInfo:
		if cbs.OnTrackInfo != nil && e.TrackInfo != nil {
			cbs.OnTrackInfo(*e.TrackInfo)
		}
	case EventGopInfo:
		if cbs.OnGopInfo != nil {
			cbs.OnGopInfo(e.Gops)
		}
	case EventVideoTimingInfo:
		if cbs.OnVideoTimingInfo != nil && e.TimingInfo != nil {
			cbs.OnVideoTimingInfo(*e.TimingInfo)
		}
	case EventAudioTimingInfo:
		if cbs.OnAudioTimingInfo != nil && e.TimingInfo != nil {
			cbs.OnAudioTimingInfo(*e.TimingInfo)
		}
	case EventVideoSegmentTimingInfo:
		if cbs.OnVideoSegmentTimingInfo != nil && e.SegmentTimingInfo != nil {
			cbs.OnVideoSegmentTimingInfo(*e.SegmentTimingInfo)
		}
	case EventAudioSegmentTimingInfo:
		if cbs.OnAudioSegmentTimingInfo != nil && e.SegmentTimingInfo != nil {
			cbs.OnAudioSegmentTimingInfo(*e.SegmentTimingInfo)
		}
	case EventID3:
		if cbs.OnID3 != nil {
			cbs.OnID3(e.ID3, e.DispatchType)
		}
	case EventCaptions:
		if cbs.OnCaptions != nil {
			cbs.OnCaptions(e.Captions)
		}
	case EventData:
		fragment := fragmentFromPayload(e.Data)
		if fragment == nil {
			return
		}
		u.fragments = append(u.fragments, fragment)
		metrics.TransmuxBytesTotal.WithLabelValues(string(fragment.Type)).Add(float64(len(fragment.Data)))
		if cbs.OnData != nil {
			cbs.OnData(fragment)
		}
	case EventDone:
		if e.Terminal() {
			c.complete(u)
			return
		}
		bundle := bundleFragments(u.fragments)
		u.fragments = nil
		metrics.TransmuxSessionsTotal.Inc()
		if cbs.OnDone != nil {
			cbs.OnDone(bundle)
		}
	case EventEndedTimeline:
		if !e.Terminal() {
			return
		}
		if u.endOfTimeline && cbs.OnEndedTimeline != nil {
			cbs.OnEndedTimeline()
		}
		c.complete(u)
	}
}

// complete retires the in-flight unit and dequeues strictly in order.
func (c *Coordinator) complete(finished *unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != finished {
		return
	}
	c.inFlight = nil
	for len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		metrics.TransmuxQueueDepth.Set(float64(len(c.queue)))
		if item.reset {
			c.sendResetLocked()
			continue
		}
		c.startLocked(item.unit)
		return
	}
}

// fragmentFromPayload reconstructs the typed fragment from transferred byte
// views.
func fragmentFromPayload(p *DataPayload) *domain.Fragment {
	if p == nil {
		return nil
	}
	f := &domain.Fragment{
		Type:              p.Type,
		Data:              p.Segment.View(),
		Captions:          p.Captions,
		CaptionStreams:    p.CaptionStreams,
		Metadata:          p.Metadata,
		Info:              p.Info,
		VideoFrameDtsTime: p.VideoFrameDtsTime,
	}
	if p.InitSegment != nil {
		f.InitSegment = p.InitSegment.View()
	}
	return f
}

// bundleFragments buckets everything a unit produced since the last done:
// one fragment per media type, byte totals, concatenated captions/metadata,
// captionStreams merged with later values winning.
func bundleFragments(fragments []*domain.Fragment) *domain.SegmentBundle {
	bundle := &domain.SegmentBundle{}
	for _, f := range fragments {
		switch f.Type {
		case domain.MediaVideo:
			bundle.Video = f
		case domain.MediaAudio:
			bundle.Audio = f
		}
		bundle.ByteLength += len(f.Data)
		bundle.Captions = append(bundle.Captions, f.Captions...)
		bundle.Metadata = append(bundle.Metadata, f.Metadata...)
		if len(f.CaptionStreams) > 0 {
			if bundle.CaptionStreams == nil {
				bundle.CaptionStreams = make(map[string]bool)
			}
			for k, v := range f.CaptionStreams {
				bundle.CaptionStreams[k] = v
			}
		}
	}
	return bundle
}
