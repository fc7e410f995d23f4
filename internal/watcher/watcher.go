// Package watcher monitors playback progress against buffered and seekable
// ranges and issues corrective seeks, gap skips, and rendition exclusions.
// It only reads buffer state; all mutations go through the host interface.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
)

// ErrNoPlayableRenditions is surfaced exactly once when the last viable
// rendition has been excluded for stalled downloads.
var ErrNoPlayableRenditions = errors.New("all renditions excluded")

const timeFudgeFactor = 1.0 / 30

// Host is the playback surface the watcher observes and corrects.
type Host interface {
	CurrentTime() float64
	Seeking() bool
	Paused() bool
	Buffered() domain.TimeRanges
	Seekable() domain.TimeRanges
	Playlist() *domain.Playlist
	Seek(to float64)

	// ExcludeRendition drops the active rendition for a loader type and
	// reports how many viable renditions remain.
	ExcludeRendition(loader domain.LoaderType) (remaining int)
}

// Events are optional notification hooks; nil fields are skipped.
type Events struct {
	OnGapSkip           func(from, to float64)
	OnVideoUnderflow    func(gap domain.TimeRange)
	OnCorrectiveSeek    func(reason string, to float64)
	OnDownloadExclusion func(loader domain.LoaderType)
	OnRenditionExcluded func(loader domain.LoaderType)
	OnFatal             func(err error)
}

// Config carries the tuned monitoring thresholds. The values are product
// tuning, not structural necessity; override them only deliberately.
type Config struct {
	// TickInterval is the fixed monitor period.
	TickInterval time.Duration
	// GapSkipTicks is how many consecutive stalled ticks in front of a
	// buffered range trigger a gap skip.
	GapSkipTicks int
	// GapSkipLookahead bounds how far ahead a buffered range may start and
	// still be treated as a skippable startup gap, in seconds.
	GapSkipLookahead float64
	// StuckTicks is how many consecutive no-progress ticks inside the
	// buffer trigger a decoder kick.
	StuckTicks int
	// UnderflowGapMin/Max bound how far past a prior range's end the
	// current time may sit for the gap to count as decoder underflow.
	UnderflowGapMin float64
	UnderflowGapMax float64
	// StalledAppendsBeforeExclusion is the consecutive no-growth append
	// count that excludes a rendition.
	StalledAppendsBeforeExclusion int
	// BufferEdgeTolerance treats current time within this distance of the
	// buffer end as "at the edge", where stalling is expected.
	BufferEdgeTolerance float64
	// LiveRangeSafeTimeDelta pads the front of the live seekable window.
	LiveRangeSafeTimeDelta float64
	// SafeSeekOffset is added when seeking to the start of a range so the
	// target lands inside it.
	SafeSeekOffset float64
	// AllowSeeksWithinUnsafeLiveWindow widens the allowed overshoot past
	// the live seekable end to the full target-duration slack.
	AllowSeeksWithinUnsafeLiveWindow bool
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.GapSkipTicks <= 0 {
		c.GapSkipTicks = 6
	}
	if c.GapSkipLookahead <= 0 {
		c.GapSkipLookahead = 5
	}
	if c.StuckTicks <= 0 {
		c.StuckTicks = 5
	}
	if c.UnderflowGapMin <= 0 {
		c.UnderflowGapMin = 2
	}
	if c.UnderflowGapMax <= 0 {
		c.UnderflowGapMax = 4
	}
	if c.StalledAppendsBeforeExclusion <= 0 {
		c.StalledAppendsBeforeExclusion = 10
	}
	if c.BufferEdgeTolerance <= 0 {
		c.BufferEdgeTolerance = timeFudgeFactor
	}
	if c.LiveRangeSafeTimeDelta <= 0 {
		c.LiveRangeSafeTimeDelta = timeFudgeFactor * 3
	}
	if c.SafeSeekOffset <= 0 {
		c.SafeSeekOffset = timeFudgeFactor * 3
	}
	return c
}

// Watcher polls playback state on a fixed tick and reacts to host events.
type Watcher struct {
	mu sync.Mutex

	cfg    Config
	host   Host
	events Events
	logger *slog.Logger

	ticker   *time.Ticker
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	disposed bool

	lastRecordedTime float64
	stuckTicks       int
	gapTicks         int

	skippedGap      *domain.TimeRange
	lastSeekTarget  float64
	seekGuardArmed  bool
	appendSinceSeek bool

	stalled      map[domain.LoaderType]int
	lastBuffered map[domain.LoaderType]domain.TimeRanges
	fatalFired   bool
}

func New(host Host, cfg Config, events Events, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:          cfg.withDefaults(),
		host:         host,
		events:       events,
		logger:       logger,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		stalled:      make(map[domain.LoaderType]int),
		lastBuffered: make(map[domain.LoaderType]domain.TimeRanges),
	}
}

// Start launches the periodic check loop.
func (w *Watcher) Start() {
	w.ticker = time.NewTicker(w.cfg.TickInterval)
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.quit:
				return
			case <-w.ticker.C:
				w.Tick()
			}
		}
	}()
}

// Dispose cancels the timer and silences every future check. Safe to call
// at any time, including mid-correction, and more than once.
func (w *Watcher) Dispose() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.disposed = true
		w.mu.Unlock()
		close(w.quit)
		if w.ticker != nil {
			w.ticker.Stop()
			<-w.done
		}
	})
}

// Tick runs one monitoring pass. The ticker calls it on its period; tests
// and event handlers may call it directly.
func (w *Watcher) Tick() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	currentTime := w.host.CurrentTime()
	buffered := w.host.Buffered()

	if w.host.Seeking() {
		w.FixesBadSeeks()
		w.resetProgressCounters(currentTime)
		return
	}
	if w.host.Paused() {
		w.resetProgressCounters(currentTime)
		return
	}

	if w.checkVideoUnderflow(buffered, currentTime) {
		w.recordTime(currentTime)
		return
	}
	if w.checkStartupGap(buffered, currentTime) {
		return
	}
	w.checkStuckPlayback(buffered, currentTime)
	w.recordTime(currentTime)
}

func (w *Watcher) resetProgressCounters(currentTime float64) {
	w.mu.Lock()
	w.stuckTicks = 0
	w.gapTicks = 0
	w.lastRecordedTime = currentTime
	w.mu.Unlock()
}

func (w *Watcher) recordTime(currentTime float64) {
	w.mu.Lock()
	w.lastRecordedTime = currentTime
	w.mu.Unlock()
}

// GapFromVideoUnderflow finds the small decoder-underflow gap immediately
// behind the current playback position: a gap between two buffered ranges
// whose start lies strictly more than UnderflowGapMin and strictly less
// than UnderflowGapMax seconds behind current time.
func (w *Watcher) GapFromVideoUnderflow(buffered domain.TimeRanges, currentTime float64) *domain.TimeRange {
	for i := 1; i < len(buffered); i++ {
		start := buffered[i-1].End
		end := buffered[i].Start
		if end-start <= timeFudgeFactor {
			continue
		}
		if currentTime-start > w.cfg.UnderflowGapMin && currentTime-start < w.cfg.UnderflowGapMax {
			gap := domain.TimeRange{Start: start, End: end}
			return &gap
		}
	}
	return nil
}

func (w *Watcher) checkVideoUnderflow(buffered domain.TimeRanges, currentTime float64) bool {
	gap := w.GapFromVideoUnderflow(buffered, currentTime)
	if gap == nil {
		return false
	}
	w.mu.Lock()
	if w.skippedGap != nil && *w.skippedGap == *gap {
		w.mu.Unlock()
		return false
	}
	w.skippedGap = gap
	w.appendSinceSeek = false
	w.mu.Unlock()

	// Re-seeking to the same position forces the decoder to re-evaluate
	// the now-more-current buffer.
	w.logger.Info("video underflow detected",
		slog.Float64("gapStart", gap.Start),
		slog.Float64("gapEnd", gap.End),
		slog.Float64("currentTime", currentTime),
	)
	w.host.Seek(currentTime)
	metrics.VideoUnderflowTotal.Inc()
	if w.events.OnVideoUnderflow != nil {
		w.events.OnVideoUnderflow(*gap)
	}
	return true
}

func (w *Watcher) checkStartupGap(buffered domain.TimeRanges, currentTime float64) bool {
	if buffered.Contains(currentTime) {
		w.mu.Lock()
		w.gapTicks = 0
		w.mu.Unlock()
		return false
	}
	next, ok := buffered.NextRangeAfter(currentTime)
	if !ok || next.Start-currentTime > w.cfg.GapSkipLookahead {
		w.mu.Lock()
		w.gapTicks = 0
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	if currentTime != w.lastRecordedTime {
		w.gapTicks = 0
		w.mu.Unlock()
		return false
	}
	if w.skippedGap != nil && w.skippedGap.End == next.Start {
		w.mu.Unlock()
		return false
	}
	w.gapTicks++
	if w.gapTicks < w.cfg.GapSkipTicks {
		w.mu.Unlock()
		return true
	}
	w.gapTicks = 0
	gap := domain.TimeRange{Start: currentTime, End: next.Start}
	w.skippedGap = &gap
	w.appendSinceSeek = false
	w.mu.Unlock()

	w.logger.Info("skipping gap to buffered content",
		slog.Float64("from", currentTime),
		slog.Float64("to", next.Start),
	)
	w.host.Seek(next.Start)
	metrics.GapSkipsTotal.Inc()
	if w.events.OnGapSkip != nil {
		w.events.OnGapSkip(currentTime, next.Start)
	}
	return true
}

func (w *Watcher) checkStuckPlayback(buffered domain.TimeRanges, currentTime float64) {
	rng, ok := buffered.RangeAt(currentTime)
	if !ok || rng.End-currentTime <= w.cfg.BufferEdgeTolerance {
		w.mu.Lock()
		w.stuckTicks = 0
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	if currentTime != w.lastRecordedTime {
		w.stuckTicks = 0
		w.mu.Unlock()
		return
	}
	w.stuckTicks++
	if w.stuckTicks < w.cfg.StuckTicks {
		w.mu.Unlock()
		return
	}
	w.stuckTicks = 0
	w.mu.Unlock()

	w.logger.Warn("playback stuck inside buffered range, kicking decoder",
		slog.Float64("currentTime", currentTime),
		slog.Float64("bufferedEnd", rng.End),
	)
	w.correctiveSeek("stuck-playback", currentTime)
}

// BeforeSeekableWindow reports whether current time has fallen off the
// front of a live seekable range.
func (w *Watcher) BeforeSeekableWindow(seekable domain.TimeRanges, currentTime float64) bool {
	if len(seekable) == 0 || seekable.Start(0) == 0 {
		return false
	}
	return currentTime < seekable.Start(0)-w.cfg.LiveRangeSafeTimeDelta
}

// AfterSeekableWindow reports whether current time is beyond the seekable
// range plus the allowed slack: a fixed tolerance for VOD, three target
// durations for live (three part target durations for low-latency).
func (w *Watcher) AfterSeekableWindow(seekable domain.TimeRanges, currentTime float64, playlist *domain.Playlist) bool {
	if len(seekable) == 0 {
		return false
	}
	slack := w.cfg.LiveRangeSafeTimeDelta
	if playlist != nil && playlist.Live() {
		slack = 3 * playlist.TargetDuration
		if playlist.PartTargetDuration > 0 && !w.cfg.AllowSeeksWithinUnsafeLiveWindow {
			slack = 3 * playlist.PartTargetDuration
		}
	}
	return currentTime > seekable.End(len(seekable)-1)+slack
}

// FixesBadSeeks corrects a seek that targets unplayable time. It only acts
// while the host reports seeking, and repeats an identical correction at
// most once per seek. It reports whether a corrective seek was issued.
func (w *Watcher) FixesBadSeeks() bool {
	if !w.host.Seeking() {
		return false
	}
	currentTime := w.host.CurrentTime()
	seekable := w.host.Seekable()
	playlist := w.host.Playlist()

	var seekTo float64
	var reason string
	switch {
	case w.AfterSeekableWindow(seekable, currentTime, playlist):
		seekTo = seekable.End(len(seekable) - 1)
		reason = "beyond-seekable-window"
	case w.BeforeSeekableWindow(seekable, currentTime):
		seekTo = seekable.Start(0) + w.cfg.SafeSeekOffset
		reason = "before-seekable-window"
	default:
		target := w.gapAheadTarget(currentTime, playlist)
		if target == nil {
			return false
		}
		seekTo = *target
		reason = "gap-ahead"
	}

	w.mu.Lock()
	if w.seekGuardArmed && w.lastSeekTarget == seekTo {
		w.mu.Unlock()
		return false
	}
	w.lastSeekTarget = seekTo
	w.seekGuardArmed = true
	w.appendSinceSeek = false
	w.mu.Unlock()

	w.correctiveSeek(reason, seekTo)
	return true
}

// gapAheadTarget finds the closest buffered region starting within one
// target duration ahead of current time, holding at least half a second of
// content, and returns a seek target just inside it.
func (w *Watcher) gapAheadTarget(currentTime float64, playlist *domain.Playlist) *float64 {
	buffered := w.host.Buffered()
	lookahead := w.cfg.GapSkipLookahead
	if playlist != nil && playlist.TargetDuration > 0 {
		lookahead = playlist.TargetDuration
	}

	var best *domain.TimeRange
	for i := range buffered {
		rng := buffered[i]
		if rng.Start <= currentTime || rng.Start-currentTime > lookahead {
			continue
		}
		if rng.End-rng.Start < 0.5 {
			continue
		}
		if best == nil || rng.Start < best.Start {
			best = &rng
		}
	}
	if best == nil {
		return nil
	}
	target := best.Start + w.cfg.SafeSeekOffset
	return &target
}

func (w *Watcher) correctiveSeek(reason string, to float64) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logger.Info("corrective seek",
		slog.String("reason", reason),
		slog.Float64("to", to),
	)
	w.host.Seek(to)
	metrics.CorrectiveSeeksTotal.WithLabelValues(reason).Inc()
	if w.events.OnCorrectiveSeek != nil {
		w.events.OnCorrectiveSeek(reason, to)
	}
}

// AppendsDone reports one completed append cycle for a loader together
// with its buffered ranges afterwards. Appends that do not grow the buffer
// count toward rendition exclusion.
func (w *Watcher) AppendsDone(loader domain.LoaderType, buffered domain.TimeRanges) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.appendSinceSeek = true

	if !buffered.Equal(w.lastBuffered[loader]) {
		w.lastBuffered[loader] = append(domain.TimeRanges(nil), buffered...)
		w.stalled[loader] = 0
		w.mu.Unlock()
		return
	}
	w.stalled[loader]++
	count := w.stalled[loader]
	metrics.StalledAppendsTotal.WithLabelValues(string(loader)).Inc()
	if count < w.cfg.StalledAppendsBeforeExclusion {
		w.mu.Unlock()
		return
	}
	w.stalled[loader] = 0
	w.mu.Unlock()

	w.excludeRendition(loader)
}

func (w *Watcher) excludeRendition(loader domain.LoaderType) {
	w.logger.Warn("excluding rendition after stalled downloads",
		slog.String("loader", string(loader)),
	)
	if w.events.OnDownloadExclusion != nil {
		w.events.OnDownloadExclusion(loader)
	}
	remaining := w.host.ExcludeRendition(loader)
	metrics.RenditionsExcludedTotal.WithLabelValues(string(loader)).Inc()
	if w.events.OnRenditionExcluded != nil {
		w.events.OnRenditionExcluded(loader)
	}
	if remaining > 0 {
		return
	}

	w.mu.Lock()
	fire := !w.fatalFired
	w.fatalFired = true
	w.mu.Unlock()
	if fire && w.events.OnFatal != nil {
		w.events.OnFatal(fmt.Errorf("%w: %s loader stalled with no fallback", ErrNoPlayableRenditions, loader))
	}
}

// PlaylistUpdated resets the stalled-append counters; a fresh playlist may
// unblock the downloads.
func (w *Watcher) PlaylistUpdated() {
	w.mu.Lock()
	w.resetStalledLocked()
	w.mu.Unlock()
}

// SeekStarted records that the host began seeking. Stalled counters reset;
// the loaders restart at the new position.
func (w *Watcher) SeekStarted() {
	w.mu.Lock()
	w.resetStalledLocked()
	w.mu.Unlock()
}

// Seeked records seek completion. A seek with no intervening append clears
// the skipped-gap guard so the same gap can be corrected again, and
// re-arms the repeated-seek guard.
func (w *Watcher) Seeked() {
	w.mu.Lock()
	w.resetStalledLocked()
	if !w.appendSinceSeek {
		w.skippedGap = nil
	}
	w.seekGuardArmed = false
	w.mu.Unlock()
}

func (w *Watcher) resetStalledLocked() {
	for loader := range w.stalled {
		w.stalled[loader] = 0
	}
}
