package apihttp

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"playbackengine/internal/buffer"
	"playbackengine/internal/daterange"
	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
	"playbackengine/internal/transmux"
	"playbackengine/internal/watcher"
)

// ErrTooManySessions is returned when the registry's session cap is reached.
var ErrTooManySessions = errors.New("session limit reached")

const segmentPushTimeout = 10 * time.Second

// eventSink receives typed playback events for fan-out to clients.
type eventSink interface {
	Broadcast(msgType string, data interface{})
}

// SessionConfig carries the per-session tunables shared by the registry.
type SessionConfig struct {
	// SegmentDuration seeds the passthrough transmux engine's clock.
	SegmentDuration float64
	// Watcher holds the monitor thresholds.
	Watcher watcher.Config
	// RenditionsPerLoader is how many viable renditions each loader starts
	// with before exclusions become fatal.
	RenditionsPerLoader int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = 4
	}
	if c.RenditionsPerLoader <= 0 {
		c.RenditionsPerLoader = 3
	}
	return c
}

// PlaybackSession wires one transmux coordinator, one logical buffer, and
// one playback watcher behind a session id. It is the host surface the
// watcher corrects and the program-time API seeks.
type PlaybackSession struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	logger *slog.Logger
	events eventSink

	coordinator *transmux.Coordinator
	adapter     *buffer.Adapter
	logical     *buffer.LogicalBuffer
	watcher     *watcher.Watcher
	dateRanges  *daterange.Tracker

	playlist    *domain.Playlist
	currentTime float64
	paused      bool
	seeking     bool
	started     bool
	closed      bool

	onSeeked   []func()
	renditions map[domain.LoaderType]int
}

func newPlaybackSession(cfg SessionConfig, codecs []string, events eventSink, logger *slog.Logger) *PlaybackSession {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	sessionLogger := logger.With(slog.String("sessionId", id))

	engine := transmux.NewPassthrough(cfg.SegmentDuration)
	worker := transmux.NewWorker(engine, sessionLogger)

	s := &PlaybackSession{
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		logger:      sessionLogger,
		events:      events,
		coordinator: transmux.NewCoordinator(worker, sessionLogger),
		adapter:     buffer.NewAdapter(sessionLogger, nil),
		dateRanges:  daterange.NewTracker(),
		renditions: map[domain.LoaderType]int{
			domain.LoaderMain:     cfg.RenditionsPerLoader,
			domain.LoaderAudio:    cfg.RenditionsPerLoader,
			domain.LoaderSubtitle: cfg.RenditionsPerLoader,
		},
	}
	s.logical = s.adapter.CreateLogicalBuffer(codecs)
	s.watcher = watcher.New(s, cfg.Watcher, watcher.Events{
		OnGapSkip: func(from, to float64) {
			s.broadcast("gap-skip", map[string]float64{"from": from, "to": to})
		},
		OnVideoUnderflow: func(gap domain.TimeRange) {
			s.broadcast("video-underflow", gap)
		},
		OnCorrectiveSeek: func(reason string, to float64) {
			s.broadcast("corrective-seek", map[string]interface{}{"reason": reason, "to": to})
		},
		OnDownloadExclusion: func(loader domain.LoaderType) {
			s.broadcast("download-exclusion", map[string]string{"loader": string(loader)})
		},
		OnRenditionExcluded: func(loader domain.LoaderType) {
			s.broadcast("rendition-excluded", map[string]string{"loader": string(loader)})
		},
		OnFatal: func(err error) {
			s.broadcast("fatal", map[string]string{"error": err.Error()})
		},
	}, sessionLogger)
	s.watcher.Start()

	sessionLogger.Info("playback session created", slog.String("codecs", s.logical.Codecs().String()))
	return s
}

func (s *PlaybackSession) broadcast(msgType string, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(msgType, map[string]interface{}{
		"sessionId": s.ID,
		"payload":   data,
	})
}

// --- watcher.Host ---

func (s *PlaybackSession) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

func (s *PlaybackSession) Seeking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeking
}

func (s *PlaybackSession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *PlaybackSession) Buffered() domain.TimeRanges { return s.logical.Buffered() }

func (s *PlaybackSession) Seekable() domain.TimeRanges { return s.adapter.Seekable() }

func (s *PlaybackSession) Playlist() *domain.Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playlist
}

// Seek moves the playback clock and completes any pending seek. The actual
// media element lives in the host client; the seek command reaches it over
// the event stream.
func (s *PlaybackSession) Seek(to float64) {
	s.mu.Lock()
	s.currentTime = to
	s.seeking = false
	handlers := s.onSeeked
	s.onSeeked = nil
	s.mu.Unlock()

	s.broadcast("seek", map[string]float64{"to": to})
	for _, fn := range handlers {
		fn()
	}
}

func (s *PlaybackSession) ExcludeRendition(loader domain.LoaderType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renditions[loader] > 0 {
		s.renditions[loader]--
	}
	return s.renditions[loader]
}

// --- timemap.SeekHost ---

func (s *PlaybackSession) HasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *PlaybackSession) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.broadcast("pause", nil)
}

func (s *PlaybackSession) OnSeeked(fn func()) {
	s.mu.Lock()
	s.onSeeked = append(s.onSeeked, fn)
	s.mu.Unlock()
}

// --- operations ---

// PushSegment runs one segment through the transmux pipeline and appends
// the output to the logical buffer. It blocks until the transmux unit's
// terminal event lands or the timeout fires.
func (s *PlaybackSession) PushSegment(data []byte, loader domain.LoaderType, opts transmux.PushOptions) (*domain.SegmentBundle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session closed", domain.ErrInvalidState)
	}
	s.mu.Unlock()

	type pushResult struct {
		bundle    *domain.SegmentBundle
		videoSpan *domain.TimeRange
		audioSpan *domain.TimeRange
	}
	done := make(chan pushResult, 1)
	var result pushResult

	s.coordinator.Push(data, opts, transmux.Callbacks{
		OnVideoTimingInfo: func(info domain.TimingInfo) {
			result.videoSpan = &domain.TimeRange{Start: info.Start, End: info.End}
		},
		OnAudioTimingInfo: func(info domain.TimingInfo) {
			result.audioSpan = &domain.TimeRange{Start: info.Start, End: info.End}
		},
		OnDone: func(bundle *domain.SegmentBundle) {
			result.bundle = bundle
			done <- result
		},
	})

	select {
	case res := <-done:
		if res.bundle != nil {
			s.logical.Append(buffer.AppendRequest{
				Bundle:    res.bundle,
				VideoSpan: res.videoSpan,
				AudioSpan: res.audioSpan,
			})
			s.growSeekable(res.videoSpan, res.audioSpan)
		}
		s.watcher.AppendsDone(loader, s.logical.Buffered())
		s.broadcast("segment-appended", map[string]interface{}{
			"loader":   string(loader),
			"buffered": s.logical.Buffered(),
		})
		return res.bundle, nil
	case <-time.After(segmentPushTimeout):
		return nil, fmt.Errorf("transmux did not complete within %s", segmentPushTimeout)
	}
}

// growSeekable extends the live window as transmuxed content arrives.
func (s *PlaybackSession) growSeekable(spans ...*domain.TimeRange) {
	for _, span := range spans {
		if span == nil {
			continue
		}
		if err := s.adapter.AddSeekableRange(span.Start, span.End); err != nil {
			return
		}
	}
}

// UpdatePlaylist replaces the session playlist and refreshes every consumer
// of playlist state: the date-range tracker and the stalled-download
// counters.
func (s *PlaybackSession) UpdatePlaylist(playlist *domain.Playlist, ranges []daterange.DateRange) {
	s.mu.Lock()
	s.playlist = playlist
	if playlist != nil {
		s.dateRanges.SetOffset(playlist.Segments)
	}
	if ranges != nil {
		s.dateRanges.SetPendingDateRanges(ranges)
	}
	live := playlist != nil && playlist.Live()
	s.mu.Unlock()

	if live {
		s.adapter.SetDuration(math.Inf(1))
	}
	s.watcher.PlaylistUpdated()
	s.broadcast("playlist-updated", map[string]interface{}{
		"live": live,
	})
}

// DateRangesToProcess exposes the resolved timed events; the returned
// ranges carry their consume callbacks.
func (s *PlaybackSession) DateRangesToProcess() []daterange.DateRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dateRanges.GetDateRangesToProcess()
}

// HostSignals is the host transport's playback status report.
type HostSignals struct {
	CurrentTime *float64 `json:"currentTime,omitempty"`
	Paused      *bool    `json:"paused,omitempty"`
	Seeking     *bool    `json:"seeking,omitempty"`
	Seeked      bool     `json:"seeked,omitempty"`
	Started     *bool    `json:"started,omitempty"`
}

// ApplySignals ingests a host status report and runs the event-triggered
// watcher checks.
func (s *PlaybackSession) ApplySignals(sig HostSignals) {
	s.mu.Lock()
	if sig.CurrentTime != nil {
		s.currentTime = *sig.CurrentTime
	}
	if sig.Paused != nil {
		s.paused = *sig.Paused
	}
	if sig.Started != nil {
		s.started = *sig.Started
	}
	startedSeeking := sig.Seeking != nil && *sig.Seeking && !s.seeking
	if sig.Seeking != nil {
		s.seeking = *sig.Seeking
	}
	s.mu.Unlock()

	if startedSeeking {
		s.watcher.SeekStarted()
		s.watcher.FixesBadSeeks()
	}
	if sig.Seeked {
		s.mu.Lock()
		s.seeking = false
		handlers := s.onSeeked
		s.onSeeked = nil
		s.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
		s.watcher.Seeked()
	}
}

// Reset drops any queued transmux work; in-flight output still lands.
func (s *PlaybackSession) Reset() {
	s.coordinator.Reset()
	s.logical.MediaChanged()
	s.broadcast("reset", nil)
}

// SetAudioTracks replaces the host's audio track list and recomputes which
// buffer carries live audio.
func (s *PlaybackSession) SetAudioTracks(tracks []*buffer.AudioTrack) {
	s.adapter.SetAudioTracks(tracks)
	s.broadcast("audio-tracks", tracks)
}

// EndOfStream finalizes the logical duration and re-chains metadata cues.
func (s *PlaybackSession) EndOfStream(finalDuration float64) {
	s.adapter.EndOfStream(finalDuration)
	s.broadcast("end-of-stream", map[string]float64{"duration": finalDuration})
}

// Close tears the session down: watcher first so no correction fires into
// a dead pipeline, then the transmux worker.
func (s *PlaybackSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.watcher.Dispose()
	s.coordinator.Terminate()
	s.logger.Info("playback session closed")
}

// State is the serializable session snapshot.
type State struct {
	ID          string                    `json:"id"`
	CreatedAt   time.Time                 `json:"createdAt"`
	CurrentTime float64                   `json:"currentTime"`
	Paused      bool                      `json:"paused"`
	Seeking     bool                      `json:"seeking"`
	Codecs      string                    `json:"codecs"`
	Buffered    domain.TimeRanges         `json:"buffered"`
	Seekable    domain.TimeRanges         `json:"seekable"`
	Tracks      []*buffer.TextTrack       `json:"tracks,omitempty"`
	Renditions  map[domain.LoaderType]int `json:"renditions"`
}

func (s *PlaybackSession) State() State {
	s.mu.Lock()
	renditions := make(map[domain.LoaderType]int, len(s.renditions))
	for loader, n := range s.renditions {
		renditions[loader] = n
	}
	state := State{
		ID:          s.ID,
		CreatedAt:   s.CreatedAt,
		CurrentTime: s.currentTime,
		Paused:      s.paused,
		Seeking:     s.seeking,
		Renditions:  renditions,
	}
	s.mu.Unlock()

	state.Codecs = s.logical.Codecs().String()
	state.Buffered = s.logical.Buffered()
	state.Seekable = s.adapter.Seekable()
	state.Tracks = s.logical.Tracks().Tracks()
	return state
}

// SessionRegistry owns the live sessions. It is the explicit replacement
// for ambient module-level instance maps.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*PlaybackSession
	cfg      SessionConfig
	events   eventSink
	logger   *slog.Logger
	max      int
}

func NewSessionRegistry(cfg SessionConfig, maxSessions int, events eventSink, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*PlaybackSession),
		cfg:      cfg.withDefaults(),
		events:   events,
		logger:   logger,
		max:      maxSessions,
	}
}

func (r *SessionRegistry) Create(codecs []string) (*PlaybackSession, error) {
	r.mu.Lock()
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		return nil, ErrTooManySessions
	}
	r.mu.Unlock()

	session := newPlaybackSession(r.cfg, codecs, r.events, r.logger)

	r.mu.Lock()
	r.sessions[session.ID] = session
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	return session, nil
}

func (r *SessionRegistry) Get(id string) (*PlaybackSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

func (r *SessionRegistry) Delete(id string) bool {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if ok {
		session.Close()
	}
	return ok
}

func (r *SessionRegistry) List() []*PlaybackSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PlaybackSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Close tears down every session.
func (r *SessionRegistry) Close() {
	for _, session := range r.List() {
		r.Delete(session.ID)
	}
}
