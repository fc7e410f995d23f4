package watcher

import (
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"playbackengine/internal/domain"
	"playbackengine/internal/metrics"
)

func init() {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

var testLogger = slog.New(slog.NewTextHandler(discard{}, nil))

type fakeHost struct {
	currentTime float64
	seeking     bool
	paused      bool
	buffered    domain.TimeRanges
	seekable    domain.TimeRanges
	playlist    *domain.Playlist

	seeks     []float64
	remaining int
	excluded  []domain.LoaderType
}

func (h *fakeHost) CurrentTime() float64        { return h.currentTime }
func (h *fakeHost) Seeking() bool               { return h.seeking }
func (h *fakeHost) Paused() bool                { return h.paused }
func (h *fakeHost) Buffered() domain.TimeRanges { return h.buffered }
func (h *fakeHost) Seekable() domain.TimeRanges { return h.seekable }
func (h *fakeHost) Playlist() *domain.Playlist  { return h.playlist }

func (h *fakeHost) Seek(to float64) {
	h.seeks = append(h.seeks, to)
	h.currentTime = to
}

func (h *fakeHost) ExcludeRendition(loader domain.LoaderType) int {
	h.excluded = append(h.excluded, loader)
	return h.remaining
}

func TestGapSkipAfterSixStalledTicks(t *testing.T) {
	host := &fakeHost{
		currentTime: 0,
		buffered:    domain.TimeRanges{{Start: 2, End: 10}},
	}
	var skips int
	w := New(host, Config{}, Events{
		OnGapSkip: func(from, to float64) {
			skips++
			if from != 0 || to != 2 {
				t.Errorf("gap skip %v -> %v, want 0 -> 2", from, to)
			}
		},
	}, testLogger)

	for i := 0; i < 5; i++ {
		w.Tick()
	}
	if len(host.seeks) != 0 {
		t.Fatalf("seek fired after %d ticks, want none before the sixth", 5)
	}

	w.Tick()
	if len(host.seeks) != 1 || host.seeks[0] != 2 {
		t.Fatalf("seeks = %v, want exactly [2]", host.seeks)
	}
	if skips != 1 {
		t.Fatalf("gap-skip notifications = %d, want 1", skips)
	}

	// Playback resumed inside the buffer; no further skips.
	for i := 0; i < 10; i++ {
		host.currentTime += 0.25
		w.Tick()
	}
	if len(host.seeks) != 1 {
		t.Fatalf("extra seeks after skip: %v", host.seeks)
	}
}

func TestGapFromVideoUnderflow(t *testing.T) {
	host := &fakeHost{}
	w := New(host, Config{}, Events{}, testLogger)
	buffered := domain.TimeRanges{{Start: 0, End: 10}, {Start: 10.1, End: 20}}

	gap := w.GapFromVideoUnderflow(buffered, 13)
	if gap == nil || gap.Start != 10 || gap.End != 10.1 {
		t.Fatalf("gap at 13 = %v, want {10, 10.1}", gap)
	}
	if gap := w.GapFromVideoUnderflow(buffered, 9.9); gap != nil {
		t.Fatalf("gap at 9.9 = %v, want nil", gap)
	}
	if gap := w.GapFromVideoUnderflow(buffered, 15); gap != nil {
		t.Fatalf("gap at 15 = %v, want nil", gap)
	}
	if gap := w.GapFromVideoUnderflow(domain.TimeRanges{{Start: 0, End: 10}}, 13); gap != nil {
		t.Fatalf("single range produced underflow gap %v", gap)
	}
}

func TestVideoUnderflowReseeksOnce(t *testing.T) {
	host := &fakeHost{
		currentTime: 13,
		buffered:    domain.TimeRanges{{Start: 0, End: 10}, {Start: 10.1, End: 20}},
	}
	var underflows int
	w := New(host, Config{}, Events{
		OnVideoUnderflow: func(gap domain.TimeRange) {
			underflows++
			if gap.Start != 10 || gap.End != 10.1 {
				t.Errorf("underflow gap = %v", gap)
			}
		},
	}, testLogger)

	w.Tick()
	if len(host.seeks) != 1 || host.seeks[0] != 13 {
		t.Fatalf("seeks = %v, want re-seek to current time 13", host.seeks)
	}
	if underflows != 1 {
		t.Fatalf("underflow notifications = %d, want 1", underflows)
	}

	// The same gap is corrected at most once.
	w.Tick()
	if underflows != 1 {
		t.Fatalf("same gap re-corrected: %d notifications", underflows)
	}
}

func TestFixesBadSeeks(t *testing.T) {
	host := &fakeHost{
		seeking:  true,
		seekable: domain.TimeRanges{{Start: 1, End: 45}},
	}
	w := New(host, Config{SafeSeekOffset: 0.1}, Events{}, testLogger)

	host.currentTime = 50
	if !w.FixesBadSeeks() {
		t.Fatal("seek past seekable end not corrected")
	}
	if host.seeks[len(host.seeks)-1] != 45 {
		t.Fatalf("corrected to %v, want seekable end 45", host.seeks)
	}
	w.Seeked()

	host.currentTime = 0
	if !w.FixesBadSeeks() {
		t.Fatal("seek before seekable start not corrected")
	}
	if got := host.seeks[len(host.seeks)-1]; math.Abs(got-1.1) > 1e-9 {
		t.Fatalf("corrected to %v, want 1.1", got)
	}
	w.Seeked()

	host.currentTime = 30
	if w.FixesBadSeeks() {
		t.Fatalf("in-window seek corrected: %v", host.seeks)
	}
}

func TestFixesBadSeeksRepeatGuard(t *testing.T) {
	host := &fakeHost{
		seeking:  true,
		seekable: domain.TimeRanges{{Start: 1, End: 45}},
	}
	w := New(host, Config{}, Events{}, testLogger)

	host.currentTime = 50
	w.FixesBadSeeks()
	host.currentTime = 50
	if w.FixesBadSeeks() {
		t.Fatal("identical correction repeated within one seek")
	}

	w.Seeked()
	host.currentTime = 50
	if !w.FixesBadSeeks() {
		t.Fatal("guard not cleared after seeked")
	}
}

func TestFixesBadSeeksGapAhead(t *testing.T) {
	host := &fakeHost{
		seeking:     true,
		currentTime: 5,
		seekable:    domain.TimeRanges{{Start: 1, End: 45}},
		buffered:    domain.TimeRanges{{Start: 7, End: 20}},
		playlist:    &domain.Playlist{TargetDuration: 10, EndList: true},
	}
	w := New(host, Config{SafeSeekOffset: 0.1}, Events{}, testLogger)

	if !w.FixesBadSeeks() {
		t.Fatal("seek just before buffered region not corrected")
	}
	if got := host.seeks[0]; math.Abs(got-7.1) > 1e-9 {
		t.Fatalf("corrected to %v, want region start + offset 7.1", got)
	}
}

func TestStuckPlaybackKick(t *testing.T) {
	host := &fakeHost{
		currentTime: 5,
		buffered:    domain.TimeRanges{{Start: 0, End: 20}},
	}
	var reasons []string
	w := New(host, Config{}, Events{
		OnCorrectiveSeek: func(reason string, to float64) { reasons = append(reasons, reason) },
	}, testLogger)

	for i := 0; i < 6; i++ {
		w.Tick()
	}
	if len(host.seeks) != 1 || host.seeks[0] != 5 {
		t.Fatalf("seeks = %v, want one kick to current time 5", host.seeks)
	}
	if len(reasons) != 1 || reasons[0] != "stuck-playback" {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestStuckNotTriggeredAtBufferEdge(t *testing.T) {
	host := &fakeHost{
		currentTime: 19.99,
		buffered:    domain.TimeRanges{{Start: 0, End: 20}},
	}
	w := New(host, Config{}, Events{}, testLogger)
	for i := 0; i < 20; i++ {
		w.Tick()
	}
	if len(host.seeks) != 0 {
		t.Fatalf("kicked at buffer edge: %v", host.seeks)
	}
}

func TestAfterSeekableWindowLiveSlack(t *testing.T) {
	host := &fakeHost{}
	w := New(host, Config{}, Events{}, testLogger)
	seekable := domain.TimeRanges{{Start: 0, End: 100}}

	vod := &domain.Playlist{TargetDuration: 6, EndList: true}
	if !w.AfterSeekableWindow(seekable, 101, vod) {
		t.Fatal("vod slack should be tight")
	}

	live := &domain.Playlist{TargetDuration: 6}
	if w.AfterSeekableWindow(seekable, 110, live) {
		t.Fatal("live slack is 3 target durations; 110 is within it")
	}
	if !w.AfterSeekableWindow(seekable, 119, live) {
		t.Fatal("110 + 3*6 < 119 should be beyond the window")
	}

	lowLatency := &domain.Playlist{TargetDuration: 6, PartTargetDuration: 1}
	if !w.AfterSeekableWindow(seekable, 110, lowLatency) {
		t.Fatal("low-latency slack is 3 part target durations")
	}
}

func TestStalledDownloadExclusion(t *testing.T) {
	host := &fakeHost{remaining: 2}
	var usage, excluded int
	w := New(host, Config{}, Events{
		OnDownloadExclusion: func(loader domain.LoaderType) { usage++ },
		OnRenditionExcluded: func(loader domain.LoaderType) { excluded++ },
	}, testLogger)

	for i := 0; i < 9; i++ {
		w.AppendsDone(domain.LoaderAudio, nil)
	}
	if usage != 0 || excluded != 0 {
		t.Fatalf("excluded before threshold: usage=%d excluded=%d", usage, excluded)
	}

	w.AppendsDone(domain.LoaderAudio, nil)
	if usage != 1 || excluded != 1 {
		t.Fatalf("on tenth stalled append: usage=%d excluded=%d, want 1/1", usage, excluded)
	}
	if len(host.excluded) != 1 || host.excluded[0] != domain.LoaderAudio {
		t.Fatalf("host exclusions = %v", host.excluded)
	}
}

func TestStalledCounterResets(t *testing.T) {
	host := &fakeHost{remaining: 2}
	var excluded int
	w := New(host, Config{}, Events{
		OnRenditionExcluded: func(loader domain.LoaderType) { excluded++ },
	}, testLogger)

	for i := 0; i < 9; i++ {
		w.AppendsDone(domain.LoaderAudio, nil)
	}
	w.PlaylistUpdated()
	for i := 0; i < 9; i++ {
		w.AppendsDone(domain.LoaderAudio, nil)
	}
	w.SeekStarted()
	w.Seeked()
	for i := 0; i < 9; i++ {
		w.AppendsDone(domain.LoaderAudio, nil)
	}
	// A buffered-range change also resets the counter.
	w.AppendsDone(domain.LoaderAudio, domain.TimeRanges{{Start: 0, End: 4}})
	for i := 0; i < 9; i++ {
		w.AppendsDone(domain.LoaderAudio, domain.TimeRanges{{Start: 0, End: 4}})
	}
	if excluded != 0 {
		t.Fatalf("excluded despite resets: %d", excluded)
	}

	w.AppendsDone(domain.LoaderAudio, domain.TimeRanges{{Start: 0, End: 4}})
	if excluded != 1 {
		t.Fatalf("excluded = %d after tenth uninterrupted stall, want 1", excluded)
	}
}

func TestReplacementRenditionCanAlsoBeExcluded(t *testing.T) {
	host := &fakeHost{remaining: 1}
	var excluded int
	var fatal []error
	w := New(host, Config{}, Events{
		OnRenditionExcluded: func(loader domain.LoaderType) { excluded++ },
		OnFatal:             func(err error) { fatal = append(fatal, err) },
	}, testLogger)

	for i := 0; i < 10; i++ {
		w.AppendsDone(domain.LoaderMain, nil)
	}
	if excluded != 1 || len(fatal) != 0 {
		t.Fatalf("first exclusion: excluded=%d fatal=%d, want 1/0", excluded, len(fatal))
	}

	// The replacement rendition stalls just as long; it must be excluded
	// too, and with no fallback left that exclusion is fatal.
	host.remaining = 0
	for i := 0; i < 10; i++ {
		w.AppendsDone(domain.LoaderMain, nil)
	}
	if excluded != 2 {
		t.Fatalf("excluded = %d after second stalled rendition, want 2", excluded)
	}
	if len(fatal) != 1 || !errors.Is(fatal[0], ErrNoPlayableRenditions) {
		t.Fatalf("fatal = %v, want one ErrNoPlayableRenditions", fatal)
	}
}

func TestLastRenditionExclusionIsFatal(t *testing.T) {
	host := &fakeHost{remaining: 0}
	var fatal []error
	w := New(host, Config{}, Events{
		OnFatal: func(err error) { fatal = append(fatal, err) },
	}, testLogger)

	for i := 0; i < 10; i++ {
		w.AppendsDone(domain.LoaderMain, nil)
	}
	if len(fatal) != 1 {
		t.Fatalf("fatal errors = %d, want exactly 1", len(fatal))
	}
	if !errors.Is(fatal[0], ErrNoPlayableRenditions) {
		t.Fatalf("fatal = %v, want ErrNoPlayableRenditions", fatal[0])
	}
}

func TestDisposeStopsCorrections(t *testing.T) {
	host := &fakeHost{
		currentTime: 0,
		buffered:    domain.TimeRanges{{Start: 2, End: 10}},
	}
	w := New(host, Config{}, Events{}, testLogger)
	w.Dispose()
	w.Dispose() // idempotent

	for i := 0; i < 10; i++ {
		w.Tick()
	}
	w.AppendsDone(domain.LoaderAudio, nil)
	if len(host.seeks) != 0 || len(host.excluded) != 0 {
		t.Fatalf("corrections after dispose: seeks=%v excluded=%v", host.seeks, host.excluded)
	}
}
