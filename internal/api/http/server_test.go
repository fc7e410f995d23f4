package apihttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"playbackengine/internal/metrics"
	"playbackengine/internal/watcher"
)

func init() {
	metrics.Register(prometheus.NewRegistry())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

var testLogger = slog.New(slog.NewTextHandler(discard{}, nil))

// newTestServer builds a server whose watcher never ticks on its own, so
// tests drive all corrections through the HTTP surface.
func newTestServer(opts ...ServerOption) *Server {
	cfg := SessionConfig{
		SegmentDuration: 4,
		Watcher:         watcher.Config{TickInterval: time.Hour},
	}
	opts = append([]ServerOption{
		WithLogger(testLogger),
		WithStateBroadcastInterval(0),
	}, opts...)
	return NewServer(cfg, opts...)
}

func createSession(t *testing.T, server *Server, codecs string) State {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"codecs":[%s]}`, codecs))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session status = %d body=%s", w.Code, w.Body.String())
	}
	var state State
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return state
}

func TestCreateSessionAndGetState(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	state := createSession(t, server, `"avc1.4d400d","mp4a.40.2"`)
	if state.ID == "" {
		t.Fatal("session id is empty")
	}
	if state.Codecs != "avc1.4d400d,mp4a.40.2" {
		t.Fatalf("codecs = %q", state.Codecs)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID, nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get session status = %d", w.Code)
	}
	var got State
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != state.ID {
		t.Fatalf("id mismatch: %q vs %q", got.ID, state.ID)
	}
}

func TestListSessions(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	createSession(t, server, `"avc1.4d400d"`)
	createSession(t, server, `"mp4a.40.2"`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var states []State
	if err := json.NewDecoder(w.Body).Decode(&states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("sessions = %d, want 2", len(states))
	}
}

func TestSessionNotFound(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/nope", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestSessionLimit(t *testing.T) {
	server := newTestServer(WithMaxSessions(1))
	defer server.Close()

	createSession(t, server, `"avc1.4d400d"`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader([]byte(`{"codecs":["avc1.4d400d"]}`)))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	state := createSession(t, server, `"avc1.4d400d"`)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+state.ID, nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", w.Code)
	}
}

func TestSessionsMethodNotAllowed(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func pushSegment(t *testing.T, server *Server, id string, body []byte) appendResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/segments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("push segment status = %d body=%s", w.Code, w.Body.String())
	}
	var resp appendResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestPushSegmentAppendsToBuffer(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	resp := pushSegment(t, server, state.ID, []byte("vvvv"))
	if resp.ByteLength != 4 {
		t.Fatalf("byteLength = %d, want 4", resp.ByteLength)
	}
	if len(resp.Buffered) != 1 || resp.Buffered[0].Start != 0 || resp.Buffered[0].End != 4 {
		t.Fatalf("buffered = %v", resp.Buffered)
	}

	resp = pushSegment(t, server, state.ID, []byte("vvvvvv"))
	if len(resp.Buffered) != 1 || resp.Buffered[0].End != 8 {
		t.Fatalf("buffered after second push = %v", resp.Buffered)
	}
}

func TestPushSegmentEmptyBody(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/segments", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPushSegmentUnsupportedLoader(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/segments?loader=bogus", bytes.NewReader([]byte("x")))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "unsupported" {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, "unsupported")
	}
}

func TestSignalsUpdatePlaybackState(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	payload := []byte(`{"currentTime":5.5,"paused":true,"started":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/signals", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got State
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CurrentTime != 5.5 || !got.Paused {
		t.Fatalf("state = %+v", got)
	}
}

func TestSetAudioTracks(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d","mp4a.40.2"`)

	payload := []byte(`{"tracks":[{"id":"main","kind":"main","enabled":true}]}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions/"+state.ID+"/audio-tracks", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
}

func TestResetSession(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/reset", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func updatePlaylist(t *testing.T, server *Server, id string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/sessions/"+id+"/playlist", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func testPlaylistJSON(endList bool) []byte {
	playlist := map[string]interface{}{
		"playlist": map[string]interface{}{
			"id":             "media-0",
			"targetDuration": 4,
			"endList":        endList,
			"segments": []map[string]interface{}{
				{
					"duration":       4,
					"start":          0,
					"end":            4,
					"dateTimeObject": "2026-08-30T10:00:00Z",
					"videoTimingInfo": map[string]interface{}{
						"transmuxedPresentationStart": 0,
						"transmuxedPresentationEnd":   4,
						"transmuxerPrependedSeconds":  0,
					},
				},
				{
					"duration":       4,
					"start":          4,
					"end":            8,
					"dateTimeObject": "2026-08-30T10:00:04Z",
					"videoTimingInfo": map[string]interface{}{
						"transmuxedPresentationStart": 4,
						"transmuxedPresentationEnd":   8,
						"transmuxerPrependedSeconds":  0,
					},
				},
			},
		},
	}
	data, _ := json.Marshal(playlist)
	return data
}

func TestProgramTimeLookup(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	if w := updatePlaylist(t, server, state.ID, testPlaylistJSON(true)); w.Code != http.StatusOK {
		t.Fatalf("playlist status = %d body=%s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID+"/program-time?time=2", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got struct {
		MediaSeconds    float64   `json:"mediaSeconds"`
		ProgramDateTime time.Time `json:"programDateTime"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MediaSeconds != 2 {
		t.Fatalf("mediaSeconds = %v", got.MediaSeconds)
	}
	want := time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC)
	if !got.ProgramDateTime.Equal(want) {
		t.Fatalf("programDateTime = %v, want %v", got.ProgramDateTime, want)
	}
}

func TestProgramTimeOutsideStream(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	if w := updatePlaylist(t, server, state.ID, testPlaylistJSON(true)); w.Code != http.StatusOK {
		t.Fatalf("playlist status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID+"/program-time?time=100", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestSeekToProgramTime(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	if w := updatePlaylist(t, server, state.ID, testPlaylistJSON(true)); w.Code != http.StatusOK {
		t.Fatalf("playlist status = %d", w.Code)
	}

	payload := []byte(`{"programTime":"2026-08-30T10:00:06Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/seek-to-program-time", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got seekToProgramTimeResponse
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 10:00:06 is 2s into the second segment, which starts at 4.
	if got.SeekedTo != 6 {
		t.Fatalf("seekedTo = %v, want 6", got.SeekedTo)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID, nil)
	w = httptest.NewRecorder()
	server.ServeHTTP(w, req)
	var after State
	if err := json.NewDecoder(w.Body).Decode(&after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.CurrentTime != 6 {
		t.Fatalf("currentTime = %v, want 6", after.CurrentTime)
	}
	// pauseAfterSeek defaults to true.
	if !after.Paused {
		t.Fatal("session should be paused after program-time seek")
	}
}

func TestSeekToProgramTimeNoAnchors(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	playlist := []byte(`{"playlist":{"id":"media-0","targetDuration":4,"endList":true,"segments":[{"duration":4,"start":0,"end":4}]}}`)
	if w := updatePlaylist(t, server, state.ID, playlist); w.Code != http.StatusOK {
		t.Fatalf("playlist status = %d", w.Code)
	}

	payload := []byte(`{"programTime":"2026-08-30T10:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/seek-to-program-time", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEndOfStream(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	pushSegment(t, server, state.ID, []byte("vvvv"))

	payload := []byte(`{"duration":30}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+state.ID+"/end-of-stream", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var got State
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Seekable) != 1 || got.Seekable[0].End != 30 {
		t.Fatalf("seekable = %v, want [0,30]", got.Seekable)
	}
}

func TestLivePlaylistEnablesSeekableGrowth(t *testing.T) {
	server := newTestServer()
	defer server.Close()
	state := createSession(t, server, `"avc1.4d400d"`)

	if w := updatePlaylist(t, server, state.ID, testPlaylistJSON(false)); w.Code != http.StatusOK {
		t.Fatalf("playlist status = %d", w.Code)
	}

	resp := pushSegment(t, server, state.ID, []byte("vvvv"))
	if len(resp.Buffered) != 1 {
		t.Fatalf("buffered = %v", resp.Buffered)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+state.ID, nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	var got State
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Seekable) != 1 || got.Seekable[0].Start != 0 || got.Seekable[0].End != 4 {
		t.Fatalf("seekable = %v, want [0,4]", got.Seekable)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	var envelope errorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}
