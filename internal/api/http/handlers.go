package apihttp

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"playbackengine/internal/buffer"
	"playbackengine/internal/daterange"
	"playbackengine/internal/domain"
	"playbackengine/internal/timemap"
	"playbackengine/internal/transmux"
)

const maxSegmentBytes = 64 << 20

type createSessionRequest struct {
	// Codecs is the content's codec list, e.g. ["avc1.4d400d", "mp4a.40.2"].
	// A single comma-separated string is also accepted.
	Codecs []string `json:"codecs"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := s.registry.List()
		states := make([]State, 0, len(sessions))
		for _, session := range sessions {
			states = append(states, session.State())
		}
		writeJSON(w, http.StatusOK, states)
	case http.MethodPost:
		var req createSessionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		codecs := req.Codecs
		if len(codecs) == 1 && strings.Contains(codecs[0], ",") {
			codecs = parseCommaSeparated(codecs[0])
		}
		session, err := s.registry.Create(codecs)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, session.State())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	id, sub := rest, ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		id, sub = rest[:idx], rest[idx+1:]
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}
	session, ok := s.registry.Get(id)
	if !ok {
		writeDomainError(w, domain.ErrNotFound)
		return
	}

	switch sub {
	case "":
		s.handleSession(w, r, session)
	case "segments":
		s.handlePushSegment(w, r, session)
	case "signals":
		s.handleSignals(w, r, session)
	case "playlist":
		s.handlePlaylist(w, r, session)
	case "audio-tracks":
		s.handleAudioTracks(w, r, session)
	case "reset":
		s.handleReset(w, r, session)
	case "end-of-stream":
		s.handleEndOfStream(w, r, session)
	case "program-time":
		s.handleProgramTime(w, r, session)
	case "seek-to-program-time":
		s.handleSeekToProgramTime(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, session.State())
	case http.MethodDelete:
		s.registry.Delete(session.ID)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

type appendResponse struct {
	ByteLength int               `json:"byteLength"`
	Captions   int               `json:"captions"`
	Metadata   int               `json:"metadata"`
	Buffered   domain.TimeRanges `json:"buffered"`
}

func (s *Server) handlePushSegment(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	loader, err := parseLoader(r.URL.Query().Get("loader"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var opts transmux.PushOptions
	if raw := strings.TrimSpace(r.URL.Query().Get("audioAppendStart")); raw != "" {
		start, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid audioAppendStart")
			return
		}
		opts.AudioAppendStart = &start
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("endOfTimeline")); raw != "" {
		opts.IsEndOfTimeline = raw == "true"
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSegmentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read segment body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "segment body is empty")
		return
	}
	if len(data) > maxSegmentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "segment exceeds size limit")
		return
	}

	bundle, err := session.PushSegment(data, loader, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := appendResponse{Buffered: session.Buffered()}
	if bundle != nil {
		resp.ByteLength = bundle.ByteLength
		resp.Captions = len(bundle.Captions)
		resp.Metadata = len(bundle.Metadata)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var sig HostSignals
	if err := decodeJSON(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session.ApplySignals(sig)
	writeJSON(w, http.StatusOK, session.State())
}

type updatePlaylistRequest struct {
	Playlist   *domain.Playlist      `json:"playlist"`
	DateRanges []daterange.DateRange `json:"dateRanges,omitempty"`
}

type updatePlaylistResponse struct {
	DateRanges []daterange.DateRange `json:"dateRanges"`
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req updatePlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Playlist == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "playlist is required")
		return
	}
	session.UpdatePlaylist(req.Playlist, req.DateRanges)

	ready := session.DateRangesToProcess()
	for i := range ready {
		session.broadcast("daterange", ready[i])
		if ready[i].ProcessDateRange != nil {
			ready[i].ProcessDateRange()
		}
	}
	writeJSON(w, http.StatusOK, updatePlaylistResponse{DateRanges: ready})
}

type audioTracksRequest struct {
	Tracks []*buffer.AudioTrack `json:"tracks"`
}

func (s *Server) handleAudioTracks(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req audioTracksRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session.SetAudioTracks(req.Tracks)
	writeJSON(w, http.StatusOK, session.State())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	session.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type endOfStreamRequest struct {
	Duration float64 `json:"duration"`
}

func (s *Server) handleEndOfStream(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req endOfStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	session.EndOfStream(req.Duration)
	writeJSON(w, http.StatusOK, session.State())
}

func (s *Server) handleProgramTime(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	playerTime, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get("time")), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "time query parameter is required")
		return
	}

	var (
		result    *timemap.ProgramTime
		lookupErr error
	)
	err = timemap.GetProgramTime(timemap.GetProgramTimeOptions{
		Playlist: session.Playlist(),
		Time:     playerTime,
		Callback: func(err error, pt *timemap.ProgramTime) {
			lookupErr = err
			result = pt
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if lookupErr != nil {
		writeProgramTimeError(w, lookupErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type seekToProgramTimeRequest struct {
	ProgramTime    time.Time `json:"programTime"`
	PauseAfterSeek *bool     `json:"pauseAfterSeek,omitempty"`
	RetryCount     *int      `json:"retryCount,omitempty"`
}

type seekToProgramTimeResponse struct {
	SeekedTo float64 `json:"seekedTo"`
}

func (s *Server) handleSeekToProgramTime(w http.ResponseWriter, r *http.Request, session *PlaybackSession) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req seekToProgramTimeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ProgramTime.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "programTime is required")
		return
	}

	var (
		seekErr  error
		seekedTo float64
	)
	err := timemap.SeekToProgramTime(timemap.SeekToProgramTimeOptions{
		ProgramTime:    req.ProgramTime,
		Playlist:       session.Playlist(),
		Host:           session,
		PauseAfterSeek: req.PauseAfterSeek,
		RetryCount:     req.RetryCount,
		Callback: func(err error, to float64) {
			seekErr = err
			seekedTo = to
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if seekErr != nil {
		writeProgramTimeError(w, seekErr)
		return
	}
	writeJSON(w, http.StatusOK, seekToProgramTimeResponse{SeekedTo: seekedTo})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
