package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"playbackengine/internal/domain"
	"playbackengine/internal/timemap"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if errors.Is(err, domain.ErrInvalidState) {
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	if errors.Is(err, domain.ErrUnsupported) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported", err.Error())
		return
	}
	if errors.Is(err, ErrTooManySessions) {
		writeError(w, http.StatusServiceUnavailable, "too_many_sessions", err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeProgramTimeError(w http.ResponseWriter, err error) {
	var seekErr *timemap.SeekTimeError
	if errors.As(err, &seekErr) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": errorPayload{
				Code:    "accuracy_not_guaranteed",
				Message: seekErr.Error(),
			},
			"seekTime": seekErr.SeekTime,
		})
		return
	}
	var notFound *timemap.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "time_not_found", notFound.Error())
		return
	}
	if errors.Is(err, timemap.ErrStreamNotStarted) {
		writeError(w, http.StatusConflict, "stream_not_started", err.Error())
		return
	}
	if errors.Is(err, timemap.ErrNoProgramDateTime) {
		writeError(w, http.StatusBadRequest, "no_program_date_time", err.Error())
		return
	}

	writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parseLoader(value string) (domain.LoaderType, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", string(domain.LoaderMain):
		return domain.LoaderMain, nil
	case string(domain.LoaderAudio):
		return domain.LoaderAudio, nil
	case string(domain.LoaderSubtitle):
		return domain.LoaderSubtitle, nil
	default:
		return "", fmt.Errorf("%w: loader %q", domain.ErrUnsupported, value)
	}
}

func parseCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
