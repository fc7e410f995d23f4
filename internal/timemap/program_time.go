package timemap

import (
	"errors"
	"fmt"
	"time"

	"playbackengine/internal/domain"
)

// ErrCallbackRequired is returned synchronously when no callback was given;
// every other failure is delivered through the callback, never both ways.
var ErrCallbackRequired = errors.New("a callback must be provided")

// SeekTimeError reports that only an estimated position is known. Callers
// should seek to SeekTime and retry once the segment has been transmuxed.
type SeekTimeError struct {
	SeekTime float64
}

func (e *SeekTimeError) Error() string {
	return fmt.Sprintf("accurate program time could not be determined, seek to %v and try again", e.SeekTime)
}

// NotFoundError reports a requested time outside the stream.
type NotFoundError struct {
	Requested string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s was not found in the stream", e.Requested)
}

// ErrStreamNotStarted is delivered for live program-time seeks issued before
// playback has started.
var ErrStreamNotStarted = errors.New("player must be playing a live stream to seek by program time")

// ErrNoProgramDateTime is delivered when the playlist carries no
// program-date-time anchors at all.
var ErrNoProgramDateTime = errors.New("program-date-time tags must be provided in the playlist")

// ProgramTime is the successful result of GetProgramTime.
type ProgramTime struct {
	MediaSeconds    float64   `json:"mediaSeconds"`
	ProgramDateTime time.Time `json:"programDateTime"`
}

// SeekHost is the minimal host surface program-time seeking needs. OnSeeked
// registers a one-shot handler fired after the next completed seek.
type SeekHost interface {
	HasStarted() bool
	CurrentTime() float64
	Pause()
	Seek(to float64)
	OnSeeked(fn func())
}

// GetProgramTimeOptions parameterizes GetProgramTime.
type GetProgramTimeOptions struct {
	Playlist *domain.Playlist
	Time     float64
	Callback func(err error, result *ProgramTime)
}

// GetProgramTime resolves the program time for a playback-clock time. The
// callback receives either an error or a result. Only a missing callback is
// reported synchronously.
func GetProgramTime(opts GetProgramTimeOptions) error {
	if opts.Callback == nil {
		return ErrCallbackRequired
	}
	if opts.Playlist == nil {
		opts.Callback(errors.New("getProgramTime: playlist must be provided"), nil)
		return nil
	}

	match := FindSegmentForPlayerTime(opts.Time, opts.Playlist)
	if match == nil {
		opts.Callback(&NotFoundError{Requested: fmt.Sprintf("%v", opts.Time)}, nil)
		return nil
	}
	if match.Type == MatchEstimate {
		opts.Callback(&SeekTimeError{SeekTime: match.EstimatedStart}, nil)
		return nil
	}

	result := &ProgramTime{MediaSeconds: opts.Time}
	if programTime, ok := PlayerTimeToProgramTime(opts.Time, match.Segment); ok {
		result.ProgramDateTime = programTime
	}
	opts.Callback(nil, result)
	return nil
}

const defaultSeekRetryCount = 2

// SeekToProgramTimeOptions parameterizes SeekToProgramTime.
type SeekToProgramTimeOptions struct {
	ProgramTime    time.Time
	Playlist       *domain.Playlist
	Host           SeekHost
	PauseAfterSeek *bool // defaults to true
	RetryCount     *int  // defaults to 2
	Callback       func(err error, seekedTo float64)
}

// SeekToProgramTime seeks the host to the playback position of a program
// time. When only an estimated match exists, it seeks to the estimate and
// re-resolves after the seek completes, up to RetryCount times, before
// giving up. Only a missing callback is reported synchronously.
func SeekToProgramTime(opts SeekToProgramTimeOptions) error {
	if opts.Callback == nil {
		return ErrCallbackRequired
	}
	if opts.Playlist == nil || opts.Host == nil {
		opts.Callback(errors.New("seekToProgramTime: playlist and host must be provided"), 0)
		return nil
	}
	if opts.Playlist.Live() && !opts.Host.HasStarted() {
		opts.Callback(ErrStreamNotStarted, 0)
		return nil
	}
	if len(opts.Playlist.Segments) == 0 || opts.Playlist.Segments[0].DateTimeObject == nil {
		opts.Callback(ErrNoProgramDateTime, 0)
		return nil
	}

	retries := defaultSeekRetryCount
	if opts.RetryCount != nil {
		retries = *opts.RetryCount
	}
	pause := true
	if opts.PauseAfterSeek != nil {
		pause = *opts.PauseAfterSeek
	}
	seekAttempt(opts, retries, pause)
	return nil
}

func seekAttempt(opts SeekToProgramTimeOptions, retries int, pause bool) {
	match := FindSegmentForProgramTime(opts.ProgramTime, opts.Playlist)
	if match == nil {
		opts.Callback(&NotFoundError{Requested: opts.ProgramTime.Format(time.RFC3339)}, 0)
		return
	}
	mediaOffset := opts.ProgramTime.Sub(*match.Segment.DateTimeObject).Seconds()

	if match.Type == MatchEstimate {
		if retries == 0 {
			opts.Callback(fmt.Errorf("%v is not buffered yet, try again", opts.ProgramTime.Format(time.RFC3339)), 0)
			return
		}
		// Seek to the estimate; once the segment has been transmuxed the
		// next resolution is accurate.
		opts.Host.OnSeeked(func() {
			seekAttempt(opts, retries-1, pause)
		})
		opts.Host.Seek(match.EstimatedStart + mediaOffset)
		return
	}

	// segment.Start already reflects buffered/transmuxed positions, so the
	// seek target needs no transmuxer adjustment.
	seekTo := match.Segment.Start + mediaOffset
	opts.Host.OnSeeked(func() {
		opts.Callback(nil, opts.Host.CurrentTime())
	})
	if pause {
		opts.Host.Pause()
	}
	opts.Host.Seek(seekTo)
}
