// Package buffer exposes one logical append/remove surface over up to two
// native media buffers and derives text tracks from transmux side channels.
package buffer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultVideoCodec and DefaultAudioCodec apply when no valid codec
	// survives filtering.
	DefaultVideoCodec = "avc1.4d400d"
	DefaultAudioCodec = "mp4a.40.2"
)

var (
	legacyAVCRe = regexp.MustCompile(`avc1\.(\d+)\.(\d+)`)
	videoRe     = regexp.MustCompile(`(^|\s|,)avc1\.[0-9A-Fa-f]+`)
	audioRe     = regexp.MustCompile(`(^|\s|,)mp4a\.\d+\.\d+`)
)

// TranslateLegacyCodecs normalizes old Apple-style avc1.<profile>.<level>
// strings (decimal) to the modern avc1.<hex> form. Already-modern strings
// pass through unchanged, so the translation is idempotent.
func TranslateLegacyCodecs(codecs []string) []string {
	out := make([]string, len(codecs))
	for i, codec := range codecs {
		out[i] = legacyAVCRe.ReplaceAllStringFunc(codec, func(m string) string {
			parts := legacyAVCRe.FindStringSubmatch(m)
			profile, _ := strconv.Atoi(parts[1])
			level, _ := strconv.Atoi(parts[2])
			return fmt.Sprintf("avc1.%02x00%02x", profile, level)
		})
	}
	return out
}

// CodecPair is the negotiated codec configuration of one logical buffer.
type CodecPair struct {
	Video string
	Audio string
}

// HasVideo reports whether a video codec was requested.
func (p CodecPair) HasVideo() bool { return p.Video != "" }

// HasAudio reports whether an audio codec was requested.
func (p CodecPair) HasAudio() bool { return p.Audio != "" }

// String renders the pair as a MIME codecs parameter.
func (p CodecPair) String() string {
	var parts []string
	if p.Video != "" {
		parts = append(parts, p.Video)
	}
	if p.Audio != "" {
		parts = append(parts, p.Audio)
	}
	return strings.Join(parts, ",")
}

// NegotiateCodecs classifies a requested codec list into an audio/video pair
// after legacy normalization. When no valid codec survives filtering, both
// defaults apply.
func NegotiateCodecs(codecs []string) CodecPair {
	translated := TranslateLegacyCodecs(codecs)

	var pair CodecPair
	for _, codec := range translated {
		codec = strings.TrimSpace(codec)
		switch {
		case videoRe.MatchString(codec):
			if pair.Video == "" {
				pair.Video = codec
			}
		case audioRe.MatchString(codec):
			if pair.Audio == "" {
				pair.Audio = codec
			}
		}
	}
	if !pair.HasVideo() && !pair.HasAudio() {
		return CodecPair{Video: DefaultVideoCodec, Audio: DefaultAudioCodec}
	}
	return pair
}
