package buffer

import "testing"

func TestTranslateLegacyCodecs(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"avc1.66.30", "avc1.42001e"},
		{"avc1.77.41", "avc1.4d0029"},
		{"avc1.42C01E", "avc1.42C01E"},
		{"mp4a.40.2", "mp4a.40.2"},
		{"avc1.66.30, mp4a.40.2", "avc1.42001e, mp4a.40.2"},
	}
	for _, tc := range cases {
		got := TranslateLegacyCodecs([]string{tc.in})
		if got[0] != tc.want {
			t.Errorf("TranslateLegacyCodecs(%q) = %q, want %q", tc.in, got[0], tc.want)
		}
	}
}

func TestTranslateLegacyCodecsIdempotent(t *testing.T) {
	once := TranslateLegacyCodecs([]string{"avc1.66.30"})
	twice := TranslateLegacyCodecs(once)
	if once[0] != twice[0] {
		t.Fatalf("second translation changed %q to %q", once[0], twice[0])
	}
}

func TestNegotiateCodecs(t *testing.T) {
	pair := NegotiateCodecs([]string{"avc1.4d400d", "mp4a.40.2"})
	if pair.Video != "avc1.4d400d" || pair.Audio != "mp4a.40.2" {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if pair.String() != "avc1.4d400d,mp4a.40.2" {
		t.Fatalf("unexpected mime render %q", pair.String())
	}
}

func TestNegotiateCodecsLegacyVideo(t *testing.T) {
	pair := NegotiateCodecs([]string{"avc1.66.30"})
	if pair.Video != "avc1.42001e" {
		t.Fatalf("legacy video codec not translated: %+v", pair)
	}
	if pair.HasAudio() {
		t.Fatalf("no audio requested but pair has audio: %+v", pair)
	}
}

func TestNegotiateCodecsDefaults(t *testing.T) {
	pair := NegotiateCodecs([]string{"garbage", ""})
	if pair.Video != DefaultVideoCodec || pair.Audio != DefaultAudioCodec {
		t.Fatalf("expected both defaults, got %+v", pair)
	}
}

func TestNegotiateCodecsAudioOnly(t *testing.T) {
	pair := NegotiateCodecs([]string{"mp4a.40.5"})
	if pair.HasVideo() {
		t.Fatalf("audio-only list produced video codec: %+v", pair)
	}
	if pair.Audio != "mp4a.40.5" {
		t.Fatalf("unexpected audio codec %q", pair.Audio)
	}
}
