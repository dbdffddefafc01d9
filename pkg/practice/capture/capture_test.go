package capture

import (
	"errors"
	"testing"
)

func TestNegotiate_PicksFirstSupported(t *testing.T) {
	got := NegotiateFrom([]string{"audio/mpeg", "audio/mp4"})
	if got != "audio/mp4" {
		t.Fatalf("negotiated = %q, want audio/mp4", got)
	}
	if got := NegotiateFrom(nil); got != "" {
		t.Fatalf("negotiated = %q, want empty", got)
	}
	if got := Negotiate(func(string) bool { return true }); got != "audio/webm;codecs=opus" {
		t.Fatalf("negotiated = %q", got)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/webm;codecs=opus": "webm",
		"audio/mp4;codecs=aac":   "m4a",
		"audio/x-m4a":            "m4a",
		"audio/mpeg":             "mp3",
		"audio/wav":              "wav",
		"audio/ogg":              "ogg",
		"audio/3gpp":             "3gp",
		"audio/aac":              "aac",
		"application/json":       "",
		"":                       "",
	}
	for in, want := range tests {
		if got := ExtensionFor(in); got != want {
			t.Fatalf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveExtension_Priority(t *testing.T) {
	tests := []struct {
		hints ExtensionHints
		want  string
	}{
		{ExtensionHints{Explicit: ".MP3", Filename: "a.webm", ClientMIMEType: "audio/ogg"}, "mp3"},
		{ExtensionHints{Filename: "session-1.m4a", ClientMIMEType: "audio/ogg"}, "m4a"},
		{ExtensionHints{ClientMIMEType: "audio/ogg", ServerMIMEType: "audio/mpeg"}, "ogg"},
		{ExtensionHints{ServerMIMEType: "audio/mpeg"}, "mp3"},
		{ExtensionHints{ServerMIMEType: "application/octet-stream"}, "webm"},
	}
	for _, tc := range tests {
		if got := ResolveExtension(tc.hints); got != tc.want {
			t.Fatalf("ResolveExtension(%+v) = %q, want %q", tc.hints, got, tc.want)
		}
	}
}

func TestStreamDevice_BuffersUntilStop(t *testing.T) {
	closed := 0
	d := NewStreamDevice("audio/webm;codecs=opus", 0, func() { closed++ })
	_ = d.Push([]byte("ab"))
	_ = d.Push(nil)
	_ = d.Push([]byte("cd"))

	rec := d.Stop()
	if string(rec.Bytes()) != "abcd" || rec.Len() != 4 {
		t.Fatalf("recording = %q", rec.Bytes())
	}
	if rec.Extension != "webm" {
		t.Fatalf("extension = %q", rec.Extension)
	}
	if err := d.Push([]byte("ef")); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("push after stop err = %v", err)
	}
	if again := d.Stop(); again.Len() != 0 {
		t.Fatalf("second stop returned %d bytes", again.Len())
	}

	_ = d.Close()
	_ = d.Close()
	if closed != 1 {
		t.Fatalf("onClose called %d times, want 1", closed)
	}
}

func TestStreamDevice_RejectsChunksPastCap(t *testing.T) {
	d := NewStreamDevice("", 10, nil)
	if err := d.Push([]byte("12345678")); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := d.Push([]byte("abcdef")); !errors.Is(err, ErrRecordingTooLarge) {
		t.Fatalf("push past cap err = %v, want ErrRecordingTooLarge", err)
	}
	// A chunk that would still fit is refused once the cap was hit.
	if err := d.Push([]byte("9")); !errors.Is(err, ErrRecordingTooLarge) {
		t.Fatalf("push after cap err = %v, want ErrRecordingTooLarge", err)
	}
	rec := d.Stop()
	if string(rec.Bytes()) != "12345678" {
		t.Fatalf("recording = %q, want 12345678", rec.Bytes())
	}
	if rec.Extension != "webm" {
		t.Fatalf("default extension = %q", rec.Extension)
	}
}
