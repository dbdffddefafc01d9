package capture

import (
	"path"
	"strings"
)

// PreferredMIMETypes is the capture encoding preference, best first.
var PreferredMIMETypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4;codecs=aac",
	"audio/mp4",
	"audio/mpeg",
}

// Negotiate returns the first preferred encoding the platform supports, or ""
// to let the platform choose its default.
func Negotiate(supported func(mimeType string) bool) string {
	if supported == nil {
		return ""
	}
	for _, m := range PreferredMIMETypes {
		if supported(m) {
			return m
		}
	}
	return ""
}

// NegotiateFrom picks from an explicit list of supported encodings.
func NegotiateFrom(supported []string) string {
	set := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return Negotiate(func(m string) bool {
		_, ok := set[m]
		return ok
	})
}

// ExtensionFor derives a file extension from a MIME type. It returns "" when
// nothing matches.
func ExtensionFor(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case m == "":
		return ""
	case strings.Contains(m, "webm"):
		return "webm"
	case strings.Contains(m, "mp4"), strings.Contains(m, "m4a"):
		return "m4a"
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return "mp3"
	case strings.Contains(m, "wav"):
		return "wav"
	case strings.Contains(m, "ogg"):
		return "ogg"
	case strings.Contains(m, "3gpp"):
		return "3gp"
	case strings.Contains(m, "aac"):
		return "aac"
	default:
		return ""
	}
}

// ExtensionHints are the inputs ResolveExtension considers, in priority order.
type ExtensionHints struct {
	Explicit       string
	Filename       string
	ClientMIMEType string
	ServerMIMEType string
}

// ResolveExtension picks the extension used to disambiguate uploaded audio.
func ResolveExtension(h ExtensionHints) string {
	candidates := []string{
		normalizeExtension(h.Explicit),
		normalizeExtension(path.Ext(h.Filename)),
		ExtensionFor(h.ClientMIMEType),
		ExtensionFor(h.ServerMIMEType),
	}
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return "webm"
}

func normalizeExtension(v string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
}
