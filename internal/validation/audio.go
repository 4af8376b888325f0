package validation

import (
	"mime"
	"path/filepath"
	"sort"
	"strings"
)

const (
	MaxAudioBytes   int64   = 50 * 1024 * 1024
	MaxAudioSeconds float64 = 300
)

// Allowed audio extensions mapped to their canonical MIME type.
var allowedExtensions = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".webm": "audio/webm",
}

// Allowed declared MIME types mapped to the extension used for spool files.
var allowedMIMETypes = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/wav":       ".wav",
	"audio/wave":      ".wav",
	"audio/x-wav":     ".wav",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/aac":       ".aac",
	"audio/ogg":       ".ogg",
	"audio/webm":      ".webm",
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
	"application/ogg": ".ogg",
}

// AudioInput is what the engine needs to judge an audio resource. A nil
// Duration means it has not been resolved yet.
type AudioInput struct {
	Size      int64
	Extension string
	MIMEType  string
	Duration  *float64
}

// ValidateAudio checks size, format and, once known, duration. Each failed
// rule is reported independently.
func ValidateAudio(in AudioInput) Violations {
	var out Violations

	if in.Size > MaxAudioBytes {
		out = append(out, Violation{
			Reason:   ReasonFileTooLarge,
			Field:    "size_bytes",
			Measured: float64(in.Size),
			Limit:    float64(MaxAudioBytes),
		})
	}
	if v, ok := checkFormat(in.Extension, in.MIMEType); !ok {
		out = append(out, v)
	}
	if in.Duration != nil && *in.Duration > MaxAudioSeconds {
		out = append(out, Violation{
			Reason:   ReasonDurationExceeded,
			Field:    "duration_seconds",
			Measured: *in.Duration,
			Limit:    MaxAudioSeconds,
		})
	}
	return out
}

// checkFormat requires at least one of extension or MIME type, and every one
// that is present must be on the allow-list.
func checkFormat(ext, mimeType string) (Violation, bool) {
	ext = NormalizeExtension(ext)
	mimeType = NormalizeMIME(mimeType)

	reject := func(value string) (Violation, bool) {
		return Violation{Reason: ReasonUnsupportedFormat, Field: "format", Value: value}, false
	}

	if ext == "" && mimeType == "" {
		return reject("unknown")
	}
	if ext != "" {
		if _, ok := allowedExtensions[ext]; !ok {
			return reject(ext)
		}
	}
	if mimeType != "" {
		if _, ok := allowedMIMETypes[mimeType]; !ok {
			return reject(mimeType)
		}
	}
	return Violation{}, true
}

// NormalizeMIME lowercases a MIME type and strips parameters such as codecs.
func NormalizeMIME(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(m); err == nil {
		return mt
	}
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// NormalizeExtension accepts "wav", ".WAV" or a file name and returns ".wav".
func NormalizeExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if e := filepath.Ext(ext); e != "" {
		ext = e
	}
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ExtensionForMIME returns the spool extension for an allowed MIME type.
func ExtensionForMIME(m string) (string, bool) {
	ext, ok := allowedMIMETypes[NormalizeMIME(m)]
	return ext, ok
}

// AllowedMIMETypes lists the accepted MIME types.
func AllowedMIMETypes() []string {
	out := make([]string, 0, len(allowedMIMETypes))
	for m := range allowedMIMETypes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AllowedFormats lists the accepted extensions, for error messages.
func AllowedFormats() []string {
	out := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
