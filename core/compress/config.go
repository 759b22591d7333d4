// Package compress encodes response bodies with gzip, brotli, deflate or
// zstd, either buffered or as a stream.
package compress

import (
	"strconv"
	"strings"
)

// Encoding is a Content-Encoding token.
type Encoding string

const (
	Gzip    Encoding = "gzip"
	Brotli  Encoding = "br"
	Deflate Encoding = "deflate"
	Zstd    Encoding = "zstd"
)

// preference is the order ChooseEncoding tries encodings in.
var preference = []Encoding{Brotli, Gzip, Deflate, Zstd}

// ParseEncoding maps a token to an Encoding.
func ParseEncoding(s string) (Encoding, bool) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case Gzip:
		return Gzip, true
	case Brotli:
		return Brotli, true
	case Deflate:
		return Deflate, true
	case Zstd:
		return Zstd, true
	}
	return "", false
}

// Config controls which encodings are offered and how hard they work.
type Config struct {
	Enabled []Encoding
	// MinSize is the smallest body, in bytes, worth compressing.
	MinSize      int
	GzipLevel    int
	BrotliLevel  int
	DeflateLevel int
	ZstdLevel    int
	// Stream compresses chunk by chunk instead of collecting the body.
	Stream bool
}

// DefaultConfig enables gzip, brotli and deflate for bodies of 1 KiB or
// more, buffered.
func DefaultConfig() Config {
	return Config{
		Enabled:      []Encoding{Gzip, Brotli, Deflate},
		MinSize:      1024,
		GzipLevel:    5,
		BrotliLevel:  5,
		DeflateLevel: 5,
		ZstdLevel:    3,
	}
}

// Level returns the clamped level configured for enc.
func (c Config) Level(enc Encoding) int {
	switch enc {
	case Gzip:
		return clamp(c.GzipLevel, 1, 9)
	case Deflate:
		return clamp(c.DeflateLevel, 1, 9)
	case Brotli:
		return clamp(c.BrotliLevel, 0, 11)
	case Zstd:
		return clamp(c.ZstdLevel, 1, 22)
	}
	return 0
}

func (c Config) enabled(enc Encoding) bool {
	for _, e := range c.Enabled {
		if e == enc {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ChooseEncoding picks the preferred encoding that the Accept-Encoding
// header allows and enabled contains. Codings listed with q=0 are refused;
// "*" admits any coding not otherwise listed.
func ChooseEncoding(acceptEncoding string, enabled []Encoding) (Encoding, bool) {
	if acceptEncoding == "" {
		return "", false
	}
	offered := make(map[string]bool, 4)
	wildcard := false
	for _, part := range strings.Split(strings.ToLower(acceptEncoding), ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.TrimSpace(name)
		ok := qualityAllows(params)
		if name == "*" {
			wildcard = ok
			continue
		}
		offered[name] = ok
	}

	cfg := Config{Enabled: enabled}
	for _, enc := range preference {
		if !cfg.enabled(enc) {
			continue
		}
		allowed, listed := offered[string(enc)]
		if allowed || !listed && wildcard {
			return enc, true
		}
	}
	return "", false
}

func qualityAllows(params string) bool {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err != nil || q > 0
	}
	return true
}
