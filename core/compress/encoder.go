package compress

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// encoder is the common surface of the four compressors.
type encoder interface {
	io.Writer
	Flush() error
	Close() error
}

// newEncoder returns an encoder for enc writing to w. Deflate uses the
// zlib container, which is what the deflate coding means on the wire.
func newEncoder(enc Encoding, level int, w io.Writer) (encoder, error) {
	switch enc {
	case Gzip:
		return gzip.NewWriterLevel(w, level)
	case Deflate:
		return zlib.NewWriterLevel(w, level)
	case Brotli:
		return brotli.NewWriterLevel(w, level), nil
	case Zstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
	}
	return nil, fmt.Errorf("compress: unknown encoding %q", enc)
}

// Buffered compresses data in one go.
func Buffered(enc Encoding, level int, data []byte) ([]byte, error) {
	var out sink
	e, err := newEncoder(enc, level, &out)
	if err != nil {
		return nil, err
	}
	if _, err := e.Write(data); err != nil {
		e.Close()
		return nil, fmt.Errorf("%s encode: %w", enc, err)
	}
	if err := e.Close(); err != nil {
		return nil, fmt.Errorf("%s finish: %w", enc, err)
	}
	return out.buf, nil
}

// sink collects encoder output. pos marks how much of buf has been handed
// out; pos never exceeds len(buf).
type sink struct {
	buf []byte
	pos int
}

func (s *sink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *sink) pending() int {
	return len(s.buf) - s.pos
}

// take hands out at most max unread bytes. Once everything is read the
// backing array is dropped so the returned slices stay valid.
func (s *sink) take(max int) []byte {
	end := len(s.buf)
	if max > 0 && end-s.pos > max {
		end = s.pos + max
	}
	out := s.buf[s.pos:end:end]
	s.pos = end
	if s.pos == len(s.buf) {
		s.buf, s.pos = nil, 0
	}
	return out
}
