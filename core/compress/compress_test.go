package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
)

var allEncodings = []Encoding{Gzip, Brotli, Deflate, Zstd}

func decode(t *testing.T, enc Encoding, data []byte) []byte {
	t.Helper()
	var r io.Reader
	switch enc {
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = zr
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		r = zr
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		require.NoError(t, err)
		defer zr.Close()
		out, err := io.ReadAll(zr)
		require.NoError(t, err)
		return out
	}
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func chunksOf(parts ...string) body.Body {
	ch := make(chan []byte, len(parts))
	for _, p := range parts {
		ch <- []byte(p)
	}
	close(ch)
	return body.Stream(ch)
}

func drain(t *testing.T, b body.Body) ([]byte, int) {
	t.Helper()
	var out []byte
	n := 0
	for {
		f, err := body.Next(context.Background(), b)
		if err == io.EOF {
			return out, n
		}
		require.NoError(t, err)
		if !f.IsTrailers() {
			out = append(out, f.Data...)
			n++
		}
	}
}

func TestStreamRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	many := make([]string, 200)
	for i := range many {
		many[i] = fmt.Sprintf("line %d %d\n", i, rng.Intn(1000))
	}
	big := make([]byte, 300*1024)
	rng.Read(big)

	cases := map[string][]string{
		"empty":        nil,
		"empty chunks": {"", "", ""},
		"single":       {"hello, compressed world"},
		"many small":   many,
		"large random": {string(big)},
	}

	for _, enc := range allEncodings {
		for name, parts := range cases {
			t.Run(string(enc)+"/"+name, func(t *testing.T) {
				b, err := Stream(enc, DefaultConfig().Level(enc), chunksOf(parts...))
				require.NoError(t, err)

				encoded, _ := drain(t, b)
				assert.True(t, b.IsEndStream())
				assert.Equal(t, strings.Join(parts, ""), string(decode(t, enc, encoded)))
			})
		}
	}
}

func TestStreamEmitsPerChunk(t *testing.T) {
	ch := make(chan []byte)
	b, err := Stream(Gzip, 5, body.Stream(ch))
	require.NoError(t, err)

	p := b.Poll()
	require.Equal(t, body.Pending, p.Kind)

	go func() { ch <- []byte("first") }()
	<-p.Wait
	p = b.Poll()
	require.Equal(t, body.Ready, p.Kind)
	assert.NotEmpty(t, p.Frame.Data, "output must be flushed before more input arrives")

	close(ch)
	rest, _ := drain(t, b)
	assert.Equal(t, "first", string(decode(t, Gzip, append(p.Frame.Data, rest...))))
}

func TestStreamPassesTrailers(t *testing.T) {
	tr := http.Header{}
	tr.Set("X-Checksum", "abc")
	b, err := Stream(Brotli, 5, body.WithTrailers(chunksOf("data"), tr))
	require.NoError(t, err)

	var got http.Header
	for {
		f, err := body.Next(context.Background(), b)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if f.IsTrailers() {
			got = f.Trailers
		}
	}
	assert.Equal(t, "abc", got.Get("X-Checksum"))
}

func TestStreamPropagatesError(t *testing.T) {
	boom := errors.New("producer died")
	ch := make(chan body.Chunk, 2)
	ch <- body.Chunk{Data: []byte("partial")}
	ch <- body.Chunk{Err: boom}
	close(ch)

	b, err := Stream(Zstd, 3, body.TryStream(ch))
	require.NoError(t, err)
	_, _, err = body.Collect(context.Background(), b, 0)
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.IsEndStream())

	// terminal state is sticky
	assert.Equal(t, body.Failed, b.Poll().Kind)
}

func TestSinkCursor(t *testing.T) {
	var s sink
	s.Write([]byte("abcdef"))
	first := s.take(4)
	assert.Equal(t, "abcd", string(first))
	assert.Equal(t, 2, s.pending())

	s.Write([]byte("gh"))
	assert.Equal(t, "efgh", string(s.take(0)))
	assert.Equal(t, 0, s.pending())
	assert.Equal(t, "abcd", string(first))
}

func TestBufferedRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("compress me please ", 500))
	for _, enc := range allEncodings {
		out, err := Buffered(enc, DefaultConfig().Level(enc), data)
		require.NoError(t, err, enc)
		assert.Less(t, len(out), len(data), enc)
		assert.Equal(t, data, decode(t, enc, out), enc)
	}

	_, err := Buffered("lz4", 1, data)
	assert.Error(t, err)
}

func TestLevelClamp(t *testing.T) {
	cfg := Config{GzipLevel: 0, DeflateLevel: 12, BrotliLevel: 40, ZstdLevel: -3}
	assert.Equal(t, 1, cfg.Level(Gzip))
	assert.Equal(t, 9, cfg.Level(Deflate))
	assert.Equal(t, 11, cfg.Level(Brotli))
	assert.Equal(t, 1, cfg.Level(Zstd))

	def := DefaultConfig()
	assert.Equal(t, 5, def.Level(Gzip))
	assert.Equal(t, 3, def.Level(Zstd))
	assert.Equal(t, 1024, def.MinSize)
	assert.False(t, def.Stream)
}

func TestChooseEncoding(t *testing.T) {
	all := []Encoding{Gzip, Brotli, Deflate, Zstd}
	tests := []struct {
		accept  string
		enabled []Encoding
		want    Encoding
		ok      bool
	}{
		{"", all, "", false},
		{"gzip", all, Gzip, true},
		{"gzip, deflate, br", all, Brotli, true},
		{"GZIP, Deflate", all, Gzip, true},
		{"br;q=0, gzip", all, Gzip, true},
		{"zstd", all, Zstd, true},
		{"deflate, zstd", all, Deflate, true},
		{"br", []Encoding{Gzip}, "", false},
		{"*", []Encoding{Deflate}, Deflate, true},
		{"*, br;q=0", []Encoding{Brotli, Gzip}, Gzip, true},
		{"identity", all, "", false},
	}
	for _, tt := range tests {
		got, ok := ChooseEncoding(tt.accept, tt.enabled)
		if ok != tt.ok || got != tt.want {
			t.Errorf("accept=%q: expected %q/%v, got %q/%v", tt.accept, tt.want, tt.ok, got, ok)
		}
	}
}

func TestCompressible(t *testing.T) {
	tests := map[string]bool{
		"":                         true,
		"text/html; charset=utf-8": true,
		"application/json":         true,
		"application/javascript":   true,
		"image/svg+xml":            true,
		"image/png":                false,
		"application/octet-stream": false,
	}
	for ct, want := range tests {
		assert.Equal(t, want, Compressible(ct), ct)
	}
}
