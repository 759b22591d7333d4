package body

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, b Body) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, _, err := Collect(ctx, b, 0)
	require.NoError(t, err)
	return out
}

func TestBytesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"single byte", []byte{0x42}},
		{"text", []byte("hello, world")},
		{"binary", bytes.Repeat([]byte{0, 1, 2, 255}, 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Bytes(tt.in)
			if n, ok := b.SizeHint().Exact(); !ok || n != uint64(len(tt.in)) {
				t.Errorf("Expected exact size %d, got %d (exact=%v)", len(tt.in), n, ok)
			}
			got := drain(t, b)
			assert.Equal(t, len(tt.in), len(got))
			assert.True(t, bytes.Equal(tt.in, got))
			assert.True(t, b.IsEndStream())
		})
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	b := String("once")

	assert.False(t, b.IsEndStream())
	p := b.Poll()
	require.Equal(t, Ready, p.Kind)
	assert.Equal(t, "once", string(p.Frame.Data))

	for i := 0; i < 3; i++ {
		assert.Equal(t, End, b.Poll().Kind)
	}
	assert.True(t, b.IsEndStream())
}

func TestEmpty(t *testing.T) {
	b := Empty()
	assert.True(t, b.IsEndStream())
	assert.Equal(t, End, b.Poll().Kind)
	n, ok := b.SizeHint().Exact()
	assert.True(t, ok)
	assert.Zero(t, n)
}

func TestStreamPreservesOrder(t *testing.T) {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for i := 0; i < 50; i++ {
			ch <- []byte{byte('a' + i%26)}
			if i%7 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	got := drain(t, Stream(ch))

	var want []byte
	for i := 0; i < 50; i++ {
		want = append(want, byte('a'+i%26))
	}
	assert.Equal(t, string(want), string(got))
}

func TestStreamPendingThenReady(t *testing.T) {
	ch := make(chan []byte)
	b := Stream(ch)

	p := b.Poll()
	require.Equal(t, Pending, p.Kind)
	require.NotNil(t, p.Wait)
	assert.False(t, b.IsEndStream())

	// Polling again while parked returns the same wait channel.
	p2 := b.Poll()
	assert.Equal(t, Pending, p2.Kind)

	go func() { ch <- []byte("late") }()

	select {
	case <-p.Wait:
	case <-time.After(2 * time.Second):
		t.Fatal("wait channel never closed")
	}

	p = b.Poll()
	require.Equal(t, Ready, p.Kind)
	assert.Equal(t, "late", string(p.Frame.Data))

	close(ch)
	f, err := Next(context.Background(), b)
	assert.Equal(t, io.EOF, err)
	assert.Nil(t, f.Data)
	assert.True(t, b.IsEndStream())
}

func TestTryStreamError(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan Chunk, 3)
	ch <- Chunk{Data: []byte("a")}
	ch <- Chunk{Err: boom}
	ch <- Chunk{Data: []byte("never")}
	close(ch)

	b := TryStream(ch)
	p := b.Poll()
	require.Equal(t, Ready, p.Kind)

	p = b.Poll()
	require.Equal(t, Failed, p.Kind)
	var be *Error
	require.True(t, errors.As(p.Err, &be))
	assert.True(t, errors.Is(p.Err, boom))

	// The failure is terminal.
	assert.Equal(t, Failed, b.Poll().Kind)
	assert.False(t, b.IsEndStream())
}

func TestNextHonoursContext(t *testing.T) {
	ch := make(chan []byte)
	defer close(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Next(ctx, Stream(ch))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReader(t *testing.T) {
	payload := strings.Repeat("0123456789", ReadChunkSize/5)
	b := Reader(strings.NewReader(payload))
	assert.Equal(t, payload, string(drain(t, b)))
	assert.True(t, b.IsEndStream())
}

func TestSizedReaderShort(t *testing.T) {
	b := SizedReader(strings.NewReader("abc"), 10)
	n, ok := b.SizeHint().Exact()
	require.True(t, ok)
	assert.Equal(t, uint64(10), n)

	_, _, err := Collect(context.Background(), b, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSizedReaderExact(t *testing.T) {
	b := SizedReader(strings.NewReader("abcdef"), 4)
	assert.Equal(t, "abcd", string(drain(t, b)))
}

func TestWithTrailers(t *testing.T) {
	h := http.Header{}
	h.Set("X-Checksum", "abc")
	b := WithTrailers(String("data"), h)

	out, tr, err := Collect(context.Background(), b, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(out))
	assert.Equal(t, "abc", tr.Get("X-Checksum"))
	assert.True(t, b.IsEndStream())
}

func TestLimit(t *testing.T) {
	_, _, err := Collect(context.Background(), Limit(String("0123456789"), 4), 0)
	assert.ErrorIs(t, err, ErrTooLarge)

	out, _, err := Collect(context.Background(), Limit(String("0123"), 4), 0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(out))
}

func TestCollectLimit(t *testing.T) {
	_, _, err := Collect(context.Background(), String("too long"), 3)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCollectLimitKeepsReadBytes(t *testing.T) {
	out, _, err := Collect(context.Background(), String("too long"), 3)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, "too long", string(out))
}

func TestConcat(t *testing.T) {
	ch := make(chan []byte, 2)
	ch <- []byte("b")
	ch <- []byte("c")
	close(ch)

	b := Concat(String("a"), Stream(ch), Empty(), String("d"))
	assert.False(t, b.IsEndStream())
	_, exact := b.SizeHint().Exact()
	assert.False(t, exact)

	out, _, err := Collect(context.Background(), b, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out))
	assert.True(t, b.IsEndStream())

	n, exact := Concat(String("ab"), Bytes([]byte("cde"))).SizeHint().Exact()
	assert.True(t, exact)
	assert.Equal(t, uint64(5), n)
}

func TestStreamFunc(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 22
	ch <- 333
	close(ch)

	b := StreamFunc(ch, func(n int) []byte { return []byte(strings.Repeat("x", n%10) + ";") })
	assert.Equal(t, "x;xx;xxx;", string(drain(t, b)))
	assert.True(t, b.IsEndStream())
}

type stalledReader struct{ calls int }

func (r *stalledReader) Read([]byte) (int, error) {
	r.calls++
	return 0, nil
}

// TestReaderStopsOnStalledSource 测试持续返回 (0, nil) 的读取源以 ErrNoProgress 结束
func TestReaderStopsOnStalledSource(t *testing.T) {
	r := &stalledReader{}
	_, _, err := Collect(context.Background(), Reader(r), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrNoProgress))
	assert.Equal(t, maxEmptyReads, r.calls)

	var be *Error
	assert.True(t, errors.As(err, &be))
}

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestRelease(t *testing.T) {
	t.Run("reader closes once", func(t *testing.T) {
		src := &closeCounter{Reader: strings.NewReader("unread")}
		b := Limit(SizedReader(src, 6), 100)
		Release(b)
		Release(b)
		assert.Equal(t, 1, src.closes)

		p := b.Poll()
		assert.Equal(t, Failed, p.Kind)
		assert.True(t, errors.Is(p.Err, ErrReleased))
	})

	t.Run("finished reader is not closed again", func(t *testing.T) {
		src := &closeCounter{Reader: strings.NewReader("done")}
		b := Reader(src)
		assert.Equal(t, []byte("done"), drain(t, b))
		Release(b)
		assert.Equal(t, 1, src.closes)
		assert.True(t, b.IsEndStream())
	})

	t.Run("stream", func(t *testing.T) {
		ch := make(chan []byte)
		b := Stream(ch)
		Release(b)
		assert.False(t, b.IsEndStream())
		assert.Equal(t, Failed, b.Poll().Kind)
		close(ch)
	})

	t.Run("bytes", func(t *testing.T) {
		Release(String("nothing held"))
	})
}
