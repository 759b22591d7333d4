package body

import (
	"errors"
	"io"
	"net/http"
	"sync"
)

// ReadChunkSize is the buffer size used by reader-backed bodies.
const ReadChunkSize = 32 * 1024

// maxEmptyReads bounds consecutive (0, nil) reads before a reader-backed
// body gives up with io.ErrNoProgress.
const maxEmptyReads = 100

type emptyBody struct{}

// Empty returns a body with no data.
func Empty() Body {
	return emptyBody{}
}

func (emptyBody) Poll() Poll { return end() }

func (emptyBody) SizeHint() SizeHint { return Exact(0) }

func (emptyBody) IsEndStream() bool { return true }

type bufBody struct {
	data []byte
	done bool
}

// Bytes returns a body yielding b as a single chunk. The slice is not copied.
func Bytes(b []byte) Body {
	if len(b) == 0 {
		return Empty()
	}
	return &bufBody{data: b}
}

// String returns a body yielding s.
func String(s string) Body {
	return Bytes([]byte(s))
}

func (b *bufBody) Poll() Poll {
	if b.done {
		return end()
	}
	b.done = true
	data := b.data
	b.data = nil
	return ready(data)
}

func (b *bufBody) SizeHint() SizeHint {
	return Exact(uint64(len(b.data)))
}

func (b *bufBody) IsEndStream() bool {
	return b.done
}

// Chunk is one element of a fallible stream.
type Chunk struct {
	Data []byte
	Err  error
}

// chanBody polls a channel without blocking. When the channel is empty a
// single waiter goroutine parks on it and closes the wait channel once an
// element (or the close) arrives.
type chanBody[T any] struct {
	mu     sync.Mutex
	src    <-chan T
	conv   func(T) Chunk
	slot   *Chunk
	wait   chan struct{}
	closed bool
	done   bool
	err    error
}

// Stream returns a body pulling chunks from ch until it is closed. The
// producer must close ch.
func Stream(ch <-chan []byte) Body {
	return &chanBody[[]byte]{src: ch, conv: func(b []byte) Chunk { return Chunk{Data: b} }}
}

// TryStream returns a body pulling chunks from ch. A chunk with a non-nil
// Err terminates the stream with that error.
func TryStream(ch <-chan Chunk) Body {
	return &chanBody[Chunk]{src: ch, conv: func(c Chunk) Chunk { return c }}
}

// StreamFunc returns a body pulling values from ch and turning each into a
// chunk with conv. The producer must close ch.
func StreamFunc[T any](ch <-chan T, conv func(T) []byte) Body {
	return &chanBody[T]{src: ch, conv: func(v T) Chunk { return Chunk{Data: conv(v)} }}
}

func (b *chanBody[T]) Poll() Poll {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return b.terminal()
	}
	if b.slot != nil {
		c := *b.slot
		b.slot = nil
		return b.accept(c)
	}
	if b.closed {
		b.done = true
		return end()
	}
	if b.wait != nil {
		return pending(b.wait)
	}

	select {
	case v, ok := <-b.src:
		if !ok {
			b.closed = true
			b.done = true
			return end()
		}
		return b.accept(b.conv(v))
	default:
	}

	w := make(chan struct{})
	b.wait = w
	go b.park(w)
	return pending(w)
}

func (b *chanBody[T]) park(w chan struct{}) {
	v, ok := <-b.src
	b.mu.Lock()
	if ok {
		c := b.conv(v)
		b.slot = &c
	} else {
		b.closed = true
	}
	b.wait = nil
	b.mu.Unlock()
	close(w)
}

func (b *chanBody[T]) accept(c Chunk) Poll {
	if c.Err != nil {
		b.done = true
		b.err = Wrap(c.Err)
		return b.terminal()
	}
	return ready(c.Data)
}

func (b *chanBody[T]) terminal() Poll {
	if b.err != nil {
		return Poll{Kind: Failed, Err: b.err}
	}
	return end()
}

// Release stops the stream. A waiter already parked on the channel exits
// after the next element or the close.
func (b *chanBody[T]) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.done = true
		b.err = Wrap(ErrReleased)
	}
	b.slot = nil
}

func (b *chanBody[T]) SizeHint() SizeHint {
	return Unknown()
}

func (b *chanBody[T]) IsEndStream() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done && b.err == nil
}

// readerBody reads inside Poll. It suits sources whose reads park the
// goroutine in the runtime poller, such as connections and files.
type readerBody struct {
	r      io.Reader
	remain int64
	sized  bool
	done   bool
	err    error
}

// Reader returns a body reading r to EOF. If r is an io.Closer it is closed
// when the stream terminates.
func Reader(r io.Reader) Body {
	return &readerBody{r: r}
}

// SizedReader returns a body reading exactly n bytes from r. A short read is
// reported as io.ErrUnexpectedEOF.
func SizedReader(r io.Reader, n int64) Body {
	if n == 0 {
		closeReader(r)
		return Empty()
	}
	return &readerBody{r: r, remain: n, sized: true}
}

func (b *readerBody) Poll() Poll {
	if b.done {
		if b.err != nil {
			return Poll{Kind: Failed, Err: b.err}
		}
		return end()
	}

	size := ReadChunkSize
	if b.sized && b.remain < int64(size) {
		size = int(b.remain)
	}
	buf := make([]byte, size)

	for empty := 0; ; empty++ {
		n, err := b.r.Read(buf)
		if n > 0 {
			if b.sized {
				b.remain -= int64(n)
				if b.remain == 0 {
					b.finish(nil)
				}
			}
			return ready(buf[:n])
		}
		if err == nil {
			if empty+1 >= maxEmptyReads {
				b.finish(io.ErrNoProgress)
				return b.Poll()
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if b.sized && b.remain > 0 {
				err = io.ErrUnexpectedEOF
			} else {
				err = nil
			}
		}
		b.finish(err)
		return b.Poll()
	}
}

func (b *readerBody) finish(err error) {
	b.done = true
	b.err = Wrap(err)
	closeReader(b.r)
}

// Release closes the reader if the stream has not terminated yet.
func (b *readerBody) Release() {
	if b.done {
		return
	}
	b.finish(ErrReleased)
}

func (b *readerBody) SizeHint() SizeHint {
	if b.sized {
		return Exact(uint64(b.remain))
	}
	return Unknown()
}

func (b *readerBody) IsEndStream() bool {
	return b.done && b.err == nil
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

type trailerBody struct {
	inner    Body
	trailers http.Header
	sent     bool
}

// WithTrailers returns a body that yields h as trailers after inner ends.
func WithTrailers(inner Body, h http.Header) Body {
	return &trailerBody{inner: inner, trailers: h}
}

func (b *trailerBody) Poll() Poll {
	if b.sent {
		return end()
	}
	p := b.inner.Poll()
	if p.Kind != End {
		return p
	}
	b.sent = true
	return trailers(b.trailers)
}

func (b *trailerBody) Release() { Release(b.inner) }

// SizeHint drops the upper bound so writers pick a framing that can carry
// trailers.
func (b *trailerBody) SizeHint() SizeHint {
	return SizeHint{Lower: b.inner.SizeHint().Lower}
}

func (b *trailerBody) IsEndStream() bool {
	return b.sent
}

type limitBody struct {
	inner Body
	limit int64
	seen  int64
	err   error
}

// Limit fails the stream with ErrTooLarge once more than n data bytes pass.
func Limit(inner Body, n int64) Body {
	return &limitBody{inner: inner, limit: n}
}

func (b *limitBody) Poll() Poll {
	if b.err != nil {
		return Poll{Kind: Failed, Err: b.err}
	}
	p := b.inner.Poll()
	if p.Kind == Ready && !p.Frame.IsTrailers() {
		b.seen += int64(len(p.Frame.Data))
		if b.seen > b.limit {
			b.err = Wrap(ErrTooLarge)
			return Poll{Kind: Failed, Err: b.err}
		}
	}
	return p
}

func (b *limitBody) Release() { Release(b.inner) }

func (b *limitBody) SizeHint() SizeHint {
	return b.inner.SizeHint()
}

func (b *limitBody) IsEndStream() bool {
	return b.err == nil && b.inner.IsEndStream()
}

type failedBody struct{ err error }

// Fail returns a body that fails immediately with err.
func Fail(err error) Body {
	return failedBody{err: Wrap(err)}
}

func (b failedBody) Poll() Poll { return Poll{Kind: Failed, Err: b.err} }

func (failedBody) SizeHint() SizeHint { return Unknown() }

func (failedBody) IsEndStream() bool { return false }

type concatBody struct {
	parts []Body
}

// Concat plays bodies back to back. Trailers are only taken from the last
// one.
func Concat(parts ...Body) Body {
	return &concatBody{parts: parts}
}

func (b *concatBody) Poll() Poll {
	for len(b.parts) > 0 {
		p := b.parts[0].Poll()
		if p.Kind == End {
			b.parts = b.parts[1:]
			continue
		}
		if p.Kind == Ready && p.Frame.IsTrailers() && len(b.parts) > 1 {
			continue
		}
		return p
	}
	return end()
}

func (b *concatBody) Release() {
	for _, p := range b.parts {
		Release(p)
	}
}

func (b *concatBody) SizeHint() SizeHint {
	var total uint64
	for _, p := range b.parts {
		n, ok := p.SizeHint().Exact()
		if !ok {
			return Unknown()
		}
		total += n
	}
	return Exact(total)
}

func (b *concatBody) IsEndStream() bool {
	for _, p := range b.parts {
		if !p.IsEndStream() {
			return false
		}
	}
	return true
}
