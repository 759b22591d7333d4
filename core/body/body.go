// Package body defines the single-use byte stream carried by requests and
// responses, and the constructors that turn buffers, channels and readers
// into it.
package body

import (
	"errors"
	"net/http"
)

// Kind classifies the result of one Poll.
type Kind uint8

const (
	// Ready means Frame holds a data chunk or the trailers.
	Ready Kind = iota
	// Pending means nothing is available yet. Wait is closed once another
	// Poll can make progress.
	Pending
	// End means the stream finished cleanly.
	End
	// Failed means the stream terminated early; Err is a *Error.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Pending:
		return "pending"
	case End:
		return "end"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Frame is one unit of a body: either data or trailing headers.
type Frame struct {
	Data     []byte
	Trailers http.Header
}

// IsTrailers reports whether the frame carries trailers instead of data.
func (f Frame) IsTrailers() bool {
	return f.Trailers != nil
}

// Poll is the outcome of Body.Poll.
type Poll struct {
	Kind  Kind
	Frame Frame
	Wait  <-chan struct{}
	Err   error
}

// Body is a forward-only stream of frames. Poll never blocks on sources
// that can signal readiness; once it returns End or Failed every later call
// returns the same terminal result.
type Body interface {
	Poll() Poll
	SizeHint() SizeHint
	// IsEndStream is true only when Poll would return End.
	IsEndStream() bool
}

// SizeHint bounds the number of data bytes a body will still produce.
type SizeHint struct {
	Lower   uint64
	upper   uint64
	bounded bool
}

// Exact returns a hint for a body of exactly n bytes.
func Exact(n uint64) SizeHint {
	return SizeHint{Lower: n, upper: n, bounded: true}
}

// Unknown returns a hint with no upper bound.
func Unknown() SizeHint {
	return SizeHint{}
}

// Upper returns the upper bound, if there is one.
func (h SizeHint) Upper() (uint64, bool) {
	return h.upper, h.bounded
}

// Exact returns the exact size when lower and upper bound agree.
func (h SizeHint) Exact() (uint64, bool) {
	if h.bounded && h.Lower == h.upper {
		return h.upper, true
	}
	return 0, false
}

// Error is the uniform error produced by a failing body.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "body stream: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap converts any producer error into a *Error. It returns nil for nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Err: err}
}

var (
	// ErrTooLarge is reported when a body exceeds a configured limit.
	ErrTooLarge = errors.New("body exceeds limit")

	// ErrReleased is reported by a body polled after Release.
	ErrReleased = errors.New("body released")
)

// Releaser is implemented by bodies holding resources that must be freed
// when the consumer stops polling before the stream terminates.
type Releaser interface {
	Release()
}

// Release frees the resources of b without reading the rest of it. It is
// safe to call on bodies that already terminated and on bodies that hold
// nothing.
func Release(b Body) {
	if r, ok := b.(Releaser); ok {
		r.Release()
	}
}

func ready(data []byte) Poll {
	return Poll{Kind: Ready, Frame: Frame{Data: data}}
}

func trailers(h http.Header) Poll {
	return Poll{Kind: Ready, Frame: Frame{Trailers: h}}
}

func end() Poll {
	return Poll{Kind: End}
}

func failed(err error) Poll {
	return Poll{Kind: Failed, Err: Wrap(err)}
}

func pending(wait <-chan struct{}) Poll {
	return Poll{Kind: Pending, Wait: wait}
}
