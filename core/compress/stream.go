package compress

import (
	"fmt"
	"net/http"

	"github.com/searchktools/fastcore/core/body"
)

// maxDrain caps the size of one emitted chunk.
const maxDrain = 64 * 1024

type streamState uint8

const (
	awaitingInput streamState = iota
	draining
	finalizing
	done
)

// stream feeds the chunks of an inner body through an encoder. Every input
// chunk is flushed through so a consumer sees output as soon as the producer
// writes; the encoder is closed once, after the inner body ends.
type stream struct {
	enc      Encoding
	inner    body.Body
	e        encoder
	out      *sink
	state    streamState
	closed   bool
	trailers http.Header
	err      error
}

// Stream wraps b so that polling it yields the enc encoding of b's data.
// Trailers of b are passed on after the encoded data.
func Stream(enc Encoding, level int, b body.Body) (body.Body, error) {
	out := &sink{}
	e, err := newEncoder(enc, level, out)
	if err != nil {
		return nil, err
	}
	return &stream{enc: enc, inner: b, e: e, out: out}, nil
}

func (s *stream) Poll() body.Poll {
	for {
		switch s.state {
		case awaitingInput:
			p := s.inner.Poll()
			switch p.Kind {
			case body.Pending:
				return p
			case body.Failed:
				s.fail(p.Err)
				continue
			case body.End:
				s.state = finalizing
				continue
			}
			if p.Frame.IsTrailers() {
				s.trailers = p.Frame.Trailers
				continue
			}
			if len(p.Frame.Data) == 0 {
				continue
			}
			if _, err := s.e.Write(p.Frame.Data); err != nil {
				s.fail(fmt.Errorf("%s encode: %w", s.enc, err))
				continue
			}
			if err := s.e.Flush(); err != nil {
				s.fail(fmt.Errorf("%s flush: %w", s.enc, err))
				continue
			}
			if s.out.pending() > 0 {
				s.state = draining
			}

		case draining:
			chunk := s.out.take(maxDrain)
			if s.out.pending() == 0 {
				if s.closed {
					s.state = done
				} else {
					s.state = awaitingInput
				}
			}
			return body.Poll{Kind: body.Ready, Frame: body.Frame{Data: chunk}}

		case finalizing:
			s.closed = true
			if err := s.e.Close(); err != nil {
				s.fail(fmt.Errorf("%s finish: %w", s.enc, err))
				continue
			}
			if s.out.pending() > 0 {
				s.state = draining
			} else {
				s.state = done
			}

		case done:
			if s.err != nil {
				return body.Poll{Kind: body.Failed, Err: s.err}
			}
			if s.trailers != nil {
				t := s.trailers
				s.trailers = nil
				return body.Poll{Kind: body.Ready, Frame: body.Frame{Trailers: t}}
			}
			return body.Poll{Kind: body.End}
		}
	}
}

func (s *stream) fail(err error) {
	if !s.closed {
		s.closed = true
		s.e.Close()
	}
	s.err = body.Wrap(err)
	s.state = done
}

// Release closes the encoder and releases the inner body.
func (s *stream) Release() {
	if !s.closed {
		s.closed = true
		s.e.Close()
	}
	body.Release(s.inner)
}

func (s *stream) SizeHint() body.SizeHint {
	return body.Unknown()
}

func (s *stream) IsEndStream() bool {
	return s.state == done && s.err == nil && s.trailers == nil
}
