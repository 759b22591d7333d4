package body

import (
	"context"
	"io"
	"net/http"
)

// Next blocks until b yields a frame. It returns io.EOF at the end of the
// stream and ctx.Err() if ctx is done while the body is pending.
func Next(ctx context.Context, b Body) (Frame, error) {
	for {
		p := b.Poll()
		switch p.Kind {
		case Ready:
			return p.Frame, nil
		case End:
			return Frame{}, io.EOF
		case Failed:
			return Frame{}, p.Err
		case Pending:
			select {
			case <-p.Wait:
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			}
		}
	}
}

// Collect drains b into memory. A limit above zero caps the number of data
// bytes; exceeding it returns ErrTooLarge wrapped in *Error. On error the
// returned bytes are everything read so far, including the chunk that
// crossed the limit, so a caller can still forward them.
func Collect(ctx context.Context, b Body, limit int64) ([]byte, http.Header, error) {
	var (
		out      []byte
		trailers http.Header
	)
	if n, ok := b.SizeHint().Exact(); ok && (limit <= 0 || int64(n) <= limit) {
		out = make([]byte, 0, n)
	}

	for {
		f, err := Next(ctx, b)
		if err == io.EOF {
			return out, trailers, nil
		}
		if err != nil {
			return out, trailers, err
		}
		if f.IsTrailers() {
			trailers = f.Trailers
			continue
		}
		out = append(out, f.Data...)
		if limit > 0 && int64(len(out)) > limit {
			return out, trailers, Wrap(ErrTooLarge)
		}
	}
}

// Discard drains b and drops the data.
func Discard(ctx context.Context, b Body) error {
	for {
		_, err := Next(ctx, b)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
