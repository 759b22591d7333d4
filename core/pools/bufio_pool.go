// Package pools recycles the buffered readers and writers that wrap client
// connections.
package pools

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// BufioPool hands out bufio.Readers and bufio.Writers of one size.
type BufioPool struct {
	size    int
	readers sync.Pool
	writers sync.Pool

	// Statistics
	gets   atomic.Uint64
	allocs atomic.Uint64
}

// Stats shows how often Get was served from the pool.
type Stats struct {
	Gets   uint64
	Allocs uint64
}

// NewBufioPool creates a pool of size-byte buffers.
func NewBufioPool(size int) *BufioPool {
	if size <= 0 {
		size = 4096
	}
	return &BufioPool{size: size}
}

// GetReader returns a reader over r.
func (p *BufioPool) GetReader(r io.Reader) *bufio.Reader {
	p.gets.Add(1)
	if v := p.readers.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	p.allocs.Add(1)
	return bufio.NewReaderSize(r, p.size)
}

// PutReader releases br. It must not be used afterwards.
func (p *BufioPool) PutReader(br *bufio.Reader) {
	if br == nil || br.Size() != p.size {
		return
	}
	br.Reset(nil)
	p.readers.Put(br)
}

// GetWriter returns a writer over w.
func (p *BufioPool) GetWriter(w io.Writer) *bufio.Writer {
	p.gets.Add(1)
	if v := p.writers.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	p.allocs.Add(1)
	return bufio.NewWriterSize(w, p.size)
}

// PutWriter releases bw. Unflushed data is dropped.
func (p *BufioPool) PutWriter(bw *bufio.Writer) {
	if bw == nil || bw.Size() != p.size {
		return
	}
	bw.Reset(nil)
	p.writers.Put(bw)
}

// Stats returns pool statistics
func (p *BufioPool) Stats() Stats {
	return Stats{Gets: p.gets.Load(), Allocs: p.allocs.Load()}
}
