package reqscope

import (
	"fmt"
	"io"
	"sync"
)

type Direction int32

const (
	// Inbound is upstream -> client (response bodies, server messages).
	Inbound Direction = iota
	// Outbound is client -> upstream (request bodies, client messages).
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "Inbound"
	case Outbound:
		return "Outbound"
	default:
		return ""
	}
}

// ChunkFunc inspects one body chunk of an exchange and returns the bytes to
// forward in its place. Returning the chunk unchanged passes it through.
type ChunkFunc func(ex *Exchange, chunk []byte) ([]byte, error)

// TransformError is returned by a body reader when a ChunkFunc fails.
type TransformError struct {
	Direction Direction
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s chunk transform: %v", e.Direction, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Pipeline is an ordered list of ChunkFuncs for one direction.
type Pipeline struct {
	mu  sync.RWMutex
	fns []ChunkFunc
}

// Use appends fns to the pipeline.
func (p *Pipeline) Use(fns ...ChunkFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fns = append(p.fns, fns...)
}

// Len returns the number of registered ChunkFuncs.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.fns)
}

// Apply runs chunk through every ChunkFunc in order. The first error stops
// the chain.
func (p *Pipeline) Apply(ex *Exchange, chunk []byte) ([]byte, error) {
	p.mu.RLock()
	fns := p.fns
	p.mu.RUnlock()

	var err error

	for _, fn := range fns {
		chunk, err = fn(ex, chunk)
		if err != nil {
			return nil, err
		}
	}

	return chunk, nil
}

// chunkReader feeds the chunks read from src through a pipeline and hands
// out the transformed bytes in arrival order. Every delivered byte is also
// captured on the exchange.
type chunkReader struct {
	src       io.ReadCloser
	ex        *Exchange
	direction Direction
	pipeline  *Pipeline

	buf     []byte
	pending []byte
	err     error
}

func newChunkReader(src io.ReadCloser, ex *Exchange, d Direction, pipeline *Pipeline) *chunkReader {
	return &chunkReader{
		src:       src,
		ex:        ex,
		direction: d,
		pipeline:  pipeline,
	}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		r.fill()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]

	return n, nil
}

func (r *chunkReader) fill() {
	if r.buf == nil {
		r.buf = make([]byte, 32*1024)
	}

	n, err := r.src.Read(r.buf)
	if n > 0 {
		// The source may reuse its buffer, ChunkFuncs get their own copy.
		chunk := append([]byte(nil), r.buf[:n]...)

		out, terr := r.pipeline.Apply(r.ex, chunk)
		if terr != nil {
			r.err = &TransformError{Direction: r.direction, Err: terr}
			return
		}

		if len(out) > 0 {
			r.ex.capture(r.direction, out)
			r.pending = out
		}
	}

	if err != nil {
		r.err = err
	}
}

func (r *chunkReader) Close() error {
	return r.src.Close()
}
