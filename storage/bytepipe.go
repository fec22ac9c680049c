package storage

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
)

// Stage is one transform in a byte pipe. Every stage must support the
// stream shape; segment shape (zero-copy, contiguous-memory) support is
// optional and advertised via SupportsSegments.
type Stage interface {
	Name() string
	SupportsSegments() bool

	// WrapWriter returns a WriteCloser that compresses everything written
	// to it and flushes the result to w on Close.
	WrapWriter(w io.Writer) (io.WriteCloser, error)
	// WrapReader returns a ReadCloser that decompresses bytes read from r.
	WrapReader(r io.Reader) (io.ReadCloser, error)

	// EncodeSegment and DecodeSegment implement the zero-copy segment
	// shape. dst may be nil; implementations append to it the way
	// encoding/* append-style APIs do. Only called when SupportsSegments
	// is true.
	EncodeSegment(dst, src []byte) ([]byte, error)
	DecodeSegment(dst, src []byte) ([]byte, error)
}

// Pipeline is an ordered list of Stages applied front-to-back on
// compress and back-to-front on decompress. An empty pipeline is the
// identity transform.
type Pipeline struct {
	Stages []Stage
	pool   *bufferPool
}

// NewPipeline builds a pipeline with a decompression buffer pool sized to
// the ambient CPU count, roughly stripe count ~ CPU count x 2.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{
		Stages: stages,
		pool:   newBufferPool(runtime.GOMAXPROCS(0) * 2),
	}
}

// SupportsSegments reports whether every stage (and therefore the whole
// pipeline) can operate in zero-copy segment mode.
func (p *Pipeline) SupportsSegments() bool {
	for _, s := range p.Stages {
		if !s.SupportsSegments() {
			return false
		}
	}
	return true
}

// CompressSegment runs src through every stage's EncodeSegment in order.
// Returns src unchanged (not copied) if the pipeline is empty.
func (p *Pipeline) CompressSegment(src []byte) ([]byte, error) {
	if !p.SupportsSegments() {
		return nil, newErr("CompressSegment", KindUnsupportedCompression, ErrUnsupportedCompress)
	}
	cur := src
	for _, s := range p.Stages {
		out, err := s.EncodeSegment(nil, cur)
		if err != nil {
			return nil, newErr("CompressSegment", KindIO, fmt.Errorf("stage %s: %w", s.Name(), err))
		}
		cur = out
	}
	return cur, nil
}

// DecompressSegment reverses CompressSegment without pooling; used by
// callers that already own a buffer of the right lifetime (e.g. tests,
// or the segment already backed by a pooled buffer acquired elsewhere).
func (p *Pipeline) DecompressSegment(src []byte) ([]byte, error) {
	if !p.SupportsSegments() {
		return nil, newErr("DecompressSegment", KindUnsupportedCompression, ErrUnsupportedCompress)
	}
	cur := src
	for i := len(p.Stages) - 1; i >= 0; i-- {
		s := p.Stages[i]
		out, err := s.DecodeSegment(nil, cur)
		if err != nil {
			return nil, newErr("DecompressSegment", KindIO, fmt.Errorf("stage %s: %w", s.Name(), err))
		}
		cur = out
	}
	return cur, nil
}

// DecompressionResult is returned by DecompressScoped. The caller must
// either Close it (returning the backing buffer to the pool) or call
// Transfer (handing the backing buffer's lifetime to a longer-lived
// holder, typically a KeyValueLeafPage that wants the decompressed bytes
// to become its own slot memory). Transfer and Close are each other's
// single-shot alternative: calling one disables the other.
type DecompressionResult struct {
	Segment       []byte
	backingBuffer *pooledBuffer
	pool          *bufferPool
	settled       atomic.Bool
}

// Close returns the backing buffer to its pool. A no-op if Transfer was
// already called, or if Close was already called once.
func (r *DecompressionResult) Close() error {
	if r.backingBuffer == nil {
		return nil
	}
	if !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	r.pool.put(r.backingBuffer)
	return nil
}

// Transfer hands ownership of the backing buffer to the caller and
// disables the pool return performed by Close. Returns the segment bytes;
// the caller now owns that memory for as long as it likes. Returns nil if
// Close or Transfer already settled the buffer.
func (r *DecompressionResult) Transfer() []byte {
	if r.backingBuffer != nil && !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	return r.Segment
}

// DecompressScoped decompresses src using a pooled buffer, in segment
// mode. Fails with UnsupportedCompression if any stage lacks segment
// support (callers should fall back to the streaming shape in that case).
func (p *Pipeline) DecompressScoped(src []byte) (*DecompressionResult, error) {
	if !p.SupportsSegments() {
		return nil, newErr("DecompressScoped", KindUnsupportedCompression, ErrUnsupportedCompress)
	}
	buf := p.pool.get()
	cur := src
	last := len(p.Stages) - 1
	for i := last; i >= 0; i-- {
		s := p.Stages[i]
		var dst []byte
		if i == 0 {
			// Final stage writes into the pooled buffer; every
			// intermediate stage (multi-stage pipelines only) gets a
			// fresh slice since its input and the pool buffer may
			// otherwise alias.
			dst = buf.data[:0]
		}
		out, err := s.DecodeSegment(dst, cur)
		if err != nil {
			p.pool.put(buf)
			return nil, newErr("DecompressScoped", KindIO, fmt.Errorf("stage %s: %w", s.Name(), err))
		}
		cur = out
	}
	buf.data = cur
	return &DecompressionResult{Segment: cur, backingBuffer: buf, pool: p.pool}, nil
}

// CompressStream returns a WriteCloser chaining every stage's WrapWriter,
// outermost stage first so the bytes a caller writes pass through the
// pipeline in declared order before reaching w.
func (p *Pipeline) CompressStream(w io.Writer) (io.WriteCloser, error) {
	if len(p.Stages) == 0 {
		return nopWriteCloser{w}, nil
	}
	writers := make([]io.WriteCloser, len(p.Stages))
	cur := w
	for i := len(p.Stages) - 1; i >= 0; i-- {
		wc, err := p.Stages[i].WrapWriter(cur)
		if err != nil {
			return nil, newErr("CompressStream", KindIO, fmt.Errorf("stage %s: %w", p.Stages[i].Name(), err))
		}
		writers[i] = wc
		cur = wc
	}
	return &chainWriteCloser{writers: writers}, nil
}

// DecompressStream returns a ReadCloser chaining every stage's WrapReader
// in reverse declared order.
func (p *Pipeline) DecompressStream(r io.Reader) (io.ReadCloser, error) {
	if len(p.Stages) == 0 {
		return io.NopCloser(r), nil
	}
	cur := r
	readers := make([]io.ReadCloser, 0, len(p.Stages))
	for i := len(p.Stages) - 1; i >= 0; i-- {
		s := p.Stages[i]
		rc, err := s.WrapReader(cur)
		if err != nil {
			return nil, newErr("DecompressStream", KindIO, fmt.Errorf("stage %s: %w", s.Name(), err))
		}
		readers = append(readers, rc)
		cur = rc
	}
	return &chainReadCloser{readers: readers}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// chainWriteCloser closes stages outermost-first: closing stage i flushes
// its buffered output into stage i+1, so stage N-1 (closest to the
// underlying writer) closes last.
type chainWriteCloser struct {
	writers []io.WriteCloser
}

func (c *chainWriteCloser) Write(p []byte) (int, error) {
	return c.writers[0].Write(p)
}

func (c *chainWriteCloser) Close() error {
	for i := 0; i < len(c.writers); i++ {
		if err := c.writers[i].Close(); err != nil {
			return err
		}
	}
	return nil
}

type chainReadCloser struct {
	readers []io.ReadCloser
}

func (c *chainReadCloser) Read(p []byte) (int, error) {
	return c.readers[len(c.readers)-1].Read(p)
}

func (c *chainReadCloser) Close() error {
	for i := len(c.readers) - 1; i >= 0; i-- {
		if err := c.readers[i].Close(); err != nil {
			return err
		}
	}
	return nil
}

// CompressBuffer runs src through the streaming shape into an in-memory
// buffer; used by callers (commit.go) that want compressed bytes as a
// []byte regardless of whether the configured stages support segments.
func (p *Pipeline) CompressBuffer(src []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := p.CompressStream(&out)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, newErr("CompressBuffer", KindIO, err)
	}
	if err := w.Close(); err != nil {
		return nil, newErr("CompressBuffer", KindIO, err)
	}
	return out.Bytes(), nil
}

// DecompressBuffer is CompressBuffer's inverse.
func (p *Pipeline) DecompressBuffer(src []byte) ([]byte, error) {
	r, err := p.DecompressStream(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, newErr("DecompressBuffer", KindIO, err)
	}
	return out, nil
}

// --- striped pooled buffers ---

const pooledBufferSize = 64 * 1024

type pooledBuffer struct {
	data []byte
}

// bufferPool is a small set of independent LIFO stacks ("stripes"), so
// concurrent goroutines draw from different stripes under light
// contention instead of a single shared free list: a mutex-guarded
// structure sized at construction time, shaped like an eviction list but
// used as a free-list pool.
type bufferPool struct {
	stripes []*bufferStripe
}

type bufferStripe struct {
	mu   sync.Mutex
	free []*pooledBuffer
}

func newBufferPool(stripeCount int) *bufferPool {
	if stripeCount < 1 {
		stripeCount = 1
	}
	bp := &bufferPool{stripes: make([]*bufferStripe, stripeCount)}
	for i := range bp.stripes {
		bp.stripes[i] = &bufferStripe{}
	}
	return bp
}

func (bp *bufferPool) stripeFor() *bufferStripe {
	// goroutine-agnostic striping: pick by a fast, low-cost changing
	// value so repeated calls on one goroutine still spread across
	// stripes instead of hammering stripe 0.
	return bp.stripes[fastStripeIndex()%len(bp.stripes)]
}

func (bp *bufferPool) get() *pooledBuffer {
	s := bp.stripeFor()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		b := s.free[n-1]
		s.free = s.free[:n-1]
		return b
	}
	return &pooledBuffer{data: make([]byte, pooledBufferSize)}
}

func (bp *bufferPool) put(b *pooledBuffer) {
	s := bp.stripeFor()
	s.mu.Lock()
	defer s.mu.Unlock()
	// LIFO push for cache locality.
	s.free = append(s.free, b)
}

var stripeCounter uint64

// fastStripeIndex returns a cheap, racily-incrementing counter used only
// to spread load across stripes; exact fairness does not matter.
func fastStripeIndex() int {
	return int(atomic.AddUint64(&stripeCounter, 1))
}
