package stratum

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

var errBufferReadOnly = errors.New("stratum: buffer is read-only")

// Buffer is the uniform interface the network layer and decoders share.
// Spec.md §4.4 calls for two flavors behind this one interface: input
// buffers assembled by the reader from a shared chunk pool (chunkedBuffer,
// below) and output buffers an encoder writes into lazily (outputBuffer).
// Buffers crossing the coordinator boundary carry ownership: whoever
// receives one is responsible for calling Dispose exactly once.
type Buffer interface {
	Len() int
	SetLength(n int)
	WriteAt(off int, p []byte) (int, error)
	ReadRange(off, n int) ([]byte, error)
	SegmentAt(off, n int) ([]byte, error)
	MakeReadOnly()
	Dispose()

	// ResponseTo reads the little-endian int32 at byte offset 8, the field
	// the receive coordinator routes on (spec.md §3).
	ResponseTo() int32
}

const inputChunkSize = 4096

var inputChunkPool = &chunkPool{}

// chunkPool hands out fixed-size byte slices for chunkedBuffer and tracks
// new/reuse/put-back counts the same way the teacher's pendingRequestPool
// and pendingWritePool track allocation pressure (carlolib/pools.go,
// pendingwritepool.go).
type chunkPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *chunkPool) acquire() []byte {
	v := p.sp.Get()
	if v == nil {
		p.m.addNew()
		return make([]byte, inputChunkSize)
	}
	p.m.addReuse()
	chunk := v.([]byte)
	for i := range chunk {
		chunk[i] = 0
	}
	return chunk
}

func (p *chunkPool) release(chunk []byte) {
	p.sp.Put(chunk)
	p.m.addPutBack()
}

// chunkedBuffer is the input-side Buffer: the reader assembles it one
// fixed-size chunk at a time as bytes arrive off the wire, so a frame never
// needs a single contiguous allocation sized to its full length up front.
type chunkedBuffer struct {
	chunks   [][]byte
	length   int
	readOnly bool
	disposed bool
}

func newChunkedBuffer() *chunkedBuffer { return &chunkedBuffer{} }

func (b *chunkedBuffer) chunkAt(idx int) []byte {
	for len(b.chunks) <= idx {
		b.chunks = append(b.chunks, inputChunkPool.acquire())
	}
	return b.chunks[idx]
}

func (b *chunkedBuffer) Len() int { return b.length }

func (b *chunkedBuffer) SetLength(n int) {
	b.length = n
	need := (n + inputChunkSize - 1) / inputChunkSize
	if need == 0 {
		need = 1
	}
	for len(b.chunks) < need {
		b.chunkAt(len(b.chunks))
	}
}

func (b *chunkedBuffer) WriteAt(off int, p []byte) (int, error) {
	if b.readOnly {
		return 0, errBufferReadOnly
	}
	written := 0
	for written < len(p) {
		idx := (off + written) / inputChunkSize
		pos := (off + written) % inputChunkSize
		n := copy(b.chunkAt(idx)[pos:], p[written:])
		written += n
	}
	return written, nil
}

func (b *chunkedBuffer) ReadRange(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > b.length {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, 0, n)
	read := 0
	for read < n {
		idx := (off + read) / inputChunkSize
		pos := (off + read) % inputChunkSize
		avail := inputChunkSize - pos
		take := n - read
		if take > avail {
			take = avail
		}
		out = append(out, b.chunks[idx][pos:pos+take]...)
		read += take
	}
	return out, nil
}

// SegmentAt returns a contiguous slice of the backing chunk when the
// requested range doesn't cross a chunk boundary — the cheap path used to
// read the response-to id at offset 8 without copying — and falls back to
// a copying ReadRange otherwise.
func (b *chunkedBuffer) SegmentAt(off, n int) ([]byte, error) {
	idx := off / inputChunkSize
	pos := off % inputChunkSize
	if pos+n <= inputChunkSize && idx < len(b.chunks) && off+n <= b.length {
		return b.chunks[idx][pos : pos+n], nil
	}
	return b.ReadRange(off, n)
}

func (b *chunkedBuffer) MakeReadOnly() { b.readOnly = true }

func (b *chunkedBuffer) Dispose() {
	if b.disposed {
		return
	}
	b.disposed = true
	for _, c := range b.chunks {
		inputChunkPool.release(c)
	}
	b.chunks = nil
}

func (b *chunkedBuffer) ResponseTo() int32 {
	seg, err := b.SegmentAt(8, 4)
	if err != nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(seg))
}

// outputBuffer is the output-side Buffer: an Encoder writes a frame into it
// lazily, backed by a pooled, lazily-growing byte slice (the teacher's
// pendingWritePool wraps the same bytebufferpool.ByteBuffer for exactly
// this purpose — a single reusable growable slice rather than a chunk
// list, since the final length is known by the time it's written).
type outputBuffer struct {
	buf      *bytebufferpool.ByteBuffer
	readOnly bool
	disposed bool
}

func newOutputBuffer() *outputBuffer {
	outputBufferMetrics.addNew()
	return &outputBuffer{buf: bytebufferpool.Get()}
}

var outputBufferMetrics PoolMetrics

func (b *outputBuffer) Len() int { return len(b.buf.B) }

func (b *outputBuffer) SetLength(n int) {
	for len(b.buf.B) < n {
		b.buf.B = append(b.buf.B, 0)
	}
	b.buf.B = b.buf.B[:n]
}

func (b *outputBuffer) WriteAt(off int, p []byte) (int, error) {
	if b.readOnly {
		return 0, errBufferReadOnly
	}
	end := off + len(p)
	if end > len(b.buf.B) {
		b.SetLength(end)
	}
	copy(b.buf.B[off:end], p)
	return len(p), nil
}

// Write appends to the end of the buffer, growing it — the shape an
// Encoder typically wants when it doesn't know its final length up front.
func (b *outputBuffer) Write(p []byte) (int, error) {
	if b.readOnly {
		return 0, errBufferReadOnly
	}
	b.buf.B = append(b.buf.B, p...)
	return len(p), nil
}

func (b *outputBuffer) ReadRange(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(b.buf.B) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.buf.B[off : off+n], nil
}

func (b *outputBuffer) SegmentAt(off, n int) ([]byte, error) { return b.ReadRange(off, n) }

func (b *outputBuffer) MakeReadOnly() { b.readOnly = true }

func (b *outputBuffer) Dispose() {
	if b.disposed {
		return
	}
	b.disposed = true
	bytebufferpool.Put(b.buf)
	outputBufferMetrics.addPutBack()
	b.buf = nil
}

func (b *outputBuffer) ResponseTo() int32 {
	seg, err := b.SegmentAt(8, 4)
	if err != nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(seg))
}
