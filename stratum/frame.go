package stratum

import (
	"encoding/binary"
	"io"
)

// frameHeaderSize is the 4-byte little-endian length prefix at offset 0
// (spec.md §3), counted as part of the total frame length it encodes.
const frameHeaderSize = 4

// responseToOffset/responseToSize locate the little-endian int32 response
// id at bytes 8..12 that the receive coordinator routes on.
const (
	responseToOffset = 8
	responseToSize   = 4
)

// readFrame reads one length-prefixed frame off s into a fresh chunkedBuffer
// and marks it read-only before handing it back. It is the only place the
// core looks inside an otherwise-opaque frame: the length prefix, to know
// how many more bytes belong to this message, and (via Buffer.ResponseTo,
// used by the caller) the response-to id, to route it.
//
// This is §4.3 of spec.md verbatim: the length is decoded from the first 4
// bytes, those 4 bytes are kept as part of the buffer (not discarded), and
// the remaining L-4 bytes are read starting at offset 4.
func readFrame(s Stream) (Buffer, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(s, header[:]); err != nil {
		return nil, err
	}

	length := int(binary.LittleEndian.Uint32(header[:]))
	if length < frameHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	buf := newChunkedBuffer()
	buf.SetLength(length)
	if _, err := buf.WriteAt(0, header[:]); err != nil {
		buf.Dispose()
		return nil, err
	}

	var scratch [inputChunkSize]byte
	for off := frameHeaderSize; off < length; {
		n := length - off
		if n > len(scratch) {
			n = len(scratch)
		}
		if _, err := io.ReadFull(s, scratch[:n]); err != nil {
			buf.Dispose()
			return nil, err
		}
		if _, err := buf.WriteAt(off, scratch[:n]); err != nil {
			buf.Dispose()
			return nil, err
		}
		off += n
	}

	buf.MakeReadOnly()
	return buf, nil
}

// writeAll writes the whole readable range of buf to s in fixed-size
// chunks, so a single large frame never requires one giant contiguous
// intermediate allocation even when it came from an outputBuffer.
func writeAll(s Stream, buf Buffer) error {
	const writeChunk = 4096
	total := buf.Len()
	for off := 0; off < total; {
		n := writeChunk
		if total-off < n {
			n = total - off
		}
		chunk, err := buf.ReadRange(off, n)
		if err != nil {
			return err
		}
		if _, err := s.Write(chunk); err != nil {
			return err
		}
		off += n
	}
	return nil
}
