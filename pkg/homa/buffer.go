package homa

import (
	"errors"

	"github.com/homanet/homa/pkg/driver"
)

// Buffer errors.
var (
	ErrUnalignedOffset = errors.New("offset is not chunk-aligned")
	ErrChunkOversized  = errors.New("payload exceeds chunk size")
)

// Buffer is a logical byte array backed by a chain of packet-sized chunks.
// Outbound buffers own their chunk storage; inbound buffers adopt driver
// packet storage on Absorb so the receive path never copies payload bytes.
//
// Buffer is not safe for concurrent mutation. Reads are position
// independent and may run concurrently with each other, but never with
// Append/Set/Absorb on the same buffer.
type Buffer struct {
	chunkSize int
	chunks    []chunk
	length    int
}

type chunk struct {
	data    []byte
	adopted *driver.Buf
}

// NewBuffer constructs an empty Buffer with the given chunk size.
func NewBuffer(chunkSize int) *Buffer {
	return &Buffer{chunkSize: chunkSize}
}

// Len returns the buffer's logical length.
func (b *Buffer) Len() int { return b.length }

// NumChunks returns how many chunks cover the buffer's length.
func (b *Buffer) NumChunks() int {
	return (b.length + b.chunkSize - 1) / b.chunkSize
}

// SetLength fixes the buffer's logical length up front; used on the
// receive path where the total is learned from the first DATA packet.
func (b *Buffer) SetLength(n int) {
	if n > b.length {
		b.length = n
	}
}

// ensure grows the chunk chain to cover size bytes. New chunks are owned
// storage; bytes between the previous tail and any later write are
// whatever the allocator left there.
func (b *Buffer) ensure(size int) {
	for len(b.chunks)*b.chunkSize < size {
		b.chunks = append(b.chunks, chunk{data: make([]byte, b.chunkSize)})
	}
}

// Append copies p after the current tail.
func (b *Buffer) Append(p []byte) {
	b.Set(b.length, p)
}

// Prepend copies p in front of the current content.
func (b *Buffer) Prepend(p []byte) {
	old := b.Bytes()
	b.chunks = nil
	b.length = 0
	b.Append(p)
	b.Append(old)
}

// Set copies p at the given offset, extending the buffer as needed.
// Holes between the previous tail and offset hold unspecified content.
func (b *Buffer) Set(offset int, p []byte) {
	end := offset + len(p)
	b.ensure(end)
	if end > b.length {
		b.length = end
	}

	for len(p) > 0 {
		ci := offset / b.chunkSize
		co := offset % b.chunkSize
		n := copy(b.chunks[ci].data[co:], p)
		p = p[n:]
		offset += n
	}
}

// Get copies bytes starting at offset into dst and returns how many were
// copied. The count is short when offset+len(dst) passes the end.
func (b *Buffer) Get(offset int, dst []byte) int {
	if offset >= b.length {
		return 0
	}
	if offset+len(dst) > b.length {
		dst = dst[:b.length-offset]
	}

	copied := 0
	for copied < len(dst) {
		ci := (offset + copied) / b.chunkSize
		co := (offset + copied) % b.chunkSize
		data := b.chunks[ci].data
		if co >= len(data) {
			// Unreceived hole; it reads as zero up to the next chunk.
			n := b.chunkSize - co
			if n > len(dst)-copied {
				n = len(dst) - copied
			}
			clear(dst[copied : copied+n])
			copied += n
			continue
		}
		copied += copy(dst[copied:], data[co:])
	}
	return copied
}

// Chunk returns the i-th chunk's bytes, bounded by the buffer's length.
// The view aliases the buffer's storage.
func (b *Buffer) Chunk(i int) []byte {
	start := i * b.chunkSize
	end := start + b.chunkSize
	if end > b.length {
		end = b.length
	}
	data := b.chunks[i].data
	if n := end - start; n < len(data) {
		data = data[:n]
	}
	return data
}

// Absorb places the payload at the chunk-aligned offset, adopting the
// driver buffer that backs it. payload must alias buf's storage. The
// buffer releases adopted storage on Release.
func (b *Buffer) Absorb(buf *driver.Buf, payload []byte, offset int) error {
	if offset%b.chunkSize != 0 {
		return ErrUnalignedOffset
	}
	if len(payload) > b.chunkSize {
		return ErrChunkOversized
	}

	ci := offset / b.chunkSize
	for len(b.chunks) <= ci {
		b.chunks = append(b.chunks, chunk{})
	}
	b.chunks[ci] = chunk{data: payload, adopted: buf}
	if end := offset + len(payload); end > b.length {
		b.length = end
	}
	return nil
}

// Bytes copies the buffer's content out; holes read as zero.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.length)
	b.Get(0, out)
	return out
}

// Release returns all adopted driver storage. The buffer must not be used
// afterwards.
func (b *Buffer) Release(d driver.Driver) {
	for i := range b.chunks {
		if b.chunks[i].adopted != nil {
			d.Release(b.chunks[i].adopted)
			b.chunks[i] = chunk{}
		}
	}
	b.chunks = nil
	b.length = 0
}
