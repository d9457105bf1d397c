// Package buffer provides a linear byte buffer with separate read and
// write cursors, used as the working buffer of SDO transfers.
package buffer

import "errors"

var ErrInvalidCursor = errors.New("cursor out of range")

// Buffer over an owned byte slice.
// Invariant : 0 <= read <= write <= capacity
type Buffer struct {
	data  []byte
	read  int
	write int
}

func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}

// Number of bytes that can still be written
func (b *Buffer) Free() int {
	return len(b.data) - b.write
}

// Number of written bytes not yet read
func (b *Buffer) Unread() int {
	return b.write - b.read
}

func (b *Buffer) WriteOffset() int {
	return b.write
}

func (b *Buffer) ReadOffset() int {
	return b.read
}

// Bytes returns everything written so far, read or not
func (b *Buffer) Bytes() []byte {
	return b.data[:b.write]
}

// UnreadBytes returns the written bytes not yet consumed
func (b *Buffer) UnreadBytes() []byte {
	return b.data[b.read:b.write]
}

// Space returns the writable tail of the buffer. Bytes written into it
// must be committed with [Buffer.Commit].
func (b *Buffer) Space() []byte {
	return b.data[b.write:]
}

// Commit n bytes previously written into [Buffer.Space]
func (b *Buffer) Commit(n int) error {
	if n < 0 || b.write+n > len(b.data) {
		return ErrInvalidCursor
	}
	b.write += n
	return nil
}

// Write copies as much of p as fits and returns the count
func (b *Buffer) Write(p []byte) int {
	n := copy(b.data[b.write:], p)
	b.write += n
	return n
}

// Read copies unread bytes into p and advances the read cursor
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.data[b.read:b.write])
	b.read += n
	return n
}

// Truncate drops the last n written bytes
func (b *Buffer) Truncate(n int) error {
	if n < 0 || n > b.write-b.read {
		return ErrInvalidCursor
	}
	b.write -= n
	return nil
}

// Seek moves the read cursor to an absolute offset
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > b.write {
		return ErrInvalidCursor
	}
	b.read = offset
	return nil
}

// Compact moves unread bytes to the start of the buffer
func (b *Buffer) Compact() {
	n := copy(b.data, b.data[b.read:b.write])
	b.read = 0
	b.write = n
}
