package interconnect

import (
	"errors"
	"fmt"
	"sync"
)

// WordSize is the number of address bytes covered by one
// element of a Buffer.
const WordSize = 8

// ErrOutOfMemory is returned when a scratchpad cannot hold
// another buffer.
var ErrOutOfMemory = errors.New("scratchpad exhausted")

// A Buffer is a contiguous run of words in one node's
// scratchpad.
type Buffer struct {
	Addr uint64
	Len  int
}

// Elem returns the address of the i-th word.
func (b Buffer) Elem(i int) uint64 {
	if i < 0 || i >= b.Len {
		panic(fmt.Sprintf("index %d out of range for buffer of %d words", i, b.Len))
	}
	return b.Addr + uint64(i)*WordSize
}

// Last returns the address of the final word.
func (b Buffer) Last() uint64 {
	return b.Elem(b.Len - 1)
}

// End returns the first address after the buffer.
func (b Buffer) End() uint64 {
	return b.Addr + uint64(b.Len)*WordSize
}

// Slice returns the words [start, end) of b.
func (b Buffer) Slice(start, end int) Buffer {
	if start < 0 || end > b.Len || start > end {
		panic(fmt.Sprintf("slice [%d:%d] out of range for buffer of %d words", start, end, b.Len))
	}
	return Buffer{Addr: b.Addr + uint64(start)*WordSize, Len: end - start}
}

// An Allocator hands out consecutive buffers from a
// node's scratchpad.
//
// Allocators for different nodes that see the same
// sequence of requests return buffers at the same offsets
// from their respective bases.
type Allocator struct {
	next  uint64
	limit uint64
}

// NewAllocator creates an allocator over [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{next: base, limit: base + size}
}

// Next allocates a buffer of n words.
func (a *Allocator) Next(n int) (Buffer, error) {
	if n <= 0 {
		return Buffer{}, fmt.Errorf("allocate %d words: length must be positive", n)
	}
	buf := Buffer{Addr: a.next, Len: n}
	if buf.End() > a.limit {
		return Buffer{}, fmt.Errorf("allocate %d words at 0x%x: %w", n, a.next, ErrOutOfMemory)
	}
	a.next = buf.End()
	return buf, nil
}

// A Scratchpad is the word-addressed local memory of one
// node. It may be accessed concurrently by the node's
// program and its memory controller.
type Scratchpad struct {
	lock  sync.Mutex
	base  uint64
	words []uint64
}

// NewScratchpad creates a zeroed scratchpad covering
// [base, base+size).
func NewScratchpad(base, size uint64) *Scratchpad {
	return &Scratchpad{base: base, words: make([]uint64, size/WordSize)}
}

// Base returns the first address of the scratchpad.
func (s *Scratchpad) Base() uint64 {
	return s.base
}

// Contains checks if every word of buf lies in the
// scratchpad.
func (s *Scratchpad) Contains(buf Buffer) bool {
	return buf.Len > 0 && buf.Addr >= s.base && (buf.Addr-s.base)%WordSize == 0 &&
		buf.End() <= s.base+uint64(len(s.words))*WordSize
}

// Load reads a single word.
func (s *Scratchpad) Load(addr uint64) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.words[s.index(Buffer{Addr: addr, Len: 1})]
}

// Store writes a single word.
func (s *Scratchpad) Store(addr uint64, value uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.words[s.index(Buffer{Addr: addr, Len: 1})] = value
}

// Read copies a buffer out of the scratchpad.
func (s *Scratchpad) Read(buf Buffer) []uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	idx := s.index(buf)
	return append([]uint64{}, s.words[idx:idx+buf.Len]...)
}

// Write copies values into a buffer.
func (s *Scratchpad) Write(buf Buffer, values []uint64) {
	if len(values) != buf.Len {
		panic(fmt.Sprintf("writing %d values into buffer of %d words", len(values), buf.Len))
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	copy(s.words[s.index(buf):], values)
}

// Fill sets every word of a buffer to value.
func (s *Scratchpad) Fill(buf Buffer, value uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	idx := s.index(buf)
	for i := 0; i < buf.Len; i++ {
		s.words[idx+i] = value
	}
}

func (s *Scratchpad) index(buf Buffer) int {
	if !s.Contains(buf) {
		panic(fmt.Sprintf("access of %d words at 0x%x outside scratchpad at 0x%x", buf.Len,
			buf.Addr, s.base))
	}
	return int((buf.Addr - s.base) / WordSize)
}
