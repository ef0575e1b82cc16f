package session

import (
	"strings"
	"sync"
)

// ringBuffer keeps the most recent PTY output up to a byte cap. Appends past
// the cap drop the oldest bytes.
type ringBuffer struct {
	mu    sync.Mutex
	data  []byte
	max   int
	total int64
}

func newRingBuffer(maxBytes int) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &ringBuffer{max: maxBytes}
}

func (b *ringBuffer) append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(chunk))
	b.data = append(b.data, chunk...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
}

// String returns the buffered output.
func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Tail returns the last n bytes of buffered output.
func (b *ringBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n >= len(b.data) {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}

// LineCount counts newlines in the buffered output. Used by dispatch
// verification to observe buffer growth.
func (b *ringBuffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(string(b.data), "\n")
}

// TotalBytes returns the cumulative number of bytes ever appended.
func (b *ringBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
