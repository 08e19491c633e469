// Package logcapture keeps a bounded log history for every running node
// instance. Lines arrive either from a child process's stdout/stderr or from
// slog records emitted inside an instance's in-process task; the latter are
// attributed through the instance tag carried by the record's context.
package logcapture

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of lines kept per instance.
const DefaultCapacity = 500

// Line is a single captured log line.
type Line struct {
	InstanceID uint32    `json:"instance_id"`
	Seq        uint64    `json:"seq"` // Monotonic per buffer, survives eviction
	Text       string    `json:"line"`
	IsError    bool      `json:"is_error"`
	Time       time.Time `json:"time"`
}

// Buffer is a fixed-capacity circular buffer of log lines. Once full, every
// append evicts the oldest line.
type Buffer struct {
	mu       sync.RWMutex
	lines    []Line
	start    int // index of the oldest line in lines
	count    int
	capacity int
	nextSeq  uint64
}

// NewBuffer creates a buffer holding at most capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:    make([]Line, capacity),
		capacity: capacity,
		nextSeq:  1,
	}
}

// Append stores a line, stamping its sequence number and, if unset, its time.
func (b *Buffer) Append(line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	line.Seq = b.nextSeq
	b.nextSeq++
	if line.Time.IsZero() {
		line.Time = time.Now()
	}

	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
		return
	}
	// Full: overwrite the oldest slot and advance the window.
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.capacity
}

// Since returns the lines at window position index and later, oldest first.
// An index at or past the current length yields an empty slice.
func (b *Buffer) Since(index int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	if index >= b.count {
		return []Line{}
	}
	result := make([]Line, 0, b.count-index)
	for i := index; i < b.count; i++ {
		result = append(result, b.lines[(b.start+i)%b.capacity])
	}
	return result
}

// AfterSeq returns the retained lines whose sequence number is greater than seq.
func (b *Buffer) AfterSeq(seq uint64) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Line, 0)
	for i := 0; i < b.count; i++ {
		line := b.lines[(b.start+i)%b.capacity]
		if line.Seq > seq {
			result = append(result, line)
		}
	}
	return result
}

// Len returns the number of lines currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
