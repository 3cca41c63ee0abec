package relay

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// DefaultScrollbackLimit is the scrollback cap in bytes.
const DefaultScrollbackLimit = 50000

// Scrollback is a fixed-size circular buffer holding the most recent terminal
// output of one session. Once full, each append evicts the oldest bytes.
// Safe for one writer and concurrent readers.
type Scrollback struct {
	buf      []byte
	capacity int
	writePos int   // next position to write at (wraps at capacity)
	written  int64 // total bytes ever appended since the last Clear
	mu       sync.RWMutex
}

// NewScrollback allocates a scrollback buffer with the given capacity in bytes.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackLimit
	}
	return &Scrollback{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, keeping only the newest capacity bytes. Implements io.Writer.
func (sb *Scrollback) Write(p []byte) (int, error) {
	sb.Append(p)
	return len(p), nil
}

// Append adds p to the end of the buffer.
func (sb *Scrollback) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	n := len(p)
	if n >= sb.capacity {
		copy(sb.buf, p[n-sb.capacity:])
		sb.writePos = 0
		sb.written += int64(n)
		return
	}

	first := sb.capacity - sb.writePos
	if first >= n {
		copy(sb.buf[sb.writePos:], p)
	} else {
		copy(sb.buf[sb.writePos:], p[:first])
		copy(sb.buf, p[first:])
	}

	sb.writePos = (sb.writePos + n) % sb.capacity
	sb.written += int64(n)
}

// Bytes returns a copy of the buffered output, oldest byte first. Once the
// buffer has evicted data, a partial rune left at the front is dropped.
func (sb *Scrollback) Bytes() []byte {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	data := sb.linearize()
	if sb.written > int64(sb.capacity) {
		data = trimPartialRune(data)
	}
	return data
}

// Read returns the whole buffer, or only its trailing lastLines lines when
// lastLines > 0. Lines are split and rejoined on '\n'.
func (sb *Scrollback) Read(lastLines int) []byte {
	data := sb.Bytes()
	if lastLines <= 0 || len(data) == 0 {
		return data
	}
	lines := bytes.Split(data, []byte{'\n'})
	if len(lines) > lastLines {
		lines = lines[len(lines)-lastLines:]
	}
	return bytes.Join(lines, []byte{'\n'})
}

// Len returns the number of bytes currently stored.
func (sb *Scrollback) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.length()
}

// Clear empties the buffer.
func (sb *Scrollback) Clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.writePos = 0
	sb.written = 0
}

func (sb *Scrollback) length() int {
	if sb.written <= int64(sb.capacity) {
		return int(sb.written)
	}
	return sb.capacity
}

func (sb *Scrollback) linearize() []byte {
	length := sb.length()
	if length == 0 {
		return nil
	}
	out := make([]byte, length)
	if sb.written <= int64(sb.capacity) {
		copy(out, sb.buf[:length])
		return out
	}
	tail := sb.capacity - sb.writePos
	copy(out, sb.buf[sb.writePos:])
	copy(out[tail:], sb.buf[:sb.writePos])
	return out
}

// trimPartialRune skips the continuation bytes an eviction can leave at the
// start of data. A rune has at most utf8.UTFMax-1 of them; data with no rune
// start that early is returned unchanged.
func trimPartialRune(data []byte) []byte {
	for i := 0; i < len(data) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(data[i]) {
			return data[i:]
		}
	}
	return data
}
