package recorder

import (
	"regexp"
	"strings"
	"sync"
)

// ansiPattern matches CSI and OSC escape sequences.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// Tail keeps the most recent bytes of a terminal output stream. Once full, the
// oldest bytes are overwritten. It implements io.Writer.
type Tail struct {
	mu   sync.Mutex
	buf  []byte
	head int // next write position once full
	full bool
}

// NewTail creates a Tail holding at most capacity bytes. A non-positive
// capacity is treated as 1.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tail{buf: make([]byte, 0, capacity)}
}

// Write appends p, discarding the oldest bytes when over capacity.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	capacity := cap(t.buf)
	if n >= capacity {
		t.buf = append(t.buf[:0], p[n-capacity:]...)
		t.head = 0
		t.full = true
		return n, nil
	}

	if !t.full {
		room := capacity - len(t.buf)
		if n <= room {
			t.buf = append(t.buf, p...)
			t.full = len(t.buf) == capacity
			return n, nil
		}
		t.buf = append(t.buf, p[:room]...)
		p = p[room:]
		t.full = true
	}

	for len(p) > 0 {
		c := copy(t.buf[t.head:], p)
		p = p[c:]
		t.head = (t.head + c) % capacity
	}
	return n, nil
}

// Bytes returns a copy of the held bytes in write order.
func (t *Tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) == 0 {
		return nil
	}
	out := make([]byte, 0, len(t.buf))
	if t.full {
		out = append(out, t.buf[t.head:]...)
		out = append(out, t.buf[:t.head]...)
		return out
	}
	return append(out, t.buf...)
}

// Len returns the number of held bytes.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Reset drops all held bytes.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = t.buf[:0]
	t.head = 0
	t.full = false
}

// LastLine returns the last non-blank line of output with escape sequences
// and carriage-return overdraws removed.
func (t *Tail) LastLine() string {
	text := ansiPattern.ReplaceAllString(string(t.Bytes()), "")
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if idx := strings.LastIndex(strings.TrimRight(line, "\r"), "\r"); idx >= 0 {
			line = line[idx+1:]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
