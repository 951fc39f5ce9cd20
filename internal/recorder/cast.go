// Package recorder writes terminal sessions as asciinema v2 casts and keeps a
// short output tail for previews.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultCols  = 80
	defaultRows  = 24
	tailCapacity = 4096
)

// Event types of an asciinema v2 cast.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one cast line, encoded as [offset, type, data].
type Event struct {
	Offset float64
	Type   string
	Data   string
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Offset, e.Type, e.Data})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid cast event: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid cast event offset")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid cast event type")
	}
	text, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid cast event data")
	}

	e.Offset, e.Type, e.Data = offset, typ, text
	return nil
}

// Recorder appends the events of one terminal session to a cast. Writes after
// Close are ignored.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	file   *os.File
	path   string
	start  time.Time
	tail   *Tail
	closed bool
}

// Create opens dir/<sessionID>.cast and writes the header.
func Create(dir, sessionID, title string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path := filepath.Join(dir, sessionID+".cast")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	r := newRecorder(file)
	r.file = file
	r.path = path
	if err := r.writeHeader(title); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// New records to w. The header is written immediately.
func New(w io.Writer, title string) (*Recorder, error) {
	r := newRecorder(w)
	if err := r.writeHeader(title); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:     w,
		start: time.Now(),
		tail:  NewTail(tailCapacity),
	}
}

func (r *Recorder) writeHeader(title string) error {
	data, err := json.Marshal(Header{
		Version:   2,
		Width:     defaultCols,
		Height:    defaultRows,
		Timestamp: r.start.Unix(),
		Title:     title,
	})
	if err != nil {
		return fmt.Errorf("marshal cast header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	return nil
}

// Output records console output.
func (r *Recorder) Output(data []byte) error {
	return r.write(EventOutput, string(data))
}

// Input records web input.
func (r *Recorder) Input(data []byte) error {
	return r.write(EventInput, string(data))
}

// Resize records a terminal size change.
func (r *Recorder) Resize(cols, rows int) error {
	return r.write(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if typ == EventOutput {
		r.tail.Write([]byte(data))
	}

	line, err := json.Marshal(Event{
		Offset: time.Since(r.start).Seconds(),
		Type:   typ,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("marshal cast event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write cast event: %w", err)
	}
	return nil
}

// Preview returns the last visible line of output.
func (r *Recorder) Preview() string {
	return r.tail.LastLine()
}

// Path returns the cast file path, empty when recording to a writer.
func (r *Recorder) Path() string {
	return r.path
}

// Close finishes the recording. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
