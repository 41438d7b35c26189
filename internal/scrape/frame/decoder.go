// Package frame decodes the line-delimited progress stream emitted by the
// scraping backends. Each frame is a line of the form
//
//	data: {"type":"search","message":"Searching registry"}
//
// followed by a blank separator line. Chunks may split a frame anywhere; the
// decoder buffers the tail and completes it with the next chunk.
package frame

import (
	"bytes"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvest/internal/models"
)

const (
	// DefaultPrefix is the per-line frame prefix
	DefaultPrefix = "data:"

	// DefaultMaxFrameSize bounds a single unterminated line. A line longer than
	// this is dropped as malformed so a runaway stream cannot grow the buffer forever.
	DefaultMaxFrameSize = 1 << 20
)

// Option configures a Decoder
type Option func(*Decoder)

// WithPrefix sets the frame prefix
func WithPrefix(prefix string) Option {
	return func(d *Decoder) {
		d.prefix = []byte(prefix)
	}
}

// WithMaxFrameSize sets the maximum length of one unterminated line
func WithMaxFrameSize(size int) Option {
	return func(d *Decoder) {
		if size > 0 {
			d.maxFrame = size
		}
	}
}

// Decoder turns raw stream bytes into ProgressEvents.
// It never fails: malformed lines are logged at debug and skipped.
// A Decoder is not safe for concurrent use; each stream owns one.
type Decoder struct {
	prefix    []byte
	maxFrame  int
	buf       []byte
	overflow  bool // discarding the remainder of an oversized line
	malformed int
	logger    arbor.ILogger
}

// NewDecoder creates a decoder for one stream
func NewDecoder(logger arbor.ILogger, opts ...Option) *Decoder {
	if logger == nil {
		logger = arbor.NewNoOpLogger()
	}
	d := &Decoder{
		prefix:   []byte(DefaultPrefix),
		maxFrame: DefaultMaxFrameSize,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends a chunk and returns every event completed by it, in stream order
func (d *Decoder) Feed(chunk []byte) []models.ProgressEvent {
	var events []models.ProgressEvent

	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			d.buffer(chunk)
			break
		}

		part := chunk[:idx]
		chunk = chunk[idx+1:]

		if d.overflow {
			// Terminator of the oversized line reached
			d.overflow = false
			continue
		}

		var line []byte
		if len(d.buf) > 0 {
			d.buf = append(d.buf, part...)
			line = d.buf
		} else {
			line = part
		}

		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[:0]
	}

	return events
}

// Flush parses whatever remains buffered as a final line.
// Call it once when the stream closes; a well-formed frame missing only its
// terminator is still delivered.
func (d *Decoder) Flush() []models.ProgressEvent {
	if d.overflow {
		d.overflow = false
		d.buf = d.buf[:0]
		return nil
	}
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := d.parseLine(line); ok {
		return []models.ProgressEvent{ev}
	}
	return nil
}

// Malformed returns the number of lines skipped because they could not be parsed
func (d *Decoder) Malformed() int {
	return d.malformed
}

// Buffered returns the number of bytes held waiting for a terminator
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) buffer(part []byte) {
	if d.overflow {
		return
	}
	if len(d.buf)+len(part) > d.maxFrame {
		d.malformed++
		d.logger.Debug().
			Int("max_frame_size", d.maxFrame).
			Msg("Dropping oversized stream frame")
		d.buf = d.buf[:0]
		d.overflow = true
		return
	}
	d.buf = append(d.buf, part...)
}

// parseLine decodes one complete line. Blank lines and lines without the
// frame prefix (comments, keep-alives, event names) are ignored silently.
func (d *Decoder) parseLine(line []byte) (models.ProgressEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, d.prefix) {
		return models.ProgressEvent{}, false
	}

	payload := bytes.TrimSpace(line[len(d.prefix):])

	var ev models.ProgressEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.malformed++
		d.logger.Debug().
			Err(err).
			Str("frame", truncate(payload, 120)).
			Msg("Skipping malformed stream frame")
		return models.ProgressEvent{}, false
	}
	if ev.Type == "" {
		d.malformed++
		d.logger.Debug().
			Str("frame", truncate(payload, 120)).
			Msg("Skipping stream frame without type")
		return models.ProgressEvent{}, false
	}

	return ev, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
