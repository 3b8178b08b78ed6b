package stream

import (
	"bytes"
	"errors"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// DefaultMaxLine caps a single line when LineFramer.Max is zero.
const DefaultMaxLine = 1 << 20

// ErrLineTooLong is reported by Err once a line outgrows the cap.
var ErrLineTooLong = errors.New("upstream line too long")

// LineFramer splits a data:-framed byte stream into payloads. Partial lines
// are buffered across Feed calls, so payloads are identical however the
// input is chunked.
type LineFramer struct {
	// Max caps the length of one line. Zero means DefaultMaxLine.
	Max int

	buf     []byte
	scanned int // prefix of buf known to hold no newline
	err     error
}

// Frame is one payload line. Done marks the [DONE] sentinel.
type Frame struct {
	Data []byte
	Done bool
}

// Feed consumes p and returns every frame completed by it. After a line
// exceeds the cap Feed returns nothing and Err reports ErrLineTooLong.
func (f *LineFramer) Feed(p []byte) []Frame {
	if f.err != nil {
		return nil
	}
	f.buf = append(f.buf, p...)

	var frames []Frame
	for {
		i := bytes.IndexByte(f.buf[f.scanned:], '\n')
		if i < 0 {
			f.scanned = len(f.buf)
			break
		}
		end := f.scanned + i
		if end > f.max() {
			f.fail()
			return frames
		}
		if fr, ok := parseLine(f.buf[:end]); ok {
			frames = append(frames, fr)
		}
		f.buf = f.buf[end+1:]
		f.scanned = 0
	}

	if len(f.buf) > f.max() {
		f.fail()
		return frames
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Err returns ErrLineTooLong once the cap was exceeded.
func (f *LineFramer) Err() error {
	return f.err
}

func (f *LineFramer) max() int {
	if f.Max > 0 {
		return f.Max
	}
	return DefaultMaxLine
}

func (f *LineFramer) fail() {
	f.err = ErrLineTooLong
	f.buf = nil
	f.scanned = 0
}

// Flush returns the trailing unterminated line, if any.
func (f *LineFramer) Flush() []Frame {
	rest := f.buf
	f.buf = nil
	f.scanned = 0
	if fr, ok := parseLine(rest); ok {
		return []Frame{fr}
	}
	return nil
}

// parseLine keeps data: lines and bare JSON lines. Blank lines, comments and
// other SSE fields (event:, id:, retry:) are dropped.
func parseLine(line []byte) (Frame, bool) {
	line = bytes.TrimRight(line, "\r")
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return Frame{}, false
	}

	var payload []byte
	switch {
	case bytes.HasPrefix(line, dataPrefix):
		payload = bytes.TrimSpace(line[len(dataPrefix):])
	case line[0] == '{':
		payload = line
	default:
		return Frame{}, false
	}

	if len(payload) == 0 {
		return Frame{}, false
	}
	if bytes.Equal(payload, doneSentinel) {
		return Frame{Done: true}, true
	}
	return Frame{Data: append([]byte(nil), payload...)}, true
}
