package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxLineSize bounds a single inbound frame. Servers that return
// very large tool results still fit comfortably.
const DefaultMaxLineSize = 16 << 20

// Encode serializes v as a single JSON object followed by a newline.
// encoding/json never emits raw newlines inside a value, so the result
// is always exactly one frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one frame into a Message.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	return &msg, nil
}

// LineDecoder splits an arbitrarily chunked byte stream into complete
// newline-terminated frames. Chunk boundaries may fall anywhere,
// including inside a JSON value; the trailing incomplete fragment is
// held until a later chunk completes it.
//
// A LineDecoder is not safe for concurrent use. Each connection owns
// one, driven by its stdout reader.
type LineDecoder struct {
	buf        []byte
	max        int
	discarding bool
}

// NewLineDecoder returns a decoder that discards frames longer than
// max bytes. A max of zero or less means no limit.
func NewLineDecoder(max int) *LineDecoder {
	return &LineDecoder{max: max}
}

// Feed appends chunk to the buffer and returns every frame it completed,
// with surrounding whitespace (including a CR before the LF) trimmed.
// Blank lines are skipped. The returned slices do not alias chunk.
//
// If a frame grew past the limit, it is dropped through its terminator
// and Feed returns ErrLineTooLong alongside any other frames completed
// by the same chunk.
func (d *LineDecoder) Feed(chunk []byte) ([][]byte, error) {
	var (
		lines [][]byte
		err   error
	)
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if d.discarding {
				return lines, err
			}
			d.buf = append(d.buf, chunk...)
			if d.max > 0 && len(d.buf) > d.max {
				d.buf = nil
				d.discarding = true
				err = ErrLineTooLong
			}
			return lines, err
		}

		part := chunk[:i]
		chunk = chunk[i+1:]

		if d.discarding {
			d.discarding = false
			continue
		}

		line := append(d.buf, part...)
		d.buf = nil
		if d.max > 0 && len(line) > d.max {
			err = ErrLineTooLong
			continue
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, err
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *LineDecoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partial frame.
func (d *LineDecoder) Reset() {
	d.buf = nil
	d.discarding = false
}
