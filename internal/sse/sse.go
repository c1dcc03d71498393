// Package sse implements the frame codec shared by the relay and its
// clients: encoding outbound "data:" frames and incrementally splitting an
// inbound byte stream into SSE payloads.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	dataPrefix = "data:"

	// DoneSentinel marks the end of an upstream completion stream.
	DoneSentinel = "[DONE]"
)

// Encode serializes v into a single SSE frame: "data: <json>\n\n".
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	frame := make([]byte, 0, len(data)+len(dataPrefix)+3)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// LineBuffer accumulates arbitrarily sized chunks and hands back complete
// lines. Bytes after the last newline stay buffered until more input arrives.
type LineBuffer struct {
	buf []byte
}

// Write appends p and returns every line completed by it, without the
// trailing newline.
func (b *LineBuffer) Write(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(b.buf[:idx]))
		b.buf = b.buf[idx+1:]
	}

	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Payload extracts the data of a "data:" line. Blank lines, comments and
// other fields report false.
func Payload(line string) (string, bool) {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == "" {
		return "", false
	}
	return payload, true
}
