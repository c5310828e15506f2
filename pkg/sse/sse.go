// Package sse implements Server-Sent Events framing. Writers never emit a
// payload line break raw: multi-line data is split across several "data:"
// fields, which readers join back with "\n", and single-line fields have
// CR/LF replaced. A payload therefore cannot terminate its frame early.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame is one SSE event.
type Frame struct {
	ID    string
	Event string
	Data  string
	Retry int
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Encode renders f using the SSE wire format.
func Encode(f Frame) string {
	var b strings.Builder
	if f.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", f.Retry)
	}
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(singleLine(f.ID))
		b.WriteByte('\n')
	}
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(singleLine(f.Event))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(lineBreaks.Replace(f.Data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// Write encodes f to w.
func Write(w io.Writer, f Frame) error {
	_, err := io.WriteString(w, Encode(f))
	return err
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Reader decodes frames from a stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r. Lines up to 1 MiB are accepted.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next complete frame, or io.EOF when the stream ends.
// Comment lines and frames without any field are skipped.
func (r *Reader) Next() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
		seen    bool
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if !seen {
				continue
			}
			if hasData {
				frame.Data = strings.Join(data, "\n")
			}
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true
		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				frame.Retry = n
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if seen {
		if hasData {
			frame.Data = strings.Join(data, "\n")
		}
		return frame, nil
	}
	return Frame{}, io.EOF
}
