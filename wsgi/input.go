package wsgi

import (
	"bytes"
	"iter"
)

// Input is the lazy request-body reader exposed to applications. It pulls
// chunks from a receive callable on demand and buffers them internally.
// Receive must return the next body chunk, or an empty slice once the body
// is exhausted.
//
// Input is not safe for concurrent use; a request body belongs to the
// single goroutine handling its connection.
type Input struct {
	receive func() ([]byte, error)
	buf     []byte
	more    bool
	err     error
}

// NewInput creates an Input reading from receive.
func NewInput(receive func() ([]byte, error)) *Input {
	return &Input{receive: receive, more: true}
}

// HasMore reports whether buffered bytes remain or end of body has not yet
// been observed.
func (in *Input) HasMore() bool {
	return in.more || len(in.buf) > 0
}

// Err returns the first transport error encountered while receiving body
// data, if any.
func (in *Input) Err() error {
	return in.err
}

func (in *Input) receiveMore() error {
	if !in.more {
		return nil
	}
	data, err := in.receive()
	if err != nil {
		in.more = false
		in.err = err
		return err
	}
	if len(data) == 0 {
		in.more = false
		return nil
	}
	in.buf = append(in.buf, data...)
	return nil
}

// Read returns up to size bytes, or the whole remaining body when size is
// -1. It blocks on the receive callable until the request is satisfied or
// the body ends.
func (in *Input) Read(size int) ([]byte, error) {
	for (size == -1 || size > len(in.buf)) && in.more {
		if err := in.receiveMore(); err != nil {
			return nil, err
		}
	}
	if size == -1 || size >= len(in.buf) {
		result := in.buf
		in.buf = nil
		if result == nil {
			result = []byte{}
		}
		return result, nil
	}
	result := make([]byte, size)
	copy(result, in.buf[:size])
	in.buf = in.buf[size:]
	return result, nil
}

// ReadLine returns bytes up to and including the next "\n", or limit bytes,
// or the remaining body on end of input, whichever comes first.
func (in *Input) ReadLine(limit int) ([]byte, error) {
	for {
		window := in.buf
		if limit > -1 && limit < len(window) {
			window = window[:limit]
		}
		if i := bytes.IndexByte(window, '\n'); i != -1 {
			return in.take(i + 1), nil
		}
		if limit != -1 && len(in.buf) >= limit {
			return in.take(limit), nil
		}
		if !in.more {
			break
		}
		if err := in.receiveMore(); err != nil {
			return nil, err
		}
	}
	return in.take(len(in.buf)), nil
}

func (in *Input) take(n int) []byte {
	result := make([]byte, n)
	copy(result, in.buf[:n])
	in.buf = in.buf[n:]
	return result
}

// ReadLines reads the remaining body as a slice of lines. With hint -1 the
// whole body is split on "\n", a trailing empty element is dropped, and every
// line ends with "\n", including a final line that had no terminator in the
// body; otherwise exactly hint lines are read via ReadLine.
func (in *Input) ReadLines(hint int) ([][]byte, error) {
	if !in.HasMore() {
		return nil, nil
	}
	if hint == -1 {
		raw, err := in.Read(-1)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, nil
		}
		parts := bytes.Split(raw, []byte("\n"))
		if raw[len(raw)-1] == '\n' {
			parts = parts[:len(parts)-1]
		}
		lines := make([][]byte, len(parts))
		for i, part := range parts {
			line := make([]byte, len(part)+1)
			copy(line, part)
			line[len(part)] = '\n'
			lines[i] = line
		}
		return lines, nil
	}
	lines := make([][]byte, 0, hint)
	for range hint {
		line, err := in.ReadLine(-1)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Lines iterates over the remaining body line by line until it is
// exhausted. Iteration stops early on a transport error, which is then
// available from Err.
func (in *Input) Lines() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for in.HasMore() {
			line, err := in.ReadLine(-1)
			if err != nil {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}
