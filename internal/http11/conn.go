package http11

import (
	"bytes"
	"strconv"
)

// DefaultMaxIncompleteEventSize bounds how many bytes may accumulate while
// waiting for a single event (a request head, a chunk header) to complete.
const DefaultMaxIncompleteEventSize = 16 * 1024

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyContentLength
	bodyChunked
)

type chunkPhase int

const (
	chunkHeader chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// Conn is a server-side HTTP/1.1 connection state machine. It holds no
// socket; the caller shovels bytes between the machine and the transport.
type Conn struct {
	maxIncompleteEventSize int

	buf []byte
	eof bool

	theirState State
	ourState   State

	requestMethod    []byte
	requestVersion   string
	clientWantsClose bool
	weMustClose      bool
	they100Continue  bool

	// Request body framing.
	reqBody        bodyKind
	reqRemaining   int64
	chunkPhase     chunkPhase
	chunkRemaining int64

	// Response body framing.
	respBody      bodyKind
	respRemaining int64
	respRawWrites bool
}

// NewConn creates a connection machine. maxIncompleteEventSize of 0 selects
// the default.
func NewConn(maxIncompleteEventSize int) *Conn {
	if maxIncompleteEventSize <= 0 {
		maxIncompleteEventSize = DefaultMaxIncompleteEventSize
	}
	return &Conn{maxIncompleteEventSize: maxIncompleteEventSize}
}

// TheirState returns the request-side state.
func (c *Conn) TheirState() State { return c.theirState }

// OurState returns the response-side state.
func (c *Conn) OurState() State { return c.ourState }

// TheyAreWaitingFor100Continue reports whether the client sent
// "Expect: 100-continue" and has not yet received a response or started its
// body.
func (c *Conn) TheyAreWaitingFor100Continue() bool { return c.they100Continue }

// ReceiveData feeds bytes read from the transport into the machine. An
// empty slice records end of stream.
func (c *Conn) ReceiveData(data []byte) error {
	if len(data) == 0 {
		c.eof = true
		return nil
	}
	if c.eof {
		return localError("received data after end of stream")
	}
	c.buf = append(c.buf, data...)
	return nil
}

// NextEvent produces the next request-side event. It returns NeedData when
// the transport must deliver more bytes first, and Paused once the current
// request is fully consumed.
func (c *Conn) NextEvent() (Event, error) {
	switch c.theirState {
	case StateError:
		return nil, remoteError("connection is in an error state")
	case StateClosed:
		return ConnectionClosed{}, nil
	case StateDone:
		return Paused{}, nil
	case StateIdle:
		return c.parseRequestHead()
	case StateSendBody:
		return c.parseBody()
	default:
		return nil, localError("unexpected request state %s", c.theirState)
	}
}

// headEnd locates the blank line terminating a request head, accepting both
// CRLF and bare LF line endings. It returns the end of the head and the
// offset where the body begins, or -1 when incomplete.
func headEnd(buf []byte) (head, body int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf != -1 && (lf == -1 || crlf < lf):
		return crlf, crlf + 4
	case lf != -1:
		return lf, lf + 2
	default:
		return -1, -1
	}
}

func (c *Conn) parseRequestHead() (Event, error) {
	head, body := headEnd(c.buf)
	if head == -1 {
		if c.eof {
			if len(bytes.TrimSpace(c.buf)) == 0 {
				c.theirState = StateClosed
				return ConnectionClosed{}, nil
			}
			return nil, c.fail(remoteError("peer closed with incomplete request"))
		}
		if len(c.buf) > c.maxIncompleteEventSize {
			return nil, c.fail(remoteError("request head exceeds %d bytes", c.maxIncompleteEventSize))
		}
		return NeedData{}, nil
	}

	lines := splitHeadLines(c.buf[:head])
	if len(lines) == 0 {
		return nil, c.fail(remoteError("empty request head"))
	}

	method, target, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, c.fail(err)
	}
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, c.fail(err)
	}
	c.buf = c.buf[body:]

	if err := c.applyRequestFraming(method, version, headers); err != nil {
		return nil, c.fail(err)
	}

	c.requestMethod = method
	c.requestVersion = version
	c.theirState = StateSendBody

	return Request{
		Method:      method,
		Target:      target,
		Headers:     headers,
		HTTPVersion: version,
	}, nil
}

func splitHeadLines(head []byte) [][]byte {
	raw := bytes.Split(head, []byte("\n"))
	lines := make([][]byte, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, bytes.TrimSuffix(line, []byte("\r")))
	}
	return lines
}

func parseRequestLine(line []byte) (method, target []byte, version string, err error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return nil, nil, "", remoteError("malformed request line %q", line)
	}
	method, target = parts[0], parts[1]
	if len(method) == 0 || len(target) == 0 {
		return nil, nil, "", remoteError("malformed request line %q", line)
	}
	switch string(parts[2]) {
	case "HTTP/1.1":
		version = "1.1"
	case "HTTP/1.0":
		version = "1.0"
	default:
		return nil, nil, "", remoteError("unsupported protocol %q", parts[2])
	}
	return method, target, version, nil
}

func parseHeaders(lines [][]byte) ([]Header, error) {
	headers := make([]Header, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, remoteError("obsolete header line folding")
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(name) == 0 || bytes.ContainsAny(name, " \t") {
			return nil, remoteError("malformed header line %q", line)
		}
		headers = append(headers, Header{
			Name:  name,
			Value: bytes.Trim(value, " \t"),
		})
	}
	return headers, nil
}

// headerValue returns the value of the first header matching name
// (case-insensitive), or nil.
func headerValue(headers []Header, name string) []byte {
	for _, h := range headers {
		if len(h.Name) == len(name) && bytes.EqualFold(h.Name, []byte(name)) {
			return h.Value
		}
	}
	return nil
}

func (c *Conn) applyRequestFraming(method []byte, version string, headers []Header) error {
	if version == "1.1" && headerValue(headers, "Host") == nil {
		return remoteError("HTTP/1.1 request without Host header")
	}

	te := headerValue(headers, "Transfer-Encoding")
	cl := headerValue(headers, "Content-Length")
	switch {
	case te != nil:
		if !bytes.EqualFold(te, []byte("chunked")) {
			return remoteError("unsupported transfer encoding %q", te)
		}
		if cl != nil {
			return remoteError("both Content-Length and Transfer-Encoding present")
		}
		c.reqBody = bodyChunked
		c.chunkPhase = chunkHeader
	case cl != nil:
		n, err := strconv.ParseInt(string(cl), 10, 64)
		if err != nil || n < 0 {
			return remoteError("invalid Content-Length %q", cl)
		}
		c.reqBody = bodyContentLength
		c.reqRemaining = n
	default:
		c.reqBody = bodyNone
	}

	if conn := headerValue(headers, "Connection"); conn != nil {
		if connectionTokenPresent(conn, "close") {
			c.clientWantsClose = true
		}
		if version == "1.0" && !connectionTokenPresent(conn, "keep-alive") {
			c.clientWantsClose = true
		}
	} else if version == "1.0" {
		c.clientWantsClose = true
	}

	if expect := headerValue(headers, "Expect"); expect != nil &&
		bytes.EqualFold(expect, []byte("100-continue")) && c.reqBody != bodyNone {
		c.they100Continue = true
	}
	return nil
}

// connectionTokenPresent reports whether a comma-separated Connection header
// contains the given token.
func connectionTokenPresent(value []byte, token string) bool {
	for _, part := range bytes.Split(value, []byte(",")) {
		if bytes.EqualFold(bytes.Trim(part, " \t"), []byte(token)) {
			return true
		}
	}
	return false
}

func (c *Conn) parseBody() (Event, error) {
	switch c.reqBody {
	case bodyNone:
		c.theirState = StateDone
		return EndOfMessage{}, nil
	case bodyContentLength:
		return c.parseCountedBody()
	case bodyChunked:
		return c.parseChunkedBody()
	default:
		return nil, localError("unknown body framing")
	}
}

func (c *Conn) parseCountedBody() (Event, error) {
	if c.reqRemaining == 0 {
		c.theirState = StateDone
		return EndOfMessage{}, nil
	}
	if len(c.buf) == 0 {
		if c.eof {
			return nil, c.fail(remoteError("peer closed with %d body bytes outstanding", c.reqRemaining))
		}
		return NeedData{}, nil
	}
	n := int64(len(c.buf))
	if n > c.reqRemaining {
		n = c.reqRemaining
	}
	chunk := c.buf[:n:n]
	c.buf = c.buf[n:]
	c.reqRemaining -= n
	c.they100Continue = false
	return Data{Chunk: chunk}, nil
}

func (c *Conn) parseChunkedBody() (Event, error) {
	for {
		switch c.chunkPhase {
		case chunkHeader:
			line, rest, ok := cutLine(c.buf)
			if !ok {
				return c.needMoreChunkBytes()
			}
			c.buf = rest
			size, err := parseChunkSize(line)
			if err != nil {
				return nil, c.fail(err)
			}
			if size == 0 {
				c.chunkPhase = chunkTrailer
				continue
			}
			c.chunkRemaining = size
			c.chunkPhase = chunkData
		case chunkData:
			if len(c.buf) == 0 {
				return c.needMoreChunkBytes()
			}
			n := int64(len(c.buf))
			if n > c.chunkRemaining {
				n = c.chunkRemaining
			}
			chunk := c.buf[:n:n]
			c.buf = c.buf[n:]
			c.chunkRemaining -= n
			if c.chunkRemaining == 0 {
				c.chunkPhase = chunkDataEnd
			}
			c.they100Continue = false
			return Data{Chunk: chunk}, nil
		case chunkDataEnd:
			line, rest, ok := cutLine(c.buf)
			if !ok {
				return c.needMoreChunkBytes()
			}
			if len(line) != 0 {
				return nil, c.fail(remoteError("missing CRLF after chunk data"))
			}
			c.buf = rest
			c.chunkPhase = chunkHeader
		case chunkTrailer:
			line, rest, ok := cutLine(c.buf)
			if !ok {
				return c.needMoreChunkBytes()
			}
			c.buf = rest
			if len(line) == 0 {
				c.theirState = StateDone
				return EndOfMessage{}, nil
			}
			// Trailer fields are consumed and discarded.
		}
	}
}

func (c *Conn) needMoreChunkBytes() (Event, error) {
	if c.eof {
		return nil, c.fail(remoteError("peer closed mid chunked body"))
	}
	if len(c.buf) > c.maxIncompleteEventSize {
		return nil, c.fail(remoteError("chunk header exceeds %d bytes", c.maxIncompleteEventSize))
	}
	return NeedData{}, nil
}

// cutLine splits buf at the first LF, trimming an optional preceding CR.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i == -1 {
		return nil, buf, false
	}
	return bytes.TrimSuffix(buf[:i], []byte("\r")), buf[i+1:], true
}

func parseChunkSize(line []byte) (int64, error) {
	// Chunk extensions after ";" are ignored.
	sizePart, _, _ := bytes.Cut(line, []byte(";"))
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizePart)), 16, 64)
	if err != nil || size < 0 {
		return 0, remoteError("invalid chunk size %q", line)
	}
	return size, nil
}

// fail moves the request side into the error state and returns err.
func (c *Conn) fail(err error) error {
	c.theirState = StateError
	return err
}

// StartNextCycle resets a completed exchange so the connection can carry
// another request. It fails if either side is unfinished or the connection
// cannot be reused.
func (c *Conn) StartNextCycle() error {
	if c.theirState != StateDone || c.ourState != StateDone {
		return localError("cannot reuse connection in state their=%s our=%s", c.theirState, c.ourState)
	}
	if c.clientWantsClose || c.weMustClose {
		return localError("connection is not reusable")
	}
	c.theirState = StateIdle
	c.ourState = StateIdle
	c.requestMethod = nil
	c.requestVersion = ""
	c.they100Continue = false
	c.reqBody = bodyNone
	c.reqRemaining = 0
	c.chunkPhase = chunkHeader
	c.chunkRemaining = 0
	c.respBody = bodyNone
	c.respRemaining = 0
	c.respRawWrites = false
	return nil
}
