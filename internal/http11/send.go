package http11

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// Send serializes an outgoing event, advancing the response-side state. The
// returned bytes must be written to the transport in order.
func (c *Conn) Send(event Event) ([]byte, error) {
	switch e := event.(type) {
	case InformationalResponse:
		return c.sendInformational(e)
	case Response:
		return c.sendResponse(e)
	case Data:
		return c.sendData(e)
	case EndOfMessage:
		return c.sendEndOfMessage()
	default:
		return nil, localError("cannot send event %T", event)
	}
}

func (c *Conn) sendInformational(e InformationalResponse) ([]byte, error) {
	if c.ourState != StateIdle {
		return nil, localError("informational response in state %s", c.ourState)
	}
	if e.StatusCode < 100 || e.StatusCode > 199 {
		return nil, localError("informational response with status %d", e.StatusCode)
	}
	var b bytes.Buffer
	writeStatusLine(&b, e.StatusCode, "")
	writeHeaders(&b, e.Headers)
	b.WriteString("\r\n")
	c.they100Continue = false
	return b.Bytes(), nil
}

func (c *Conn) sendResponse(e Response) ([]byte, error) {
	if c.ourState != StateIdle {
		return nil, localError("response head in state %s", c.ourState)
	}
	if e.StatusCode < 200 || e.StatusCode > 999 {
		return nil, localError("response with status %d", e.StatusCode)
	}

	headers := e.Headers
	cl := headerValue(headers, "Content-Length")
	te := headerValue(headers, "Transfer-Encoding")

	bodyless := e.StatusCode == 204 || e.StatusCode == 304 ||
		bytes.Equal(c.requestMethod, []byte("HEAD"))

	switch {
	case bodyless:
		c.respBody = bodyNone
	case te != nil:
		if !bytes.EqualFold(te, []byte("chunked")) {
			return nil, localError("unsupported transfer encoding %q", te)
		}
		c.respBody = bodyChunked
	case cl != nil:
		n, err := strconv.ParseInt(string(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, localError("invalid Content-Length %q", cl)
		}
		c.respBody = bodyContentLength
		c.respRemaining = n
	case c.requestVersion == "1.1":
		c.respBody = bodyChunked
		headers = append(headers, Header{
			Name:  []byte("Transfer-Encoding"),
			Value: []byte("chunked"),
		})
	default:
		// HTTP/1.0 peer without explicit framing: the body runs until
		// the connection closes.
		c.respBody = bodyContentLength
		c.respRawWrites = true
		c.weMustClose = true
	}

	if (c.clientWantsClose || c.weMustClose) && headerValue(headers, "Connection") == nil {
		headers = append(headers, Header{
			Name:  []byte("Connection"),
			Value: []byte("close"),
		})
	}

	var b bytes.Buffer
	writeStatusLine(&b, e.StatusCode, e.Reason)
	writeHeaders(&b, headers)
	b.WriteString("\r\n")
	c.ourState = StateSendBody
	c.they100Continue = false
	return b.Bytes(), nil
}

func (c *Conn) sendData(e Data) ([]byte, error) {
	if c.ourState != StateSendBody {
		return nil, localError("body data in state %s", c.ourState)
	}
	if len(e.Chunk) == 0 {
		return nil, nil
	}
	switch c.respBody {
	case bodyNone:
		return nil, localError("body data on a bodyless response")
	case bodyContentLength:
		if c.respRawWrites {
			return e.Chunk, nil
		}
		if int64(len(e.Chunk)) > c.respRemaining {
			return nil, localError("response body exceeds declared Content-Length")
		}
		c.respRemaining -= int64(len(e.Chunk))
		return e.Chunk, nil
	case bodyChunked:
		var b bytes.Buffer
		fmt.Fprintf(&b, "%x\r\n", len(e.Chunk))
		b.Write(e.Chunk)
		b.WriteString("\r\n")
		return b.Bytes(), nil
	default:
		return nil, localError("unknown response framing")
	}
}

func (c *Conn) sendEndOfMessage() ([]byte, error) {
	if c.ourState != StateSendBody {
		return nil, localError("end of message in state %s", c.ourState)
	}
	var out []byte
	switch c.respBody {
	case bodyContentLength:
		if !c.respRawWrites && c.respRemaining != 0 {
			return nil, localError("response body %d bytes short of Content-Length", c.respRemaining)
		}
	case bodyChunked:
		out = []byte("0\r\n\r\n")
	}
	c.ourState = StateDone
	return out, nil
}

func writeStatusLine(b *bytes.Buffer, code int, reason string) {
	if reason == "" {
		reason = http.StatusText(code)
	}
	fmt.Fprintf(b, "HTTP/1.1 %d %s\r\n", code, reason)
}

func writeHeaders(b *bytes.Buffer, headers []Header) {
	for _, h := range headers {
		b.Write(h.Name)
		b.WriteString(": ")
		b.Write(h.Value)
		b.WriteString("\r\n")
	}
}
