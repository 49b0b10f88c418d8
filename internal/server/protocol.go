package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/zibai-server/zibai/internal/http11"
	"github.com/zibai-server/zibai/internal/logging"
	"github.com/zibai-server/zibai/internal/syncutil"
	"github.com/zibai-server/zibai/wsgi"
)

// serverHeader is the Server response header value, "Zî Bái" as latin-1
// bytes.
var serverHeader = []byte{'Z', 0xEE, ' ', 'B', 0xE1, 'i'}

// DefaultConnTimeout bounds a single blocking read on a connection. A
// timed-out read is not an error; the driver re-checks the shutdown flag
// and reads again.
const DefaultConnTimeout = 5 * time.Second

// errConnectionClosed reports that the peer went away at a clean point.
// The connection is closed without noise.
var errConnectionClosed = errors.New("server: connection closed by peer")

// internalServerErrorBody is the fixed body of a synthesized 500 response.
var internalServerErrorBody = []byte("Internal Server Error")

type pendingResponse struct {
	status  int
	headers []wsgi.Header
}

// protocol drives one connection through request/response cycles until the
// peer disconnects, shutdown is requested, or an error makes the
// connection unusable.
type protocol struct {
	app      wsgi.App
	conn     net.Conn
	machine  *http11.Conn
	graceful *syncutil.Event
	timeout  time.Duration
	logger   *slog.Logger
	httpLog  *logging.HTTPLogger

	urlScheme  string
	scriptName string

	localHost, localPort string
	peerHost, peerPort   string

	recvBuf []byte

	resp       *pendingResponse
	headerSent bool
}

type protocolConfig struct {
	app                    wsgi.App
	graceful               *syncutil.Event
	timeout                time.Duration
	logger                 *slog.Logger
	httpLog                *logging.HTTPLogger
	urlScheme              string
	scriptName             string
	maxIncompleteEventSize int
	recvBuf                []byte
}

func newProtocol(conn net.Conn, cfg protocolConfig) *protocol {
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultConnTimeout
	}
	size := cfg.maxIncompleteEventSize
	if size <= 0 {
		size = http11.DefaultMaxIncompleteEventSize
	}
	recvBuf := cfg.recvBuf
	if len(recvBuf) == 0 {
		recvBuf = make([]byte, size)
	}
	p := &protocol{
		app:        cfg.app,
		conn:       conn,
		machine:    http11.NewConn(size),
		graceful:   cfg.graceful,
		timeout:    cfg.timeout,
		logger:     cfg.logger,
		httpLog:    cfg.httpLog,
		urlScheme:  cfg.urlScheme,
		scriptName: cfg.scriptName,
		recvBuf:    recvBuf,
	}
	p.localHost, p.localPort = addrHostPort(conn.LocalAddr())
	p.peerHost, p.peerPort = addrHostPort(conn.RemoteAddr())
	return p
}

// addrHostPort splits an address into host and port strings. Unix-domain
// addresses report the socket path with port 0.
func addrHostPort(addr net.Addr) (string, string) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), strconv.Itoa(a.Port)
	case *net.UnixAddr:
		return a.Name, "0"
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String(), "0"
		}
		return host, port
	}
}

// run serves keep-alive cycles until the connection is finished.
func (p *protocol) run() error {
	for !p.graceful.IsSet() {
		if err := p.serveOne(); err != nil {
			return err
		}

		// Drain whatever is left of the request body, then reset for the
		// next cycle.
		for {
			event, err := p.nextEvent()
			if err != nil {
				return err
			}
			switch event.(type) {
			case http11.EndOfMessage, http11.Paused:
				if err := p.machine.StartNextCycle(); err != nil {
					return err
				}
				p.resp = nil
				p.headerSent = false
				p.debug("start next cycle")
			case http11.Data:
				continue
			default:
				return fmt.Errorf("server: unexpected event %T between requests", event)
			}
			break
		}
	}
	return nil
}

// nextEvent pulls the next request-side event, feeding the machine from
// the socket as needed and answering 100-continue expectations.
func (p *protocol) nextEvent() (http11.Event, error) {
	for {
		event, err := p.machine.NextEvent()
		if err != nil {
			return nil, err
		}
		switch event.(type) {
		case http11.NeedData:
			if p.machine.TheyAreWaitingFor100Continue() {
				if err := p.send(http11.InformationalResponse{StatusCode: 100}); err != nil {
					return nil, err
				}
			}
			if err := p.receiveSome(); err != nil {
				return nil, err
			}
		case http11.ConnectionClosed:
			return nil, errConnectionClosed
		default:
			return event, nil
		}
	}
}

// receiveSome performs one bounded read. Timeouts are absorbed: the loop
// re-checks the shutdown flag and tries again, so a worker never blocks
// past the read timeout without observing shutdown.
func (p *protocol) receiveSome() error {
	for {
		if p.graceful.IsSet() && p.machine.TheirState() == http11.StateIdle {
			return errConnectionClosed
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
		n, err := p.conn.Read(p.recvBuf)
		if n > 0 {
			return p.machine.ReceiveData(p.recvBuf[:n])
		}
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		if errors.Is(err, io.EOF) {
			return p.machine.ReceiveData(nil)
		}
		return errConnectionClosed
	}
}

func (p *protocol) send(event http11.Event) error {
	data, err := p.machine.Send(event)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := p.conn.Write(data); err != nil {
		return errConnectionClosed
	}
	return nil
}

// readRequestBody is the receive callable behind the environ's body
// reader: one Data chunk per call, empty at end of message.
func (p *protocol) readRequestBody() ([]byte, error) {
	event, err := p.nextEvent()
	if err != nil {
		return nil, err
	}
	if data, ok := event.(http11.Data); ok {
		return data.Chunk, nil
	}
	return nil, nil
}

func (p *protocol) buildEnviron(req http11.Request) *wsgi.Environ {
	requestURI := string(req.Target)
	path, query, _ := strings.Cut(requestURI, "?")

	environ := &wsgi.Environ{
		RequestMethod:  string(req.Method),
		PathInfo:       path,
		QueryString:    query,
		RequestURI:     requestURI,
		ServerName:     p.localHost,
		ServerPort:     p.localPort,
		RemoteAddr:     p.peerHost,
		RemotePort:     p.peerPort,
		ServerProtocol: "HTTP/" + req.HTTPVersion,
		URLScheme:      p.urlScheme,
		Errors:         os.Stderr,
		Multithread:    true,
		Multiprocess:   true,
		RunOnce:        false,
		Version:        [2]int{1, 0},
	}
	for _, h := range req.Headers {
		environ.SetHeader(string(h.Name), string(h.Value))
	}
	environ.Input = wsgi.NewInput(p.readRequestBody)
	environ.StripURLPrefix(p.scriptName)
	return environ
}

// startResponse is the response-starting callback handed to the
// application.
func (p *protocol) startResponse(status string, headers []wsgi.Header, excInfo error) (wsgi.WriteFunc, error) {
	if excInfo != nil {
		if p.headerSent {
			// The application is recovering too late; nothing can be
			// sent any more.
			return nil, excInfo
		}
	} else if p.resp != nil {
		return nil, wsgi.ErrStartResponseCalled
	}

	code, err := wsgi.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.resp = &pendingResponse{status: code, headers: headers}

	return func(b []byte) error {
		_, werr := p.conn.Write(b)
		return werr
	}, nil
}

// serveOne handles a single request/response exchange.
func (p *protocol) serveOne() error {
	event, err := p.nextEvent()
	if err != nil {
		return err
	}
	req, ok := event.(http11.Request)
	if !ok {
		return fmt.Errorf("server: unexpected event %T while waiting for a request", event)
	}
	p.debug("request received", "method", string(req.Method), "target", string(req.Target))
	environ := p.buildEnviron(req)

	body, err := p.callApp(environ)
	if err != nil {
		return p.synthesizeError(environ, err)
	}
	return p.streamResponse(environ, body)
}

// callApp invokes the application, converting panics into errors.
func (p *protocol) callApp(environ *wsgi.Environ) (body wsgi.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: application panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.app(environ, p.startResponse)
}

// nextChunk advances the response body, converting panics into errors.
func (p *protocol) nextChunk(body wsgi.Body) (chunk []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("server: application panic: %v\n%s", r, debug.Stack())
		}
	}()
	return body.Next()
}

// streamResponse obtains the first body chunk, emits the response head,
// streams the rest and finishes the message. The body is closed on every
// exit path.
func (p *protocol) streamResponse(environ *wsgi.Environ, body wsgi.Body) error {
	defer p.closeBody(body)

	first, err := p.nextChunk(body)
	emptyBody := errors.Is(err, io.EOF)
	if err != nil && !emptyBody {
		return p.synthesizeError(environ, err)
	}
	if p.resp == nil {
		return p.synthesizeError(environ, wsgi.ErrStartResponseNotCalled)
	}

	if err := p.send(http11.Response{
		StatusCode: p.resp.status,
		Headers:    p.wireHeaders(p.resp.headers),
	}); err != nil {
		return err
	}
	p.headerSent = true
	p.logHTTP(environ, p.resp.status)

	if !emptyBody {
		if err := p.send(http11.Data{Chunk: first}); err != nil {
			return err
		}
		for {
			chunk, err := p.nextChunk(body)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// Headers are already out; no second response is
				// possible, so the connection is closed.
				p.logError(environ, err)
				return err
			}
			if err := p.send(http11.Data{Chunk: chunk}); err != nil {
				return err
			}
		}
	}
	return p.send(http11.EndOfMessage{})
}

// synthesizeError turns an application failure into a 500 response when no
// headers have been sent yet. The original error is returned either way so
// the connection is closed.
func (p *protocol) synthesizeError(environ *wsgi.Environ, appErr error) error {
	p.logError(environ, appErr)
	if p.headerSent {
		return appErr
	}

	p.resp = &pendingResponse{
		status: 500,
		headers: []wsgi.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(internalServerErrorBody))},
		},
	}
	if err := p.send(http11.Response{
		StatusCode: p.resp.status,
		Headers:    p.wireHeaders(p.resp.headers),
	}); err != nil {
		return appErr
	}
	p.headerSent = true
	if err := p.send(http11.Data{Chunk: internalServerErrorBody}); err != nil {
		return appErr
	}
	if err := p.send(http11.EndOfMessage{}); err != nil {
		return appErr
	}
	p.logHTTP(environ, 500)
	return appErr
}

// wireHeaders converts application headers to latin-1 and appends the
// Server header.
func (p *protocol) wireHeaders(headers []wsgi.Header) []http11.Header {
	wire := make([]http11.Header, 0, len(headers)+1)
	for _, h := range headers {
		wire = append(wire, http11.Header{
			Name:  latin1Bytes(h.Name),
			Value: latin1Bytes(h.Value),
		})
	}
	wire = append(wire, http11.Header{Name: []byte("Server"), Value: serverHeader})
	return wire
}

// latin1Bytes encodes a header string as latin-1, replacing anything
// outside that range.
func latin1Bytes(s string) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return b
}

func (p *protocol) closeBody(body wsgi.Body) {
	closer, ok := body.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		p.debug("response body close failed", "err", err)
	}
}

func (p *protocol) logHTTP(environ *wsgi.Environ, status int) {
	if p.httpLog != nil {
		p.httpLog.LogHTTP(environ, status)
	}
}

func (p *protocol) logError(environ *wsgi.Environ, err error) {
	if p.logger != nil {
		p.logger.Error("error while calling application",
			"method", environ.RequestMethod,
			"path", environ.PathInfo,
			"err", err,
		)
	}
}

func (p *protocol) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, append(args, "remote", p.peerHost, "remote_port", p.peerPort)...)
	}
}
