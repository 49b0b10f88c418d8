// Package server contains the worker-process core: socket binding, the
// accept loop, the connection-handling pool and the HTTP/1.1 protocol
// driver that invokes the application.
package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zibai-server/zibai/internal/http11"
	"github.com/zibai-server/zibai/internal/logging"
	"github.com/zibai-server/zibai/internal/pool"
	"github.com/zibai-server/zibai/internal/syncutil"
	"github.com/zibai-server/zibai/wsgi"
)

// acceptTick is how often an accept loop wakes up to observe the shutdown
// flag.
const acceptTick = 100 * time.Millisecond

// Hooks are the lifecycle callbacks around a worker's serving span.
// Each may be nil.
type Hooks struct {
	// BeforeServe runs before the first connection is accepted.
	BeforeServe func()
	// BeforeGracefulExit runs once graceful shutdown is requested. A panic
	// is logged and does not abort the shutdown.
	BeforeGracefulExit func()
	// BeforeDied runs last, after the pool has drained.
	BeforeDied func()
}

// Config assembles everything a worker needs to serve an application.
type Config struct {
	App        wsgi.App
	MaxWorkers int

	URLScheme  string
	ScriptName string

	ConnTimeout            time.Duration
	MaxIncompleteEventSize int
	GracefulExitTimeout    time.Duration

	Logger    *slog.Logger
	AccessLog bool

	Hooks Hooks
}

// Server runs the accept/dispatch loop over a set of bound listeners.
type Server struct {
	cfg      Config
	httpLog  *logging.HTTPLogger
	recvBufs *pool.Bytes

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = DefaultConnTimeout
	}
	if cfg.MaxIncompleteEventSize <= 0 {
		cfg.MaxIncompleteEventSize = http11.DefaultMaxIncompleteEventSize
	}
	return &Server{
		cfg:      cfg,
		httpLog:  &logging.HTTPLogger{Logger: cfg.Logger, AccessLog: cfg.AccessLog},
		recvBufs: pool.NewBytes(cfg.MaxIncompleteEventSize),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on the listeners until the graceful flag is
// set, then shuts the pool down. When the quick flag is also set every
// open connection is forcibly closed. Serve returns a non-nil error only
// on a fatal worker failure.
func (s *Server) Serve(listeners []net.Listener, graceful, quick *syncutil.Event) error {
	if s.cfg.Hooks.BeforeServe != nil {
		s.cfg.Hooks.BeforeServe()
	}
	if s.cfg.Hooks.BeforeDied != nil {
		defer s.cfg.Hooks.BeforeDied()
	}

	// Run the graceful-exit hook from its own goroutine the moment the
	// flag is set, so a slow hook never delays the accept loops.
	go func() {
		graceful.Wait()
		s.runGracefulExitHook()
	}()

	taskPool := NewPool(s.cfg.MaxWorkers)
	fatal := make(chan error, len(listeners))

	var wg sync.WaitGroup
	for _, ln := range listeners {
		dl, ok := ln.(deadlineListener)
		if !ok {
			return errors.New("server: listener does not support deadlines")
		}
		s.logInfo("accepting connections", "addr", ln.Addr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.acceptLoop(dl, taskPool, graceful); err != nil {
				fatal <- err
			}
		}()
	}

	// Wait for shutdown or a fatal accept/pool error.
	var fatalErr error
	select {
	case <-graceful.Done():
	case fatalErr = <-fatal:
		graceful.Set()
	case fatalErr = <-taskPool.Fatal():
		graceful.Set()
	}

	for _, ln := range listeners {
		_ = ln.Close()
		s.logInfo("stopped listening", "addr", ln.Addr().String())
	}
	wg.Wait()

	cancelled := taskPool.Shutdown(true, s.cfg.GracefulExitTimeout)
	if cancelled > 0 {
		s.logInfo("cancelled queued connections", "count", cancelled)
	}

	if quick != nil && quick.IsSet() {
		s.closeAllConnections()
	}
	return fatalErr
}

// acceptLoop accepts connections on one listener, observing the graceful
// flag on every deadline tick.
func (s *Server) acceptLoop(ln deadlineListener, taskPool *Pool, graceful *syncutil.Event) error {
	for !graceful.IsSet() {
		_ = ln.SetDeadline(time.Now().Add(acceptTick))
		conn, err := ln.Accept()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if graceful.IsSet() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// A listener failing while we are meant to be serving kills
			// the worker; the supervisor respawns it.
			return err
		}

		s.trackConn(conn)
		s.logDebug("accepted connection", "remote", conn.RemoteAddr().String())
		taskPool.Submit(func() error {
			defer s.untrackConn(conn)
			s.handleConnection(conn, graceful)
			return nil
		})
	}
	return nil
}

// handleConnection drives the protocol for one connection. Client-level
// failures (disconnects, malformed requests, application errors that were
// already logged) end with the connection closed and nothing propagated.
func (s *Server) handleConnection(conn net.Conn, graceful *syncutil.Event) {
	defer conn.Close()

	recvBuf := s.recvBufs.Get()
	defer s.recvBufs.Put(recvBuf)

	p := newProtocol(conn, protocolConfig{
		recvBuf:                *recvBuf,
		app:                    s.cfg.App,
		graceful:               graceful,
		timeout:                s.cfg.ConnTimeout,
		logger:                 s.cfg.Logger,
		httpLog:                s.httpLog,
		urlScheme:              s.cfg.URLScheme,
		scriptName:             s.cfg.ScriptName,
		maxIncompleteEventSize: s.cfg.MaxIncompleteEventSize,
	})
	if err := p.run(); err != nil {
		if errors.Is(err, errConnectionClosed) {
			s.logDebug("connection closed", "remote", conn.RemoteAddr().String())
			return
		}
		s.logDebug("connection aborted", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeAllConnections force-closes every live connection for quick exit.
// In-flight requests are aborted.
func (s *Server) closeAllConnections() {
	s.mu.Lock()
	snapshot := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		snapshot = append(snapshot, conn)
	}
	s.mu.Unlock()

	for _, conn := range snapshot {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseRead()
			_ = tcp.CloseWrite()
		}
		_ = conn.Close()
	}
	if len(snapshot) > 0 {
		s.logInfo("force closed connections", "count", len(snapshot))
	}
}

func (s *Server) runGracefulExitHook() {
	if s.cfg.Hooks.BeforeGracefulExit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("panic in before_graceful_exit callback", "panic", r)
		}
	}()
	s.cfg.Hooks.BeforeGracefulExit()
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, args...)
	}
}

func (s *Server) logDebug(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error(msg, args...)
	}
}
