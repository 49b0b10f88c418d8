package zibai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/zibai-server/zibai/internal/config"
	"github.com/zibai-server/zibai/internal/logging"
	"github.com/zibai-server/zibai/internal/reloader"
	"github.com/zibai-server/zibai/internal/server"
	"github.com/zibai-server/zibai/internal/supervisor"
	"github.com/zibai-server/zibai/internal/syncutil"
	"github.com/zibai-server/zibai/wsgi"
)

// workerOptionsEnv carries the serialized options across the parent→worker
// re-exec boundary. Its presence marks a process as a supervised worker.
const workerOptionsEnv = "ZIBAI_WORKER_OPTIONS"

// Main runs the server described by opts and blocks until shutdown. It is
// the entry point used by cmd/zibai and by embedding binaries after they
// have registered their applications.
func Main(opts *config.Options) error {
	isWorker := false
	if raw := os.Getenv(workerOptionsEnv); raw != "" {
		workerOpts := &config.Options{}
		if err := json.Unmarshal([]byte(raw), workerOpts); err != nil {
			return fmt.Errorf("zibai: invalid worker options: %w", err)
		}
		opts = workerOpts
		isWorker = true
	}

	logger := logging.Configure(logging.Config{
		Level:            opts.LogLevel,
		Structured:       opts.LogJSON,
		StructuredFormat: "json",
		IncludePID:       opts.Subprocess > 0 || isWorker,
	})

	// Resolving the app up front makes a typo fail before any socket or
	// subprocess exists.
	app, err := lookupApp(opts.App, opts.Call)
	if err != nil {
		return err
	}

	specs, bindOpts, err := listenConfig(opts)
	if err != nil {
		return err
	}

	if !isWorker {
		// Pre-flight: verify every listen spec can actually be bound.
		for _, spec := range specs {
			ln, err := server.Listen(spec, bindOpts)
			if err != nil {
				return err
			}
			ln.Close()
		}
	}

	if !isWorker && opts.Subprocess > 0 {
		return supervise(opts, logger)
	}
	return serve(opts, app, logger, specs, bindOpts, isWorker)
}

func listenConfig(opts *config.Options) ([]server.ListenSpec, server.BindOptions, error) {
	perms, err := opts.SocketPerms()
	if err != nil {
		return nil, server.BindOptions{}, err
	}
	bindOpts := server.BindOptions{
		Backlog:         opts.Backlog,
		DualstackIPv6:   opts.DualstackIPv6,
		UnixSocketPerms: perms,
	}

	specs := make([]server.ListenSpec, 0, len(opts.Listen))
	for _, value := range opts.Listen {
		spec, err := server.ParseListenSpec(value, opts.DualstackIPv6)
		if err != nil {
			return nil, server.BindOptions{}, err
		}
		specs = append(specs, spec)
	}
	return specs, bindOpts, nil
}

// supervise runs the parent process: it spawns workers re-executing this
// binary and keeps them alive until an exit signal.
func supervise(opts *config.Options, logger *slog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("zibai: cannot locate own executable: %w", err)
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("zibai: cannot serialize options: %w", err)
	}

	params := supervisor.ProcessParameters{
		Command: append([]string{exe}, os.Args[1:]...),
		Env:     []string{workerOptionsEnv + "=" + string(raw)},
	}
	manager := supervisor.NewManager(opts.Subprocess, params, opts.GracefulTimeout(), logger)

	if opts.Watchfiles != "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		watcher, err := reloader.Listen(cwd, opts.Watchfiles, manager.OnWatchfilesReload, logger)
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	manager.Mainloop()
	return nil
}

// serve runs the worker core: bind, accept, dispatch, shut down.
func serve(
	opts *config.Options,
	app wsgi.App,
	logger *slog.Logger,
	specs []server.ListenSpec,
	bindOpts server.BindOptions,
	isWorker bool,
) error {
	if isWorker {
		go supervisor.PongLoop()
	}

	if opts.MaxRequestPreProcess > 0 {
		app = wsgi.NewLimitRequestCount(app, opts.MaxRequestPreProcess).Call
	}

	hooks, err := resolveHooks(opts)
	if err != nil {
		return err
	}

	graceful, quick := &syncutil.Event{}, &syncutil.Event{}
	installWorkerSignals(graceful, quick)

	listeners := make([]net.Listener, 0, len(specs))
	for _, spec := range specs {
		ln, err := server.Listen(spec, bindOpts)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	srv := server.New(server.Config{
		App:                    app,
		MaxWorkers:             opts.MaxWorkers,
		URLScheme:              opts.URLScheme,
		ScriptName:             opts.URLPrefix,
		MaxIncompleteEventSize: opts.MaxIncompleteEventSize,
		GracefulExitTimeout:    opts.GracefulTimeout(),
		Logger:                 logger,
		AccessLog:              !opts.NoAccessLog,
		Hooks:                  hooks,
	})
	return srv.Serve(listeners, graceful, quick)
}

func resolveHooks(opts *config.Options) (server.Hooks, error) {
	beforeServe, err := lookupHook(opts.BeforeServe)
	if err != nil {
		return server.Hooks{}, err
	}
	beforeGracefulExit, err := lookupHook(opts.BeforeGracefulExit)
	if err != nil {
		return server.Hooks{}, err
	}
	beforeDied, err := lookupHook(opts.BeforeDied)
	if err != nil {
		return server.Hooks{}, err
	}
	return server.Hooks{
		BeforeServe:        beforeServe,
		BeforeGracefulExit: beforeGracefulExit,
		BeforeDied:         beforeDied,
	}, nil
}

// installWorkerSignals maps termination signals onto the shutdown flags:
// SIGINT aborts in-flight requests, SIGTERM lets them finish. A second
// signal exits immediately.
func installWorkerSignals(graceful, quick *syncutil.Event) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			if graceful.IsSet() {
				os.Exit(0)
			}
			if sig == syscall.SIGINT {
				quick.Set()
			}
			graceful.Set()
		}
	}()
}
