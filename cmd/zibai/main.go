// Command zibai runs the HTTP application server from the command line.
//
// The positional argument selects a registered application by name;
// embedding binaries register their own applications and hooks before
// calling the library entry point.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/zibai-server/zibai"
	"github.com/zibai-server/zibai/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// listenFlags collects repeatable -l/--listen values.
type listenFlags []string

func (l *listenFlags) String() string { return strings.Join(*l, ",") }

func (l *listenFlags) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string

	listen                 listenFlags
	call                   bool
	subprocess             int
	noGevent               bool
	maxWorkers             int
	watchfiles             string
	backlog                int
	dualstackIPv6          bool
	unixSocketPerms        string
	maxIncompleteEventSize int
	maxRequestPreProcess   int
	gracefulExitTimeout    float64
	urlScheme              string
	urlPrefix              string
	beforeServe            string
	beforeGracefulExit     string
	beforeDied             string
	noAccessLog            bool
	debug                  bool
	jsonLogs               bool
}

func newFlagSet(f *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("zibai", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	fs.Var(&f.listen, "listen", "Listen address, HOST:PORT or unix:PATH (repeatable)")
	fs.Var(&f.listen, "l", "Shorthand for --listen")
	fs.BoolVar(&f.call, "call", false, "Treat the application name as a registered factory and call it")
	fs.IntVar(&f.subprocess, "subprocess", 0, "Number of worker subprocesses")
	fs.IntVar(&f.subprocess, "p", 0, "Shorthand for --subprocess")
	fs.BoolVar(&f.noGevent, "no-gevent", false, "Accepted for compatibility; has no effect")
	fs.IntVar(&f.maxWorkers, "max-workers", 10, "Maximum concurrent connection handlers per process")
	fs.IntVar(&f.maxWorkers, "w", 10, "Shorthand for --max-workers")
	fs.StringVar(&f.watchfiles, "watchfiles", "", "Watch files matching these ;-separated globs and restart workers on change")
	fs.IntVar(&f.backlog, "backlog", 0, "Listen backlog (0 uses the OS default)")
	fs.BoolVar(&f.dualstackIPv6, "dualstack-ipv6", false, "Enable dual-stack IPv6 listening")
	fs.StringVar(&f.unixSocketPerms, "unix-socket-perms", "600", "Unix socket permissions, octal")
	fs.IntVar(&f.maxIncompleteEventSize, "h11-max-incomplete-event-size", 0, "Maximum bytes of an incomplete HTTP event")
	fs.IntVar(&f.maxRequestPreProcess, "max-request-pre-process", 0, "Recycle a worker after this many requests")
	fs.Float64Var(&f.gracefulExitTimeout, "graceful-exit-timeout", 10, "Seconds to wait for in-flight requests on shutdown")
	fs.StringVar(&f.urlScheme, "url-scheme", "http", "URL scheme exposed to the application")
	fs.StringVar(&f.urlPrefix, "url-prefix", "", "URL prefix stripped from request paths (defaults to $SCRIPT_NAME)")
	fs.StringVar(&f.beforeServe, "before-serve", "", "Registered hook to run before serving")
	fs.StringVar(&f.beforeGracefulExit, "before-graceful-exit", "", "Registered hook to run on graceful exit")
	fs.StringVar(&f.beforeDied, "before-died", "", "Registered hook to run before the process dies")
	fs.BoolVar(&f.noAccessLog, "no-access-log", false, "Disable the access log")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	return fs
}

// applyCLIOverrides copies explicitly set flags onto the options, so flag
// values win over config file and environment.
func applyCLIOverrides(opts *config.Options, f *cliFlags, fs *flag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if len(f.listen) > 0 {
		opts.Listen = f.listen
	}
	if set["call"] {
		opts.Call = f.call
	}
	if set["subprocess"] || set["p"] {
		opts.Subprocess = f.subprocess
	}
	if set["no-gevent"] {
		opts.NoGevent = f.noGevent
	}
	if set["max-workers"] || set["w"] {
		opts.MaxWorkers = f.maxWorkers
	}
	if set["watchfiles"] {
		opts.Watchfiles = f.watchfiles
	}
	if set["backlog"] {
		opts.Backlog = f.backlog
	}
	if set["dualstack-ipv6"] {
		opts.DualstackIPv6 = f.dualstackIPv6
	}
	if set["unix-socket-perms"] {
		opts.UnixSocketPerms = f.unixSocketPerms
	}
	if set["h11-max-incomplete-event-size"] {
		opts.MaxIncompleteEventSize = f.maxIncompleteEventSize
	}
	if set["max-request-pre-process"] {
		opts.MaxRequestPreProcess = f.maxRequestPreProcess
	}
	if set["graceful-exit-timeout"] {
		opts.GracefulExitTimeout = f.gracefulExitTimeout
	}
	if set["url-scheme"] {
		opts.URLScheme = f.urlScheme
	}
	if set["url-prefix"] {
		opts.URLPrefix = f.urlPrefix
	}
	if set["before-serve"] {
		opts.BeforeServe = f.beforeServe
	}
	if set["before-graceful-exit"] {
		opts.BeforeGracefulExit = f.beforeGracefulExit
	}
	if set["before-died"] {
		opts.BeforeDied = f.beforeDied
	}
	if set["no-access-log"] {
		opts.NoAccessLog = f.noAccessLog
	}
	if f.debug {
		opts.LogLevel = "DEBUG"
	}
	if f.jsonLogs {
		opts.LogJSON = true
	}
}

func run(args []string) error {
	registerBuiltins()

	f := &cliFlags{}
	fs := newFlagSet(f)
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	applyCLIOverrides(opts, f, fs)

	if fs.NArg() > 0 {
		opts.App = fs.Arg(0)
	}
	if err := opts.Finalize(); err != nil {
		return err
	}

	return zibai.Main(opts)
}
