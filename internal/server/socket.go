package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ListenSpec is one parsed listen address: either a TCP host/port or a
// unix-domain socket path.
type ListenSpec struct {
	Host string
	Port int
	Path string
}

// IsUnix reports whether the spec names a unix-domain socket.
func (s ListenSpec) IsUnix() bool { return s.Path != "" }

func (s ListenSpec) String() string {
	if s.IsUnix() {
		return "unix:" + s.Path
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseListenSpec parses "HOST:PORT" or "unix:PATH". An empty host selects
// the wildcard address, "::" when dual-stack is requested.
func ParseListenSpec(value string, dualstackIPv6 bool) (ListenSpec, error) {
	if path, ok := strings.CutPrefix(value, "unix:"); ok {
		if path == "" {
			return ListenSpec{}, fmt.Errorf("server: empty unix socket path in %q", value)
		}
		return ListenSpec{Path: path}, nil
	}

	i := strings.LastIndex(value, ":")
	if i == -1 {
		return ListenSpec{}, fmt.Errorf("server: listen address %q must be HOST:PORT or unix:PATH", value)
	}
	host, portStr := value[:i], value[i+1:]

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ListenSpec{}, fmt.Errorf("server: listen port %q is not an integer", portStr)
	}
	if port <= 0 || port > 65535 {
		return ListenSpec{}, fmt.Errorf("server: listen port %d out of range", port)
	}

	if host == "" {
		if dualstackIPv6 {
			host = "::"
		} else {
			host = "0.0.0.0"
		}
	}
	if net.ParseIP(host) == nil {
		return ListenSpec{}, fmt.Errorf("server: listen host %q is not an IP address", host)
	}
	return ListenSpec{Host: host, Port: port}, nil
}

// BindOptions controls socket creation.
type BindOptions struct {
	Backlog         int
	DualstackIPv6   bool
	UnixSocketPerms os.FileMode
}

// deadlineListener is a listener whose Accept can be bounded, so the accept
// loop observes the shutdown flag between ticks. Both TCP and unix
// listeners satisfy it.
type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Listen creates, binds and starts listening on the socket described by
// spec.
func Listen(spec ListenSpec, opts BindOptions) (net.Listener, error) {
	if spec.IsUnix() {
		return listenUnix(spec.Path, opts)
	}
	return listenTCP(spec, opts)
}

func backlogOrDefault(backlog int) int {
	if backlog > 0 {
		return backlog
	}
	return unix.SOMAXCONN
}

// listenTCP builds the listening socket with raw syscalls so SO_REUSEPORT,
// dual-stack and an explicit backlog can be applied before listen.
func listenTCP(spec ListenSpec, opts BindOptions) (net.Listener, error) {
	ip := net.ParseIP(spec.Host)
	if ip == nil {
		return nil, fmt.Errorf("server: listen host %q is not an IP address", spec.Host)
	}

	family := unix.AF_INET6
	if v4 := ip.To4(); v4 != nil {
		family = unix.AF_INET
		ip = v4
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("server: create socket: %w", err)
	}

	if family == unix.AF_INET6 && opts.DualstackIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("server: clear IPV6_V6ONLY: %w", err)
		}
	}
	// SO_REUSEPORT lets multiple workers share one address; fall back to
	// SO_REUSEADDR where the option does not exist.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("server: set SO_REUSEADDR: %w", err)
		}
	}

	sa, err := sockaddrFor(family, ip, spec.Port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: bind %s: %w", spec, err)
	}
	if err := unix.Listen(fd, backlogOrDefault(opts.Backlog)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: listen %s: %w", spec, err)
	}

	return listenerFromFD(fd, spec.String())
}

func sockaddrFor(family int, ip net.IP, port int) (unix.Sockaddr, error) {
	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa, nil
	}
	v16 := ip.To16()
	if v16 == nil {
		return nil, fmt.Errorf("server: address %s is not an IPv6 address", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], v16)
	return sa, nil
}

func listenUnix(path string, opts BindOptions) (net.Listener, error) {
	// A stale socket file from a previous run would make bind fail.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("server: remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("server: create unix socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: bind unix:%s: %w", path, err)
	}
	perms := opts.UnixSocketPerms
	if perms == 0 {
		perms = 0o600
	}
	if err := os.Chmod(path, perms); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: chmod unix:%s: %w", path, err)
	}
	if err := unix.Listen(fd, backlogOrDefault(opts.Backlog)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: listen unix:%s: %w", path, err)
	}

	return listenerFromFD(fd, "unix:"+path)
}

// listenerFromFD wraps a listening fd in a net.Listener. FileListener dups
// the descriptor, so the original is closed here.
func listenerFromFD(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("server: wrap listener %s: %w", name, err)
	}
	if _, ok := ln.(deadlineListener); !ok {
		ln.Close()
		return nil, fmt.Errorf("server: listener %s does not support deadlines", name)
	}
	return ln, nil
}
