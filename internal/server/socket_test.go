package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenSpec(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		dualstack bool
		want      ListenSpec
		wantErr   bool
	}{
		{
			name:  "host and port",
			value: "127.0.0.1:9000",
			want:  ListenSpec{Host: "127.0.0.1", Port: 9000},
		},
		{
			name:  "empty host is wildcard",
			value: ":8000",
			want:  ListenSpec{Host: "0.0.0.0", Port: 8000},
		},
		{
			name:      "empty host dualstack",
			value:     ":8000",
			dualstack: true,
			want:      ListenSpec{Host: "::", Port: 8000},
		},
		{
			name:  "ipv6 host",
			value: "::1:8000",
			want:  ListenSpec{Host: "::1", Port: 8000},
		},
		{
			name:  "unix path",
			value: "unix:/tmp/app.sock",
			want:  ListenSpec{Path: "/tmp/app.sock"},
		},
		{name: "missing port", value: "127.0.0.1", wantErr: true},
		{name: "non-numeric port", value: "127.0.0.1:http", wantErr: true},
		{name: "port zero", value: "127.0.0.1:0", wantErr: true},
		{name: "port too large", value: "127.0.0.1:70000", wantErr: true},
		{name: "hostname rejected", value: "localhost:8000", wantErr: true},
		{name: "empty unix path", value: "unix:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseListenSpec(tt.value, tt.dualstack)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec)
		})
	}
}

func TestListenSpec_String(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9000", ListenSpec{Host: "127.0.0.1", Port: 9000}.String())
	assert.Equal(t, "unix:/tmp/a.sock", ListenSpec{Path: "/tmp/a.sock"}.String())
	assert.Equal(t, "[::]:80", ListenSpec{Host: "::", Port: 80}.String())
}

func TestListen_tcp(t *testing.T) {
	// Port 0 asks the kernel for an ephemeral port.
	ln, err := Listen(ListenSpec{Host: "127.0.0.1", Port: 0}, BindOptions{})
	require.NoError(t, err)
	defer ln.Close()

	_, ok := ln.(deadlineListener)
	assert.True(t, ok, "listener must support deadlines")

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	accepted.Close()
}

func TestListen_tcpWithBacklog(t *testing.T) {
	ln, err := Listen(ListenSpec{Host: "127.0.0.1", Port: 0}, BindOptions{Backlog: 4})
	require.NoError(t, err)
	ln.Close()
}

func TestListen_unix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sock")

	ln, err := Listen(ListenSpec{Path: path}, BindOptions{UnixSocketPerms: 0o660})
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()
}

func TestListen_unixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.sock")

	first, err := Listen(ListenSpec{Path: path}, BindOptions{})
	require.NoError(t, err)
	first.Close()

	// The socket file from the previous bind is unlinked before rebinding.
	second, err := Listen(ListenSpec{Path: path}, BindOptions{})
	require.NoError(t, err)
	second.Close()
}
