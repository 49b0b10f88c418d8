package supervisor

import (
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

// TestHelperProcess is not a real test: it is the worker body executed by
// supervised child processes in this file. It answers pings and exits on
// the first termination signal.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("HELPER_MUTE") != "1" {
		go PongLoop()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-ch:
	case <-time.After(30 * time.Second):
	}
	os.Exit(0)
}

func helperParams(extraEnv ...string) ProcessParameters {
	return ProcessParameters{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess$"},
		Env:     append([]string{"GO_WANT_HELPER_PROCESS=1"}, extraEnv...),
	}
}

func startHelper(t *testing.T, extraEnv ...string) *Process {
	t.Helper()
	p := NewProcess(helperParams(extraEnv...), nil)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		p.Kill()
		p.Join(5 * time.Second)
	})
	return p
}

func TestProcess_pingAndTerminate(t *testing.T) {
	p := startHelper(t)

	assert.NotZero(t, p.Pid())
	assert.True(t, p.Ping(5*time.Second), "worker must answer the liveness ping")
	assert.True(t, p.IsAlive(5*time.Second))

	p.Terminate()
	p.Join(5 * time.Second)
	assert.True(t, p.Exited())
}

func TestProcess_quickTerminate(t *testing.T) {
	p := startHelper(t)

	p.TerminateQuickly()
	p.Join(5 * time.Second)
	assert.True(t, p.Exited())
}

func TestProcess_hungWorkerFailsPing(t *testing.T) {
	// A worker that never pongs is hung by definition.
	p := startHelper(t, "HELPER_MUTE=1")

	assert.False(t, p.Ping(200*time.Millisecond))
	assert.False(t, p.IsAlive(200*time.Millisecond))
}

func TestProcess_joinKillsAfterTimeout(t *testing.T) {
	p := startHelper(t)

	// The helper does not exit on its own within the timeout; Join must
	// escalate to kill once the timeout passes.
	start := time.Now()
	p.Join(300 * time.Millisecond)
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func newTestManager(t *testing.T, n int) *Manager {
	t.Helper()
	m := NewManager(n, helperParams(), 5*time.Second, nil)
	m.pingTimeout = 2 * time.Second
	m.initProcesses()
	t.Cleanup(func() {
		m.shouldExit.Set()
		m.terminateAllQuickly()
		m.joinAll()
	})
	return m
}

func TestManager_scaleUpAndDown(t *testing.T) {
	m := newTestManager(t, 1)
	require.Len(t, m.Pids(), 1)

	m.handleTTIN()
	assert.Equal(t, 2, m.NumProcesses())
	assert.Len(t, m.Pids(), 2)

	m.handleTTOU()
	assert.Equal(t, 1, m.NumProcesses())
	assert.Len(t, m.Pids(), 1)
}

func TestManager_scaleDownFloorsAtOne(t *testing.T) {
	m := newTestManager(t, 1)

	m.handleTTOU()
	assert.Equal(t, 1, m.NumProcesses())
	assert.Len(t, m.Pids(), 1)
}

func TestManager_restartReplacesAllPids(t *testing.T) {
	m := newTestManager(t, 2)
	before := m.Pids()
	require.Len(t, before, 2)

	m.handleHup()

	after := m.Pids()
	require.Len(t, after, 2)
	for _, old := range before {
		assert.NotContains(t, after, old, "pid %d must have been replaced", old)
	}
}

func TestManager_replacesDeadWorker(t *testing.T) {
	m := newTestManager(t, 1)
	before := m.Pids()
	require.Len(t, before, 1)

	// Kill the worker behind the supervisor's back.
	require.NoError(t, syscall.Kill(before[0], syscall.SIGKILL))
	m.mu.Lock()
	dead := m.processes[0]
	m.mu.Unlock()
	dead.Join(5 * time.Second)

	m.keepSubprocessAlive()

	after := m.Pids()
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0], after[0])
}

func TestManager_secondExitSignalForcesExit(t *testing.T) {
	m := NewManager(1, helperParams(), time.Second, nil)
	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }

	m.shouldExit.Set()
	m.handleInt()

	select {
	case code := <-exited:
		assert.Zero(t, code)
	default:
		t.Fatal("second exit signal must force exit")
	}
}

func TestManager_ignoredSignalsAreNoops(t *testing.T) {
	m := NewManager(1, helperParams(), time.Second, nil)

	assert.NotPanics(t, func() {
		m.dispatchSignal(syscall.SIGQUIT)
		m.dispatchSignal(unix.SIGUSR1)
		m.dispatchSignal(unix.SIGUSR2)
		m.dispatchSignal(unix.SIGWINCH)
	})
}

func TestManager_intSuppressedDuringReload(t *testing.T) {
	m := NewManager(1, helperParams(), time.Second, nil)
	m.exit = func(int) { t.Fatal("must not exit while reloading") }

	m.reloadLock.Lock()
	defer m.reloadLock.Unlock()

	m.handleInt()
	assert.False(t, m.shouldExit.IsSet())
}
