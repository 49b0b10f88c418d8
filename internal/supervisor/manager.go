package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zibai-server/zibai/internal/syncutil"
)

// mainloopTick is how often the manager drains queued signals and checks
// worker liveness.
const mainloopTick = 500 * time.Millisecond

// Manager supervises a fleet of worker processes.
type Manager struct {
	params      ProcessParameters
	joinTimeout time.Duration
	pingTimeout time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	processes    []*Process
	processesNum int

	shouldExit *syncutil.Event
	reloadLock sync.Mutex

	// Signal handlers only enqueue; the mainloop drains the channel on
	// its tick. The channel is the single boundary between asynchronous
	// signal delivery and the supervision loop.
	signalQueue chan os.Signal

	// exit exists so tests can intercept the forced second-signal exit.
	exit func(code int)
}

// NewManager creates a supervisor for processesNum workers running params.
func NewManager(processesNum int, params ProcessParameters, joinTimeout time.Duration, logger *slog.Logger) *Manager {
	if processesNum < 1 {
		processesNum = 1
	}
	return &Manager{
		params:       params,
		joinTimeout:  joinTimeout,
		pingTimeout:  DefaultPingTimeout,
		logger:       logger,
		processesNum: processesNum,
		shouldExit:   &syncutil.Event{},
		signalQueue:  make(chan os.Signal, 64),
		exit:         os.Exit,
	}
}

// Mainloop spawns the workers and supervises them until an exit signal
// arrives, then joins every worker.
func (m *Manager) Mainloop() {
	m.logInfo("started parent process", "pid", os.Getpid())

	signal.Notify(m.signalQueue,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
		unix.SIGTTIN, unix.SIGTTOU,
		syscall.SIGQUIT, unix.SIGUSR1, unix.SIGUSR2, unix.SIGWINCH,
	)
	defer signal.Stop(m.signalQueue)

	m.initProcesses()

	for !m.shouldExit.IsSet() {
		select {
		case <-m.shouldExit.Done():
		case <-time.After(mainloopTick):
		}
		m.handleSignals()
		m.keepSubprocessAlive()
	}

	m.joinAll()
	m.logInfo("stopped parent process", "pid", os.Getpid())
}

func (m *Manager) initProcesses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.processesNum; i++ {
		if p := m.spawn(); p != nil {
			m.processes = append(m.processes, p)
		}
	}
}

// spawn starts one worker. A failed spawn is logged and retried by the
// next liveness tick.
func (m *Manager) spawn() *Process {
	p := NewProcess(m.params, m.logger)
	if err := p.Start(); err != nil {
		m.logError("failed to start child process", "err", err)
		return nil
	}
	return p
}

// Pids returns the current worker pids.
func (m *Manager) Pids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.processes))
	for _, p := range m.processes {
		pids = append(pids, p.Pid())
	}
	return pids
}

// NumProcesses returns the configured worker count.
func (m *Manager) NumProcesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processesNum
}

// handleSignals drains every queued signal and dispatches it.
func (m *Manager) handleSignals() {
	for {
		select {
		case sig := <-m.signalQueue:
			m.dispatchSignal(sig)
		default:
			return
		}
	}
}

func (m *Manager) dispatchSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT:
		m.handleInt()
	case syscall.SIGTERM:
		m.handleTerm()
	case syscall.SIGHUP:
		m.handleHup()
	case unix.SIGTTIN:
		m.handleTTIN()
	case unix.SIGTTOU:
		m.handleTTOU()
	default:
		m.logInfo("received signal, but nothing to do", "signal", sig.String())
	}
}

// handleInt performs a quick exit: children are interrupted and in-flight
// requests are abandoned. While a reload holds the lock the signal is
// ignored, because interrupting a half-restarted fleet would orphan it.
func (m *Manager) handleInt() {
	if !m.reloadLock.TryLock() {
		return
	}
	m.reloadLock.Unlock()

	if m.shouldExit.IsSet() {
		// Second exit signal during shutdown: stop waiting, leave now.
		m.exit(0)
		return
	}
	m.logInfo("received SIGINT, quickly exiting")
	m.shouldExit.Set()
	m.terminateAllQuickly()
}

func (m *Manager) handleTerm() {
	if m.shouldExit.IsSet() {
		m.exit(0)
		return
	}
	m.logInfo("received SIGTERM, exiting")
	m.shouldExit.Set()
	m.terminateAll()
}

// handleHup restarts every worker one by one, so with more than one worker
// the others keep serving during the roll.
func (m *Manager) handleHup() {
	m.logInfo("received SIGHUP, restarting processes")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.processes {
		p.Terminate()
		p.Join(0)
		np := m.spawn()
		if np != nil {
			m.processes[i] = np
		}
	}
}

func (m *Manager) handleTTIN() {
	m.logInfo("received SIGTTIN, increasing processes")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processesNum++
	if p := m.spawn(); p != nil {
		m.processes = append(m.processes, p)
	}
}

func (m *Manager) handleTTOU() {
	m.logInfo("received SIGTTOU, decreasing processes")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processesNum <= 1 || len(m.processes) == 0 {
		m.logInfo("cannot decrease processes any more")
		return
	}
	m.processesNum--
	p := m.processes[len(m.processes)-1]
	m.processes = m.processes[:len(m.processes)-1]
	p.Terminate()
	p.Join(0)
}

// keepSubprocessAlive kills and replaces workers that are hung or died.
func (m *Manager) keepSubprocessAlive() {
	if m.shouldExit.IsSet() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.processes {
		if p.IsAlive(m.pingTimeout) {
			continue
		}
		p.Kill()
		p.Join(time.Second)
		if m.shouldExit.IsSet() {
			return
		}
		m.logInfo("child process died", "worker", p.ID, "pid", p.Pid())
		if np := m.spawn(); np != nil {
			m.processes[i] = np
		}
	}
	// Fill slots whose earlier spawn failed.
	for len(m.processes) < m.processesNum {
		np := m.spawn()
		if np == nil {
			return
		}
		m.processes = append(m.processes, np)
	}
}

func (m *Manager) terminateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		p.Terminate()
	}
}

func (m *Manager) terminateAllQuickly() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		p.TerminateQuickly()
	}
}

func (m *Manager) joinAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		p.Join(m.joinTimeout)
	}
}

// OnWatchfilesReload is the reloader callback: it quickly recycles the
// whole fleet under the reload lock so exit signals cannot interleave
// with the restart.
func (m *Manager) OnWatchfilesReload() {
	m.reloadLock.Lock()
	defer m.reloadLock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		p.TerminateQuickly()
	}
	for _, p := range m.processes {
		p.Join(m.joinTimeout)
	}
	// Give the kernel a moment to finish delivering the interrupts
	// before the replacements start.
	time.Sleep(time.Second)
	for i := range m.processes {
		if np := m.spawn(); np != nil {
			m.processes[i] = np
		}
	}
}

func (m *Manager) logInfo(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}

func (m *Manager) logError(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Error(msg, args...)
	}
}
