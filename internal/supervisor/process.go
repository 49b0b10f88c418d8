// Package supervisor keeps a set of worker processes alive: it spawns
// them, checks liveness over a ping/pong pipe pair, restarts the dead, and
// translates parent-side signals into worker lifecycle actions.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultPingTimeout bounds how long a worker may take to answer a
// liveness ping before it is considered hung.
const DefaultPingTimeout = 5 * time.Second

// Worker file descriptor layout: the child inherits the ping read end as
// fd 3 and the pong write end as fd 4.
const (
	pingReadFD  = 3
	pongWriteFD = 4
)

// ProcessParameters describes how to start one worker: the argv to
// execute and extra environment entries appended to the parent's
// environment.
type ProcessParameters struct {
	Command []string
	Env     []string
}

// Process is one supervised worker.
type Process struct {
	// ID is a short identity carried through log lines, so restarts of
	// the same slot are distinguishable.
	ID string

	params ProcessParameters
	logger *slog.Logger

	cmd       *exec.Cmd
	pingWrite *os.File // parent writes pings here
	pongRead  *os.File // parent reads pongs here

	waitDone chan struct{}
	waitErr  error
}

// NewProcess prepares a worker without starting it.
func NewProcess(params ProcessParameters, logger *slog.Logger) *Process {
	return &Process{
		ID:       uuid.NewString()[:8],
		params:   params,
		logger:   logger,
		waitDone: make(chan struct{}),
	}
}

// Start spawns the worker with a fresh address space and the liveness pipe
// pair wired up.
func (p *Process) Start() error {
	if len(p.params.Command) == 0 {
		return fmt.Errorf("supervisor: empty worker command")
	}

	pingRead, pingWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: create ping pipe: %w", err)
	}
	pongRead, pongWrite, err := os.Pipe()
	if err != nil {
		pingRead.Close()
		pingWrite.Close()
		return fmt.Errorf("supervisor: create pong pipe: %w", err)
	}

	cmd := exec.Command(p.params.Command[0], p.params.Command[1:]...)
	cmd.Env = append(os.Environ(), p.params.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pingRead, pongWrite}

	if err := cmd.Start(); err != nil {
		pingRead.Close()
		pingWrite.Close()
		pongRead.Close()
		pongWrite.Close()
		return fmt.Errorf("supervisor: start worker: %w", err)
	}

	// The child owns its pipe ends now.
	pingRead.Close()
	pongWrite.Close()

	p.cmd = cmd
	p.pingWrite = pingWrite
	p.pongRead = pongRead

	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()

	p.logInfo("started child process")
	return nil
}

// Pid returns the worker's process id, or 0 before Start.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited reports whether the worker process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// Ping sends one liveness probe and waits up to timeout for the worker's
// answer.
func (p *Process) Ping(timeout time.Duration) bool {
	if p.pingWrite == nil || p.pongRead == nil {
		return false
	}
	if _, err := p.pingWrite.Write([]byte("ping")); err != nil {
		return false
	}
	_ = p.pongRead.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4)
	_, err := p.pongRead.Read(buf)
	return err == nil
}

// IsAlive reports whether the worker both exists at the OS level and
// answers a ping within timeout. A worker failing either check is treated
// as hung.
func (p *Process) IsAlive(timeout time.Duration) bool {
	if p.Exited() {
		return false
	}
	exists, err := process.PidExists(int32(p.Pid()))
	if err != nil || !exists {
		return false
	}
	return p.Ping(timeout)
}

// Terminate requests a graceful worker exit and gives up the pipes.
func (p *Process) Terminate() {
	if p.Exited() {
		return
	}
	_ = syscall.Kill(p.Pid(), syscall.SIGTERM)
	p.logInfo("terminated child process")
	p.closePipes()
}

// TerminateQuickly requests a quick worker exit and gives up the pipes.
func (p *Process) TerminateQuickly() {
	if p.Exited() {
		return
	}
	_ = syscall.Kill(p.Pid(), syscall.SIGINT)
	p.logInfo("quickly terminated child process")
	p.closePipes()
}

// Kill force-kills the worker.
func (p *Process) Kill() {
	if p.cmd != nil && p.cmd.Process != nil && !p.Exited() {
		_ = p.cmd.Process.Kill()
	}
}

// Join waits for the worker to exit. A timeout of zero or less waits
// forever. When the timeout expires the worker is killed and re-waited in
// one-second slices until its exit is observable.
func (p *Process) Join(timeout time.Duration) {
	p.logInfo("waiting for child process")
	if timeout <= 0 {
		<-p.waitDone
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return
	case <-timer.C:
	}

	for {
		p.Kill()
		select {
		case <-p.waitDone:
			return
		case <-time.After(time.Second):
		}
	}
}

func (p *Process) closePipes() {
	if p.pingWrite != nil {
		p.pingWrite.Close()
	}
	if p.pongRead != nil {
		p.pongRead.Close()
	}
}

func (p *Process) logInfo(msg string) {
	if p.logger != nil {
		p.logger.Info(msg, "worker", p.ID, "pid", p.Pid())
	}
}

// PongLoop is the child half of the liveness protocol: it answers every
// ping on the inherited pipe pair until the parent goes away. Workers run
// it on a background goroutine.
func PongLoop() {
	in := os.NewFile(pingReadFD, "supervisor-ping")
	out := os.NewFile(pongWriteFD, "supervisor-pong")
	if in == nil || out == nil {
		return
	}
	defer in.Close()
	defer out.Close()

	buf := make([]byte, 16)
	for {
		if _, err := in.Read(buf); err != nil {
			return
		}
		if _, err := out.Write([]byte("pong")); err != nil {
			return
		}
	}
}
