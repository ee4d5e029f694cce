package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/metrics"
)

// ProcessState tracks the supervisor's stop state machine:
// Running -> StopRequested -> (Exited | Killed).
type ProcessState int32

const (
	StateCreated ProcessState = iota
	StateRunning
	StateStopRequested
	StateExited
	StateKilled
)

// DefaultGracefulTimeout is how long Stop waits after the graceful quit
// signal before killing the process.
const DefaultGracefulTimeout = 5 * time.Second

// UnexpectedExitLine is the synthetic diagnostic record pushed when the
// process exits without a stop having been requested.
const UnexpectedExitLine = "ffmpeg process stopped unexpectedly!"

// ErrNotStarted is returned when stopping a process that never started.
var ErrNotStarted = errors.New("process not started")

// Process supervises one external ffmpeg child process. Its stderr output
// is exposed as a live multi-subscriber broadcast of text lines; the
// process is stopped by writing 'q' to its stdin (ffmpeg's interactive quit
// convention), escalating to a kill of the whole process group after a
// timeout.
type Process struct {
	path            string
	args            []string
	gracefulTimeout time.Duration
	log             *logging.Logger

	output *LineBroadcaster
	done   chan struct{}

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	state    ProcessState
	exitErr  error
	killOnce sync.Once
}

// NewProcess creates an unstarted supervisor for the given executable and
// arguments.
func NewProcess(path string, args []string, log *logging.Logger) *Process {
	return &Process{
		path:            path,
		args:            args,
		gracefulTimeout: DefaultGracefulTimeout,
		log:             log,
		output:          NewLineBroadcaster(),
		done:            make(chan struct{}),
	}
}

// SetGracefulTimeout overrides the graceful-stop timeout. Must be called
// before Start.
func (p *Process) SetGracefulTimeout(d time.Duration) {
	if d > 0 {
		p.gracefulTimeout = d
	}
}

// Args returns the process argument list as a single printable string.
func (p *Process) Args() string {
	out := p.path
	for _, a := range p.args {
		out += " " + a
	}
	return out
}

// Output is the broadcast of diagnostic lines. Subscriptions taken after
// the process exits are already closed.
func (p *Process) Output() *LineBroadcaster {
	return p.output
}

// Done closes when the process has exited and its output is flushed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// State returns the supervisor state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitErr returns the error the process exited with, if any. Valid after
// Done closes.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// UnexpectedExit reports whether the process exited before a stop was
// requested.
func (p *Process) UnexpectedExit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateExited && p.exitErr != nil
}

// Start launches the child process with stdin, stdout, and stderr
// redirected, and begins relaying stderr lines to subscribers. The child
// gets its own process group so an escalated kill takes down anything it
// spawned.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated {
		return fmt.Errorf("process already started")
	}

	cmd := exec.Command(p.path, p.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	p.log.Infof("starting ffmpeg process: %s", p.Args())

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.state = StateRunning

	go p.relayStderr(stderr)
	go p.waitForExit()

	return nil
}

func (p *Process) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.output.Publish(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Surface the dark tail to subscribers, then keep draining so the
		// child never blocks on a full stderr pipe.
		p.log.Warnf("ffmpeg diagnostic relay stopped: %v", err)
		p.output.Publish(fmt.Sprintf("diagnostic output relay stopped: %v", err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) waitForExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	stopRequested := p.state == StateStopRequested
	killed := p.state == StateKilled
	if !killed {
		p.state = StateExited
	}
	unexpected := !stopRequested && !killed
	if unexpected && err == nil {
		// Unsolicited exits count as failures even with exit code 0.
		err = errors.New("exited before stop was requested")
	}
	p.exitErr = err
	p.mu.Unlock()

	if unexpected {
		p.log.Error("ffmpeg process stopped unexpectedly")
		metrics.TranscodeFailuresTotal.Inc()
		p.output.Publish(UnexpectedExitLine)
	}

	p.output.Close()
	close(p.done)
}

// Stop requests a graceful shutdown: a single 'q' keystroke on the child's
// stdin, then a bounded wait, then a kill of the process group. Stop is
// idempotent; it returns once the process has exited.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateCreated:
		p.mu.Unlock()
		return ErrNotStarted
	case StateRunning:
		p.state = StateStopRequested
		stdin := p.stdin
		p.mu.Unlock()

		p.log.Info("stopping ffmpeg gracefully by writing 'q' to stdin")
		if _, err := io.WriteString(stdin, "q"); err != nil {
			// The process may already be gone; escalation below covers it.
			p.log.Warnf("error sending quit keystroke to ffmpeg: %v", err)
		}
	default:
		// Stop already requested or the process already exited; just wait.
		p.mu.Unlock()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.gracefulTimeout):
		p.log.Warnf("ffmpeg did not stop within %s, killing process group", p.gracefulTimeout)
	case <-ctx.Done():
	}

	p.Kill()

	<-p.done
	return nil
}

// Kill forcibly terminates the process and everything in its process
// group. Idempotent; a no-op once the process has exited.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		p.mu.Lock()
		cmd := p.cmd
		if p.state == StateRunning || p.state == StateStopRequested {
			p.state = StateKilled
		}
		p.mu.Unlock()

		if cmd == nil || cmd.Process == nil {
			return
		}

		// Negative pid signals the whole process group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			_ = cmd.Process.Kill()
		}
	})
}
