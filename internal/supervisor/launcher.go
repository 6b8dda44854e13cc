package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Process is a handle on one running worker.
type Process interface {
	PID() int
	// Exited reports whether the process has terminated for any reason.
	Exited() bool
	// Terminate asks the process to stop, escalating to a kill after grace.
	Terminate(grace time.Duration) error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecOptions configures ExecLauncher.
type ExecOptions struct {
	// Executable defaults to the running binary.
	Executable string
	ConfigPath string
	// Args replaces the default "worker" subcommand when set.
	Args []string
}

// ExecLauncher starts `<executable> worker [--config path]` child processes
// that share the supervisor's stdout and stderr.
type ExecLauncher struct {
	executable string
	args       []string
}

// NewExecLauncher resolves the executable and argument list.
func NewExecLauncher(opts ExecOptions) (*ExecLauncher, error) {
	executable := strings.TrimSpace(opts.Executable)
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		executable = self
	}
	args := opts.Args
	if len(args) == 0 {
		args = []string{"worker"}
		if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
			args = append(args, "--config", cfg)
		}
	}
	return &ExecLauncher{executable: executable, args: args}, nil
}

// Launch starts one child.
func (l *ExecLauncher) Launch(_ context.Context) (Process, error) {
	// Not CommandContext: the supervisor's context ending must not SIGKILL workers
	// before they get a graceful terminate.
	cmd := exec.Command(l.executable, l.args...) //nolint:gosec
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !p.Exited() {
		return fmt.Errorf("signal worker %d: %w", p.PID(), err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}
	if err := p.cmd.Process.Kill(); err != nil && !p.Exited() {
		return fmt.Errorf("kill worker %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}
