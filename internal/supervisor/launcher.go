package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/google/uuid"
)

// ErrFatalLaunch marks configuration errors (missing executable, malformed
// parameters) that must abort immediately instead of being retried.
var ErrFatalLaunch = errors.New("fatal launch error")

// RunParams are the crawl parameters handed to the subprocess.
type RunParams struct {
	// Industry selects the lead vertical the crawler targets.
	Industry string
	// QPI is the queries-per-interval throttle; the supervisor lowers it
	// between restarts when the error rate climbs.
	QPI int
	// Once runs a single pass instead of continuous crawling.
	Once bool
	// Mode is the crawler's operating mode (e.g. "standard", "deep").
	Mode string
}

// Validate rejects malformed parameters before any launch is attempted.
func (p RunParams) Validate() error {
	if p.Industry == "" {
		return fmt.Errorf("%w: industry is required", ErrFatalLaunch)
	}
	if p.QPI <= 0 {
		return fmt.Errorf("%w: qpi must be > 0", ErrFatalLaunch)
	}
	return nil
}

// Process is a handle on a launched crawler subprocess.
type Process interface {
	// Wait blocks until the process exits; a non-zero exit is an error.
	Wait() error
	// Signal delivers a graceful-termination signal.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher starts crawler subprocesses. The exec-based implementation is
// used in production; tests substitute a scripted fake.
type Launcher interface {
	Start(ctx context.Context, runID uuid.UUID, params RunParams) (Process, error)
}

// ExecLauncher launches the crawler executable via os/exec.
type ExecLauncher struct {
	// Path is the crawler executable.
	Path string
	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string
}

// Start builds the argv contract the crawler expects and starts it. A
// missing or unstartable executable is a configuration error, wrapped with
// ErrFatalLaunch so the supervisor aborts instead of retrying.
func (l *ExecLauncher) Start(ctx context.Context, runID uuid.UUID, params RunParams) (Process, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(l.Path); err != nil {
		return nil, fmt.Errorf("%w: locate crawler executable %q: %v", ErrFatalLaunch, l.Path, err)
	}

	args := []string{
		"--run-id", runID.String(),
		"--industry", params.Industry,
		"--qpi", strconv.Itoa(params.QPI),
	}
	if params.Once {
		args = append(args, "--once")
	} else {
		args = append(args, "--continuous")
	}
	if params.Mode != "" {
		args = append(args, "--mode", params.Mode)
	}
	args = append(args, l.ExtraArgs...)

	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so a graceful signal reaches the whole crawler tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start crawler: %v", ErrFatalLaunch, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("crawler exited: %w", err)
	}
	return nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signal crawler: %w", err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill crawler: %w", err)
	}
	return nil
}
