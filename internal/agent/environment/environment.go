// Package environment abstracts where agent subprocesses run. The local
// implementation spawns them with os/exec; the docker implementation runs
// them inside containers. Both hand back piped stdout/stderr and a
// single-delivery exit channel.
package environment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
)

// Signal selects the termination signal delivered to a process.
type Signal int

const (
	// SignalTerm requests a graceful shutdown.
	SignalTerm Signal = iota
	// SignalKill forces termination.
	SignalKill
)

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// SpawnSpec describes one subprocess launch. Env is merged over the
// environment's base environment, later wins; for the local environment the
// base is the parent process environment, for docker it is the container's.
type SpawnSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string

	// Image is the container image for environments that need one. The
	// local environment ignores it.
	Image string
}

// Process is a live subprocess. Stdin is never connected; agent CLIs must
// not detect a TTY and enter interactive mode.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns a channel that delivers the exit status exactly once.
	Wait() <-chan ExitStatus
	Signal(sig Signal) error
	PID() int
	// Close releases the stream readers. Call only after both streams have
	// been drained to EOF; closing earlier truncates buffered output.
	Close() error
}

// Environment spawns agent subprocesses.
type Environment interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
	Name() string
}

// LocalEnvironment runs agent processes directly on the host. Processes get
// their own process group so signals reach the whole subprocess tree.
type LocalEnvironment struct {
	log *logger.Logger
}

// NewLocalEnvironment creates the host-process environment.
func NewLocalEnvironment(log *logger.Logger) *LocalEnvironment {
	if log == nil {
		log = logger.Default()
	}
	return &LocalEnvironment{log: log}
}

// Name implements Environment.
func (e *LocalEnvironment) Name() string { return "local" }

// Spawn starts the command with piped stdout/stderr and stdin on the null
// device. Cancellation is signalled explicitly through Process.Signal, so
// the context only scopes the spawn itself.
func (e *LocalEnvironment) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: command is required")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = mergeEnv(spec.Env)
	setProcGroup(cmd)

	// Plain os.Pipes instead of StdoutPipe: Wait must not close the read
	// ends while the parser is still draining buffered output. The child's
	// exit closes the write ends and the reader sees a clean EOF after the
	// last byte.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("spawn: stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &localProcess{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan ExitStatus, 1),
	}

	e.log.Debug("Spawned agent process",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.Int("pid", cmd.Process.Pid))

	go p.wait()
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	done   chan ExitStatus

	killOnce  sync.Once
	closeOnce sync.Once
}

func (p *localProcess) Stdout() io.Reader       { return p.stdout }
func (p *localProcess) Stderr() io.Reader       { return p.stderr }
func (p *localProcess) Wait() <-chan ExitStatus { return p.done }
func (p *localProcess) PID() int                { return p.cmd.Process.Pid }

func (p *localProcess) Signal(sig Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	switch sig {
	case SignalKill:
		var err error
		p.killOnce.Do(func() { err = killProcess(p.cmd) })
		return err
	default:
		return terminateProcess(p.cmd)
	}
}

// Close releases the pipe read ends. The child's write ends are already
// gone, so without this every spawn leaks two descriptors.
func (p *localProcess) Close() error {
	p.closeOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
	})
	return nil
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	status := ExitStatus{}
	if err != nil {
		status.Code, status.Signal = exitStatus(err)
		status.Err = err
	}
	p.done <- status
}

// mergeEnv layers extra variables over the parent environment.
func mergeEnv(extra map[string]string) []string {
	base := make(map[string]string, len(extra)+64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range extra {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
