package environment

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
)

// DockerEnvironment runs agent CLIs inside containers. Each spawn creates a
// fresh container, attaches before start so no output is lost, and removes
// the container after exit.
type DockerEnvironment struct {
	cli *client.Client
	cfg config.DockerConfig
	log *logger.Logger
}

// NewDockerEnvironment creates a Docker-backed environment from the docker
// config section.
func NewDockerEnvironment(cfg config.DockerConfig, log *logger.Logger) (*DockerEnvironment, error) {
	if log == nil {
		log = logger.Default()
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEnvironment{cli: cli, cfg: cfg, log: log}, nil
}

// Name implements Environment.
func (e *DockerEnvironment) Name() string { return "docker" }

// Close releases the Docker client.
func (e *DockerEnvironment) Close() error {
	return e.cli.Close()
}

// Spawn creates, attaches to, and starts a container running the command.
// The working directory, when set, is bind-mounted at the same path inside
// the container.
func (e *DockerEnvironment) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn: command is required")
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("spawn: docker environment requires an image for %s", spec.Command)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		Env:          env,
		WorkingDir:   spec.Cwd,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    false,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(e.cfg.Network),
	}
	if spec.Cwd != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Cwd,
			Target: spec.Cwd,
		}}
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", spec.Command, err)
	}

	attach, err := e.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		e.removeContainer(created.ID)
		return nil, fmt.Errorf("attach container %s: %w", created.ID, err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		e.removeContainer(created.ID)
		return nil, fmt.Errorf("start container %s: %w", created.ID, err)
	}

	e.log.Debug("Spawned agent container",
		zap.String("container_id", created.ID),
		zap.String("image", spec.Image),
		zap.String("command", spec.Command))

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	p := &dockerProcess{
		env:         e,
		containerID: created.ID,
		stdout:      stdoutR,
		stderr:      stderrR,
		done:        make(chan ExitStatus, 1),
	}

	// Docker multiplexes both streams over one connection when Tty=false;
	// stdcopy splits them back apart.
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		attach.Close()
	}()

	go p.wait()
	return p, nil
}

func (e *DockerEnvironment) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		e.log.Warn("Failed to remove container", zap.String("container_id", id), zap.Error(err))
	}
}

type dockerProcess struct {
	env         *DockerEnvironment
	containerID string
	stdout      *io.PipeReader
	stderr      *io.PipeReader
	done        chan ExitStatus
}

func (p *dockerProcess) Stdout() io.Reader       { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader       { return p.stderr }
func (p *dockerProcess) Wait() <-chan ExitStatus { return p.done }

// PID reports 0; container processes have no meaningful host pid here.
func (p *dockerProcess) PID() int { return 0 }

// Close releases the demux pipe readers. The stdcopy goroutine has already
// closed the write ends and the attach connection by the time the streams
// hit EOF.
func (p *dockerProcess) Close() error {
	p.stdout.Close()
	p.stderr.Close()
	return nil
}

func (p *dockerProcess) Signal(sig Signal) error {
	name := "SIGTERM"
	if sig == SignalKill {
		name = "SIGKILL"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.env.cli.ContainerKill(ctx, p.containerID, name)
}

// wait blocks on the container exit, delivers the status once, and removes
// the container. The wait deliberately ignores the spawn context so a
// cancelled dispatch still observes the exit.
func (p *dockerProcess) wait() {
	statusCh, errCh := p.env.cli.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)

	var status ExitStatus
	select {
	case err := <-errCh:
		status = ExitStatus{Code: 1, Err: fmt.Errorf("wait container %s: %w", p.containerID, err)}
	case result := <-statusCh:
		status = ExitStatus{Code: int(result.StatusCode)}
		if result.Error != nil {
			status.Err = fmt.Errorf("container %s: %s", p.containerID, result.Error.Message)
		}
	}

	p.env.removeContainer(p.containerID)
	p.done <- status
}
