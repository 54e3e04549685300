package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// transport is the primary/fallback spawn abstraction (spec §4.B "Fallback
// mode"): callers never observe which transport is in use, only the
// Worker.SpawnMode discriminator changes.
type transport interface {
	start(ctx context.Context, spec spawnSpec) (handle processHandle, err error)
}

// spawnSpec carries everything a transport needs to launch an agent.
type spawnSpec struct {
	Handle    string
	TeamName  string
	AgentType string
	Color     string
	WorkingDir string
	FleetURL  string
	ParentSessionID string
	InitialPrompt string
	Model     string
}

// agentEnv builds the child-process contract env vars (spec §6), identical
// across transports so callers never observe which one is in use.
func (sp spawnSpec) agentEnv() []string {
	return []string{
		"TEAM_NAME=" + sp.TeamName,
		"AGENT_ID=" + sp.TeamName + ":" + sp.Handle,
		"AGENT_TYPE=" + sp.AgentType,
		"AGENT_NAME=" + sp.Handle,
		"AGENT_COLOR=" + sp.Color,
		"FLEET_URL=" + sp.FleetURL,
		"PARENT_SESSION_ID=" + sp.ParentSessionID,
	}
}

// processHandle is a running worker child, regardless of transport.
type processHandle interface {
	Stdin() io.Writer
	Lines() <-chan string
	Interrupt() error
	Terminate() error
	Kill() error
	Wait() error
	PID() int
}

// stdioTransport forks the agent as a child process and pipes stdio,
// scanning stdout line by line (the primary transport).
type stdioTransport struct {
	command       string
	allowedRoots  []string
}

func newStdioTransport(command string, allowedRoots []string) *stdioTransport {
	return &stdioTransport{command: command, allowedRoots: allowedRoots}
}

func (t *stdioTransport) start(ctx context.Context, spec spawnSpec) (processHandle, error) {
	if err := validateWorkingDir(spec.WorkingDir, t.allowedRoots); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, t.command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.agentEnv()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return &processHandleImpl{cmd: cmd, stdin: stdin, lines: lines}, nil
}

type processHandleImpl struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
}

func (p *processHandleImpl) Stdin() io.Writer      { return p.stdin }
func (p *processHandleImpl) Lines() <-chan string  { return p.lines }
func (p *processHandleImpl) PID() int              { return p.cmd.Process.Pid }

func (p *processHandleImpl) Interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *processHandleImpl) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *processHandleImpl) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *processHandleImpl) Wait() error {
	return p.cmd.Wait()
}

// validateWorkingDir enforces spec §4.B: "Working directory is validated
// (must exist, must be inside a whitelisted root)".
func validateWorkingDir(dir string, allowedRoots []string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve working dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("working dir does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working dir %q is not a directory", abs)
	}
	if len(allowedRoots) == 0 {
		return nil
	}
	for _, root := range allowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err == nil && rel != ".." && !hasDotDotPrefix(rel) {
			return nil
		}
	}
	return fmt.Errorf("working dir %q is outside whitelisted roots", abs)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// containerTransport is the fallback transport (spec §4.B "Fallback mode"):
// used when the platform lacks a usable process-spawn primitive, it runs the
// agent inside a container via the Docker Engine API instead of os/exec.
type containerTransport struct {
	docker *client.Client
	image  string
}

func newContainerTransport(docker *client.Client, image string) *containerTransport {
	return &containerTransport{docker: docker, image: image}
}

func (t *containerTransport) start(ctx context.Context, spec spawnSpec) (processHandle, error) {
	env := spec.agentEnv()
	resp, err := t.docker.ContainerCreate(ctx, &container.Config{
		Image:        t.image,
		Env:          env,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
	}, &container.HostConfig{
		Binds: []string{spec.WorkingDir + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := t.docker.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := t.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	// With Tty:false the attach stream is stdcopy-multiplexed (8-byte frame
	// headers); demux before line-scanning or every line carries header bytes.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return &containerHandle{
		docker:    t.docker,
		id:        resp.ID,
		conn:      attach.Conn,
		lines:     lines,
	}, nil
}

type containerHandle struct {
	docker *client.Client
	id     string
	conn   io.Writer
	lines  chan string
}

func (c *containerHandle) Stdin() io.Writer     { return c.conn }
func (c *containerHandle) Lines() <-chan string { return c.lines }
func (c *containerHandle) PID() int             { return 0 }

func (c *containerHandle) Interrupt() error {
	return c.docker.ContainerKill(context.Background(), c.id, "SIGINT")
}

func (c *containerHandle) Terminate() error {
	timeout := 10
	return c.docker.ContainerStop(context.Background(), c.id, container.StopOptions{Timeout: &timeout})
}

func (c *containerHandle) Kill() error {
	return c.docker.ContainerKill(context.Background(), c.id, "SIGKILL")
}

func (c *containerHandle) Wait() error {
	statusCh, errCh := c.docker.ContainerWait(context.Background(), c.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}
