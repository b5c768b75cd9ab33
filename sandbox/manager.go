// Package sandbox manages the Docker container the coding agent runs in.
// One long-lived container hosts the agent and the MCP bridge; the
// orchestrator execs into it and dials the bridge's WebSocket.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gorilla/websocket"
)

const (
	DefaultImage   = "outie-sandbox:latest"
	LabelManagedBy = "outie.managed-by"
	containerName  = "outie-sandbox"

	readyAttempts = 30
	readyInterval = time.Second
)

// ErrUnavailable is returned when Docker is down or the sandbox never
// becomes ready.
var ErrUnavailable = errors.New("sandbox unavailable")

// Manager handles the sandbox container's lifecycle.
type Manager struct {
	client  *client.Client
	baseDir string
	image   string

	mu        sync.RWMutex
	env       []string
	available bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithImage sets the sandbox image.
func WithImage(img string) Option {
	return func(m *Manager) {
		m.image = img
	}
}

// NewManager creates a Manager. When Docker cannot be reached the Manager
// is returned with available=false; operations then fail with
// ErrUnavailable rather than the constructor.
func NewManager(baseDir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		baseDir: baseDir,
		image:   DefaultImage,
	}
	for _, opt := range opts {
		opt(m)
	}

	cli, err := createDockerClient()
	if err != nil {
		return m, nil
	}
	m.client = cli
	m.available = true
	return m, nil
}

// createDockerClient tries the environment first, then common socket
// locations for Docker Desktop and Colima.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return cli, nil
		}
		cli.Close()
	}
	return nil, fmt.Errorf("could not connect to Docker daemon")
}

// IsAvailable reports whether Docker was reachable at startup.
func (m *Manager) IsAvailable() bool {
	return m.available
}

// InstallEnv merges environment variables into every subsequent exec.
// Used to hand the coding agent its repository credentials.
func (m *Manager) InstallEnv(vars map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range vars {
		m.env = append(m.env, k+"="+v)
	}
}

// Wake ensures the sandbox container exists and is running, creating it
// on first use.
func (m *Manager) Wake(ctx context.Context) (string, error) {
	if !m.available {
		return "", fmt.Errorf("%w: docker not available", ErrUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.findContainer(ctx)
	if err == nil && existing != "" {
		inspect, err := m.client.ContainerInspect(ctx, existing)
		if err == nil {
			if inspect.State.Running {
				return existing, nil
			}
			if err := m.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("start sandbox: %w", err)
			}
			return existing, nil
		}
	}

	if err := m.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("pull sandbox image: %w", err)
	}

	workPath, err := filepath.Abs(filepath.Join(m.baseDir, "sandbox"))
	if err != nil {
		return "", fmt.Errorf("resolve sandbox dir: %w", err)
	}
	if err := os.MkdirAll(workPath, 0755); err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}

	containerCfg := &container.Config{
		Image:      m.image,
		WorkingDir: "/workspace",
		Labels:     map[string]string{LabelManagedBy: "outie"},
		Tty:        true,
		OpenStdin:  true,
		Cmd:        []string{"tail", "-f", "/dev/null"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workPath,
			Target: "/workspace",
		}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		NetworkMode:   "host",
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox: %w", err)
	}
	return resp.ID, nil
}

// WaitReady polls until the container answers a trivial exec, giving the
// agent runtime time to come up after Wake.
func (m *Manager) WaitReady(ctx context.Context) error {
	for attempt := 0; attempt < readyAttempts; attempt++ {
		res, err := m.Exec(ctx, []string{"echo", "ready"}, "")
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
	return fmt.Errorf("%w: not ready after %d attempts", ErrUnavailable, readyAttempts)
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs a command in the sandbox, waking it first if needed.
func (m *Manager) Exec(ctx context.Context, command []string, workDir string) (*ExecResult, error) {
	if !m.available {
		return nil, fmt.Errorf("%w: docker not available", ErrUnavailable)
	}

	m.mu.RLock()
	containerID, err := m.findContainer(ctx)
	env := make([]string, len(m.env))
	copy(env, m.env)
	m.mu.RUnlock()
	if err != nil {
		containerID, err = m.Wake(ctx)
		if err != nil {
			return nil, err
		}
	}

	if workDir == "" {
		workDir = "/workspace"
	}
	execResp, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		Env:          env,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := m.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspectResp, err := m.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}
	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// WSConnect wakes the sandbox and dials a WebSocket endpoint served from
// inside it. The container runs with host networking, so the bridge's
// uplink port is reachable on the local interface.
func (m *Manager) WSConnect(ctx context.Context, url string) (*websocket.Conn, error) {
	if _, err := m.Wake(ctx); err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sandbox websocket: %w", err)
	}
	return conn, nil
}

// Stop stops the sandbox container.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.available {
		return fmt.Errorf("%w: docker not available", ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	containerID, err := m.findContainer(ctx)
	if err != nil {
		return nil
	}
	timeout := 10
	return m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// Remove stops and removes the sandbox container.
func (m *Manager) Remove(ctx context.Context) error {
	if !m.available {
		return fmt.Errorf("%w: docker not available", ErrUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	containerID, err := m.findContainer(ctx)
	if err != nil {
		return nil
	}
	timeout := 5
	_ = m.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (m *Manager) findContainer(ctx context.Context) (string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerName)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+containerName {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("container not found: %s", containerName)
}

func (m *Manager) ensureImage(ctx context.Context) error {
	_, _, err := m.client.ImageInspectWithRaw(ctx, m.image)
	if err == nil {
		return nil
	}
	reader, err := m.client.ImagePull(ctx, m.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
