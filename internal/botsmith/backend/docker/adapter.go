// Package docker provides the Docker Engine reference implementation of the
// container backend.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tmarkov/botsmith/internal/botsmith/backend"
)

const (
	labelManagedBy = "botsmith.managed-by"
	labelBotID     = "botsmith.bot-id"
	labelOwnerID   = "botsmith.owner-id"
	managedByValue = "botsmith"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second

	// logTail is how many trailing log lines Logs fetches.
	logTail = "100"
)

// DefaultNetwork is the Docker network bot containers are attached to.
const DefaultNetwork = "botsmith"

// Adapter implements backend.Backend using the Docker Engine API.
//
// The workload source payload is materialized under workDir/<botID>/ on the
// host and bind-mounted read-only into the container at /app; the runtime
// image is expected to execute the entrypoint file from there. Bot code is
// never evaluated inside the control-plane process.
type Adapter struct {
	client  *dockerclient.Client
	network string
	workDir string
}

// New creates a Docker adapter using the DOCKER_HOST env var or the default
// socket. workDir is the host directory bot source payloads are written to.
func New(workDir string) (*Adapter, error) {
	return NewWithNetwork(workDir, DefaultNetwork)
}

// NewWithNetwork creates an adapter attached to a specific Docker network.
func NewWithNetwork(workDir, networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: networkName, workDir: workDir}, nil
}

// EnsureNetwork creates the botsmith Docker network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Create materializes the source payload, then creates and starts the bot
// container. Every call produces a fresh container and therefore a fresh ref.
func (a *Adapter) Create(ctx context.Context, spec backend.BotSpec) (backend.Handle, error) {
	if spec.BotID == "" {
		return backend.Handle{}, fmt.Errorf("spec.BotID is required")
	}
	if spec.Image == "" {
		return backend.Handle{}, fmt.Errorf("spec.Image is required")
	}

	entrypoint := spec.Entrypoint
	if entrypoint == "" {
		entrypoint = "main.py"
	}
	ingressPort := spec.IngressPort
	if ingressPort == 0 {
		ingressPort = backend.DefaultIngressPort
	}

	srcDir, err := a.materializeSource(spec.BotID, entrypoint, spec.Code)
	if err != nil {
		return backend.Handle{}, err
	}

	env := []string{
		fmt.Sprintf("BOT_ID=%s", spec.BotID),
		fmt.Sprintf("BOT_TOKEN=%s", spec.Credential),
		fmt.Sprintf("INGRESS_PORT=%d", ingressPort),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelBotID:     spec.BotID,
		labelOwnerID:   spec.OwnerID,
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     labels,
		WorkingDir: "/app",
		Cmd:        []string{"python", entrypoint},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   srcDir,
			Target:   "/app",
			ReadOnly: true,
		}},
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.network: {},
		},
	}

	containerName := backend.ContainerNameFor(spec.BotID)
	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		if errdefs.IsConflict(err) {
			return backend.Handle{}, fmt.Errorf("create container %s: %w", containerName, backend.ErrConflict)
		}
		return backend.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return backend.Handle{}, fmt.Errorf("start container: %w", err)
	}

	inspect, err := a.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("inspect container: %w", err)
	}

	return backend.Handle{
		BotID:        spec.BotID,
		ContainerRef: resp.ID,
		IngressURL:   ingressURLFromInspect(inspect, a.network, ingressPort),
	}, nil
}

// Stop tears down the bot's instance. A missing container is success.
func (a *Adapter) Stop(ctx context.Context, botID, ref string) error {
	if ref == "" {
		found, err := a.findContainer(ctx, botID)
		if err != nil {
			return err
		}
		if found == "" {
			return nil
		}
		ref = found
	}

	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("stop container %s: %w", ref, err)
		}
	}
	if err := a.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container %s: %w", ref, err)
		}
	}
	return nil
}

// Status reports the authoritative state of the bot's container, if any.
func (a *Adapter) Status(ctx context.Context, botID string) (backend.Status, error) {
	ref, err := a.findContainer(ctx, botID)
	if err != nil {
		return backend.Status{}, err
	}
	if ref == "" {
		return backend.Status{BotID: botID, State: backend.StateUnknown}, nil
	}

	inspect, err := a.client.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return backend.Status{BotID: botID, State: backend.StateUnknown}, nil
		}
		return backend.Status{}, fmt.Errorf("inspect container: %w", err)
	}

	state := parseState(inspect.State.Status)
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	st := backend.Status{
		BotID:        botID,
		Running:      state == backend.StateRunning,
		ContainerRef: inspect.ID,
		State:        state,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		ExitCode:     inspect.State.ExitCode,
		Error:        inspect.State.Error,
	}
	if st.Running {
		st.IngressURL = ingressURLFromInspect(inspect, a.network, backend.DefaultIngressPort)
	}
	return st, nil
}

// Logs returns the trailing output of the bot's container.
func (a *Adapter) Logs(ctx context.Context, botID string) ([]string, error) {
	ref, err := a.findContainer(ctx, botID)
	if err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, nil
	}

	rc, err := a.client.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
		Timestamps: true,
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	// Docker multiplexes stdout/stderr in one stream; demux before splitting.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("demux container logs: %w", err)
	}

	lines := splitLines(stdout.String())
	lines = append(lines, splitLines(stderr.String())...)
	return lines, nil
}

// List returns handles for all botsmith-managed containers, running or not.
func (a *Adapter) List(ctx context.Context) ([]backend.Handle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]backend.Handle, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, backend.Handle{
			BotID:        c.Labels[labelBotID],
			ContainerRef: c.ID,
		})
	}
	return handles, nil
}

// --- helpers ---

// materializeSource writes the code payload under workDir/<botID>/<entrypoint>.
func (a *Adapter) materializeSource(botID, entrypoint string, code []byte) (string, error) {
	dir := filepath.Join(a.workDir, botID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create source dir: %w", err)
	}
	path := filepath.Join(dir, entrypoint)
	if err := os.WriteFile(path, code, 0o644); err != nil {
		return "", fmt.Errorf("write source payload: %w", err)
	}
	return dir, nil
}

// findContainer resolves the newest container carrying the bot's label.
// Returns "" when no container exists.
func (a *Adapter) findContainer(ctx context.Context, botID string) (string, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelBotID+"="+botID),
		),
	})
	if err != nil {
		return "", fmt.Errorf("list containers for bot %s: %w", botID, err)
	}
	if len(containers) == 0 {
		return "", nil
	}

	newest := containers[0]
	for _, c := range containers[1:] {
		if c.Created > newest.Created {
			newest = c
		}
	}
	return newest.ID, nil
}

func parseState(s string) backend.InstanceState {
	switch strings.ToLower(s) {
	case "running":
		return backend.StateRunning
	case "stopped", "paused":
		return backend.StateStopped
	case "exited", "dead":
		return backend.StateExited
	case "created":
		return backend.StateCreated
	default:
		return backend.StateUnknown
	}
}

func ingressURLFromInspect(inspect types.ContainerJSON, networkName string, port int) string {
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
