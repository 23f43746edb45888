package spawner

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/utils"
)

func init() {
	Register("docker", newDockerDriver)
}

// serverPort is where the single-user server listens inside its container.
const serverPort nat.Port = "8888/tcp"

// stopGrace is how long docker gives the container's entrypoint before the
// engine kills it.
const stopGrace = 15 * time.Second

// dockerDriver runs the single-user server in a container. Stopped
// containers are retained (unless configured otherwise) so a stop is
// resumable: the same container restarts with its filesystem intact.
type dockerDriver struct {
	client dockerclient.CommonAPIClient
	image  string
	memory int64 // bytes, 0 = unlimited
	remove bool  // remove containers on stop instead of retaining them

	containerID string
	hostPort    uint16
}

func newDockerDriver() (Driver, error) {
	image := os.Getenv("HELMSMAN_DOCKER_IMAGE")
	if image == "" {
		return nil, utils.MakeError("the docker driver needs HELMSMAN_DOCKER_IMAGE")
	}

	var memory int64
	if spec := os.Getenv("HELMSMAN_DOCKER_MEMORY"); spec != "" {
		parsed, err := units.RAMInBytes(spec)
		if err != nil {
			return nil, utils.MakeError("bad HELMSMAN_DOCKER_MEMORY %q: %s", spec, err)
		}
		memory = parsed
	}

	client, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, utils.MakeError("couldn't create docker client: %s", err)
	}

	return &dockerDriver{
		client: client,
		image:  image,
		memory: memory,
		remove: os.Getenv("HELMSMAN_DOCKER_REMOVE") == "true",
	}, nil
}

func containerName(req StartRequest) string {
	name := "helmsman-" + string(req.Username)
	if req.Name != "" {
		name += "-" + string(req.Name)
	}
	return name
}

func (d *dockerDriver) Start(ctx context.Context, req StartRequest) (*routes.Server, error) {
	// A retained container from a previous run resumes instead of starting
	// fresh.
	if d.containerID != "" {
		return d.resume(ctx, req)
	}

	env := req.ServerEnv(strings.TrimSuffix(string(serverPort), "/tcp"))

	config := dockercontainer.Config{
		Image:        d.image,
		Env:          EnvSlice(env),
		ExposedPorts: nat.PortSet{serverPort: struct{}{}},
		Labels: map[string]string{
			"org.helmsmanhq.user":   string(req.Username),
			"org.helmsmanhq.server": string(req.Name),
		},
	}
	hostConfig := dockercontainer.HostConfig{
		PortBindings: nat.PortMap{
			// HostPort left empty so the engine picks a free one.
			serverPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		Resources: dockercontainer.Resources{Memory: d.memory},
	}
	platform := v1.Platform{
		Architecture: "amd64",
		OS:           "linux",
	}

	created, err := d.client.ContainerCreate(ctx, &config, &hostConfig, nil, &platform, containerName(req))
	if err != nil {
		return nil, utils.MakeError("couldn't create container for %s/%s: %s", req.Username, req.Name, err)
	}
	d.containerID = created.ID

	if err := d.client.ContainerStart(ctx, d.containerID, dockertypes.ContainerStartOptions{}); err != nil {
		return nil, utils.MakeError("couldn't start container %s: %s", d.containerID, err)
	}
	hublogger.Infof("Started container %s for %s/%s", d.containerID[:12], req.Username, req.Name)

	return d.connect(ctx, req)
}

// resume restarts a retained container.
func (d *dockerDriver) resume(ctx context.Context, req StartRequest) (*routes.Server, error) {
	if err := d.client.ContainerStart(ctx, d.containerID, dockertypes.ContainerStartOptions{}); err != nil {
		return nil, utils.MakeError("couldn't resume container %s: %s", d.containerID, err)
	}
	hublogger.Infof("Resumed container %s for %s/%s", d.containerID[:12], req.Username, req.Name)
	return d.connect(ctx, req)
}

// connect finds the container's mapped host port and waits for it to accept
// connections.
func (d *dockerDriver) connect(ctx context.Context, req StartRequest) (*routes.Server, error) {
	inspected, err := d.client.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return nil, utils.MakeError("couldn't inspect container %s: %s", d.containerID, err)
	}
	bindings := inspected.NetworkSettings.Ports[serverPort]
	if len(bindings) == 0 {
		return nil, utils.MakeError("container %s has no binding for port %s", d.containerID, serverPort)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return nil, utils.MakeError("container %s has unparseable host port %q", d.containerID, bindings[0].HostPort)
	}
	d.hostPort = uint16(hostPort)

	if err := waitConnectable(ctx, "127.0.0.1", d.hostPort); err != nil {
		return nil, utils.MakeError("container %s never became connectable: %s", d.containerID, err)
	}

	server := routes.New("http", "127.0.0.1", d.hostPort, req.BasePath())
	server.Name = req.Name
	return &server, nil
}

// waitConnectable probes addr:port until it accepts a TCP connection or the
// readiness budget runs out.
func waitConnectable(ctx context.Context, addr string, port uint16) error {
	timeout := readinessTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	target := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", target, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return utils.MakeError("%s not connectable after %s", target, timeout)
}

func (d *dockerDriver) Poll(ctx context.Context) (Status, error) {
	if d.containerID == "" {
		return Status{Running: false, ExitCode: -1}, nil
	}
	inspected, err := d.client.ContainerInspect(ctx, d.containerID)
	if dockerclient.IsErrNotFound(err) {
		return Status{Running: false, ExitCode: -1}, nil
	}
	if err != nil {
		return Status{}, utils.MakeError("couldn't inspect container %s: %s", d.containerID, err)
	}
	if inspected.State == nil || !inspected.State.Running {
		code := -1
		if inspected.State != nil {
			code = inspected.State.ExitCode
		}
		return Status{Running: false, ExitCode: code}, nil
	}
	return Status{Running: true}, nil
}

func (d *dockerDriver) Stop(ctx context.Context, now bool) error {
	if d.containerID == "" {
		return nil
	}

	if now {
		if err := d.client.ContainerKill(ctx, d.containerID, "SIGKILL"); err != nil && !dockerclient.IsErrNotFound(err) {
			return utils.MakeError("couldn't kill container %s: %s", d.containerID, err)
		}
	} else {
		grace := stopGrace
		if err := d.client.ContainerStop(ctx, d.containerID, &grace); err != nil && !dockerclient.IsErrNotFound(err) {
			return utils.MakeError("couldn't stop container %s: %s", d.containerID, err)
		}
	}

	if d.remove {
		if err := d.client.ContainerRemove(ctx, d.containerID, dockertypes.ContainerRemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
			return utils.MakeError("couldn't remove container %s: %s", d.containerID, err)
		}
		d.containerID = ""
	}
	return nil
}

func (d *dockerDriver) WillResume() bool {
	return !d.remove
}

func (d *dockerDriver) SaveState() map[string]string {
	if d.containerID == "" {
		return nil
	}
	return map[string]string{
		"container_id": d.containerID,
		"host_port":    strconv.Itoa(int(d.hostPort)),
	}
}

func (d *dockerDriver) LoadState(state map[string]string) error {
	id := state["container_id"]
	if id == "" {
		return utils.MakeError("no container id in persisted driver state")
	}
	port, err := strconv.Atoi(state["host_port"])
	if err != nil {
		return utils.MakeError("bad host port in persisted driver state: %s", err)
	}
	d.containerID = id
	d.hostPort = uint16(port)
	return nil
}
