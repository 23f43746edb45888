package spawner

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/utils"
)

func init() {
	Register("process", newProcessDriver)
}

// Grace periods for the stop escalation ladder. Each stage gets its own
// budget before the next, harsher signal. Variables so tests can shrink
// the ladder.
var (
	interruptGrace = 10 * time.Second
	termGrace      = 5 * time.Second
	killGrace      = 5 * time.Second
)

// readinessTimeout bounds how long Start waits for the server to come up
// before the context's own deadline.
const readinessTimeout = 60 * time.Second

// processDriver runs the single-user server as a local child process in its
// own process group, so the whole tree can be signalled at once.
type processDriver struct {
	command  []string
	readyDir string // when set, Start waits for a "ready" file instead of a TCP probe

	pid  int
	pgid int
	port uint16

	cmd      *exec.Cmd
	exit     chan struct{} // closed after the child is reaped
	exitCode int           // valid once exit is closed
}

func newProcessDriver() (Driver, error) {
	command := strings.Fields(os.Getenv("HELMSMAN_PROCESS_COMMAND"))
	if len(command) == 0 {
		return nil, utils.MakeError("the process driver needs HELMSMAN_PROCESS_COMMAND")
	}
	return &processDriver{
		command:  command,
		readyDir: os.Getenv("HELMSMAN_PROCESS_READY_DIR"),
		exit:     make(chan struct{}),
	}, nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, utils.MakeError("couldn't probe for a free port: %s", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

func (d *processDriver) Start(ctx context.Context, req StartRequest) (*routes.Server, error) {
	port, err := freePort()
	if err != nil {
		return nil, err
	}

	env := req.ServerEnv(strconv.Itoa(int(port)))

	logDir := filepath.Join(utils.HelmsmanDir, "servers", string(req.UserID), string(req.Name))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, utils.MakeError("couldn't create server log directory: %s", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "server.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, utils.MakeError("couldn't open server log file: %s", err)
	}

	cmd := exec.Command(d.command[0], d.command[1:]...)
	cmd.Env = append(os.Environ(), EnvSlice(env)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// A fresh process group lets Stop signal the server and everything it
	// forked in one shot.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, utils.MakeError("couldn't start server process: %s", err)
	}
	d.cmd = cmd
	d.pid = cmd.Process.Pid
	d.pgid = cmd.Process.Pid

	// Reap the child as soon as it exits so it never lingers as a zombie.
	go func() {
		defer logFile.Close()
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		d.exitCode = code
		close(d.exit)
	}()

	hublogger.Infof("Started server process %d for %s/%s on port %d", d.pid, req.Username, req.Name, port)

	if err := d.waitReady(ctx, port); err != nil {
		// Don't leak the half-started process.
		if stopErr := d.Stop(context.Background(), true); stopErr != nil {
			hublogger.Errorf("Couldn't stop half-started process %d: %s", d.pid, stopErr)
		}
		return nil, err
	}

	d.port = port
	server := routes.New("http", "127.0.0.1", port, req.BasePath())
	server.Name = req.Name
	return &server, nil
}

// waitReady blocks until the server is connectable. With a ready directory
// configured it watches for the pid-named readiness file; otherwise it
// probes the TCP port.
func (d *processDriver) waitReady(ctx context.Context, port uint16) error {
	timeout := readinessTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if d.readyDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return utils.MakeError("couldn't create readiness watcher: %s", err)
		}
		defer watcher.Close()
		name := utils.Sprintf("ready-%d", d.pid)
		if err := utils.WaitForFileCreation(d.readyDir, name, timeout, watcher); err != nil {
			return utils.MakeError("server process %d never wrote its readiness file: %s", d.pid, err)
		}
		return nil
	}

	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	for time.Now().Before(deadline) {
		select {
		case <-d.exit:
			return utils.MakeError("server process %d exited with code %d before becoming ready", d.pid, d.exitCode)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return utils.MakeError("server process %d not connectable on %s after %s", d.pid, addr, timeout)
}

func (d *processDriver) Poll(ctx context.Context) (Status, error) {
	if d.pid == 0 {
		return Status{Running: false, ExitCode: -1}, nil
	}

	// Prefer our own reaper when we started the process in this lifetime.
	if d.cmd != nil {
		select {
		case <-d.exit:
			return Status{Running: false, ExitCode: d.exitCode}, nil
		default:
			return Status{Running: true}, nil
		}
	}

	// Reattached after a restart: ask the OS.
	proc, err := process.NewProcessWithContext(ctx, int32(d.pid))
	if err != nil {
		// gopsutil reports a missing pid as an error, which for us is just
		// "not running".
		return Status{Running: false, ExitCode: -1}, nil
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil {
		return Status{}, utils.MakeError("couldn't poll process %d: %s", d.pid, err)
	}
	return Status{Running: running, ExitCode: -1}, nil
}

func (d *processDriver) Stop(ctx context.Context, now bool) error {
	if d.pid == 0 {
		return nil
	}

	if now {
		return d.finalKill()
	}

	// Escalation ladder: interrupt, terminate, kill. Each stage returns
	// early as soon as the process group is gone.
	for _, stage := range []struct {
		signal syscall.Signal
		grace  time.Duration
	}{
		{syscall.SIGINT, interruptGrace},
		{syscall.SIGTERM, termGrace},
	} {
		if err := d.signal(stage.signal); err != nil {
			return nil // already gone
		}
		if d.waitGone(ctx, stage.grace) {
			return nil
		}
		hublogger.Warningf("Server process %d ignored %s", d.pid, stage.signal)
	}
	return d.finalKill()
}

func (d *processDriver) finalKill() error {
	if err := d.signal(syscall.SIGKILL); err != nil {
		return nil
	}
	if !d.waitGone(context.Background(), killGrace) {
		// A process that survives SIGKILL is stuck in the kernel (usually
		// uninterruptible I/O). Nothing more we can do from here.
		hublogger.Errorf("Server process %d still exists after SIGKILL", d.pid)
	}
	return nil
}

// signal sends sig to the whole process group. An error means the group is
// already gone.
func (d *processDriver) signal(sig syscall.Signal) error {
	return syscall.Kill(-d.pgid, sig)
}

// waitGone polls until the process group has no members or the grace period
// ends.
func (d *processDriver) waitGone(ctx context.Context, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 only probes for existence.
		if err := syscall.Kill(-d.pgid, 0); err != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

func (d *processDriver) WillResume() bool {
	// A dead process can't be resumed; every stop is final.
	return false
}

func (d *processDriver) SaveState() map[string]string {
	return map[string]string{
		"pid":  strconv.Itoa(d.pid),
		"pgid": strconv.Itoa(d.pgid),
		"port": strconv.Itoa(int(d.port)),
	}
}

func (d *processDriver) LoadState(state map[string]string) error {
	pid, err := strconv.Atoi(state["pid"])
	if err != nil {
		return utils.MakeError("bad pid in persisted driver state: %s", err)
	}
	pgid, err := strconv.Atoi(state["pgid"])
	if err != nil {
		return utils.MakeError("bad pgid in persisted driver state: %s", err)
	}
	port, err := strconv.Atoi(state["port"])
	if err != nil {
		return utils.MakeError("bad port in persisted driver state: %s", err)
	}
	d.pid, d.pgid, d.port = pid, pgid, uint16(port)
	d.cmd = nil // reattached, the reaper belongs to a previous lifetime
	return nil
}
