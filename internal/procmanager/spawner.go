package procmanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/ska-telescope/sec/internal/config"
)

// SpawnedProcess is everything the Manager needs to drive a Worker
// subprocess's stdin/stdout and eventually reap it, whether that
// subprocess is a real OS process or, in tests, an in-process fake
// wired over an io.Pipe. Grounded on internal/agentctl/process.
// Manager.Start's stdin/stdout pipe pair plus a dedicated
// cmd.Wait goroutine.
type SpawnedProcess struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	// Signal delivers sig to the process (SIGTERM for cooperative stop).
	Signal func(sig os.Signal) error
	// Kill forcibly terminates the process (SIGKILL equivalent).
	Kill func() error
	// Wait blocks until the process has exited and returns its error,
	// nil on a clean (exit code 0) exit.
	Wait func() error
}

// Spawner starts one Worker subprocess for pid and returns a handle to
// its pipes and lifecycle. scanID is the current value of the
// Manager's ScanCounter, the one shared mutable object spec.md §5/§9
// describes as passed across process boundaries at spawn time.
type Spawner interface {
	Spawn(ctx context.Context, pid int64, scanID int64) (*SpawnedProcess, error)
}

// ExecSpawner spawns the configured worker binary as a real child
// process, passing pid as its sole argument. Grounded directly on
// internal/agentctl/process.Manager.Start: exec.Command, Stdin/Stdout
// pipes, and cmd.Wait on its own goroutine rather than blocking the
// caller.
type ExecSpawner struct {
	BinaryPath string
}

// NewExecSpawner builds an ExecSpawner from the Supervisor config's
// worker binary path.
func NewExecSpawner(cfg config.SupervisorConfig) *ExecSpawner {
	return &ExecSpawner{BinaryPath: cfg.WorkerBinaryPath}
}

func (s *ExecSpawner) Spawn(ctx context.Context, pid int64, scanID int64) (*SpawnedProcess, error) {
	cmd := exec.Command(s.BinaryPath, strconv.FormatInt(pid, 10))
	cmd.Env = append(os.Environ(), fmt.Sprintf("SEC_SCAN_ID=%d", scanID))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating worker stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	return &SpawnedProcess{
		Stdin:  stdin,
		Stdout: stdout,
		Signal: func(sig os.Signal) error { return cmd.Process.Signal(sig) },
		Kill:   func() error { return cmd.Process.Kill() },
		Wait:   cmd.Wait,
	}, nil
}
