package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is a spawned probe tool with both output pipes.
type Process interface {
	Pid() int32
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Running reports whether the OS still lists the process as alive.
	// An exited but unreaped process counts as not running.
	Running() bool
	// Wait releases the process handle. It must only be called once.
	Wait() error
}

type Spawner interface {
	Spawn(argv []string) (Process, error)
}

// childEnv keeps tool messages in English, which the stderr checks rely on,
// and bounds the resolver inside the tools the same way we bound our own.
var childEnv = []string{
	"LC_ALL=C",
	"RES_OPTIONS=retrans:1 retry:1 timeout:1 attempts:1",
}

type ExecSpawner struct{}

func (ExecSpawner) Spawn(argv []string) (Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty command")
	}
	// Not CommandContext: cancellation must go through the tree reaper, a
	// plain kill of the parent would orphan its helpers.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), childEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Pid() int32            { return int32(p.cmd.Process.Pid) }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Running() bool {
	proc, err := process.NewProcess(p.Pid())
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
