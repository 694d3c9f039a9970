package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Descriptors a spawned worker finds its inherited files on.
const (
	ListenerFD = 3
	LifelineFD = 4
)

// Spawner starts one worker process holding the write end of its lifeline.
type Spawner interface {
	Spawn(lifeline *os.File) (pid int, err error)
}

// ProcessSpawner re-executes a binary as a worker. The listener becomes
// descriptor 3 in the child and the lifeline descriptor 4.
type ProcessSpawner struct {
	Path     string
	Args     []string
	Env      []string
	Listener *os.File
	// Stdout and Stderr default to the supervisor's own.
	Stdout *os.File
	Stderr *os.File
}

func (p *ProcessSpawner) Spawn(lifeline *os.File) (int, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = p.Env
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{p.Listener, lifeline}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	// the supervisor reaps with wait4; os/exec must not keep the handle
	_ = cmd.Process.Release()
	return pid, nil
}

// Detach starts path with args in a new session, handing it listener as
// descriptor 3 and log as stdout and stderr. It returns the child's pid
// without waiting for it.
func Detach(path string, args, env []string, listener, log *os.File) (int, error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdin = devNull
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.ExtraFiles = []*os.File{listener}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("detach server: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
