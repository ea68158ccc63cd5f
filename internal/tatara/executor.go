package tatara

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	Stdout          io.Writer       // default destination for command output when the cmd sets none
	Stderr          io.Writer
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// runInteractiveCommand executes a command attached to the TTY, suitable for
// commands like `sudo -v` that may prompt.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if
// necessary. No action needed if we are already root or the command doesn't
// require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	// Non-interactive check first: fast, no user interaction if the ticket
	// is fresh.
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// Run executes the given command, elevating via sudo -E only when needed.
// It wires up stdio, isolates the child in its own process group so the
// whole tree dies on cancellation, and refreshes the sudo ticket first.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdout == nil {
		if e.Stdout != nil {
			cmd.Stdout = e.Stdout
		} else {
			cmd.Stdout = os.Stdout
		}
	}
	if cmd.Stderr == nil {
		if e.Stderr != nil {
			cmd.Stderr = e.Stderr
		} else {
			cmd.Stderr = os.Stderr
		}
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	var finalCmd *exec.Cmd
	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args := append([]string{"-E", cmd.Path}, cmd.Args[1:]...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
	} else {
		finalCmd = exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
	}
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// Own process group, so cancellation can kill the entire build tree.
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-doneCh:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
