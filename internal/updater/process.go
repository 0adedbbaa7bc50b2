package updater

import (
	"context"
	"errors"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/clickstart/clickstart/util"
)

// Runner runs the installed application launcher and returns its exit code.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (int, error)
}

// Restarter starts a fresh instance of the current program without waiting for it.
type Restarter interface {
	Restart(executable string, args []string) error
}

// ExecRunner runs the program in the foreground with the standard streams attached.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Infof("running %s", cmd.String())
	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

// ExecRestarter starts the program detached so it survives this process terminating.
type ExecRestarter struct{}

func (ExecRestarter) Restart(executable string, args []string) error {
	cmd := exec.Command(executable, args...)
	util.SetDetachedProcAttr(cmd)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Infof("restarting %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return err
	}
	log.Infof("restarted with PID %d", cmd.Process.Pid)

	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release restarted process: %v", err)
	}
	return nil
}
