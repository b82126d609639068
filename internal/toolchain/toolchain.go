// Package toolchain invokes the external build and test tools.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/matrix"
	"github.com/lei/fletch-ci/pkg/logger"
)

// CrossTargets are the only targets that currently build for arm
var CrossTargets = []string{"fletch-vm", "fletch_driver", "natives.json"}

// Runner runs an external command to completion
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// ExitError reports a command that ran and exited with a non-zero status
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Args, " "), e.Code)
}

// ExecRunner runs commands as child processes in Dir with the bot's
// environment, streaming their output
type ExecRunner struct {
	Dir    string
	Env    config.Environment
	Stdout io.Writer
	Stderr io.Writer
	Logger *logger.Logger
}

// Run prints the command line and runs it
func (r *ExecRunner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("empty command")
	}

	fmt.Fprintf(r.Stdout, "Running: %s\n", strings.Join(args, " "))
	r.Logger.Debug("running command", "args", args, "dir", r.Dir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = r.Env.Environ()
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Args: args, Code: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return nil
}

// GypArgs regenerates the ninja files
func GypArgs() []string {
	return []string{"ninja", "-v"}
}

// BuildArgs builds targets (all when empty) in buildDir
func BuildArgs(buildDir string, targets ...string) []string {
	return append([]string{"ninja", "-v", "-C", buildDir}, targets...)
}

// TestArgs runs the test suite for a plan. The full pass compiles tests to
// snapshots with fletchc and runs them on the VM, plain and with
// -Xunfold-program.
func TestArgs(plan matrix.RunPlan) []string {
	cfg := plan.Configuration
	args := []string{
		"python", "tools/test.py",
		"-m" + string(cfg.Mode),
		"-a" + cfg.Arch,
		"--time",
		"--report",
		"-pbuildbot",
		"--step_name=test_" + plan.StepName(),
		"--kill-persistent-process=0",
		"--run-gclient-hooks=0",
		"--build-before-testing=0",
		"--host-checked",
	}
	if plan.Pass == matrix.PassFull {
		args = append(args, "-cfletchc", "-rfletchvm")
	}
	if cfg.Sanitizer {
		args = append(args, "--asan")
	}
	if cfg.Clang() {
		args = append(args, "--clang")
	}
	return args
}
