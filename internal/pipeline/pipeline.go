// Package pipeline sequences the build, test, transfer and audit steps of
// one bot invocation. The pipeline shape is chosen from the builder
// identity: normal builders build and test on one host, cross builders
// build for arm and publish an archive, and target runners fetch that
// archive and test on the device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/identity"
	"github.com/lei/fletch-ci/internal/logaudit"
	"github.com/lei/fletch-ci/internal/matrix"
	"github.com/lei/fletch-ci/internal/report"
	"github.com/lei/fletch-ci/internal/toolchain"
	"github.com/lei/fletch-ci/internal/transfer"
	"github.com/lei/fletch-ci/internal/worker"
	"github.com/lei/fletch-ci/pkg/logger"
)

// ErrMissingArtifact indicates an unpacked archive lacks a file the tests
// need
var ErrMissingArtifact = errors.New("missing build artifact")

// Step names that don't depend on a configuration
const (
	StepClobber  = "Clobber"
	StepGyp      = "GYP"
	StepLogAudit = "Fletch daemon log warnings."
)

// Options configures a Driver
type Options struct {
	Identity identity.Identity
	Revision string // required by cross builders and target runners
	Clobber  bool   // clear the output directory before building

	Workspace config.WorkspaceConfig

	Runner   toolchain.Runner
	Reporter *report.Reporter
	Worker   worker.Options // Log is replaced by the debug log
	Transfer transfer.Options
	Logger   *logger.Logger
}

// Result summarizes a finished invocation
type Result struct {
	// Success is false when any step failed, including swallowed test
	// failures
	Success bool
}

// Driver runs one pipeline invocation
type Driver struct {
	opts       Options
	supervisor *worker.Supervisor
}

// New validates opts and creates a driver
func New(opts Options) (*Driver, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if opts.Identity.Shape != identity.ShapeNormal && opts.Revision == "" {
		return nil, config.ErrMissingRevision
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Workspace.OutDir == "" {
		opts.Workspace.OutDir = "out"
	}
	if opts.Workspace.DebugLog == "" {
		opts.Workspace.DebugLog = ".debug.log"
	}
	opts.Transfer.Root = opts.Workspace.Root
	opts.Transfer.OutDir = opts.Workspace.OutDir

	return &Driver{opts: opts}, nil
}

func (d *Driver) path(rel string) string {
	return filepath.Join(d.opts.Workspace.Root, rel)
}

// Run executes the pipeline. The daemon log audit always runs last. A
// returned error is fatal; failed test steps only clear Result.Success.
func (d *Driver) Run(ctx context.Context) (res Result, err error) {
	log := d.opts.Logger.With("builder", d.opts.Identity.Name, "shape", d.opts.Identity.Shape)

	logPath := d.path(d.opts.Workspace.DebugLog)
	debugLog, err := os.Create(logPath)
	if err != nil {
		return Result{}, fmt.Errorf("open debug log: %w", err)
	}
	defer debugLog.Close()

	workerOpts := d.opts.Worker
	workerOpts.Log = debugLog
	d.supervisor = worker.NewSupervisor(workerOpts)

	defer func() {
		d.auditLog(ctx, logPath)
		res.Success = err == nil && !d.opts.Reporter.Failed()
		log.Info("pipeline finished", "success", res.Success, "error", err)
	}()

	if d.opts.Clobber {
		if err := d.clobber(ctx); err != nil {
			return res, err
		}
	}

	log.Info("pipeline started", "configurations", len(d.opts.Identity.Configurations()))
	switch d.opts.Identity.Shape {
	case identity.ShapeNormal:
		return res, d.runNormal(ctx)
	case identity.ShapeCross:
		return res, d.runCross(ctx)
	case identity.ShapeTarget:
		return res, d.runTarget(ctx)
	default:
		return res, fmt.Errorf("%w: unknown shape %q", identity.ErrInvalidBuilder, d.opts.Identity.Shape)
	}
}

func (d *Driver) runNormal(ctx context.Context) error {
	configurations := d.opts.Identity.Configurations()

	err := d.opts.Reporter.Step(ctx, StepGyp, func(ctx context.Context) error {
		return d.opts.Runner.Run(ctx, toolchain.GypArgs())
	})
	if err != nil {
		return err
	}

	for _, cfg := range configurations {
		if err := d.build(ctx, cfg); err != nil {
			return err
		}
	}

	return d.runTests(ctx, configurations, nil)
}

func (d *Driver) runCross(ctx context.Context) error {
	for _, cfg := range d.opts.Identity.Configurations() {
		if err := d.build(ctx, cfg, toolchain.CrossTargets...); err != nil {
			return err
		}
	}

	producer := transfer.NewProducer(d.opts.Transfer)
	return producer.Publish(ctx, d.opts.Reporter, identity.CrossArch, d.opts.Revision)
}

// runTarget always clobbers at the end to keep the device's disk free
func (d *Driver) runTarget(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, d.clobber(ctx))
	}()

	consumer := transfer.NewConsumer(d.opts.Transfer)
	if err := consumer.Fetch(ctx, d.opts.Reporter, identity.CrossArch, d.opts.Revision); err != nil {
		return err
	}

	return d.runTests(ctx, d.opts.Identity.Configurations(), d.installDartARM)
}

func (d *Driver) build(ctx context.Context, cfg matrix.Configuration, targets ...string) error {
	return d.opts.Reporter.Step(ctx, "Build "+cfg.Name(), func(ctx context.Context) error {
		return d.opts.Runner.Run(ctx, toolchain.BuildArgs(cfg.Dir(d.opts.Workspace.OutDir), targets...))
	})
}

// runTests runs the full pass and then the quick pass, each test run
// against a fresh daemon. prepare, when set, runs before the daemon starts.
func (d *Driver) runTests(ctx context.Context, configurations []matrix.Configuration, prepare func(matrix.Configuration) error) error {
	for _, plan := range matrix.Plan(configurations) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if prepare != nil {
			if err := prepare(plan.Configuration); err != nil {
				return err
			}
		}

		err := d.supervisor.With(ctx, plan.Configuration, func(ctx context.Context, _ *worker.Handle) error {
			d.opts.Reporter.SwallowStep(ctx, "Test "+plan.StepName(), func(ctx context.Context) error {
				return d.opts.Runner.Run(ctx, toolchain.TestArgs(plan))
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// installDartARM checks the unpacked build directory and puts the arm dart
// binary where the daemon command expects it
func (d *Driver) installDartARM(cfg matrix.Configuration) error {
	buildDir := d.path(cfg.Dir(d.opts.Workspace.OutDir))
	if _, err := os.Stat(filepath.Join(buildDir, "fletch-vm")); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingArtifact, filepath.Join(cfg.Dir(d.opts.Workspace.OutDir), "fletch-vm"), err)
	}

	src := d.path(d.opts.Workspace.DartARM)
	if err := copyExecutable(src, filepath.Join(buildDir, "dart")); err != nil {
		return fmt.Errorf("install dart binary: %w", err)
	}
	return nil
}

func (d *Driver) clobber(ctx context.Context) error {
	return d.opts.Reporter.Step(ctx, StepClobber, func(ctx context.Context) error {
		out := d.path(d.opts.Workspace.OutDir)
		d.opts.Logger.Info("removing output directory", "dir", out)
		return os.RemoveAll(out)
	})
}

// auditLog reports every undiagnosed crash found in the daemon log
func (d *Driver) auditLog(ctx context.Context, logPath string) {
	r := d.opts.Reporter
	r.SwallowStep(ctx, StepLogAudit, func(ctx context.Context) error {
		result, err := logaudit.ScanFile(logPath)
		if err != nil {
			return err
		}
		if !result.HasWarnings() {
			return nil
		}
		for _, line := range result.Crashes {
			r.LogLine(logaudit.LogName, line)
		}
		r.LogEnd(logaudit.LogName)
		r.Warnings()
		return nil
	})
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// O_CREATE leaves an existing file's mode alone
	return os.Chmod(dst, 0o755)
}
