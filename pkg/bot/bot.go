package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/lei/fletch-ci/internal/api"
	"github.com/lei/fletch-ci/internal/archive"
	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/identity"
	"github.com/lei/fletch-ci/internal/matrix"
	"github.com/lei/fletch-ci/internal/pipeline"
	"github.com/lei/fletch-ci/internal/report"
	"github.com/lei/fletch-ci/internal/storage"
	"github.com/lei/fletch-ci/internal/storage/local"
	"github.com/lei/fletch-ci/internal/storage/minio"
	"github.com/lei/fletch-ci/internal/storage/sftp"
	"github.com/lei/fletch-ci/internal/telemetry"
	"github.com/lei/fletch-ci/internal/toolchain"
	"github.com/lei/fletch-ci/internal/transfer"
	"github.com/lei/fletch-ci/internal/worker"
	"github.com/lei/fletch-ci/pkg/logger"
)

// Environment variables set by the buildbot master
const (
	EnvBuilderName = "BUILDBOT_BUILDERNAME"
	EnvRevision    = "BUILDBOT_GOT_REVISION"
	EnvClobber     = "BUILDBOT_CLOBBER"
)

// Options configures a Bot
type Options struct {
	// Builder overrides BUILDBOT_BUILDERNAME
	Builder string

	// Config defaults to config.Default()
	Config *config.Config

	// Getenv defaults to os.Getenv
	Getenv func(string) string

	// Stdout receives the annotation stream and tool output. Stderr
	// receives tool errors and, when enabled, exported trace spans.
	Stdout io.Writer
	Stderr io.Writer

	Logger *logger.Logger

	// Runner overrides the command runner, mainly for tests
	Runner toolchain.Runner

	// Store overrides the storage backend selected by Config
	Store storage.Store
}

// Bot is one configured invocation
type Bot struct {
	opts     Options
	cfg      *config.Config
	identity identity.Identity
	runID    string
	root     string
	reporter *report.Reporter
	logger   *logger.Logger
}

// New resolves the builder identity and validates the configuration. No
// side effects happen before Run.
func New(opts Options) (*Bot, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(opts.Config.Logging.Level, opts.Config.Logging.Format)
	}

	name := BuilderName(opts.Builder, opts.Getenv)
	id, err := identity.Parse(name)
	if err != nil {
		return nil, err
	}

	if _, err := archive.ParseCodec(opts.Config.Archive.Codec); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(opts.Config.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	runID := uuid.NewString()
	log := opts.Logger.With("run_id", runID)

	return &Bot{
		opts:     opts,
		cfg:      opts.Config,
		identity: id,
		runID:    runID,
		root:     root,
		reporter: report.New(opts.Stdout, log, runID, id.Name, string(id.Shape)),
		logger:   log,
	}, nil
}

// BuilderName returns override when set, then BUILDBOT_BUILDERNAME, then
// the short host name, which lets a developer run the bot by hand on a
// machine named after a builder.
func BuilderName(override string, getenv func(string) string) string {
	if override != "" {
		return override
	}
	if name := getenv(EnvBuilderName); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	short, _, _ := strings.Cut(host, ".")
	return short
}

// Identity returns the parsed builder identity
func (b *Bot) Identity() identity.Identity {
	return b.identity
}

// RunID returns the unique id of this invocation
func (b *Bot) RunID() string {
	return b.runID
}

// Plan returns the test runs the invocation will perform, in order
func (b *Bot) Plan() []matrix.RunPlan {
	return matrix.Plan(b.identity.Configurations())
}

// StatusHandler returns the status API handler for this invocation, for
// mounting into an existing server
func (b *Bot) StatusHandler() http.Handler {
	return api.NewServer(b.cfg.Status, b.reporter, b.logger).Handler()
}

// Run executes the pipeline
func (b *Bot) Run(ctx context.Context) (pipeline.Result, error) {
	getenv := b.opts.Getenv
	shape := b.identity.Shape

	var revision string
	if shape != identity.ShapeNormal {
		rev, err := config.Revision(getenv)
		if err != nil {
			return pipeline.Result{}, err
		}
		revision = rev
	}

	if b.cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(b.opts.Stderr, b.cfg.Telemetry.ServiceName, b.identity.Name, b.runID)
		if err != nil {
			return pipeline.Result{}, err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				b.logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	if b.cfg.Status.Addr != "" {
		statusCtx, stopStatus := context.WithCancel(ctx)
		done := make(chan struct{})
		defer func() {
			stopStatus()
			<-done
		}()
		srv := api.NewServer(b.cfg.Status, b.reporter, b.logger)
		go func() {
			defer close(done)
			if err := srv.Start(statusCtx); err != nil {
				b.logger.Error("status server failed", "error", err)
			}
		}()
	}

	// Connecting happens inside the transfer steps, so a dial failure is
	// annotated and the daemon log is still audited
	var store storage.Store
	if shape != identity.ShapeNormal {
		lazy := storage.NewLazy(b.openStore)
		defer func() {
			if err := lazy.Close(); err != nil {
				b.logger.Warn("close storage", "error", err)
			}
		}()
		store = lazy
	}

	env := config.NewEnvironment(b.root, runtime.GOOS, os.Environ())
	runner := b.opts.Runner
	if runner == nil {
		runner = &toolchain.ExecRunner{
			Dir:    b.root,
			Env:    env,
			Stdout: b.opts.Stdout,
			Stderr: b.opts.Stderr,
			Logger: b.logger,
		}
	}

	workspace := b.cfg.Workspace
	workspace.Root = b.root

	driver, err := pipeline.New(pipeline.Options{
		Identity:  b.identity,
		Revision:  revision,
		Clobber:   getenv(EnvClobber) != "",
		Workspace: workspace,
		Runner:    runner,
		Reporter:  b.reporter,
		Worker: worker.Options{
			Dir:       b.root,
			OutDir:    workspace.OutDir,
			Env:       env,
			StopGrace: b.cfg.Worker.StopGrace,
			Sweeper:   worker.NewSweeper(runtime.GOOS, b.logger),
			Logger:    b.logger,
		},
		Transfer: transfer.Options{
			Store:  store,
			Codec:  archive.Codec(b.cfg.Archive.Codec),
			Logger: b.logger,
		},
		Logger: b.logger,
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	b.logger.Info("running pipeline",
		"builder", b.identity.Name,
		"shape", shape,
		"revision", revision)
	return driver.Run(ctx)
}

func (b *Bot) openStore(ctx context.Context) (storage.Store, func() error, error) {
	if b.opts.Store != nil {
		return b.opts.Store, nil, nil
	}

	cfg := b.cfg.Storage
	switch cfg.Kind {
	case "s3":
		s, err := minio.New(cfg, b.logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "sftp":
		s, err := sftp.Dial(ctx, cfg, b.logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "local":
		return local.New(filepath.Join(cfg.Local.Dir, cfg.Bucket), b.logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage kind: %s", cfg.Kind)
	}
}

// ExitCode maps a Run error to a process exit status: 0 without error,
// the exit status of a failed tool, the errno of a failed system call, and
// 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *toolchain.ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	if errors.Is(err, exec.ErrNotFound) {
		return int(syscall.ENOENT)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return 1
}
