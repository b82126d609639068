// Package worker supervises the persistent Fletch daemon that the test
// runner talks to. Every test run gets a freshly started daemon which is
// terminated when the run ends, whatever its outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/matrix"
	"github.com/lei/fletch-ci/pkg/logger"
)

// ErrWorkerActive is returned when a daemon is requested while another one
// is alive. The daemon binds a fixed control port, so two cannot coexist.
var ErrWorkerActive = errors.New("worker daemon already running")

// CommandFunc returns the daemon command line for a build directory
type CommandFunc func(buildDir string) []string

// DaemonCommand starts the fletchc driver on the dart binary of buildDir
func DaemonCommand(buildDir string) []string {
	return []string{
		filepath.Join(buildDir, "dart"),
		"-c",
		"-p", "./package/",
		"package:fletchc/src/driver/driver_main.dart",
		"./.fletch",
	}
}

// Options configures a Supervisor
type Options struct {
	Dir       string // working directory of the daemon
	OutDir    string // build output root, relative to Dir
	Env       config.Environment
	Log       io.Writer // receives combined daemon output
	StopGrace time.Duration
	Command   CommandFunc
	Sweeper   Sweeper
	Logger    *logger.Logger
}

// Supervisor starts and stops one daemon at a time
type Supervisor struct {
	opts Options

	mu     sync.Mutex
	active *Handle

	terminate func(*exec.Cmd) error
	kill      func(*exec.Cmd) error
}

// Handle is a running daemon
type Handle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Pid returns the daemon's process id
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited reports whether the daemon has exited and been reaped
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// NewSupervisor creates a supervisor
func NewSupervisor(opts Options) *Supervisor {
	if opts.Command == nil {
		opts.Command = DaemonCommand
	}
	if opts.Sweeper == nil {
		opts.Sweeper = noopSweeper{}
	}
	if opts.Log == nil {
		opts.Log = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Supervisor{opts: opts, terminate: terminateProcess, kill: killProcess}
}

// With runs fn while a fresh daemon for cfg is alive. The daemon is
// terminated and waited for before With returns, including when fn
// returns an error or panics.
func (s *Supervisor) With(ctx context.Context, cfg matrix.Configuration, fn func(ctx context.Context, h *Handle) error) error {
	h, err := s.start(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.stop(h)

	return fn(ctx, h)
}

func (s *Supervisor) start(ctx context.Context, cfg matrix.Configuration) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrWorkerActive
	}

	log := s.opts.Logger.With("configuration", cfg.Name())

	log.Info("killing existing fletch processes")
	s.opts.Sweeper.Sweep(ctx)

	args := s.opts.Command(cfg.Dir(s.opts.OutDir))
	log.Info("starting new persistent fletch daemon", "args", args)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = s.opts.Env.Environ()
	cmd.Stdout = s.opts.Log
	cmd.Stderr = s.opts.Log
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start fletch daemon: %w", err)
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	s.active = h
	return h, nil
}

func (s *Supervisor) stop(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.opts.Logger.With("pid", h.Pid())
	log.Info("trying to wait for existing fletch daemon")

	// A reaped daemon's pid may already belong to another process
	if h.Exited() {
		log.Info("fletch daemon already exited")
	} else if err := s.terminate(h.cmd); err != nil && !h.Exited() {
		log.Warn("terminate fletch daemon", "error", err)
	}

	grace := s.opts.StopGrace
	if grace <= 0 || h.Exited() {
		<-h.done
	} else {
		timer := time.NewTimer(grace)
		select {
		case <-h.done:
			timer.Stop()
		case <-timer.C:
			log.Warn("fletch daemon ignored termination, killing", "grace", grace)
			if err := s.kill(h.cmd); err != nil && !h.Exited() {
				log.Warn("kill fletch daemon", "error", err)
			}
			<-h.done
		}
	}
	log.Debug("fletch daemon exited", "status", h.waitErr)

	log.Info("killing existing fletch processes")
	s.opts.Sweeper.Sweep(context.Background())

	s.active = nil
}
