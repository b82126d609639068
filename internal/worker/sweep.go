package worker

import (
	"context"
	"os/exec"

	"github.com/lei/fletch-ci/pkg/logger"
)

// ProcessNames are the processes left behind by an earlier daemon
var ProcessNames = []string{"dart", "fletch", "fletch-vm"}

// Sweeper kills stray processes from a previous, already lost daemon.
// Sweeping is best-effort and matches by name only.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// KillallSweeper runs killall for each name and ignores the outcome
type KillallSweeper struct {
	Names  []string
	Logger *logger.Logger
}

// NewSweeper returns the sweeper for the builder's system. Windows
// builders do not sweep.
func NewSweeper(system string, log *logger.Logger) Sweeper {
	if system == "windows" {
		return noopSweeper{}
	}
	return &KillallSweeper{Names: ProcessNames, Logger: log}
}

// Sweep kills every process called one of s.Names
func (s *KillallSweeper) Sweep(ctx context.Context) {
	for _, name := range s.Names {
		// killall exits non-zero when nothing matched
		if err := exec.CommandContext(ctx, "killall", name).Run(); err != nil && s.Logger != nil {
			s.Logger.Debug("killall", "name", name, "result", err)
		}
	}
}

type noopSweeper struct{}

func (noopSweeper) Sweep(context.Context) {}
