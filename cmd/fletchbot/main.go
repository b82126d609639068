// fletchbot runs the Fletch buildbot steps for the builder named by
// BUILDBOT_BUILDERNAME (or --builder). Build step annotations go to
// stdout, logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/pkg/bot"
	"github.com/lei/fletch-ci/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine, the buildbot master sets the environment
	_ = godotenv.Load()

	var (
		builder    string
		configFile string
		statusAddr string
		logLevel   string
		logFormat  string
		planOnly   bool
	)
	flagSet := pflag.NewFlagSet("fletchbot", pflag.ContinueOnError)
	flagSet.StringVar(&builder, "builder", "", "builder name (default: $BUILDBOT_BUILDERNAME, then the host name)")
	flagSet.StringVar(&configFile, "config", os.Getenv("FLETCH_BOT_CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&statusAddr, "status-addr", "", "serve the status API on this address")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flagSet.BoolVar(&planOnly, "plan", false, "print the test runs for the builder and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if statusAddr != "" {
		cfg.Status.Addr = statusAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	b, err := bot.New(bot.Options{
		Builder: builder,
		Config:  cfg,
		Logger:  log,
	})
	if err != nil {
		log.Error("invalid invocation", "error", err)
		return 1
	}

	if planOnly {
		for _, plan := range b.Plan() {
			fmt.Printf("Test %s\n", plan.StepName())
		}
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := b.Run(ctx)
	if err != nil {
		log.Error("pipeline aborted", "error", err)
		return bot.ExitCode(err)
	}
	// Failed test steps are reported through the annotations
	if !res.Success {
		log.Warn("pipeline finished with failed steps")
	}
	return 0
}
