package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lei/fletch-ci/internal/config"
	"github.com/lei/fletch-ci/internal/identity"
	"github.com/lei/fletch-ci/internal/storage/local"
	"github.com/lei/fletch-ci/internal/toolchain"
	"github.com/lei/fletch-ci/internal/transfer"
	"github.com/lei/fletch-ci/pkg/logger"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuilderName(t *testing.T) {
	env := envMap(map[string]string{EnvBuilderName: "fletch-mac"})

	if got := BuilderName("fletch-linux", env); got != "fletch-linux" {
		t.Errorf("BuilderName() = %q, want the override", got)
	}
	if got := BuilderName("", env); got != "fletch-mac" {
		t.Errorf("BuilderName() = %q, want the environment value", got)
	}
	host, _ := os.Hostname()
	if got := BuilderName("", envMap(nil)); !strings.HasPrefix(host, got) || strings.Contains(got, ".") {
		t.Errorf("BuilderName() = %q, want short form of %q", got, host)
	}
}

func TestNewRejectsUnknownBuilder(t *testing.T) {
	_, err := New(Options{Builder: "dart-linux-release", Logger: logger.Discard()})
	if !errors.Is(err, identity.ErrInvalidBuilder) {
		t.Errorf("New() error = %v, want ErrInvalidBuilder", err)
	}
}

func TestPlan(t *testing.T) {
	b, err := New(Options{Builder: "fletch-linux-debug-x86", Logger: logger.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, plan := range b.Plan() {
		got = append(got, plan.StepName())
	}
	want := "DebugIA32-full DebugIA32 DebugX64 DebugIA32Clang DebugX64Clang"
	if strings.Join(got, " ") != want {
		t.Errorf("Plan() = %v, want %s", got, want)
	}
	if b.RunID() == "" {
		t.Error("RunID() is empty")
	}
}

func TestRunRequiresRevision(t *testing.T) {
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()

	b, err := New(Options{
		Builder: "target-fletch-linux-debug-arm",
		Config:  cfg,
		Getenv:  envMap(nil),
		Stdout:  &bytes.Buffer{},
		Logger:  logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Run(context.Background())
	if !errors.Is(err, config.ErrMissingRevision) {
		t.Fatalf("Run() error = %v, want ErrMissingRevision", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workspace.Root, ".debug.log")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Run() touched the workspace before failing")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"tool exit", &toolchain.ExitError{Args: []string{"ninja"}, Code: 3}, 3},
		{"wrapped tool exit", fmt.Errorf("build: %w", &toolchain.ExitError{Code: 42}), 42},
		{"missing binary", &exec.Error{Name: "ninja", Err: exec.ErrNotFound}, int(syscall.ENOENT)},
		{"errno", &os.PathError{Op: "open", Path: "x", Err: syscall.EACCES}, int(syscall.EACCES)},
		{"transfer", fmt.Errorf("%w: boom", transfer.ErrTransfer), 1},
		{"config", config.ErrMissingRevision, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

// scriptRunner pretends to be ninja and the test runner. Builds drop a
// fletch-vm and a dart script that stays alive like the real daemon.
type scriptRunner struct {
	mu    sync.Mutex
	root  string
	calls []string
}

func (r *scriptRunner) Run(ctx context.Context, args []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	r.mu.Unlock()

	if len(args) > 3 && args[0] == "ninja" && args[2] == "-C" {
		dir := filepath.Join(r.root, args[3])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "fletch-vm"), []byte("vm"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "dart"), []byte("#!/bin/sh\nexec sleep 60\n"), 0o755)
	}
	return nil
}

func newTestBot(t *testing.T, builder string, env map[string]string) (*Bot, *scriptRunner, *bytes.Buffer, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("daemon scripts need a POSIX shell")
	}

	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Worker.StopGrace = 5 * time.Second
	bucket := t.TempDir()

	runner := &scriptRunner{root: cfg.Workspace.Root}
	out := &bytes.Buffer{}
	b, err := New(Options{
		Builder: builder,
		Config:  cfg,
		Getenv:  envMap(env),
		Stdout:  out,
		Stderr:  &bytes.Buffer{},
		Logger:  logger.Discard(),
		Runner:  runner,
		Store:   local.New(bucket, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b, runner, out, bucket
}

func TestRunNormal(t *testing.T) {
	b, runner, out, _ := newTestBot(t, "fletch-linux-release-x86", nil)

	res, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success {
		t.Error("Run() reported failure")
	}

	annotations := out.String()
	for _, want := range []string{
		"@@@BUILD_STEP GYP@@@",
		"@@@BUILD_STEP Build ReleaseX64Clang@@@",
		"@@@BUILD_STEP Test ReleaseIA32@@@",
		"@@@BUILD_STEP Fletch daemon log warnings.@@@",
	} {
		if !strings.Contains(annotations, want) {
			t.Errorf("annotations missing %q", want)
		}
	}
	if strings.Contains(annotations, "STEP_FAILURE") {
		t.Errorf("unexpected failure annotation:\n%s", annotations)
	}
	if len(runner.calls) != 1+4+4 {
		t.Errorf("runner calls = %d, want gyp, 4 builds and 4 test runs", len(runner.calls))
	}

	w := httptest.NewRecorder()
	b.StatusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/steps?status=succeeded", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Test ReleaseX64Clang") {
		t.Errorf("status API = %d %s", w.Code, w.Body.String())
	}
}

func TestRunCross(t *testing.T) {
	b, _, _, bucket := newTestBot(t, "cross-fletch-linux-arm", map[string]string{EnvRevision: "deadbeef"})

	res, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success {
		t.Error("Run() reported failure")
	}
	if _, err := os.Stat(filepath.Join(bucket, "fletch_cross_build_xarm_deadbeef.tar.bz2")); err != nil {
		t.Errorf("archive not published: %v", err)
	}
}

func TestRunCrossStoreUnreachable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("daemon scripts need a POSIX shell")
	}

	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Storage.Kind = "sftp"
	cfg.Storage.SFTP.Addr = "127.0.0.1:1"
	cfg.Storage.SFTP.User = "bot"
	cfg.Storage.SFTP.Password = "secret"
	cfg.Storage.SFTP.Timeout = 2 * time.Second

	out := &bytes.Buffer{}
	b, err := New(Options{
		Builder: "cross-fletch-linux-arm",
		Config:  cfg,
		Getenv:  envMap(map[string]string{EnvRevision: "deadbeef"}),
		Stdout:  out,
		Stderr:  &bytes.Buffer{},
		Logger:  logger.Discard(),
		Runner:  &scriptRunner{root: cfg.Workspace.Root},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := b.Run(context.Background())
	if !errors.Is(err, transfer.ErrTransfer) {
		t.Fatalf("Run() error = %v, want ErrTransfer", err)
	}
	if res.Success {
		t.Error("Run() reported success")
	}

	annotations := out.String()
	upload := strings.Index(annotations, "@@@BUILD_STEP Upload build tarball@@@")
	audit := strings.Index(annotations, "@@@BUILD_STEP Fletch daemon log warnings.@@@")
	if upload < 0 || audit < upload {
		t.Errorf("want the upload step followed by the log audit:\n%s", annotations)
	}
	if !strings.Contains(annotations[upload:], "@@@STEP_FAILURE@@@") {
		t.Errorf("upload step not marked failed:\n%s", annotations)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workspace.Root, ".debug.log")); err != nil {
		t.Errorf("debug log not created: %v", err)
	}
}
