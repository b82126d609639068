// Package report emits buildbot step annotations and keeps a record of the
// steps of the current invocation.
//
// Annotations are written to the output stream in the format understood by
// the buildbot annotator:
//
//	@@@BUILD_STEP <name>@@@
//	@@@STEP_LOG_LINE@<log>@<line>@@@
//	@@@STEP_LOG_END@<log>@@@
//	@@@STEP_WARNINGS@@@
//	@@@STEP_FAILURE@@@
package report

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lei/fletch-ci/internal/models"
	"github.com/lei/fletch-ci/pkg/logger"
)

const tracerName = "github.com/lei/fletch-ci/internal/report"

// Reporter writes annotations for sequential steps. Step, LogLine, LogEnd
// and Warnings are called from the pipeline goroutine only; Snapshot may be
// called concurrently.
type Reporter struct {
	mu      sync.RWMutex
	out     io.Writer
	logger  *logger.Logger
	tracer  trace.Tracer
	now     func() time.Time
	inv     models.Invocation
	current int
	failed  bool
}

// New creates a reporter writing annotations to out
func New(out io.Writer, log *logger.Logger, runID, builder, shape string) *Reporter {
	r := &Reporter{
		out:     out,
		logger:  log,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		current: -1,
	}
	r.inv = models.Invocation{
		RunID:     runID,
		Builder:   builder,
		Shape:     shape,
		StartedAt: r.now().UTC(),
	}
	return r
}

// Step runs fn as a build step. A failing step is annotated with
// STEP_FAILURE and its error returned.
func (r *Reporter) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.step(ctx, name, fn)
}

// SwallowStep runs fn as a build step whose failure is annotated and
// recorded but not returned. The invocation is marked as failed.
func (r *Reporter) SwallowStep(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if err := r.step(ctx, name, fn); err != nil {
		r.logger.Warn("step failed, continuing", "step", name, "error", err)
	}
}

func (r *Reporter) step(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	r.annotate("@@@BUILD_STEP %s@@@", name)
	r.begin(name)
	r.logger.Info("step started", "step", name)

	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("fletch.builder", r.inv.Builder),
		attribute.String("fletch.run_id", r.inv.RunID),
	))
	start := r.now()

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("step %q panicked: %v", name, p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.annotate("@@@STEP_FAILURE@@@")
			r.logger.Error("step failed", "step", name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		} else {
			r.logger.Info("step finished", "step", name, "duration_ms", time.Since(start).Milliseconds())
		}
		span.End()
		r.finish(err)
		if p != nil {
			panic(p)
		}
	}()

	return fn(ctx)
}

// LogLine appends line to the named log of the current step and records it
// as a warning
func (r *Reporter) LogLine(log, line string) {
	r.annotate("@@@STEP_LOG_LINE@%s@%s@@@", log, line)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current >= 0 {
		step := &r.inv.Steps[r.current]
		step.Warnings = append(step.Warnings, line)
	}
}

// LogEnd closes the named log of the current step
func (r *Reporter) LogEnd(log string) {
	r.annotate("@@@STEP_LOG_END@%s@@@", log)
}

// Warnings flags the current step as having warnings
func (r *Reporter) Warnings() {
	r.annotate("@@@STEP_WARNINGS@@@")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current >= 0 {
		r.inv.Steps[r.current].Status = models.StatusWarnings
	}
}

// Failed reports whether any step failed
func (r *Reporter) Failed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed
}

// Snapshot returns a copy of the invocation record
func (r *Reporter) Snapshot() models.Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv := r.inv
	inv.Success = !r.failed
	inv.Steps = make([]models.Step, len(r.inv.Steps))
	for i, step := range r.inv.Steps {
		step.Warnings = append([]string(nil), step.Warnings...)
		inv.Steps[i] = step
	}
	return inv
}

func (r *Reporter) begin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inv.Steps = append(r.inv.Steps, models.Step{
		Index:     len(r.inv.Steps),
		Name:      name,
		Status:    models.StatusRunning,
		StartedAt: r.now().UTC(),
	})
	r.current = len(r.inv.Steps) - 1
}

func (r *Reporter) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step := &r.inv.Steps[r.current]
	finishedAt := r.now().UTC()
	step.FinishedAt = &finishedAt
	switch {
	case err != nil:
		step.Status = models.StatusFailed
		step.Error = err.Error()
		r.failed = true
	case step.Status == models.StatusRunning:
		step.Status = models.StatusSucceeded
	}
}

func (r *Reporter) annotate(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}
