// Package runner executes suites: an optional setup followed by a flat list
// of steps, each in its own recover boundary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/report"
)

// StepFunc runs one step and returns a short detail line for the summary.
type StepFunc func(ctx context.Context) (string, error)

// Step is a named unit of work.
type Step struct {
	Name string
	Run  StepFunc
}

// Suite is an ordered list of steps with a pass threshold.
type Suite struct {
	Name      string
	Threshold float64
	// Setup runs before any step. Its failure marks every step not_run.
	Setup     func(ctx context.Context) error
	Steps     []Step
	NextSteps []string
}

// Runner executes suites and forwards their outcomes to a sink.
type Runner struct {
	log  *slog.Logger
	sink report.Sink
	now  func() time.Time
}

// Option configures the Runner.
type Option func(*Runner)

// WithSink publishes outcome documents after every suite.
func WithSink(s report.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// New builds a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		log:  logger.Discard(),
		sink: report.NopSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrSetup is wrapped by Run when suite setup fails.
var ErrSetup = errors.New("suite setup failed")

// Run executes the suite. Every step runs regardless of earlier results. The
// returned error is non-nil only when setup fails; threshold evaluation is
// left to the caller via the report.
func (r *Runner) Run(ctx context.Context, runID string, s Suite) (*report.Report, error) {
	rep := report.New(runID, s.Name, s.Threshold)
	rep.NextSteps = s.NextSteps
	log := r.log.With(slog.String("suite", s.Name), slog.String("run_id", runID))

	var setupErr error
	if s.Setup != nil {
		if err := s.Setup(ctx); err != nil {
			setupErr = fmt.Errorf("%w: %s: %w", ErrSetup, s.Name, err)
			log.Error("suite setup failed", slog.Any("err", err))
		}
	}

	for _, step := range s.Steps {
		if setupErr != nil {
			rep.Add(report.Outcome{Step: step.Name, Status: report.NotRun, Detail: "setup failed"})
			continue
		}
		if ctx.Err() != nil {
			rep.Add(report.Outcome{Step: step.Name, Status: report.NotRun, Detail: "cancelled"})
			continue
		}

		o := r.runStep(ctx, step)
		rep.Add(o)

		attrs := []any{
			slog.String("step", step.Name),
			slog.String("status", string(o.Status)),
			slog.Duration("took", o.Duration),
		}
		switch o.Status {
		case report.Passed:
			log.Info("step finished", attrs...)
		case report.Warning:
			log.Warn("step finished", append(attrs, slog.String("detail", o.Detail))...)
		default:
			log.Error("step finished", append(attrs, slog.String("detail", o.Detail))...)
		}
	}

	if err := r.sink.Publish(ctx, rep.Documents()...); err != nil {
		log.Warn("publish outcomes", slog.Any("err", err))
	}

	return rep, setupErr
}

func (r *Runner) runStep(ctx context.Context, step Step) (o report.Outcome) {
	o.Step = step.Name
	start := r.now()

	defer func() {
		o.Duration = r.now().Sub(start)
		if p := recover(); p != nil {
			o.Status = report.Errored
			o.Detail = fmt.Sprintf("panic: %v", p)
			r.log.Debug("step panicked", slog.String("step", step.Name), slog.String("stack", string(debug.Stack())))
		}
	}()

	detail, err := step.Run(ctx)
	o.Status = Classify(err)
	o.Detail = detail
	if err != nil {
		o.Detail = err.Error()
		if detail != "" {
			o.Detail = detail + ": " + o.Detail
		}
	}
	return o
}

// Classify maps a step error to a status.
func Classify(err error) report.Status {
	if err == nil {
		return report.Passed
	}
	if report.IsWarning(err) {
		return report.Warning
	}
	var se *opensearch.StatusError
	if errors.As(err, &se) {
		return report.Failed
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return report.Failed
	}
	return report.Errored
}

// FailureError marks an answered request whose result did not meet expectations.
type FailureError struct {
	Msg string
}

func (e *FailureError) Error() string { return e.Msg }

// Failf builds a *FailureError.
func Failf(format string, args ...any) error {
	return &FailureError{Msg: fmt.Sprintf(format, args...)}
}
