// Package report collects step outcomes for a suite run, scores them against
// a pass threshold and renders the console summary.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/processing"
)

// Status is the terminal state of a step.
type Status string

const (
	NotRun  Status = "not_run"
	Passed  Status = "passed"
	Warning Status = "warning"
	Failed  Status = "failed"
	Errored Status = "errored"
)

// Statuses lists every status in display order.
var Statuses = []Status{Passed, Warning, Failed, Errored, NotRun}

// WarningError marks a step that reached its target but found it unconfigured
// or optional and absent.
type WarningError struct {
	Msg string
}

func (e *WarningError) Error() string { return e.Msg }

// Warn builds a *WarningError.
func Warn(format string, args ...any) error {
	return &WarningError{Msg: fmt.Sprintf(format, args...)}
}

// IsWarning reports whether err wraps a *WarningError.
func IsWarning(err error) bool {
	var w *WarningError
	return errors.As(err, &w)
}

// Outcome is the result of one step.
type Outcome struct {
	Step     string
	Status   Status
	Detail   string
	Duration time.Duration
}

// Report is the ordered list of outcomes for one suite run.
type Report struct {
	RunID     string
	Suite     string
	Threshold float64
	Started   time.Time
	Outcomes  []Outcome
	NextSteps []string
}

// New starts an empty report.
func New(runID, suite string, threshold float64) *Report {
	return &Report{
		RunID:     runID,
		Suite:     suite,
		Threshold: threshold,
		Started:   time.Now().UTC(),
	}
}

// Add appends an outcome.
func (r *Report) Add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Count returns how many outcomes have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// SuccessRate is passed over total. Warnings do not count as passed.
func (r *Report) SuccessRate() float64 {
	if len(r.Outcomes) == 0 {
		return 0
	}
	return float64(r.Count(Passed)) / float64(len(r.Outcomes))
}

// Passed reports whether the success rate meets the threshold.
func (r *Report) Passed() bool {
	if len(r.Outcomes) == 0 {
		return false
	}
	return r.SuccessRate() >= r.Threshold
}

// Documents converts the outcomes to history documents.
func (r *Report) Documents() []models.OutcomeDocument {
	docs := make([]models.OutcomeDocument, 0, len(r.Outcomes))
	at := r.Started
	for _, o := range r.Outcomes {
		docs = append(docs, models.OutcomeDocument{
			ID:         processing.BuildDocumentID(r.RunID, r.Suite, o.Step),
			RunID:      r.RunID,
			Suite:      r.Suite,
			Step:       o.Step,
			Status:     string(o.Status),
			Detail:     processing.CleanDetail(o.Detail, processing.MaxDetailLength),
			DurationMS: o.Duration.Milliseconds(),
			Timestamp:  at,
		})
		at = at.Add(o.Duration)
	}
	return docs
}
