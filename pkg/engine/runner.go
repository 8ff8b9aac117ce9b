package engine

import (
	"context"
	"log/slog"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// Runner fans a batch of ready subtasks out to concurrent executor runs
// and collects their results. A panicking run is reported as an error
// result so one bad subtask cannot take the mission down.
type Runner struct {
	exec *Executor
	log  *slog.Logger
}

// NewRunner builds a runner over one executor.
func NewRunner(exec *Executor, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{exec: exec, log: log.With("component", "runner")}
}

// RunBatch executes every subtask in the batch concurrently and returns
// once all runs have resolved.
func (r *Runner) RunBatch(ctx context.Context, goal, globalBriefing string, batch []models.Subtask) []Result {
	results := make(chan Result, len(batch))
	for _, st := range batch {
		go func(subtaskID string) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("executor run panicked", "subtask_id", subtaskID, "panic", rec)
					results <- Result{SubtaskID: subtaskID, Outcome: OutcomeError, Metrics: &models.CycleMetrics{}}
				}
			}()
			results <- r.exec.Run(ctx, goal, globalBriefing, subtaskID)
		}(st.ID)
	}

	out := make([]Result, 0, len(batch))
	for range batch {
		out = append(out, <-results)
	}
	return out
}
