package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/efebarandurmaz/katbot/internal/pipeline"
)

const maxAttempts = 3

// ReportInput holds the workflow parameters.
type ReportInput struct {
	// Reports names the reports to publish; empty means every configured one.
	Reports []string
	DryRun  bool
	// Refresh rebuilds the cached datasets before publishing.
	Refresh bool
}

// ReportOutput holds the workflow result.
type ReportOutput struct {
	Prepared PrepareResult
	Outcomes []pipeline.Outcome
	Errors   []string
}

// Failed counts reports that could not be published.
func (o *ReportOutput) Failed() int {
	n := 0
	for _, out := range o.Outcomes {
		if out.Status == pipeline.StatusFailed {
			n++
		}
	}
	return n
}

// ReportWorkflow prepares the shared datasets once, then publishes each
// report in its own activity. A failed report page is recorded in the output
// and the remaining reports still run. A data access failure fails the
// workflow.
func ReportWorkflow(ctx workflow.Context, input ReportInput) (*ReportOutput, error) {
	retry := &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2,
		MaximumAttempts:    maxAttempts,
	}
	logger := workflow.GetLogger(ctx)

	prepareCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    10 * time.Minute,
		RetryPolicy:         retry,
	})
	var prepared PrepareResult
	if err := workflow.ExecuteActivity(prepareCtx, PrepareActivity, input).Get(ctx, &prepared); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	names := input.Reports
	if len(names) == 0 {
		names = prepared.Reports
	}

	publishCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy:         retry,
	})
	output := &ReportOutput{Prepared: prepared}
	for _, name := range names {
		var out pipeline.Outcome
		err := workflow.ExecuteActivity(publishCtx, PublishReportActivity, PublishInput{Report: name, DryRun: input.DryRun}).Get(ctx, &out)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", name, err)
		}
		output.Outcomes = append(output.Outcomes, out)
		if out.Status == pipeline.StatusFailed {
			logger.Warn("report failed", "report", name, "error", out.Error)
			output.Errors = append(output.Errors, fmt.Sprintf("%s: %s", name, out.Error))
		}
	}
	return output, nil
}
