package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// StartWorker creates and starts a Temporal worker.
func StartWorker(c client.Client, taskQueue string) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(ReportWorkflow)
	w.RegisterActivity(PrepareActivity)
	w.RegisterActivity(PublishReportActivity)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// StartOptions builds the options for starting ReportWorkflow. A non-empty
// cron schedules it repeatedly.
func StartOptions(id, taskQueue, cron string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:           id,
		TaskQueue:    taskQueue,
		CronSchedule: cron,
	}
}
