package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/cloudburst/pkg/evaluator"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/worker"
)

// workerCmd is the image entrypoint every launched container runs
// (§6.4): it reads TASK_ID/BUCKET/REGION from its environment, not
// flags, since the container launch overrides are what set them.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker entrypoint a launched container executes",
	Long: `worker is what a cloudburst container image's entrypoint runs.
It reads TASK_ID, BUCKET, and REGION from the environment (set by the
dispatcher's container launch overrides), downloads its task envelope,
and dispatches to the ephemeral or detached flow depending on what the
envelope contains.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	taskID := os.Getenv("TASK_ID")
	bucket := os.Getenv("BUCKET")
	region := os.Getenv("REGION")
	if taskID == "" || bucket == "" {
		return fmt.Errorf("worker: TASK_ID and BUCKET environment variables are required")
	}

	awsSess, err := newAWSSession(region)
	if err != nil {
		return err
	}
	store := objectstore.New(awsSess, bucket)

	reg := evaluator.NewRegistry()
	registerBuiltins(reg)

	runtime := worker.New(store, reg, worker.Config{
		TaskID:   taskID,
		Bucket:   bucket,
		Region:   region,
		WorkerID: uuid.NewString(),
	})
	return runtime.Run(cmd.Context())
}
