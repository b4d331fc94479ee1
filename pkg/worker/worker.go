// Package worker implements the Worker Runtime (§4.7): the process every
// container task runs. It has two flows, both selected by what the
// bootstrap envelope contains: ephemeral (download one task, evaluate,
// upload the result, exit 0 regardless of outcome) and detached (poll the
// session's task namespace, claim atomically, evaluate, write the
// result, loop, with exponential backoff and an idle exit cap).
package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/evaluator"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
	"github.com/cuemby/cloudburst/pkg/log"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/session"
	"github.com/cuemby/cloudburst/pkg/types"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	idleCap    = 5 * time.Minute
)

// Config carries the container environment contract (§6.4): TASK_ID,
// BUCKET, and REGION, plus a generated worker identity used as the
// claimant id in the detached flow.
type Config struct {
	TaskID   string
	Bucket   string
	Region   string
	WorkerID string
}

// Runtime is one worker process's view of the object store and the
// evaluator registry its image has linked in.
type Runtime struct {
	store    objectstore.Client
	registry *evaluator.Registry
	cfg      Config
}

// New constructs a Runtime. registry must already have every function
// this image's tasks may reference registered before Run is called.
func New(store objectstore.Client, registry *evaluator.Registry, cfg Config) *Runtime {
	return &Runtime{store: store, registry: registry, cfg: cfg}
}

// Run downloads the container's own task envelope and dispatches to the
// ephemeral or detached flow depending on whether it carries a
// session_id (a bootstrap envelope) or not (a real unit of work).
func (r *Runtime) Run(ctx context.Context) error {
	logger := log.WithTaskID(r.cfg.TaskID).With().Str("component", "worker").Str("worker_id", r.cfg.WorkerID).Logger()

	env, err := r.downloadEnvelope(ctx, r.cfg.TaskID)
	if err != nil {
		return err
	}

	if env.SessionID == "" {
		logger.Info().Str("task_id", r.cfg.TaskID).Msg("ephemeral task")
		return r.runEphemeral(ctx, env)
	}

	logger.Info().Str("session_id", env.SessionID).Msg("detached worker starting")
	return r.runDetachedLoop(ctx, env.SessionID)
}

func (r *Runtime) downloadEnvelope(ctx context.Context, taskID string) (types.TaskEnvelope, error) {
	data, _, err := r.store.Get(ctx, "tasks/"+taskID+".blob")
	if err != nil {
		return types.TaskEnvelope{}, err
	}
	var env types.TaskEnvelope
	if err := blob.Decode(data, &env); err != nil {
		return types.TaskEnvelope{}, errs.E(errs.Fatal, "decode envelope "+taskID, err)
	}
	return env, nil
}

// runEphemeral implements §4.7's five steps. Evaluation errors are
// carried inside the result envelope, never returned, so a failed task
// still exits 0. Only an infrastructure failure (download/upload) is
// returned as an error, which the CLI turns into a non-zero exit.
func (r *Runtime) runEphemeral(ctx context.Context, env types.TaskEnvelope) error {
	result := evaluator.Evaluate(r.registry, env.Expr, env.Globals)
	return r.uploadResult(ctx, env.TaskID, toResultEnvelope(result))
}

func (r *Runtime) uploadResult(ctx context.Context, taskID string, result types.ResultEnvelope) error {
	data, err := blob.Encode(result)
	if err != nil {
		return errs.E(errs.Fatal, "encode result "+taskID, err)
	}
	_, err = r.store.Put(ctx, "results/"+taskID+".blob", data, objectstore.PutOptions{})
	return err
}

func toResultEnvelope(res evaluator.Result) types.ResultEnvelope {
	return types.ResultEnvelope{
		Error:   res.Error,
		Value:   res.Value,
		Stdout:  res.Stdout,
		Visible: res.Visible,
		Message: res.Message,
	}
}

// runDetachedLoop implements the §4.4 worker loop: list candidates,
// shuffle, attempt claims, and process exactly one claimed task per
// outer iteration before re-listing (a fresh list reflects every other
// worker's claims in the meantime, reducing repeated collisions).
func (r *Runtime) runDetachedLoop(ctx context.Context, sessionID string) error {
	logger := log.WithSessionID(sessionID).With().Str("component", "worker").Str("worker_id", r.cfg.WorkerID).Logger()

	backoff := minBackoff
	var idle time.Duration

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		candidates, err := session.ListPending(ctx, r.store, sessionID)
		if err != nil {
			return err
		}

		if len(candidates) == 0 {
			if idle > idleCap {
				logger.Info().Msg("idle cap exceeded, exiting")
				return nil
			}
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			idle += backoff
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		idle = 0
		shuffle(candidates)

		for _, tid := range candidates {
			ok, err := session.AtomicClaim(ctx, r.store, sessionID, tid, r.cfg.WorkerID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := r.processClaimedTask(ctx, sessionID, tid); err != nil {
				return err
			}
			break
		}
	}
}

func (r *Runtime) processClaimedTask(ctx context.Context, sessionID, taskID string) error {
	logger := log.WithTaskID(taskID).With().Str("component", "worker").Str("session_id", sessionID).Logger()

	status, err := session.GetStatus(ctx, r.store, sessionID, taskID)
	if err != nil {
		return err
	}
	status.State = lifecycle.Running
	now := time.Now()
	status.StartedAt = &now
	if err := session.WriteStatus(ctx, r.store, sessionID, status); err != nil {
		return err
	}

	env, err := r.downloadEnvelope(ctx, taskID)
	if err != nil {
		return err
	}

	res := evaluator.Evaluate(r.registry, env.Expr, env.Globals)
	result := toResultEnvelope(res)

	if err := r.uploadResult(ctx, taskID, result); err != nil {
		return err
	}

	completedAt := time.Now()
	status.CompletedAt = &completedAt
	if result.Error {
		status.State = lifecycle.Failed
		status.Error = result.Message
		logger.Warn().Str("error", result.Message).Msg("task failed")
	} else {
		status.State = lifecycle.Completed
		logger.Info().Msg("task completed")
	}
	return session.WriteStatus(ctx, r.store, sessionID, status)
}

func shuffle(s []string) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > maxBackoff {
		b = maxBackoff
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
