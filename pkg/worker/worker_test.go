package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/evaluator"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/session"
	"github.com/cuemby/cloudburst/pkg/types"
)

func newRegistry() *evaluator.Registry {
	reg := evaluator.NewRegistry()
	reg.Register("double", func(args, _ blob.Value) (blob.Value, error) {
		n, _ := args.(uint64)
		return n * 2, nil
	})
	reg.Register("boom", func(_, _ blob.Value) (blob.Value, error) {
		return nil, assert.AnError
	})
	return reg
}

func putEnvelope(t *testing.T, store objectstore.Client, env types.TaskEnvelope) {
	t.Helper()
	data, err := blob.Encode(env)
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "tasks/"+env.TaskID+".blob", data, objectstore.PutOptions{})
	require.NoError(t, err)
}

func encodeExpr(t *testing.T, fn string, args blob.Value) []byte {
	t.Helper()
	data, err := blob.Encode(evaluator.Expr{Func: fn, Args: args})
	require.NoError(t, err)
	return data
}

func TestRunEphemeralUploadsResultAndReturnsNilOnEvalError(t *testing.T) {
	store := objectstore.NewFake()
	putEnvelope(t, store, types.TaskEnvelope{TaskID: "t1", Expr: encodeExpr(t, "boom", nil)})

	rt := New(store, newRegistry(), Config{TaskID: "t1"})
	err := rt.Run(context.Background())
	require.NoError(t, err)

	data, _, err := store.Get(context.Background(), "results/t1.blob")
	require.NoError(t, err)
	var result types.ResultEnvelope
	require.NoError(t, blob.Decode(data, &result))
	assert.True(t, result.Error)
}

func TestRunEphemeralSuccessPath(t *testing.T) {
	store := objectstore.NewFake()
	putEnvelope(t, store, types.TaskEnvelope{TaskID: "t2", Expr: encodeExpr(t, "double", uint64(21))})

	rt := New(store, newRegistry(), Config{TaskID: "t2"})
	require.NoError(t, rt.Run(context.Background()))

	data, _, err := store.Get(context.Background(), "results/t2.blob")
	require.NoError(t, err)
	var result types.ResultEnvelope
	require.NoError(t, blob.Decode(data, &result))
	assert.False(t, result.Error)
	assert.Equal(t, uint64(42), result.Value)
}

func TestRunDetachedClaimsAndCompletesTask(t *testing.T) {
	store := objectstore.NewFake()
	ctx := context.Background()

	const sessionID = "sess-1"
	const btid = "bootstrap-" + sessionID + "-w0"
	putEnvelope(t, store, types.TaskEnvelope{TaskID: btid, SessionID: sessionID})

	tid := "task-1"
	putEnvelope(t, store, types.TaskEnvelope{TaskID: tid, Expr: encodeExpr(t, "double", uint64(5))})
	status := types.TaskStatus{TaskID: tid, State: lifecycle.Queued, CreatedAt: time.Now()}
	require.NoError(t, session.WriteStatus(ctx, store, sessionID, status))

	rt := New(store, newRegistry(), Config{TaskID: btid, WorkerID: "worker-a"})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := rt.Run(runCtx)
	assert.ErrorIs(t, err, context.Canceled)

	final, err := session.GetStatus(ctx, store, sessionID, tid)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Completed, final.State)
	assert.Equal(t, "worker-a", final.ClaimedBy)

	data, _, err := store.Get(ctx, "results/"+tid+".blob")
	require.NoError(t, err)
	var result types.ResultEnvelope
	require.NoError(t, blob.Decode(data, &result))
	assert.Equal(t, uint64(10), result.Value)
}

func TestRunDetachedKeepsPollingWithNoWork(t *testing.T) {
	store := objectstore.NewFake()
	ctx := context.Background()

	const sessionID = "sess-empty"
	const btid = "bootstrap-" + sessionID + "-w0"
	putEnvelope(t, store, types.TaskEnvelope{TaskID: btid, SessionID: sessionID})

	rt := New(store, newRegistry(), Config{TaskID: btid, WorkerID: "worker-a"})

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	err := rt.Run(runCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
