package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/pool"
	"github.com/cuemby/cloudburst/pkg/pricing"
	"github.com/cuemby/cloudburst/pkg/taskdef"
	"github.com/cuemby/cloudburst/pkg/types"
)

func testConfig(workers uint32, quota uint32, cpu float64) types.ClusterConfig {
	return types.ClusterConfig{
		Workers:           workers,
		CPUUnits:          cpu,
		MemoryGB:          2,
		Region:            "us-east-1",
		TimeoutS:          30,
		LaunchKind:        types.LaunchServerless,
		ImageRef:          "example/worker:latest",
		Bucket:            "bucket",
		ClusterName:       "test-cluster",
		ObservedVCPUQuota: quota,
	}
}

func newTestDispatcher(cfg types.ClusterConfig) (*Dispatcher, *objectstore.Fake, *containersvc.Fake) {
	store := objectstore.NewFake()
	svc := containersvc.NewFake()
	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst"}, []string{"TASK_ID", "BUCKET", "REGION"})
	d := New(cfg, store, svc, cache, pool.NewFake(), pricing.StaticOracle{})
	return d, store, svc
}

// simulateWorkerCompletion writes a success result envelope directly to
// the object store's results/ key, standing in for a worker container
// that downloaded the envelope, evaluated it, and uploaded the result.
func simulateWorkerCompletion(t *testing.T, store *objectstore.Fake, taskID string, value interface{}) {
	t.Helper()
	data, err := blob.Encode(types.ResultEnvelope{Value: value, Visible: true})
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "results/"+taskID+".blob", data, objectstore.PutOptions{})
	require.NoError(t, err)
}

// Scenario 1: tiny sequential-equivalent.
func TestDispatcherTinySequentialEquivalent(t *testing.T) {
	cfg := testConfig(2, 0, 1)
	d, store, _ := newTestDispatcher(cfg)
	ctx := context.Background()

	inputs := []int{1, 2, 3, 4}
	futures := make([]*types.FutureHandle, len(inputs))
	for i, n := range inputs {
		f, err := d.Submit(ctx, []byte{0x01}, nil)
		require.NoError(t, err)
		futures[i] = f
		simulateWorkerCompletion(t, store, f.TaskID, n*n)
	}

	got := make(map[int]bool)
	for _, f := range futures {
		res, err := d.Result(ctx, f, time.Second)
		require.NoError(t, err)
		require.False(t, res.Error)
		got[toInt(res.Value)] = true
	}
	assert.True(t, got[1] && got[4] && got[9] && got[16])
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return -1
	}
}

// Scenario 2: wave scheduling under quota.
func TestDispatcherWaveSchedulingUnderQuota(t *testing.T) {
	cfg := testConfig(10, 16, 4) // workers_per_wave = 4, 3 waves (4+4+2)
	d, store, _ := newTestDispatcher(cfg)
	ctx := context.Background()

	require.True(t, d.quotaLimited)
	require.Equal(t, 4, d.workersPerWave)

	var futures []*types.FutureHandle
	for i := 0; i < 10; i++ {
		f, err := d.Submit(ctx, []byte{0x01}, nil)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	// Submit only enqueues in wave mode: nothing is in flight before the
	// first tick, and never more than one wave (4) afterwards.
	d.mu.Lock()
	assert.LessOrEqual(t, len(d.queue.InFlight), 4)
	d.mu.Unlock()

	for _, f := range futures {
		// Drain whichever wave is currently in flight before resolving it.
		for {
			d.mu.Lock()
			_, inFlight := d.queue.InFlight[f.TaskID]
			d.mu.Unlock()
			if inFlight {
				break
			}
			require.NoError(t, d.tick(ctx))
		}
		simulateWorkerCompletion(t, store, f.TaskID, 1)
		res, err := d.Result(ctx, f, time.Second)
		require.NoError(t, err)
		assert.False(t, res.Error)
	}

	d.mu.Lock()
	assert.Equal(t, uint32(3), d.queue.WaveIndex)
	d.mu.Unlock()
}

func TestDispatcherTaskFailedSurfaces(t *testing.T) {
	cfg := testConfig(1, 0, 1)
	d, store, _ := newTestDispatcher(cfg)
	ctx := context.Background()

	f, err := d.Submit(ctx, []byte{0x01}, nil)
	require.NoError(t, err)

	data, err := blob.Encode(types.ResultEnvelope{Error: true, Message: "boom"})
	require.NoError(t, err)
	_, err = store.Put(ctx, "results/"+f.TaskID+".blob", data, objectstore.PutOptions{})
	require.NoError(t, err)

	_, err = d.Result(ctx, f, time.Second)
	require.Error(t, err)
}

func TestDispatcherResultTimesOut(t *testing.T) {
	cfg := testConfig(1, 0, 1)
	d, _, _ := newTestDispatcher(cfg)
	ctx := context.Background()

	f, err := d.Submit(ctx, []byte{0x01}, nil)
	require.NoError(t, err)

	_, err = d.Result(ctx, f, 10*time.Millisecond)
	require.Error(t, err)
}

func TestDispatcherLaunchRejectedPropagates(t *testing.T) {
	cfg := testConfig(1, 0, 1)
	d, _, svc := newTestDispatcher(cfg)
	svc.RunTaskFailures = 1

	_, err := d.Submit(context.Background(), []byte{0x01}, nil)
	require.Error(t, err)
}

// Scenario 6: warm-pool reuse.
func TestDispatcherWarmPoolReuse(t *testing.T) {
	cfg := testConfig(2, 0, 4)
	cfg.LaunchKind = types.LaunchInstance
	cfg.InstanceType = "c6g.xlarge"
	cfg.WarmPoolTimeoutS = 600

	fakePool := pool.NewFake()
	store := objectstore.NewFake()
	svc := containersvc.NewFake()
	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst"}, []string{"TASK_ID", "BUCKET", "REGION"})
	d := New(cfg, store, svc, cache, fakePool, pricing.StaticOracle{})
	ctx := context.Background()

	f1, err := d.Submit(ctx, []byte{0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fakePool.EnsureCalls)

	simulateWorkerCompletion(t, store, f1.TaskID, 1)
	_, err = d.Result(ctx, f1, time.Second)
	require.NoError(t, err)

	f2, err := d.Submit(ctx, []byte{0x01}, nil)
	require.NoError(t, err)
	// Reuses the warm pool: EnsurePool is not called again.
	assert.Equal(t, 1, fakePool.EnsureCalls)
	simulateWorkerCompletion(t, store, f2.TaskID, 1)
	_, err = d.Result(ctx, f2, time.Second)
	require.NoError(t, err)

	require.NoError(t, d.Cleanup(ctx))
	st, err := fakePool.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Desired) // within warm_pool_timeout: left warm
}
