package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/taskdef"
	"github.com/cuemby/cloudburst/pkg/types"
)

func testCluster() types.ClusterConfig {
	return types.ClusterConfig{
		Workers:      2,
		CPUUnits:     1,
		MemoryGB:     2,
		Region:       "us-east-1",
		LaunchKind:   types.LaunchServerless,
		Architecture: types.ArchX86_64,
		ImageRef:     "example/worker:latest",
		Bucket:       "cloudburst-test",
		ClusterName:  "cloudburst-test-cluster",
		Subnets:      []string{"subnet-1"},
		LogGroup:     "/cloudburst/test",
	}
}

func newTestSession(t *testing.T) (*Session, objectstore.Client, containersvc.Client) {
	t.Helper()
	store := objectstore.NewFake()
	svc := containersvc.NewFake()
	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst/test"}, []string{"TASK_ID", "BUCKET", "REGION"})
	s, err := CreateSession(context.Background(), store, svc, cache, testCluster(), time.Hour)
	require.NoError(t, err)
	return s, store, svc
}

func TestCreateSessionLaunchesWorkersAndWritesManifest(t *testing.T) {
	s, store, _ := newTestSession(t)

	manifest, _, err := getManifest(context.Background(), store, s.ID())
	require.NoError(t, err)
	assert.Len(t, manifest.ContainerTaskARNs, 2)
	assert.False(t, manifest.Terminated)
	assert.True(t, manifest.AbsoluteDeadline.After(time.Now()))
}

func TestAttachSessionRejectsExpiredSession(t *testing.T) {
	store := objectstore.NewFake()
	svc := containersvc.NewFake()
	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst/test"}, []string{"TASK_ID", "BUCKET", "REGION"})
	s, err := CreateSession(context.Background(), store, svc, cache, testCluster(), -time.Minute)
	require.NoError(t, err)

	_, err = AttachSession(context.Background(), store, svc, cache, s.ID())
	require.Error(t, err)
	assert.True(t, errs.Is(errs.TimedOut, err))
}

func TestSubmitWritesEnvelopeBeforeStatus(t *testing.T) {
	s, store, _ := newTestSession(t)
	ctx := context.Background()

	tid, err := s.Submit(ctx, []byte{0xa0}, nil)
	require.NoError(t, err)

	_, _, err = store.Get(ctx, envelopeKey(tid))
	require.NoError(t, err)

	status, err := GetStatus(ctx, store, s.ID(), tid)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Queued, status.State)

	manifest, _, err := getManifest(ctx, store, s.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Stats.Total)
}

func TestStatusTalliesByStateAndExcludesBootstrap(t *testing.T) {
	s, store, _ := newTestSession(t)
	ctx := context.Background()

	tid1, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)
	tid2, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	ok, err := AtomicClaim(ctx, store, s.ID(), tid1, "worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	st1, err := GetStatus(ctx, store, s.ID(), tid1)
	require.NoError(t, err)
	st1.State = lifecycle.Running
	require.NoError(t, WriteStatus(ctx, store, s.ID(), st1))

	stats, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)

	status2, err := GetStatus(ctx, store, s.ID(), tid2)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Queued, status2.State)
}

func TestAtomicClaimOnlyOneWinnerAcrossWorkers(t *testing.T) {
	s, store, _ := newTestSession(t)
	ctx := context.Background()

	tid, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	wins := 0
	for i := 0; i < 8; i++ {
		ok, err := AtomicClaim(ctx, store, s.ID(), tid, "worker-"+string(rune('a'+i)))
		require.NoError(t, err)
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCollectReturnsCompletedAndFailedResults(t *testing.T) {
	s, store, _ := newTestSession(t)
	ctx := context.Background()

	okTid, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)
	failTid, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	okStatus, err := GetStatus(ctx, store, s.ID(), okTid)
	require.NoError(t, err)
	okStatus.State = lifecycle.Completed
	require.NoError(t, WriteStatus(ctx, store, s.ID(), okStatus))
	resData, err := blob.Encode(types.ResultEnvelope{Value: blob.Value(42)})
	require.NoError(t, err)
	_, err = store.Put(ctx, resultKey(okTid), resData, objectstore.PutOptions{})
	require.NoError(t, err)

	failStatus, err := GetStatus(ctx, store, s.ID(), failTid)
	require.NoError(t, err)
	failStatus.State = lifecycle.Failed
	failStatus.Error = "boom"
	require.NoError(t, WriteStatus(ctx, store, s.ID(), failStatus))

	results, err := s.Collect(ctx, false, time.Second)
	require.NoError(t, err)
	require.Contains(t, results, okTid)
	require.Contains(t, results, failTid)
	assert.False(t, results[okTid].Error)
	assert.True(t, results[failTid].Error)
	assert.Equal(t, "boom", results[failTid].Message)
}

func TestCollectWaitTimesOutWhenTasksStillPending(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	_, err = s.Collect(ctx, true, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.Is(errs.TimedOut, err))
}

func TestCleanupStopsWorkersAndMarksTerminated(t *testing.T) {
	s, store, svc := newTestSession(t)
	ctx := context.Background()

	manifest, _, err := getManifest(ctx, store, s.ID())
	require.NoError(t, err)
	require.NotEmpty(t, manifest.ContainerTaskARNs)

	require.NoError(t, s.Cleanup(ctx, true, false))

	fake := svc.(*containersvc.Fake)
	infos, err := fake.DescribeTasks(ctx, manifest.Backend.ClusterName, manifest.ContainerTaskARNs)
	require.NoError(t, err)
	for _, info := range infos {
		assert.Equal(t, "STOPPED", info.LastStatus)
	}

	updated, _, err := getManifest(ctx, store, s.ID())
	require.NoError(t, err)
	assert.True(t, updated.Terminated)
}

func TestCleanupForceDeletesObjectStoreState(t *testing.T) {
	s, store, _ := newTestSession(t)
	ctx := context.Background()

	tid, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx, false, true))

	_, _, err = store.Get(ctx, envelopeKey(tid))
	require.Error(t, err)
	assert.True(t, errs.Is(errs.NotFound, err))

	_, _, err = store.Get(ctx, manifestKey(s.ID()))
	require.Error(t, err)
}

func TestListSessionsReturnsSummaries(t *testing.T) {
	s1, store, svc := newTestSession(t)
	ctx := context.Background()

	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst/test"}, []string{"TASK_ID", "BUCKET", "REGION"})
	s2, err := CreateSession(ctx, store, svc, cache, testCluster(), time.Hour)
	require.NoError(t, err)

	summaries, err := ListSessions(ctx, store)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range summaries {
		ids[s.SessionID] = true
	}
	assert.True(t, ids[s1.ID()])
	assert.True(t, ids[s2.ID()])
}

func TestAttachSessionReturnsUsableHandleAfterDetach(t *testing.T) {
	s, store, svc := newTestSession(t)
	ctx := context.Background()
	sessionID := s.ID()

	tid, err := s.Submit(ctx, nil, nil)
	require.NoError(t, err)

	cache := taskdef.New(svc, taskdef.LogConfig{LogGroup: "/cloudburst/test"}, []string{"TASK_ID", "BUCKET", "REGION"})
	reattached, err := AttachSession(ctx, store, svc, cache, sessionID)
	require.NoError(t, err)

	status, err := GetStatus(ctx, store, reattached.ID(), tid)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Queued, status.State)
}
