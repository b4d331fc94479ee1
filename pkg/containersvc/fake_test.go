package containersvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cloudburst/pkg/errs"
)

func TestRegisterAndListDescending(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	arn1, err := f.RegisterTaskDefinition(ctx, TaskDefSpec{Family: "worker", ImageRef: "img:1"})
	require.NoError(t, err)
	arn2, err := f.RegisterTaskDefinition(ctx, TaskDefSpec{Family: "worker", ImageRef: "img:2"})
	require.NoError(t, err)
	assert.NotEqual(t, arn1, arn2)

	arns, err := f.ListTaskDefinitions(ctx, "worker", 10)
	require.NoError(t, err)
	require.Len(t, arns, 2)
	assert.Equal(t, arn2, arns[0], "most recent revision listed first")
}

func TestRunTaskFailurePropagatesAsLaunchRejected(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.RunTaskFailures = 1

	_, err := f.RunTask(ctx, "cluster", "arn:def", 1, NetConfig{}, nil, LaunchSelector{LaunchType: "FARGATE"})
	require.Error(t, err)
	assert.True(t, errs.Is(errs.LaunchRejected, err))
}

func TestRunTaskStartsRequestedCount(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	result, err := f.RunTask(ctx, "cluster", "arn:def", 4, NetConfig{}, nil, LaunchSelector{LaunchType: "FARGATE"})
	require.NoError(t, err)
	assert.Len(t, result.StartedARNs, 4)
}

func TestStopTaskMarksStopped(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	result, _ := f.RunTask(ctx, "cluster", "arn:def", 1, NetConfig{}, nil, LaunchSelector{LaunchType: "FARGATE"})

	require.NoError(t, f.StopTask(ctx, "cluster", result.StartedARNs[0], "test"))

	infos, err := f.DescribeTasks(ctx, "cluster", result.StartedARNs)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "STOPPED", infos[0].LastStatus)
}
