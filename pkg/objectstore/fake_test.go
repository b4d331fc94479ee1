package objectstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cloudburst/pkg/errs"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	etag, err := f.Put(ctx, "tasks/task-1.blob", []byte("hello"), PutOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	data, gotETag, err := f.Get(ctx, "tasks/task-1.blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, etag, gotETag)
}

func TestGetMissingIsNotFound(t *testing.T) {
	_, _, err := NewFake().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errs.Is(errs.NotFound, err))
}

func TestHeadNeverErrorsOnAbsence(t *testing.T) {
	exists, _, err := NewFake().Head(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConditionalPutRejectsStaleETag(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	etag, err := f.Put(ctx, "status", []byte("pending"), PutOptions{})
	require.NoError(t, err)

	// second writer races with a stale etag
	_, err = f.Put(ctx, "status", []byte("claimed-by-b"), PutOptions{IfMatch: "stale"})
	require.Error(t, err)
	assert.True(t, errs.Is(errs.PreconditionFailed, err))

	// winner uses the correct etag
	_, err = f.Put(ctx, "status", []byte("claimed-by-a"), PutOptions{IfMatch: etag})
	require.NoError(t, err)

	data, _, _ := f.Get(ctx, "status")
	assert.Equal(t, []byte("claimed-by-a"), data)
}

// TestConcurrentClaimExactlyOneWins exercises P1/D1/R3: of N concurrent
// conditional puts racing on the same current ETag, exactly one succeeds.
func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	etag, err := f.Put(ctx, "status", []byte("pending"), PutOptions{})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := f.Put(ctx, "status", []byte("claimed"), PutOptions{IfMatch: etag})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, _ = f.Put(ctx, "sessions/a/tasks/1/status.blob", []byte("x"), PutOptions{})
	_, _ = f.Put(ctx, "sessions/a/tasks/2/status.blob", []byte("x"), PutOptions{})
	_, _ = f.Put(ctx, "sessions/b/manifest.blob", []byte("x"), PutOptions{})

	page, err := f.List(ctx, "sessions/a/tasks/", "")
	require.NoError(t, err)
	assert.Len(t, page.Keys, 2)
}

func TestDeleteReportsCount(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_, _ = f.Put(ctx, "a", []byte("1"), PutOptions{})
	_, _ = f.Put(ctx, "b", []byte("2"), PutOptions{})

	n, err := f.Delete(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
