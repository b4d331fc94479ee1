package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	awssession "github.com/aws/aws-sdk-go/aws/session"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/pool"
	"github.com/cuemby/cloudburst/pkg/pricing"
	"github.com/cuemby/cloudburst/pkg/taskdef"
	"github.com/cuemby/cloudburst/pkg/types"
)

// Cluster is the top-level ephemeral-mode handle §6.5 names:
// CreateCluster(config) -> Cluster, cluster.Submit(expr) -> Future,
// cluster.Map(xs, fn) -> []result. It owns the real AWS-backed clients
// and wraps a Dispatcher, which carries the actual scheduling logic.
type Cluster struct {
	disp *Dispatcher
}

// CreateCluster wires up an AWS session and every concrete client the
// dispatcher needs (S3, ECS, Auto Scaling, the task definition cache,
// and a bbolt-cached pricing oracle rooted at cacheDir), then returns a
// ready-to-use Cluster.
func CreateCluster(cfg types.ClusterConfig, cacheDir string) (*Cluster, error) {
	sess, err := awssession.NewSessionWithOptions(awssession.Options{SharedConfigState: awssession.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	if cfg.Region != "" {
		region := cfg.Region
		sess = sess.Copy(&sess.Config)
		sess.Config.Region = &region
	}

	store := objectstore.New(sess, cfg.Bucket)
	svc := containersvc.New(sess)
	cache := taskdef.New(svc, taskdef.LogConfig{
		LogGroup:      cfg.LogGroup,
		ExecutionRole: cfg.ExecutionRole,
		TaskRole:      cfg.TaskRole,
	}, []string{"TASK_ID", "BUCKET", "REGION"})

	var poolMgr pool.Manager
	if cfg.LaunchKind == types.LaunchInstance {
		poolMgr = pool.New(sess, cfg.ClusterName)
	}

	pricer, err := pricing.Open(filepath.Join(cacheDir, "pricing.db"), pricing.StaticOracle{})
	if err != nil {
		return nil, err
	}

	return &Cluster{disp: New(cfg, store, svc, cache, poolMgr, pricer)}, nil
}

// Dispatcher exposes the underlying Dispatcher for callers (the CLI's
// metrics collector, Stats/Cleanup) that need it directly.
func (c *Cluster) Dispatcher() *Dispatcher { return c.disp }

// Submit submits an already blob-encoded expression with its globals,
// returning a FutureHandle the caller polls via Resolved/Result.
func (c *Cluster) Submit(ctx context.Context, exprBlob []byte, globals blob.Value) (*types.FutureHandle, error) {
	return c.disp.Submit(ctx, exprBlob, globals)
}

// Map submits one task per input, then blocks until every one resolves,
// returning results in input order. Submission happens up front so
// quota-limited mode can form waves across the whole batch rather than
// one at a time.
func (c *Cluster) Map(ctx context.Context, exprs [][]byte, globals blob.Value, timeout int64) ([]*types.ResultEnvelope, error) {
	futures := make([]*types.FutureHandle, len(exprs))
	for i, expr := range exprs {
		f, err := c.disp.Submit(ctx, expr, globals)
		if err != nil {
			return nil, fmt.Errorf("submit item %d: %w", i, err)
		}
		futures[i] = f
	}

	results := make([]*types.ResultEnvelope, len(futures))
	errs := make([]error, len(futures))
	var wg sync.WaitGroup
	for i, f := range futures {
		wg.Add(1)
		go func(i int, f *types.FutureHandle) {
			defer wg.Done()
			res, err := c.disp.Result(ctx, f, time.Duration(timeout)*time.Second)
			results[i] = res
			errs[i] = err
		}(i, f)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Cleanup tears the cluster's in-flight tasks and warm pool down.
func (c *Cluster) Cleanup(ctx context.Context) error { return c.disp.Cleanup(ctx) }
