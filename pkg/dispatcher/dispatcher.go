// Package dispatcher implements the Ephemeral Dispatcher (§4.5): the
// in-memory scheduler that owns one ephemeral cluster. It fans futures
// out in quota-respecting waves or, when unconstrained, immediately,
// and drives completion by polling the object store for results. The
// dispatcher's single cooperative thread of control is guarded by a
// mutex, following the teacher's Scheduler pattern of a mutex-guarded
// tick; a wave's RunTask calls fan out concurrently through
// golang.org/x/sync/errgroup.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/containersvc"
	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
	"github.com/cuemby/cloudburst/pkg/log"
	"github.com/cuemby/cloudburst/pkg/metrics"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/pool"
	"github.com/cuemby/cloudburst/pkg/pricing"
	"github.com/cuemby/cloudburst/pkg/taskdef"
	"github.com/cuemby/cloudburst/pkg/types"
)

// resultPollInterval is the cadence Result blocks on while waiting for
// an outstanding future to resolve (§5: "retry cadence: 2s").
const resultPollInterval = 2 * time.Second

// warmPoolWait is how long WaitReady is given on first warm-pool
// provisioning (§4.5).
const warmPoolWait = 120 * time.Second

// Dispatcher owns a single ephemeral cluster's futures for the lifetime
// of the client process. It never holds a back-pointer from its
// futures — FutureHandle carries only a task_id, and Resolved/Result
// are dispatcher methods taking a *FutureHandle, breaking the
// Future/Cluster cyclic reference the spec's redesign note calls out
// (§9).
type Dispatcher struct {
	mu sync.Mutex

	cfg     types.ClusterConfig
	store   objectstore.Client
	svc     containersvc.Client
	cache   *taskdef.Cache
	poolMgr pool.Manager
	pricer  pricing.Oracle
	logger  zerolog.Logger

	quotaLimited   bool
	workersPerWave int

	defARN string

	queue   *types.WaveQueue
	futures map[string]*types.FutureHandle

	completedTasks int
	totalCostUSD   float64

	poolStartedAt *time.Time
}

// New constructs a Dispatcher for cfg. Quota-limited (wave) mode is
// engaged when cfg.ObservedVCPUQuota is set and cpu_units*workers would
// exceed it (I7); workers_per_wave is computed once here per §4.5.
func New(cfg types.ClusterConfig, store objectstore.Client, svc containersvc.Client, cache *taskdef.Cache, poolMgr pool.Manager, pricer pricing.Oracle) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		store:   store,
		svc:     svc,
		cache:   cache,
		poolMgr: poolMgr,
		pricer:  pricer,
		logger:  log.WithClusterID(cfg.ClusterName).With().Str("component", "dispatcher").Logger(),
		queue:   types.NewWaveQueue(),
		futures: make(map[string]*types.FutureHandle),
	}
	if cfg.ObservedVCPUQuota > 0 && cfg.CPUUnits*float64(cfg.Workers) > float64(cfg.ObservedVCPUQuota) {
		d.quotaLimited = true
		d.workersPerWave = int(math.Floor(float64(cfg.ObservedVCPUQuota) / cfg.CPUUnits))
		if d.workersPerWave < 1 {
			d.workersPerWave = 1
		}
	}
	return d
}

// newTaskID mints a task_id matching "task-[0-9a-f]{32}" (§6.1).
func newTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func envelopeKey(taskID string) string { return "tasks/" + taskID + ".blob" }
func resultKey(taskID string) string   { return "results/" + taskID + ".blob" }

// Submit encodes expr/globals into a TaskEnvelope, uploads it, and
// returns a FutureHandle in state Created (promoted to Queued or
// Running immediately below, depending on mode).
func (d *Dispatcher) Submit(ctx context.Context, exprBlob []byte, globals blob.Value) (*types.FutureHandle, error) {
	tid := newTaskID()
	env := types.TaskEnvelope{TaskID: tid, Expr: exprBlob, Globals: globals}
	data, err := blob.Encode(env)
	if err != nil {
		return nil, errs.E(errs.Fatal, "encode envelope "+tid, err)
	}
	if _, err := d.store.Put(ctx, envelopeKey(tid), data, objectstore.PutOptions{}); err != nil {
		return nil, err
	}

	future := &types.FutureHandle{TaskID: tid, State: lifecycle.Created, SubmittedAt: time.Now()}

	d.mu.Lock()
	d.futures[tid] = future
	d.mu.Unlock()

	if d.quotaLimited {
		// Enqueue only. Dispatch is deferred to the next Resolved/Result
		// call (or an explicit Tick) rather than fired synchronously here —
		// ticking inline would dispatch a wave of whatever has accumulated
		// so far, degenerating to many one-task waves when a caller
		// submits a batch in a tight loop (see DESIGN.md).
		d.mu.Lock()
		future.State = lifecycle.Queued
		d.queue.Pending = append(d.queue.Pending, future)
		d.mu.Unlock()
		return future, nil
	}

	if err := d.dispatchOne(ctx, future); err != nil {
		return future, err
	}
	return future, nil
}

// dispatchOne resolves the task definition (and warm pool, for
// Instance launch), runs the task immediately, and transitions the
// future Created/Queued -> Running. Used both by non-quota-limited
// Submit and by tick's wave dispatch.
func (d *Dispatcher) dispatchOne(ctx context.Context, f *types.FutureHandle) error {
	if err := d.ensureReady(ctx); err != nil {
		return err
	}

	net := containersvc.NetConfig{
		Subnets:        d.cfg.Subnets,
		SecurityGroups: d.cfg.SecurityGroups,
		AssignPublicIP: d.cfg.LaunchKind == types.LaunchServerless,
	}
	sel := d.launchSelector()
	env := map[string]string{
		"TASK_ID": f.TaskID,
		"BUCKET":  d.cfg.Bucket,
		"REGION":  d.cfg.Region,
	}

	res, err := d.svc.RunTask(ctx, d.cfg.ClusterName, d.defARN, 1, net, env, sel)
	if err != nil {
		return err
	}
	if len(res.StartedARNs) == 0 {
		return errs.E(errs.LaunchRejected, "RunTask "+f.TaskID, nil)
	}

	d.mu.Lock()
	f.State = lifecycle.Running
	f.ContainerTaskARN = res.StartedARNs[0]
	d.mu.Unlock()
	return nil
}

// ensureReady resolves the task definition ARN once, and — for
// Instance launches — provisions the warm pool on first use (§4.5
// "Warm pool coupling").
func (d *Dispatcher) ensureReady(ctx context.Context) error {
	d.mu.Lock()
	needDef := d.defARN == ""
	needPool := d.cfg.LaunchKind == types.LaunchInstance && d.poolStartedAt == nil
	d.mu.Unlock()

	if needDef {
		arn, err := d.cache.ResolveOrCreate(ctx, taskdefKey(d.cfg))
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.defARN = arn
		d.mu.Unlock()
	}

	if needPool {
		spec := pool.Spec{
			ClusterName:     d.cfg.ClusterName,
			InstanceType:    d.cfg.InstanceType,
			UseSpot:         d.cfg.UseSpot,
			Subnets:         d.cfg.Subnets,
			SecurityGroups:  d.cfg.SecurityGroups,
			InstanceProfile: d.cfg.InstanceProfile,
		}
		if err := d.poolMgr.EnsurePool(ctx, spec); err != nil {
			return err
		}
		if err := d.poolMgr.ScaleTo(ctx, int(d.cfg.Workers)); err != nil {
			return err
		}
		if err := d.poolMgr.WaitReady(ctx, int(d.cfg.Workers), warmPoolWait); err != nil {
			return err
		}
		now := time.Now()
		d.mu.Lock()
		d.poolStartedAt = &now
		d.mu.Unlock()
	}
	return nil
}

func (d *Dispatcher) launchSelector() containersvc.LaunchSelector {
	if d.cfg.LaunchKind == types.LaunchInstance {
		return containersvc.LaunchSelector{CapacityProviderName: d.cfg.ClusterName + "-pool-cp", CapacityProviderWeight: 1}
	}
	return containersvc.LaunchSelector{LaunchType: "FARGATE"}
}

func taskdefKey(cfg types.ClusterConfig) taskdef.Key {
	lk := containersvc.Serverless
	if cfg.LaunchKind == types.LaunchInstance {
		lk = containersvc.Instance
	}
	arch := containersvc.ArchX86_64
	if cfg.Architecture == types.ArchARM64 {
		arch = containersvc.ArchARM64
	}
	return taskdef.Key{
		ImageRef:     cfg.ImageRef,
		CPUUnits:     int(cfg.CPUUnits * 1024),
		MemoryMiB:    int(cfg.MemoryGB * 1024),
		LaunchKind:   lk,
		Architecture: arch,
	}
}

// tick performs one scheduling cycle in wave mode (§4.5): prune
// completed futures out of in_flight, then — if in_flight has drained
// — dispatch the next wave of up to workers_per_wave pending futures
// concurrently via errgroup.
func (d *Dispatcher) tick(ctx context.Context) error {
	d.mu.Lock()
	inFlight := make([]*types.FutureHandle, 0, len(d.queue.InFlight))
	for _, f := range d.queue.InFlight {
		inFlight = append(inFlight, f)
	}
	d.mu.Unlock()

	for _, f := range inFlight {
		exists, _, err := d.store.Head(ctx, resultKey(f.TaskID))
		if err != nil {
			return err
		}
		if exists {
			d.mu.Lock()
			f.State = lifecycle.Completed
			delete(d.queue.InFlight, f.TaskID)
			d.queue.CompletedCount++
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	inFlightEmpty := len(d.queue.InFlight) == 0
	pendingLen := len(d.queue.Pending)
	inFlightCount := len(d.queue.InFlight)
	d.mu.Unlock()
	metrics.TasksInFlight.WithLabelValues(d.cfg.ClusterName).Set(float64(inFlightCount))

	if !inFlightEmpty || pendingLen == 0 {
		return nil
	}

	n := d.workersPerWave
	if n <= 0 || n > pendingLen {
		n = pendingLen
	}

	d.mu.Lock()
	batch := d.queue.Pending[:n]
	d.queue.Pending = d.queue.Pending[n:]
	d.queue.WaveIndex++
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range batch {
		f := f
		g.Go(func() error { return d.dispatchOne(gctx, f) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	for _, f := range batch {
		d.queue.InFlight[f.TaskID] = f
	}
	inFlightCount = len(d.queue.InFlight)
	d.mu.Unlock()
	metrics.WavesDispatchedTotal.Inc()
	metrics.TasksInFlight.WithLabelValues(d.cfg.ClusterName).Set(float64(inFlightCount))
	d.logger.Info().Uint32("wave_index", d.queue.WaveIndex).Int("count", len(batch)).Msg("dispatched wave")
	return nil
}

// Tick runs one scheduler tick on demand. Resolved and Result already
// call this internally in wave mode; callers that want the next wave
// dispatched before checking any future's status (e.g. a Map helper
// that submits a whole batch up front) can call it directly.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if !d.quotaLimited {
		return nil
	}
	return d.tick(ctx)
}

// Resolved reports whether f has a result available, without blocking
// (one HEAD per call, per §5).
func (d *Dispatcher) Resolved(ctx context.Context, f *types.FutureHandle) (bool, error) {
	d.mu.Lock()
	if f.State == lifecycle.Completed {
		d.mu.Unlock()
		return true, nil
	}
	d.mu.Unlock()

	if d.quotaLimited {
		if err := d.tick(ctx); err != nil {
			return false, err
		}
	}

	exists, _, err := d.store.Head(ctx, resultKey(f.TaskID))
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Result blocks until f resolves or timeout elapses, downloads and
// decodes the result envelope, caches it on f, and updates aggregate
// counters. A decoded error envelope surfaces as a typed TaskFailed
// error (§7).
func (d *Dispatcher) Result(ctx context.Context, f *types.FutureHandle, timeout time.Duration) (*types.ResultEnvelope, error) {
	d.mu.Lock()
	if f.CachedResult != nil {
		cached := f.CachedResult
		d.mu.Unlock()
		return cached, resultErr(cached, f.TaskID)
	}
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		resolved, err := d.Resolved(ctx, f)
		if err != nil {
			return nil, err
		}
		if resolved {
			return d.fetchResult(ctx, f)
		}
		if time.Now().After(deadline) {
			return nil, errs.E(errs.TimedOut, "Result "+f.TaskID, nil)
		}
		timer := time.NewTimer(resultPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.E(errs.TimedOut, "Result canceled "+f.TaskID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) fetchResult(ctx context.Context, f *types.FutureHandle) (*types.ResultEnvelope, error) {
	data, _, err := d.store.Get(ctx, resultKey(f.TaskID))
	if err != nil {
		return nil, err
	}
	var result types.ResultEnvelope
	if err := blob.Decode(data, &result); err != nil {
		return nil, errs.E(errs.Fatal, "decode result "+f.TaskID, err)
	}

	d.mu.Lock()
	f.State = lifecycle.Completed
	f.CachedResult = &result
	d.completedTasks++
	d.mu.Unlock()

	metrics.ResultLatency.Observe(time.Since(f.SubmittedAt).Seconds())
	outcome := "completed"
	if result.Error {
		outcome = "failed"
	}
	metrics.TasksCompletedTotal.WithLabelValues(d.cfg.ClusterName, outcome).Inc()

	if err := d.accrueCost(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("failed to accrue cost estimate")
	}

	return &result, resultErr(&result, f.TaskID)
}

func resultErr(result *types.ResultEnvelope, taskID string) error {
	if result.Error {
		return errs.E(errs.TaskFailed, fmt.Sprintf("task %s: %s", taskID, result.Message), nil)
	}
	return nil
}

// accrueCost adds one task-container's worth of runtime cost to the
// dispatcher's running total, using the pricing oracle. It is
// best-effort: pricing is a reporting aid, not a correctness
// requirement, so a pricing error is logged and swallowed by the
// caller.
func (d *Dispatcher) accrueCost(ctx context.Context) error {
	var rate float64
	var err error
	if d.cfg.LaunchKind == types.LaunchInstance {
		rate, err = d.pricer.PriceInstance(d.cfg.InstanceType, d.cfg.UseSpot)
	} else {
		rate, err = d.pricer.PriceFargate(d.cfg.CPUUnits, d.cfg.MemoryGB)
	}
	if err != nil {
		return err
	}
	estimatedRuntimeHours := float64(d.cfg.TimeoutS) / 3600.0
	d.mu.Lock()
	d.totalCostUSD += rate * estimatedRuntimeHours
	total := d.totalCostUSD
	d.mu.Unlock()
	metrics.EstimatedCostUSD.WithLabelValues(d.cfg.ClusterName).Set(total)
	return nil
}

// Stats is a point-in-time snapshot of dispatcher progress, used by
// Cluster.Map and the CLI's progress reporting.
type Stats struct {
	CompletedTasks int
	TotalTasks     int
	TotalCostUSD   float64
	WaveIndex      uint32
}

// Stats returns the dispatcher's current aggregate counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		CompletedTasks: d.completedTasks,
		TotalTasks:     len(d.futures),
		TotalCostUSD:   d.totalCostUSD,
		WaveIndex:      d.queue.WaveIndex,
	}
}

// Cleanup stops any container tasks still tracked as in-flight and, for
// Instance launches, scales the warm pool to zero once
// warm_pool_timeout_s has elapsed since it was started; otherwise the
// pool is left warm for reuse (§4.5).
func (d *Dispatcher) Cleanup(ctx context.Context) error {
	d.mu.Lock()
	var arns []string
	for _, f := range d.futures {
		if f.ContainerTaskARN != "" && !f.State.Terminal() {
			arns = append(arns, f.ContainerTaskARN)
		}
	}
	poolStartedAt := d.poolStartedAt
	d.mu.Unlock()

	for _, arn := range arns {
		if err := d.svc.StopTask(ctx, d.cfg.ClusterName, arn, "cluster cleanup"); err != nil {
			d.logger.Warn().Err(err).Str("arn", arn).Msg("failed to stop task during cleanup")
		}
	}

	if d.cfg.LaunchKind != types.LaunchInstance || poolStartedAt == nil || d.poolMgr == nil {
		return nil
	}
	if time.Since(*poolStartedAt) > time.Duration(d.cfg.WarmPoolTimeoutS)*time.Second {
		return d.poolMgr.ScaleToZero(ctx)
	}
	return nil
}
