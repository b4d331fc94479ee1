// Package session implements the Detached Session Core (§4.4): the
// object-store-backed scheduler where the object store is the system
// of record. Workers long-poll for work, claim atomically via
// AtomicClaim (claim.go), and write results; this package's Session
// type is the pure, stateless client that submits, inspects, collects,
// and tears sessions down without holding authoritative state itself —
// everything it reports is re-derived from the object store on every
// call.
package session

import (
	"context"
	"strings"
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
	"github.com/cuemby/cloudburst/pkg/taskdef"
	"github.com/cuemby/cloudburst/pkg/types"
)

// collectPollInterval is Collect(wait=true)'s poll cadence (§5).
const collectPollInterval = 2 * time.Second

// Session is a pure client handle: every method re-reads the object
// store. It holds no authoritative state across calls, so dropping the
// handle and later calling AttachSession is always safe (the whole
// point of the detached design, §3 "Ownership and lifecycle").
type Session struct {
	store     objectstore.Client
	svc       containersvc.Client
	cache     *taskdef.Cache
	sessionID string
	logger    zerolog.Logger
}

func newTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func bootstrapTaskID(sessionID string, index int) string {
	return bootstrapPrefix + sessionID + "-" + uuid.New().String()[:8] + "-" + itoa(index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// CreateSession provisions a new detached session: writes the initial
// manifest, then launches cfg.Workers worker containers, each seeded
// with a bootstrap task envelope carrying the session id (§4.2's
// unified-launch-path design).
func CreateSession(ctx context.Context, store objectstore.Client, svc containersvc.Client, cache *taskdef.Cache, cfg types.ClusterConfig, absoluteTimeout time.Duration) (*Session, error) {
	sessionID := strings.ReplaceAll(uuid.New().String(), "-", "")
	now := time.Now()
	manifest := types.SessionManifest{
		SessionID:        sessionID,
		CreatedAt:        now,
		LastActivity:     now,
		AbsoluteDeadline: now.Add(absoluteTimeout),
		Backend:          cfg,
	}
	data, err := blob.Encode(manifest)
	if err != nil {
		return nil, errs.E(errs.Fatal, "encode manifest "+sessionID, err)
	}
	if _, err := store.Put(ctx, manifestKey(sessionID), data, objectstore.PutOptions{}); err != nil {
		return nil, err
	}

	s := &Session{store: store, svc: svc, cache: cache, sessionID: sessionID, logger: log.WithSessionID(sessionID)}
	s.logger.Info().Uint32("workers", cfg.Workers).Msg("session created")
	if err := s.launchWorkers(ctx, cfg); err != nil {
		return s, err
	}
	return s, nil
}

// AttachSession reattaches to an existing session by id, refusing
// sessions whose absolute_deadline has already passed (B5).
func AttachSession(ctx context.Context, store objectstore.Client, svc containersvc.Client, cache *taskdef.Cache, sessionID string) (*Session, error) {
	manifest, _, err := getManifest(ctx, store, sessionID)
	if err != nil {
		return nil, err
	}
	if manifest.AbsoluteDeadline.Before(time.Now()) {
		return nil, errs.E(errs.TimedOut, "session "+sessionID+" absolute_deadline has passed", nil)
	}
	return &Session{store: store, svc: svc, cache: cache, sessionID: sessionID, logger: log.WithSessionID(sessionID)}, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.sessionID }

func (s *Session) launchWorkers(ctx context.Context, cfg types.ClusterConfig) error {
	lk := containersvc.Serverless
	if cfg.LaunchKind == types.LaunchInstance {
		lk = containersvc.Instance
	}
	arch := containersvc.ArchX86_64
	if cfg.Architecture == types.ArchARM64 {
		arch = containersvc.ArchARM64
	}
	defARN, err := s.cache.ResolveOrCreate(ctx, taskdef.Key{
		ImageRef:     cfg.ImageRef,
		CPUUnits:     int(cfg.CPUUnits * 1024),
		MemoryMiB:    int(cfg.MemoryGB * 1024),
		LaunchKind:   lk,
		Architecture: arch,
	})
	if err != nil {
		return err
	}

	net := containersvc.NetConfig{
		Subnets:        cfg.Subnets,
		SecurityGroups: cfg.SecurityGroups,
		AssignPublicIP: cfg.LaunchKind == types.LaunchServerless,
	}
	sel := containersvc.LaunchSelector{LaunchType: "FARGATE"}
	if cfg.LaunchKind == types.LaunchInstance {
		sel = containersvc.LaunchSelector{CapacityProviderName: cfg.ClusterName + "-pool-cp", CapacityProviderWeight: 1}
	}

	arns := make([]string, cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < int(cfg.Workers); i++ {
		i := i
		g.Go(func() error {
			btid := bootstrapTaskID(s.sessionID, i)
			env := types.TaskEnvelope{TaskID: btid, SessionID: s.sessionID}
			data, err := blob.Encode(env)
			if err != nil {
				return errs.E(errs.Fatal, "encode bootstrap envelope "+btid, err)
			}
			if _, err := s.store.Put(gctx, envelopeKey(btid), data, objectstore.PutOptions{}); err != nil {
				return err
			}
			res, err := s.svc.RunTask(gctx, cfg.ClusterName, defARN, 1, net, map[string]string{
				"TASK_ID": btid, "BUCKET": cfg.Bucket, "REGION": cfg.Region,
			}, sel)
			if err != nil {
				return err
			}
			if len(res.StartedARNs) == 0 {
				return errs.E(errs.LaunchRejected, "RunTask "+btid, nil)
			}
			arns[i] = res.StartedARNs[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = updateManifest(ctx, s.store, s.sessionID, s.logger, func(m *types.SessionManifest) {
		m.ContainerTaskARNs = append(m.ContainerTaskARNs, arns...)
	})
	return err
}

// Submit uploads the envelope before the status, so no worker ever
// observes a pending status whose envelope is absent (P4), then
// CAS-updates the manifest's stats.total.
func (s *Session) Submit(ctx context.Context, exprBlob []byte, globals blob.Value) (string, error) {
	tid := newTaskID()
	env := types.TaskEnvelope{TaskID: tid, Expr: exprBlob, Globals: globals, SessionID: s.sessionID}
	data, err := blob.Encode(env)
	if err != nil {
		return "", errs.E(errs.Fatal, "encode envelope "+tid, err)
	}
	if _, err := s.store.Put(ctx, envelopeKey(tid), data, objectstore.PutOptions{}); err != nil {
		return "", err
	}

	status := types.TaskStatus{TaskID: tid, State: lifecycle.Queued, CreatedAt: time.Now()}
	statusData, err := blob.Encode(status)
	if err != nil {
		return "", errs.E(errs.Fatal, "encode status "+tid, err)
	}
	if _, err := s.store.Put(ctx, statusKey(s.sessionID, tid), statusData, objectstore.PutOptions{}); err != nil {
		return "", err
	}

	_, err = updateManifest(ctx, s.store, s.sessionID, s.logger, func(m *types.SessionManifest) {
		m.Stats.Total++
	})
	s.logger.Debug().Str("task_id", tid).Msg("task submitted")
	return tid, err
}

// allStatuses enumerates every status object under this session's
// tasks/ prefix, excluding bootstrap entries (§6.1), paging through the
// object store's restartable List.
func (s *Session) allStatuses(ctx context.Context) (map[string]types.TaskStatus, error) {
	statuses := make(map[string]types.TaskStatus)
	cursor := ""
	for {
		page, err := s.store.List(ctx, statusPrefix(s.sessionID), cursor)
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			tid, ok := taskIDFromStatusKey(s.sessionID, key)
			if !ok || isBootstrapTask(tid) {
				continue
			}
			status, err := GetStatus(ctx, s.store, s.sessionID, tid)
			if err != nil {
				return nil, err
			}
			statuses[tid] = status
		}
		if !page.More {
			break
		}
		cursor = page.Cursor
	}
	return statuses, nil
}

// Status tallies every non-bootstrap status object by state; claimed
// folds into running for user-facing reporting (§4.4).
func (s *Session) Status(ctx context.Context) (types.SessionStats, error) {
	statuses, err := s.allStatuses(ctx)
	if err != nil {
		return types.SessionStats{}, err
	}
	stats := types.SessionStats{Total: len(statuses)}
	for _, st := range statuses {
		switch st.State {
		case lifecycle.Queued:
			stats.Pending++
		case lifecycle.Claimed, lifecycle.Running:
			stats.Running++
		case lifecycle.Completed:
			stats.Completed++
		case lifecycle.Failed:
			stats.Failed++
		}
	}
	metrics.SessionTaskCounts.WithLabelValues(s.sessionID, "pending").Set(float64(stats.Pending))
	metrics.SessionTaskCounts.WithLabelValues(s.sessionID, "running").Set(float64(stats.Running))
	metrics.SessionTaskCounts.WithLabelValues(s.sessionID, "completed").Set(float64(stats.Completed))
	metrics.SessionTaskCounts.WithLabelValues(s.sessionID, "failed").Set(float64(stats.Failed))
	return stats, nil
}

// Collect enumerates statuses; for each completed task not already in
// the returned map, it downloads and decodes the result. With
// wait=false, one enumeration pass is performed. With wait=true, it
// polls every 2s until every task is terminal or timeout elapses.
func (s *Session) Collect(ctx context.Context, wait bool, timeout time.Duration) (map[string]types.ResultEnvelope, error) {
	results := make(map[string]types.ResultEnvelope)
	deadline := time.Now().Add(timeout)

	for {
		statuses, err := s.allStatuses(ctx)
		if err != nil {
			return results, err
		}

		allTerminal := true
		for tid, st := range statuses {
			if !st.State.Terminal() {
				allTerminal = false
				continue
			}
			if _, already := results[tid]; already {
				continue
			}
			if st.State == lifecycle.Failed && st.Error != "" {
				results[tid] = types.ResultEnvelope{Error: true, Message: st.Error}
				continue
			}
			data, _, err := s.store.Get(ctx, resultKey(tid))
			if err != nil {
				return results, err
			}
			var r types.ResultEnvelope
			if err := blob.Decode(data, &r); err != nil {
				return results, errs.E(errs.Fatal, "decode result "+tid, err)
			}
			results[tid] = r
		}

		if !wait {
			return results, nil
		}
		if allTerminal && len(statuses) > 0 {
			return results, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return results, errs.E(errs.TimedOut, "Collect "+s.sessionID, nil)
		}
		pollWait := collectPollInterval
		if remaining < pollWait {
			pollWait = remaining
		}
		timer := time.NewTimer(pollWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return results, errs.E(errs.TimedOut, "Collect canceled "+s.sessionID, ctx.Err())
		case <-timer.C:
		}
	}
}

// Cleanup optionally stops the session's worker containers (tracked by
// ARN in the manifest, avoiding any dependence on ECS returning launch
// overrides back out of DescribeTasks) and optionally bulk-deletes the
// session's and its tasks' object-store keys; otherwise it marks the
// manifest terminated.
func (s *Session) Cleanup(ctx context.Context, stopWorkers bool, force bool) error {
	manifest, _, err := getManifest(ctx, s.store, s.sessionID)
	if err != nil {
		return err
	}

	if stopWorkers {
		for _, arn := range manifest.ContainerTaskARNs {
			if err := s.svc.StopTask(ctx, manifest.Backend.ClusterName, arn, "session cleanup"); err != nil {
				// best-effort: a task that already stopped is not fatal to cleanup
				continue
			}
		}
	}

	if force {
		if err := s.deleteAll(ctx); err != nil {
			return err
		}
		return nil
	}

	_, err = updateManifest(ctx, s.store, s.sessionID, s.logger, func(m *types.SessionManifest) {
		m.Terminated = true
	})
	s.logger.Info().Bool("force", force).Msg("session cleaned up")
	return err
}

func (s *Session) deleteAll(ctx context.Context) error {
	prefixes := []string{"sessions/" + s.sessionID + "/", "tasks/" + bootstrapPrefix + s.sessionID}
	statuses, err := s.allStatuses(ctx)
	if err != nil {
		return err
	}
	var taskKeys []string
	for tid := range statuses {
		taskKeys = append(taskKeys, envelopeKey(tid), resultKey(tid))
	}

	for _, prefix := range prefixes {
		cursor := ""
		for {
			page, err := s.store.List(ctx, prefix, cursor)
			if err != nil {
				return err
			}
			if _, err := s.store.Delete(ctx, page.Keys); err != nil {
				return err
			}
			if !page.More {
				break
			}
			cursor = page.Cursor
		}
	}

	for start := 0; start < len(taskKeys); start += 1000 {
		end := start + 1000
		if end > len(taskKeys) {
			end = len(taskKeys)
		}
		if _, err := s.store.Delete(ctx, taskKeys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions enumerates every session manifest under sessions/,
// returning a summary row per session.
func ListSessions(ctx context.Context, store objectstore.Client) ([]types.SessionSummary, error) {
	var summaries []types.SessionSummary
	cursor := ""
	for {
		page, err := store.List(ctx, "sessions/", cursor)
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			if !strings.HasSuffix(key, "/manifest.blob") {
				continue
			}
			data, _, err := store.Get(ctx, key)
			if err != nil {
				continue
			}
			var m types.SessionManifest
			if err := blob.Decode(data, &m); err != nil {
				continue
			}
			summaries = append(summaries, types.SessionSummary{
				SessionID:        m.SessionID,
				CreatedAt:        m.CreatedAt,
				LastActivity:     m.LastActivity,
				AbsoluteDeadline: m.AbsoluteDeadline,
				Stats:            m.Stats,
				Terminated:       m.Terminated,
			})
		}
		if !page.More {
			break
		}
		cursor = page.Cursor
	}
	return summaries, nil
}
