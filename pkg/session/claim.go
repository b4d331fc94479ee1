package session

import (
	"context"
	"time"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
	"github.com/cuemby/cloudburst/pkg/metrics"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/types"
)

// AtomicClaim executes the claim protocol of §4.4 for a single
// candidate task: read the status, and if it is still pending,
// conditionally PUT it to claimed with workerID as claimant. Returns
// true only to the one caller whose PUT wins the ETag race (I4, P1,
// R3).
func AtomicClaim(ctx context.Context, store objectstore.Client, sessionID, taskID, workerID string) (bool, error) {
	data, etag, err := store.Get(ctx, statusKey(sessionID, taskID))
	if err != nil {
		if errs.Is(errs.NotFound, err) {
			return false, nil
		}
		return false, err
	}

	var status types.TaskStatus
	if err := blob.Decode(data, &status); err != nil {
		return false, errs.E(errs.Fatal, "decode status "+taskID, err)
	}
	if status.State != lifecycle.Queued && status.State != lifecycle.Created {
		metrics.ClaimAttemptsTotal.WithLabelValues("already_claimed").Inc()
		return false, nil
	}

	now := time.Now()
	status.State = lifecycle.Claimed
	status.ClaimedAt = &now
	status.ClaimedBy = workerID

	encoded, err := blob.Encode(status)
	if err != nil {
		return false, errs.E(errs.Fatal, "encode status "+taskID, err)
	}

	if _, err := store.Put(ctx, statusKey(sessionID, taskID), encoded, objectstore.PutOptions{IfMatch: etag}); err != nil {
		if errs.Is(errs.PreconditionFailed, err) {
			metrics.ClaimAttemptsTotal.WithLabelValues("lost_race").Inc()
			return false, nil
		}
		return false, err
	}
	metrics.ClaimAttemptsTotal.WithLabelValues("won").Inc()
	return true, nil
}

// WriteStatus overwrites a task's status unconditionally. Used once
// ownership is already established by AtomicClaim (for the running/
// completed/failed transitions); retries against transient faults are
// handled inside the object-store client itself, satisfying I3.
func WriteStatus(ctx context.Context, store objectstore.Client, sessionID string, status types.TaskStatus) error {
	data, err := blob.Encode(status)
	if err != nil {
		return errs.E(errs.Fatal, "encode status "+status.TaskID, err)
	}
	_, err = store.Put(ctx, statusKey(sessionID, status.TaskID), data, objectstore.PutOptions{})
	return err
}

// ListPending lists every non-bootstrap task id under a session whose
// status is still pending, for the detached worker loop's candidate
// scan (§4.4).
func ListPending(ctx context.Context, store objectstore.Client, sessionID string) ([]string, error) {
	var candidates []string
	cursor := ""
	for {
		page, err := store.List(ctx, statusPrefix(sessionID), cursor)
		if err != nil {
			return nil, err
		}
		for _, key := range page.Keys {
			tid, ok := taskIDFromStatusKey(sessionID, key)
			if !ok || isBootstrapTask(tid) {
				continue
			}
			status, err := GetStatus(ctx, store, sessionID, tid)
			if err != nil {
				if errs.Is(errs.NotFound, err) {
					continue
				}
				return nil, err
			}
			if status.State == lifecycle.Queued {
				candidates = append(candidates, tid)
			}
		}
		if !page.More {
			break
		}
		cursor = page.Cursor
	}
	return candidates, nil
}

// GetStatus reads and decodes a task's current status.
func GetStatus(ctx context.Context, store objectstore.Client, sessionID, taskID string) (types.TaskStatus, error) {
	data, _, err := store.Get(ctx, statusKey(sessionID, taskID))
	if err != nil {
		return types.TaskStatus{}, err
	}
	var status types.TaskStatus
	if err := blob.Decode(data, &status); err != nil {
		return types.TaskStatus{}, errs.E(errs.Fatal, "decode status "+taskID, err)
	}
	return status, nil
}
