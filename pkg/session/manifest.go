package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/metrics"
	"github.com/cuemby/cloudburst/pkg/objectstore"
	"github.com/cuemby/cloudburst/pkg/types"
)

// maxManifestCASRetries bounds the manifest CAS retry loop (§4.4); a
// session under heavy concurrent-submit contention gives up after this
// many lost races rather than retrying forever.
const maxManifestCASRetries = 10

func getManifest(ctx context.Context, store objectstore.Client, sessionID string) (types.SessionManifest, string, error) {
	data, etag, err := store.Get(ctx, manifestKey(sessionID))
	if err != nil {
		return types.SessionManifest{}, "", err
	}
	var m types.SessionManifest
	if err := blob.Decode(data, &m); err != nil {
		return types.SessionManifest{}, "", errs.E(errs.Fatal, "decode manifest "+sessionID, err)
	}
	return m, etag, nil
}

// updateManifest applies mutate to the current manifest under ETag
// compare-and-swap, retrying on PreconditionFailed with backoff and
// jitter (§4.4 "Manifest CAS update"). last_activity is bumped on every
// attempt so P2's monotonic-non-decreasing property holds even across
// retries.
func updateManifest(ctx context.Context, store objectstore.Client, sessionID string, logger zerolog.Logger, mutate func(*types.SessionManifest)) (types.SessionManifest, error) {
	for attempt := 0; ; attempt++ {
		m, etag, err := getManifest(ctx, store, sessionID)
		if err != nil {
			return types.SessionManifest{}, err
		}
		mutate(&m)
		m.LastActivity = time.Now()

		data, err := blob.Encode(m)
		if err != nil {
			return types.SessionManifest{}, errs.E(errs.Fatal, "encode manifest "+sessionID, err)
		}

		if _, err := store.Put(ctx, manifestKey(sessionID), data, objectstore.PutOptions{IfMatch: etag}); err != nil {
			if errs.Is(errs.PreconditionFailed, err) {
				metrics.ManifestCASRetriesTotal.Inc()
				logger.Debug().Int("attempt", attempt).Msg("manifest CAS retry")
				if attempt+1 >= maxManifestCASRetries {
					logger.Warn().Int("attempts", attempt+1).Msg("manifest CAS exhausted")
					return types.SessionManifest{}, errs.E(errs.Fatal, "manifest CAS exhausted for "+sessionID, err)
				}
				sleepWithJitter(ctx, attempt)
				continue
			}
			return types.SessionManifest{}, err
		}
		return m, nil
	}
}

func sleepWithJitter(ctx context.Context, attempt int) {
	base := time.Duration(attempt+1) * 20 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
