// Package pricing implements the Cost & Pricing Oracle (§4.8): a pure
// table lookup of instance_type/spot to USD/hour, plus the Fargate
// vCPU+memory formula, cached in an embedded bbolt database so a long
// running CLI process doesn't recompute the same lookup on every call.
// The bucket-and-JSON caching pattern is grounded on the teacher's
// pkg/storage/boltdb.go, repurposed here from cluster-state persistence
// to a read-through pricing cache — the one teacher dependency on bbolt
// that survives into this repository.
package pricing

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/types"
)

var cacheBucket = []byte("pricing")

// perFargateVCPUHour and perFargateGBHour are the (illustrative, fixed)
// on-demand Fargate linux/x86_64 rates the formula in §2 ("Cost &
// Pricing Oracle") composes per-task-container billing from.
const (
	perFargateVCPUHour = 0.04048
	perFargateGBHour   = 0.004445
)

// table is the static instance_type -> on-demand USD/hour rate set;
// spot is approximated as 30% of on-demand, matching the corpus's
// typical spot discount assumption absent a live pricing API (the spec
// explicitly scopes "pricing lookups" beyond this table as a
// non-goal).
var table = map[string]float64{
	"c6g.xlarge":  0.1360,
	"c6g.2xlarge": 0.2720,
	"c6i.xlarge":  0.1700,
	"c6i.2xlarge": 0.3400,
	"m6i.xlarge":  0.1920,
	"m6i.2xlarge": 0.3840,
}

const spotDiscount = 0.30

// Oracle is the contract the dispatcher and session core use to cost
// their aggregate spend.
type Oracle interface {
	PriceInstance(instanceType string, spot bool) (usdPerHour float64, err error)
	PriceFargate(cpuUnits, memoryGB float64) (usdPerHour float64, err error)
}

// StaticOracle is a pure in-memory Oracle with no caching; tests and
// callers that don't need a persistent cache use this directly.
type StaticOracle struct{}

func (StaticOracle) PriceInstance(instanceType string, spot bool) (float64, error) {
	rate, ok := table[instanceType]
	if !ok {
		return 0, errs.E(errs.NotFound, fmt.Sprintf("instance type %q", instanceType), nil)
	}
	if spot {
		rate *= spotDiscount
	}
	return rate, nil
}

func (StaticOracle) PriceFargate(cpuUnits, memoryGB float64) (float64, error) {
	return cpuUnits*perFargateVCPUHour + memoryGB*perFargateGBHour, nil
}

var _ Oracle = StaticOracle{}

// CachedOracle wraps an Oracle with a bbolt-backed read-through cache,
// keyed by a per-lookup string ("instance:<type>:<spot>" or
// "fargate:<cpu>:<mem>") whose value is a JSON-encoded PricingEntry.
type CachedOracle struct {
	inner Oracle
	db    *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and wraps
// inner with a read-through cache over it.
func Open(path string, inner Oracle) (*CachedOracle, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.E(errs.Fatal, "open pricing cache "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.E(errs.Fatal, "create pricing bucket", err)
	}
	return &CachedOracle{inner: inner, db: db}, nil
}

// Close releases the underlying bbolt database handle.
func (c *CachedOracle) Close() error { return c.db.Close() }

func (c *CachedOracle) PriceInstance(instanceType string, spot bool) (float64, error) {
	key := fmt.Sprintf("instance:%s:%v", instanceType, spot)
	if entry, ok := c.lookup(key); ok {
		return entry.USDPerHour, nil
	}
	rate, err := c.inner.PriceInstance(instanceType, spot)
	if err != nil {
		return 0, err
	}
	c.store(key, types.PricingEntry{InstanceType: instanceType, Spot: spot, USDPerHour: rate})
	return rate, nil
}

func (c *CachedOracle) PriceFargate(cpuUnits, memoryGB float64) (float64, error) {
	key := fmt.Sprintf("fargate:%v:%v", cpuUnits, memoryGB)
	if entry, ok := c.lookup(key); ok {
		return entry.USDPerHour, nil
	}
	rate, err := c.inner.PriceFargate(cpuUnits, memoryGB)
	if err != nil {
		return 0, err
	}
	c.store(key, types.PricingEntry{USDPerHour: rate})
	return rate, nil
}

func (c *CachedOracle) lookup(key string) (types.PricingEntry, bool) {
	var entry types.PricingEntry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return entry, found
}

func (c *CachedOracle) store(key string, entry types.PricingEntry) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

var _ Oracle = (*CachedOracle)(nil)
