package metrics

import (
	"context"
	"time"

	"github.com/cuemby/cloudburst/pkg/pool"
)

// Collector periodically refreshes gauges that have no natural event to
// hang off of: compute pool size and the dispatcher's running cost
// estimate. Counters (waves dispatched, claims, completions, CAS
// retries) are incremented directly at their call sites instead, since
// a poll can't observe an event that happened and finished between
// ticks without double- or under-counting it.
//
// costFn reads the dispatcher's current running cost estimate; it is
// passed as a closure rather than a *dispatcher.Dispatcher to avoid an
// import cycle (pkg/dispatcher already imports pkg/metrics to
// increment its own counters). May be nil.
type Collector struct {
	clusterName string
	costFn      func() float64
	poolMgr     pool.Manager // nil for Serverless clusters, which have no pool
	stopCh      chan struct{}
}

// NewCollector creates a metrics collector for one ephemeral cluster.
// costFn and poolMgr may both be nil.
func NewCollector(clusterName string, costFn func() float64, poolMgr pool.Manager) *Collector {
	return &Collector{
		clusterName: clusterName,
		costFn:      costFn,
		poolMgr:     poolMgr,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDispatcherMetrics()
	c.collectPoolMetrics()
}

func (c *Collector) collectDispatcherMetrics() {
	if c.costFn == nil {
		return
	}
	EstimatedCostUSD.WithLabelValues(c.clusterName).Set(c.costFn())
}

func (c *Collector) collectPoolMetrics() {
	if c.poolMgr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := c.poolMgr.Status(ctx)
	if err != nil {
		return
	}
	PoolDesired.Set(float64(status.Desired))
	PoolInService.Set(float64(status.InService))
	PoolRegisteredContainerInstances.Set(float64(status.RegisteredContainerInstances))
}
