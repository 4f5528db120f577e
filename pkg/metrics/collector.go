package metrics

import (
	"time"

	"github.com/urbanfleet/dispatch/pkg/broker"
)

// Collector polls broker state for gauges that reflect a point-in-time
// count rather than a countable event; counters are incremented inline at
// the call site instead (see broker/coordinator.go, broker/sync.go,
// executor/executor.go).
type Collector struct {
	coordinator *broker.Coordinator
	stopCh      chan struct{}
}

// NewCollector builds a Collector bound to coordinator.
func NewCollector(coordinator *broker.Coordinator) *Collector {
	return &Collector{
		coordinator: coordinator,
		stopCh:      make(chan struct{}),
	}
}

// Start begins polling on a 15-second tick.
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

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectExecutorMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectExecutorMetrics() {
	executors := c.coordinator.Executors.Snapshot()

	healthCounts := make(map[string]int)
	running := 0
	for _, rec := range executors {
		healthCounts[string(rec.Health)]++
		running += rec.RunningJobs
	}

	for _, health := range []string{"HEALTHY", "SUSPECT", "FAILED"} {
		ExecutorsTotal.WithLabelValues(health).Set(float64(healthCounts[health]))
	}
	RunningJobs.Set(float64(running))
}

func (c *Collector) collectQueueMetrics() {
	QueueDepth.WithLabelValues("total").Set(float64(c.coordinator.Queue.Len()))
}
