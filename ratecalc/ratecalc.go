// Package ratecalc implements TransferRateCalculator: the per-ChunkDownload
// and per-Uploader throughput sampler behind the UI's speed readouts.
// ChunkDownload's switch_to_another_peer comparison keeps its own byte
// count and does not read it.
//
// Grounded on the teacher's downloadRate (peer.go): bytes transferred over
// elapsed expecting-time, generalized into a reusable type and exported as
// Prometheus gauges/counters the way the original's SETTINGS-driven speed
// readouts are surfaced to its UI layer.
package ratecalc

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zorvalt/dlan/internal/atomiccount"
)

// Calculator tracks cumulative bytes transferred and reports a
// recent-window transfer rate in bytes/s, mirroring the teacher's
// downloadRate (cumulative useful bytes / cumulative expecting time) but
// windowed so a stalled transfer's rate decays instead of remaining
// pinned at its historical average.
type Calculator struct {
	total atomiccount.Count

	mu          sync.Mutex
	windowStart time.Time
	windowBytes int64
	rate        float64 // bytes/s, updated each time Sample rolls the window

	gauge   prometheus.Gauge
	counter prometheus.Counter
}

// Window is how often Sample rolls the measurement window, matching the
// order-of-seconds cadence spec.md §5 describes for
// time_recheck_chunk_factor-derived rechecks.
const Window = 2 * time.Second

// New returns a Calculator whose gauge/counter are labeled for a single
// peer or download, e.g. New("download", peerID.String()).
func New(role, id string) *Calculator {
	c := &Calculator{
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dlan",
			Subsystem:   role,
			Name:        "transfer_rate_bytes_per_second",
			Help:        "Recent transfer rate for a chunk download or upload.",
			ConstLabels: prometheus.Labels{"id": id},
		}),
		counter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlan",
			Subsystem:   role,
			Name:        "transfer_bytes_total",
			Help:        "Cumulative bytes transferred.",
			ConstLabels: prometheus.Labels{"id": id},
		}),
	}
	return c
}

// Collectors returns the Prometheus collectors to register, e.g. via
// prometheus.MustRegister(c.Collectors()...).
func (c *Calculator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.gauge, c.counter}
}

// Add records n newly transferred bytes at time now. The first Add or Tick
// opens the first window; bytes added when a window closes count toward
// the next one.
func (c *Calculator) Add(now time.Time, n int64) {
	c.total.Add(n)
	c.counter.Add(float64(n))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	if elapsed := now.Sub(c.windowStart); elapsed >= Window {
		c.rollLocked(now, elapsed)
	}
	c.windowBytes += n
}

// Tick rolls the window even without a new byte arriving, so the rate
// decays toward zero for a stalled transfer instead of holding its last
// value.
func (c *Calculator) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	if elapsed := now.Sub(c.windowStart); elapsed >= Window {
		c.rollLocked(now, elapsed)
	}
}

func (c *Calculator) rollLocked(now time.Time, elapsed time.Duration) {
	c.rate = float64(c.windowBytes) / elapsed.Seconds()
	c.gauge.Set(c.rate)
	c.windowBytes = 0
	c.windowStart = now
}

// Rate returns the most recently computed bytes/s figure.
func (c *Calculator) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Total returns the cumulative bytes transferred since creation.
func (c *Calculator) Total() int64 {
	return c.total.Int64()
}

// String renders the current rate and cumulative total for log lines,
// e.g. "1.2 MB/s (340 MB total)" — the human-readable form spec.md §5's
// UI speed readouts need, where the gauge/counter above serve scraped
// metrics instead.
func (c *Calculator) String() string {
	return fmt.Sprintf("%s/s (%s total)", humanize.Bytes(uint64(c.Rate())), humanize.Bytes(uint64(c.Total())))
}
