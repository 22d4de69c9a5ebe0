package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/PatternDirClean/PDStream/core"
)

// LaneSnapshotProvider provides current lane stats snapshots, typically a
// *core.TaskQueue.
type LaneSnapshotProvider interface {
	AllStats() []core.LaneStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports lane and pool snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	queuesMu sync.RWMutex
	queues   map[string]LaneSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	lanePending  *prom.GaugeVec
	laneRunning  *prom.GaugeVec
	laneRejected *prom.GaugeVec
	laneClosing  *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	// lane label pairs exported by the previous collection
	exported map[[2]string]struct{}

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	lanePending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "lane_pending",
		Help:      "Number of queued tasks per lane.",
	}, []string{"queue", "lane"})
	laneRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "lane_running",
		Help:      "Lane drain loop state (1=running, 0=idle).",
	}, []string{"queue", "lane"})
	laneRejected := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "lane_rejected_total",
		Help:      "Lane rejected task count snapshot.",
	}, []string{"queue", "lane"})
	laneClosing := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "lane_closing",
		Help:      "Lane closing state (1=close requested, 0=open).",
	}, []string{"queue", "lane"})

	poolQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "pool_queued",
		Help:      "Queued drain loops per pool.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "pool_active",
		Help:      "Active drain loops per pool.",
	}, []string{"pool"})
	poolWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "pool_workers",
		Help:      "Worker count per pool.",
	}, []string{"pool"})
	poolRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pdstream",
		Name:      "pool_running",
		Help:      "Pool running state (1=running, 0=stopped).",
	}, []string{"pool"})

	var err error
	if lanePending, err = registerCollector(reg, lanePending); err != nil {
		return nil, err
	}
	if laneRunning, err = registerCollector(reg, laneRunning); err != nil {
		return nil, err
	}
	if laneRejected, err = registerCollector(reg, laneRejected); err != nil {
		return nil, err
	}
	if laneClosing, err = registerCollector(reg, laneClosing); err != nil {
		return nil, err
	}
	if poolQueued, err = registerCollector(reg, poolQueued); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolWorkers, err = registerCollector(reg, poolWorkers); err != nil {
		return nil, err
	}
	if poolRunning, err = registerCollector(reg, poolRunning); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:     interval,
		queues:       make(map[string]LaneSnapshotProvider),
		pools:        make(map[string]PoolSnapshotProvider),
		exported:     make(map[[2]string]struct{}),
		lanePending:  lanePending,
		laneRunning:  laneRunning,
		laneRejected: laneRejected,
		laneClosing:  laneClosing,
		poolQueued:   poolQueued,
		poolActive:   poolActive,
		poolWorkers:  poolWorkers,
		poolRunning:  poolRunning,
	}, nil
}

// AddQueue adds or replaces a lane snapshot provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider LaneSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.queuesMu.Lock()
	p.queues[name] = provider
	p.queuesMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.queuesMu.RLock()
	current := make(map[[2]string]struct{}, len(p.exported))
	for queue, provider := range p.queues {
		for _, stats := range provider.AllStats() {
			lane := normalizeLabel(stats.Name, "unknown")
			current[[2]string{queue, lane}] = struct{}{}
			p.lanePending.WithLabelValues(queue, lane).Set(float64(stats.Pending))
			p.laneRunning.WithLabelValues(queue, lane).Set(boolGauge(stats.Running))
			p.laneRejected.WithLabelValues(queue, lane).Set(float64(stats.Rejected))
			p.laneClosing.WithLabelValues(queue, lane).Set(boolGauge(stats.Closing))
		}
	}
	p.queuesMu.RUnlock()

	// Closed lanes leave the registry; drop their series.
	for key := range p.exported {
		if _, ok := current[key]; !ok {
			p.lanePending.DeleteLabelValues(key[0], key[1])
			p.laneRunning.DeleteLabelValues(key[0], key[1])
			p.laneRejected.DeleteLabelValues(key[0], key[1])
			p.laneClosing.DeleteLabelValues(key[0], key[1])
		}
	}
	p.exported = current

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}
	p.poolsMu.RUnlock()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
