package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource is implemented by components that expose point-in-time
// gauge values for the collector to poll.
type StatsSource interface {
	CollectStats() map[string]float64
}

type gaugeBinding struct {
	name  string
	gauge Gauge
}

// MetricsCollector periodically polls registered StatsSource providers
// and pushes their values into gauges.
type MetricsCollector struct {
	interval time.Duration
	sources  []StatsSource
	bindings map[string]Gauge
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewMetricsCollector(interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		interval: interval,
		bindings: map[string]Gauge{},
		stopCh:   make(chan struct{}),
	}
}

// Register adds a source. Bind must be called for each stat name the
// source emits, otherwise its values are dropped.
func (mc *MetricsCollector) Register(src StatsSource) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.sources = append(mc.sources, src)
}

func (mc *MetricsCollector) Bind(statName string, gauge Gauge) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.bindings[statName] = gauge
}

func (mc *MetricsCollector) Start() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.running {
		return
	}
	mc.running = true
	mc.wg.Add(1)
	go mc.collectLoop()
}

func (mc *MetricsCollector) Stop() {
	mc.mu.Lock()
	if !mc.running {
		mc.mu.Unlock()
		return
	}
	mc.running = false
	mc.mu.Unlock()

	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.collectOnce()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collectOnce() {
	mc.mu.Lock()
	sources := make([]StatsSource, len(mc.sources))
	copy(sources, mc.sources)
	mc.mu.Unlock()

	for _, src := range sources {
		stats := src.CollectStats()
		for name, value := range stats {
			mc.mu.Lock()
			gauge, ok := mc.bindings[name]
			mc.mu.Unlock()
			if !ok {
				log.Trace().Str("stat", name).Msg("no gauge bound for stat")
				continue
			}
			gauge.Set(value)
		}
	}
}
