package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/metrics"
)

type component struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor runs component checks on an interval and reports each result to
// the metrics health registry under the component's name
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	components map[string]*component

	stopCh chan struct{}
	done   chan struct{}
}

// NewMonitor creates a monitor. Zero fields of cfg take their defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:        cfg,
		logger:     log.WithComponent("health"),
		components: make(map[string]*component),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Add registers a checker for a component. Adding an existing name
// replaces its checker and resets its status.
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &component{name: name, checker: checker, status: NewStatus()}
}

// Start checks every component once, then keeps checking on the interval
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.CheckAll(context.Background())
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the loop started by Start
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.done
}

// CheckAll runs every check once and publishes the results
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.Unlock()

	sort.Slice(comps, func(i, j int) bool { return comps[i].name < comps[j].name })

	for _, c := range comps {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		result := c.checker.Check(checkCtx)
		cancel()

		m.mu.Lock()
		wasHealthy := c.status.Healthy
		c.status.Update(result, m.cfg)
		healthy := c.status.Healthy
		m.mu.Unlock()

		metrics.UpdateComponent(c.name, healthy, result.Message)
		if wasHealthy != healthy {
			ev := m.logger.Info()
			if !healthy {
				ev = m.logger.Warn()
			}
			ev.Str("component", c.name).
				Bool("healthy", healthy).
				Str("message", result.Message).
				Msg("Component health changed")
		}
	}
}

// Status returns a copy of a component's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return Status{}, false
	}
	return *c.status, true
}
