package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/types"
)

// StateSource is the read side of the clan repository used to publish
// inventory gauges
type StateSource interface {
	ListClans(ctx context.Context) ([]*types.Clan, error)
	ListMembers(ctx context.Context, clanID string) ([]*types.Member, error)
}

// Collector periodically publishes clan and member gauges
type Collector struct {
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect runs one collection pass
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	clans, err := c.source.ListClans(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to list clans for metrics")
		return
	}

	ClansTotal.Set(float64(len(clans)))

	MembersTotal.Reset()
	for _, clan := range clans {
		members, err := c.source.ListMembers(ctx, clan.ID)
		if err != nil {
			continue
		}
		MembersTotal.WithLabelValues(clan.ID).Set(float64(len(members)))
	}
}
