// Package gc removes tombstoned entities once every paired replica is known
// to have seen their whole history.
//
// A tombstone is collected only when all of these hold:
//   - it is older than the retention window
//   - every paired peer was seen within that window
//   - every paired peer's last reported vector covers every operation
//     ever applied to the entity
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/driftsync/internal/clock"
	"github.com/roach88/driftsync/internal/entity"
	"github.com/roach88/driftsync/internal/metrics"
	"github.com/roach88/driftsync/internal/peer"
)

// Defaults for Options.
const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultInterval  = time.Hour
)

// Reasons a tombstone is kept, used in reports and metrics.
const (
	ReasonRetention  = "retention"
	ReasonPeerStale  = "peer_stale"
	ReasonPeerBehind = "peer_behind"
)

// Options configures a Collector.
type Options struct {
	Store     *entity.Store
	Peers     peer.Book
	Retention time.Duration
	Interval  time.Duration
	// Now defaults to time.Now.
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Report summarizes one sweep.
type Report struct {
	Examined  int
	Collected []string
	// Blocked counts kept tombstones by reason.
	Blocked map[string]int
	Failed  int
}

// Collector sweeps tombstones.
type Collector struct {
	store     *entity.Store
	peers     peer.Book
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a collector.
func New(opts Options) (*Collector, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gc: store is required")
	}
	if opts.Peers == nil {
		return nil, fmt.Errorf("gc: peer book is required")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Collector{
		store:     opts.Store,
		peers:     opts.Peers,
		retention: opts.Retention,
		interval:  opts.Interval,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Sweep examines every tombstone once. Per-tombstone failures are joined
// into the returned error; the report is valid either way.
func (c *Collector) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{Blocked: make(map[string]int)}
	var errs []error

	for _, ts := range c.store.Tombstones() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Examined++

		reason, err := c.examine(ctx, ts)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
			c.logger.Warn("tombstone not collected",
				zap.String("entity_id", ts.EntityID),
				zap.Error(err))
		case reason != "":
			report.Blocked[reason]++
			c.metrics.RecordBlocked(reason)
			c.logger.Debug("tombstone kept",
				zap.String("entity_id", ts.EntityID),
				zap.String("reason", reason))
		default:
			report.Collected = append(report.Collected, ts.EntityID)
		}
	}

	c.metrics.RecordSweep(len(report.Collected), time.Since(start).Seconds())
	if len(report.Collected) > 0 || report.Failed > 0 {
		c.logger.Info("gc sweep",
			zap.Int("examined", report.Examined),
			zap.Int("collected", len(report.Collected)),
			zap.Int("failed", report.Failed))
	}
	return report, errors.Join(errs...)
}

// examine collects ts if it is safe and returns the reason when it is not.
func (c *Collector) examine(ctx context.Context, ts entity.Tombstone) (string, error) {
	now := c.now()
	if now.Sub(time.UnixMilli(ts.CreatedAt.Physical)) < c.retention {
		return ReasonRetention, nil
	}

	// re-read on every tombstone so a peer paired mid-sweep blocks
	peers, err := c.peers.List(ctx)
	if err != nil {
		return "", &Error{Code: ErrCodePeersUnavailable, EntityID: ts.EntityID, Err: err}
	}

	cutoff := now.Add(-c.retention)
	for _, p := range peers {
		if !p.SeenSince(cutoff) {
			return ReasonPeerStale, nil
		}
	}

	// the history is checked under the entity lock so an op integrated
	// after List is covered too
	collected, err := c.store.Collect(ctx, ts.EntityID, func(required clock.VersionVector) bool {
		for _, p := range peers {
			if !p.Vector.Dominates(required) {
				return false
			}
		}
		return true
	})
	if err != nil {
		return "", &Error{Code: ErrCodeCollectFailed, EntityID: ts.EntityID, Err: err}
	}
	if !collected {
		return ReasonPeerBehind, nil
	}
	return "", nil
}

// Run sweeps every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("gc sweep incomplete", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
