// Package sweep periodically moves offers past their expiry to EXPIRED.
// Reads and writes already expire offers they touch, so the sweeper only
// keeps stored status close to the truth for offers nobody is looking at.
package sweep

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"marketline/internal/metrics"
)

var logger = loggo.GetLogger("marketline.sweep")

// Expirer expires due offers, at most limit per call.
type Expirer interface {
	ExpireOffers(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Expirer  Expirer
	Clock    clock.Clock
	Interval time.Duration
	// Batch bounds the offers expired per transaction. A full batch is
	// followed immediately by another.
	Batch int
}

func (c Config) Validate() error {
	if c.Expirer == nil {
		return errors.NotValidf("nil Expirer")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %s", c.Interval)
	}
	if c.Batch < 0 {
		return errors.NotValidf("batch %d", c.Batch)
	}
	return nil
}

// Run sweeps every Interval until ctx is cancelled. Sweep failures are
// logged and retried on the next tick.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("expiry sweeper started (interval %s)", cfg.Interval)
	timer := cfg.Clock.NewTimer(cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("expiry sweeper stopped")
			return nil
		case <-timer.Chan():
			if _, err := Once(ctx, cfg.Expirer, cfg.Batch); err != nil && ctx.Err() == nil {
				logger.Warningf("expiry sweep failed: %v", err)
			}
			timer.Reset(cfg.Interval)
		}
	}
}

// Once expires every due offer, batch by batch, and returns the total.
func Once(ctx context.Context, exp Expirer, batch int) (int, error) {
	total := 0
	for {
		n, err := exp.ExpireOffers(ctx, batch)
		total += n
		if err != nil {
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return total, errors.Annotate(err, "expire offers")
		}
		if batch <= 0 || n < batch {
			break
		}
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if total > 0 {
		logger.Infof("sweep expired %d offers", total)
	}
	return total, nil
}
