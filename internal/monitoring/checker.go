package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookback      = 24 * time.Hour
)

// Checker evaluates job health on a fixed interval while the control API is
// serving. An alert type that keeps firing is resent at most once per
// RepeatAfter; once it clears, the next occurrence is sent immediately.
type Checker struct {
	collector   *Collector
	alerter     *Alerter
	interval    time.Duration
	lookback    time.Duration
	repeatAfter time.Duration

	now      func() time.Time
	lastSent map[AlertType]time.Time
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector:   collector,
		alerter:     alerter,
		interval:    cfg.CheckInterval,
		lookback:    cfg.LookbackWindow,
		repeatAfter: cfg.RepeatAfter,
		now:         time.Now,
		lastSent:    make(map[AlertType]time.Time),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.lookback <= 0 {
		c.lookback = defaultLookback
	}
	return c
}

// Run checks once immediately, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Duration("lookback", c.lookback),
		zap.Duration("repeat_after", c.repeatAfter),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// check runs one collect, evaluate and send cycle. It returns the alerts
// that were due for delivery.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		log.Debug("monitoring: nothing to send",
			zap.Int("jobs", snap.JobsTotal),
			zap.Int("running", snap.JobsRunning),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return due
}

// due drops alerts sent within repeatAfter and forgets types that did not
// fire this round.
func (c *Checker) due(alerts []Alert) []Alert {
	now := c.now()
	firing := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && c.repeatAfter > 0 && now.Sub(last) < c.repeatAfter {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
