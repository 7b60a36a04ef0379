package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckInterval: 10 * time.Millisecond, LookbackWindow: time.Hour}
	checker := NewChecker(NewCollector(&fakeSource{}, time.Hour), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultIntervalAndLookback(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeSource{}, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24*time.Hour, checker.lookback)
	assert.Equal(t, 5*time.Minute, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	src := &fakeSource{jobs: []model.Job{
		{ID: "stuck", Status: model.JobStatusRunning, CreatedAt: now.Add(-2 * time.Hour)},
	}}
	cfg := config.MonitoringConfig{WebhookURL: srv.URL, LookbackWindow: 24 * time.Hour, StallAfter: time.Hour}
	checker := NewChecker(NewCollector(src, cfg.StallAfter), NewAlerter(cfg), cfg)

	alerts := checker.check(context.Background(), zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStalledJobs, alerts[0].Type)
	assert.Equal(t, int32(1), hits.Load())
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&fakeSource{listErr: errors.New("db down")}, 0), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.check(context.Background(), zap.NewNop()))
}

func TestChecker_RunChecksImmediately(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		select {
		case hits <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := &fakeSource{jobs: []model.Job{
		{ID: "stuck", Status: model.JobStatusRunning, CreatedAt: time.Now().Add(-2 * time.Hour)},
	}}
	cfg := config.MonitoringConfig{WebhookURL: srv.URL, CheckInterval: time.Hour, StallAfter: time.Hour}
	checker := NewChecker(NewCollector(src, cfg.StallAfter), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("checker did not run its first check before the interval elapsed")
	}
}

func TestChecker_RepeatSuppression(t *testing.T) {
	cfg := config.MonitoringConfig{RepeatAfter: time.Hour}
	checker := NewChecker(NewCollector(&fakeSource{}, 0), NewAlerter(cfg), cfg)
	now := fixedNow
	checker.now = func() time.Time { return now }

	stalled := Alert{Type: AlertStalledJobs}
	cost := Alert{Type: AlertCostOverrun}

	assert.Len(t, checker.due([]Alert{stalled, cost}), 2)

	now = now.Add(30 * time.Minute)
	assert.Empty(t, checker.due([]Alert{stalled, cost}), "still firing within repeat window")

	// Cost clears for a round, so its next occurrence is new.
	now = now.Add(time.Minute)
	assert.Empty(t, checker.due([]Alert{stalled}))
	now = now.Add(time.Minute)
	got := checker.due([]Alert{stalled, cost})
	require.Len(t, got, 1)
	assert.Equal(t, AlertCostOverrun, got[0].Type)

	now = now.Add(time.Hour)
	assert.Len(t, checker.due([]Alert{stalled, cost}), 2, "repeat window elapsed")
}

func TestChecker_NoRepeatWindowSendsEveryTime(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&fakeSource{}, 0), NewAlerter(cfg), cfg)

	a := []Alert{{Type: AlertItemErrorRate}}
	assert.Len(t, checker.due(a), 1)
	assert.Len(t, checker.due(a), 1)
}
