package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPeriodicJob_StartStop(t *testing.T) {
	var runs atomic.Int32
	job := NewPeriodicJob(PeriodicJobConfig{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Logger:   quietLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !job.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	// Second Start is a no-op.
	_ = job.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	job.Stop()

	if runs.Load() < 3 {
		t.Errorf("runs = %d, want at least 3", runs.Load())
	}
	if job.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("task ran after Stop")
	}
	job.Stop()
}

func TestPeriodicJob_RestartsAfterContextCancel(t *testing.T) {
	var runs atomic.Int32
	job := NewPeriodicJob(PeriodicJobConfig{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Logger:   quietLogger(),
	}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := job.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for job.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if job.IsRunning() {
		t.Fatal("IsRunning() = true after context cancellation")
	}
	job.Stop()

	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	defer job.Stop()
	before := runs.Load()
	deadline = time.Now().Add(2 * time.Second)
	for runs.Load() < before+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < before+2 {
		t.Errorf("runs after restart = %d, want at least 2", runs.Load()-before)
	}
}

func TestPeriodicJob_SkipsWhileInFlight(t *testing.T) {
	metrics := NewMetrics()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var concurrent, maxConcurrent atomic.Int32

	job := NewPeriodicJob(PeriodicJobConfig{
		Name:     JobTypeRiskTrendScan,
		Interval: 5 * time.Millisecond,
		Logger:   quietLogger(),
		Metrics:  metrics,
	}, func(ctx context.Context) error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	_ = job.Start(context.Background())
	<-started

	// RunNow is rejected while the scheduled run holds the job.
	ran, err := job.RunNow(context.Background())
	if ran || err != nil {
		t.Errorf("RunNow() = (%v, %v), want (false, nil)", ran, err)
	}

	time.Sleep(40 * time.Millisecond)
	close(release)
	job.Stop()

	if maxConcurrent.Load() != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxConcurrent.Load())
	}
	if got := counterValue(t, metrics.jobsTotal, JobTypeRiskTrendScan, StatusSkipped); got < 2 {
		t.Errorf("skipped ticks = %v, want at least 2", got)
	}
}

func TestPeriodicJob_StopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	job := NewPeriodicJob(PeriodicJobConfig{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Logger:   quietLogger(),
	}, func(ctx context.Context) error {
		if finished.Load() {
			return nil
		}
		select {
		case <-started:
		default:
			close(started)
		}
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_ = job.Start(ctx)
	<-started
	cancel()
	job.Stop()

	if !finished.Load() {
		t.Error("Stop() returned before the in-flight run finished")
	}
}

func TestPeriodicJob_RunNowRecoversFailures(t *testing.T) {
	metrics := NewMetrics()

	failing := NewPeriodicJob(PeriodicJobConfig{Name: "failing", Logger: quietLogger(), Metrics: metrics},
		func(ctx context.Context) error { return errors.New("db down") })
	ran, err := failing.RunNow(context.Background())
	if !ran || err == nil {
		t.Errorf("RunNow() = (%v, %v), want (true, error)", ran, err)
	}

	panicking := NewPeriodicJob(PeriodicJobConfig{Name: "panicking", Logger: quietLogger(), Metrics: metrics},
		func(ctx context.Context) error { panic("boom") })
	ran, err = panicking.RunNow(context.Background())
	if !ran || err == nil {
		t.Errorf("RunNow() = (%v, %v), want (true, error)", ran, err)
	}

	// The job is usable again after a panic.
	if ran, _ := panicking.RunNow(context.Background()); !ran {
		t.Error("RunNow() after panic was skipped")
	}

	timeout := NewPeriodicJob(PeriodicJobConfig{Name: "timeout", Timeout: 10 * time.Millisecond, Logger: quietLogger(), Metrics: metrics},
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	_, _ = timeout.RunNow(context.Background())

	tests := []struct {
		job, errorType string
	}{
		{"failing", ErrorTypeTask},
		{"panicking", ErrorTypePanic},
		{"timeout", ErrorTypeTimeout},
	}
	for _, tt := range tests {
		if got := counterValue(t, metrics.jobErrors, tt.job, tt.errorType); got < 1 {
			t.Errorf("errors{%s,%s} = %v, want >= 1", tt.job, tt.errorType, got)
		}
	}
	if got := counterValue(t, metrics.jobsTotal, "failing", StatusFailure); got != 1 {
		t.Errorf("failing failures = %v, want 1", got)
	}
}
