package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one execution of a periodic job.
type Task func(ctx context.Context) error

// JobMetrics provides centralized background job metrics tracking.
// *Metrics implements it.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// PeriodicJobConfig configures a PeriodicJob.
type PeriodicJobConfig struct {
	// Name labels logs and metrics, e.g. JobTypeIdleSessionReap.
	Name string
	// Interval is the duration between ticks.
	Interval time.Duration
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for centralized background job tracking. Optional.
	Metrics JobMetrics
}

// DefaultInterval is used when PeriodicJobConfig.Interval is zero.
const DefaultInterval = time.Minute

// PeriodicJob runs a Task on a ticker. It is single-flight: a tick that fires
// while the previous run is still in flight is skipped, never queued. Task
// errors and panics are logged and the schedule continues.
type PeriodicJob struct {
	config PeriodicJobConfig
	task   Task

	busy     atomic.Bool
	inflight sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodicJob creates a PeriodicJob.
func NewPeriodicJob(config PeriodicJobConfig, task Task) *PeriodicJob {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PeriodicJob{config: config, task: task}
}

// Name returns the job name.
func (j *PeriodicJob) Name() string {
	return j.config.Name
}

// Start begins the schedule. Returns immediately; the job runs in a
// background goroutine until Stop is called or ctx is cancelled.
func (j *PeriodicJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	go j.loop(ctx, stopCh, doneCh)
	return nil
}

// Stop ends the schedule and waits for an in-flight run to finish. It is a
// no-op when the schedule already ended because its context was cancelled.
func (j *PeriodicJob) Stop() {
	j.mu.Lock()
	if !j.running || j.stopCh == nil {
		doneCh := j.doneCh
		j.mu.Unlock()
		if doneCh != nil {
			<-doneCh
		}
		j.inflight.Wait()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.stopCh = nil
	j.mu.Unlock()

	close(stopCh)
	<-doneCh
	j.inflight.Wait()
}

// IsRunning returns whether the schedule is active.
func (j *PeriodicJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *PeriodicJob) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	// Clear running on every exit so a cancelled schedule can be restarted.
	defer func() {
		j.mu.Lock()
		if j.doneCh == doneCh {
			j.running = false
		}
		j.mu.Unlock()
	}()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("job stopping due to context cancellation", slog.String("job", j.config.Name))
			return
		case <-stopCh:
			j.config.Logger.Info("job stopping due to stop signal", slog.String("job", j.config.Name))
			return
		case <-ticker.C:
			if !j.busy.CompareAndSwap(false, true) {
				j.skip()
				continue
			}
			j.inflight.Add(1)
			// Runs are detached from ctx so shutdown lets them finish.
			go func() {
				defer j.inflight.Done()
				defer j.busy.Store(false)
				_ = j.execute(context.WithoutCancel(ctx))
			}()
		}
	}
}

// RunNow executes the task immediately on the caller's goroutine. It returns
// false without running when another run is in flight.
func (j *PeriodicJob) RunNow(ctx context.Context) (bool, error) {
	if !j.busy.CompareAndSwap(false, true) {
		j.skip()
		return false, nil
	}
	defer j.busy.Store(false)
	return true, j.execute(ctx)
}

func (j *PeriodicJob) skip() {
	j.config.Logger.Debug("job tick skipped, previous run still in flight", slog.String("job", j.config.Name))
	if j.config.Metrics != nil {
		j.config.Metrics.IncJobsTotal(j.config.Name, StatusSkipped)
	}
}

func (j *PeriodicJob) execute(parent context.Context) (err error) {
	ctx := parent
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, j.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	errorType := ErrorTypeTask
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panic: %v", r)
				errorType = ErrorTypePanic
			}
		}()
		err = j.task(ctx)
	}()
	duration := time.Since(start).Seconds()

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		if ctx.Err() == context.DeadlineExceeded {
			errorType = ErrorTypeTimeout
		}
		j.config.Logger.Error("job run failed",
			slog.String("job", j.config.Name),
			slog.Float64("duration_seconds", duration),
			slog.String("error", err.Error()))
		if j.config.Metrics != nil {
			j.config.Metrics.IncJobErrors(j.config.Name, errorType)
		}
	} else {
		j.config.Logger.Debug("job run completed",
			slog.String("job", j.config.Name),
			slog.Float64("duration_seconds", duration))
	}

	if j.config.Metrics != nil {
		j.config.Metrics.IncJobsTotal(j.config.Name, status)
		j.config.Metrics.ObserveJobDuration(j.config.Name, duration)
	}
	return err
}
