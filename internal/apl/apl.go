// Package apl computes agent performance level baselines and scheduled
// measurements from the telemetry log. Measurement is periodic, never
// in the task path.
package apl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"arbiter/internal/logging"
	"arbiter/internal/storage"
)

// MetricSuccessRate is the share of terminal tasks that completed.
const MetricSuccessRate = "task_success_rate"

// telemetrySample bounds how many telemetry rows one measurement reads.
const telemetrySample = 500

// Config tunes the measurement job.
type Config struct {
	Enabled  bool
	Schedule string // cron spec, default hourly
	AgentID  string
}

// Job periodically measures agent performance against the stored baseline.
type Job struct {
	cfg       Config
	telemetry storage.TelemetryStore
	store     storage.APLStore
	cron      *cron.Cron
	logger    logging.Logger

	mu      sync.Mutex
	entryID cron.EntryID
}

// NewJob wires the measurement job; Start registers the schedule.
func NewJob(cfg Config, telemetry storage.TelemetryStore, store storage.APLStore, logger logging.Logger) *Job {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	return &Job{
		cfg:       cfg,
		telemetry: telemetry,
		store:     store,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logging.OrNop(logger),
	}
}

// Start schedules the measurement and begins the cron loop.
func (j *Job) Start() error {
	if !j.cfg.Enabled {
		j.logger.Info("apl: measurement disabled by config")
		return nil
	}
	id, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := j.MeasureOnce(ctx); err != nil {
			j.logger.Warn("apl: measurement failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule apl measurement: %w", err)
	}
	j.mu.Lock()
	j.entryID = id
	j.mu.Unlock()
	j.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running measurement.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
}

// MeasureOnce computes the current success rate, records a measurement with
// the delta against the latest baseline, and seeds the baseline when none
// exists yet.
func (j *Job) MeasureOnce(ctx context.Context) (storage.APLMeasurement, error) {
	value, window, err := j.successRate(ctx)
	if err != nil {
		return storage.APLMeasurement{}, err
	}

	baseline, err := j.store.LatestBaseline(ctx, j.cfg.AgentID, MetricSuccessRate)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.APLMeasurement{}, fmt.Errorf("load baseline: %w", err)
		}
		baseline = storage.APLBaseline{
			ID:          uuid.NewString(),
			AgentID:     j.cfg.AgentID,
			Metric:      MetricSuccessRate,
			Value:       value,
			WindowStart: window,
			WindowEnd:   time.Now(),
		}
		if err := j.store.SaveBaseline(ctx, baseline); err != nil {
			return storage.APLMeasurement{}, fmt.Errorf("seed baseline: %w", err)
		}
		j.logger.Info("apl: seeded %s baseline at %.3f", MetricSuccessRate, value)
	}

	measurement := storage.APLMeasurement{
		ID:         uuid.NewString(),
		AgentID:    j.cfg.AgentID,
		BaselineID: baseline.ID,
		Metric:     MetricSuccessRate,
		Value:      value,
		Delta:      value - baseline.Value,
	}
	if err := j.store.AppendMeasurement(ctx, measurement); err != nil {
		return storage.APLMeasurement{}, fmt.Errorf("append measurement: %w", err)
	}
	return measurement, nil
}

// successRate derives completed/(completed+failed) from recent telemetry.
// No terminal events yields a neutral 1.0: absence of failures is not
// treated as regression.
func (j *Job) successRate(ctx context.Context) (float64, time.Time, error) {
	events, err := j.telemetry.RecentTelemetry(ctx, telemetrySample)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("read telemetry: %w", err)
	}

	windowStart := time.Now()
	var completed, failed int
	for _, e := range events {
		if e.CreatedAt.Before(windowStart) && !e.CreatedAt.IsZero() {
			windowStart = e.CreatedAt
		}
		switch e.Kind {
		case "task_completed":
			completed++
		case "task_failed", "circuit_breaker_hard_trip", "constraint_violation":
			failed++
		}
	}

	total := completed + failed
	if total == 0 {
		return 1.0, windowStart, nil
	}
	return float64(completed) / float64(total), windowStart, nil
}
