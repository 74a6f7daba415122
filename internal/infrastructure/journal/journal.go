// Package journal persists a local history of processed jobs. It backs the
// development API's status and listing endpoints and survives restarts.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/podworker/worker/internal/worker"
)

// ErrNotFound is returned when no record exists for a job ID
var ErrNotFound = errors.New("job record not found")

// JobRecord is the persisted form of a job's lifecycle
type JobRecord struct {
	ID            string `gorm:"primaryKey"`
	Status        string `gorm:"index"`
	Input         string
	Output        string
	Error         string
	DelayTime     int64 // milliseconds
	ExecutionTime int64 // milliseconds
	StartedAt     time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName sets the table name for GORM
func (JobRecord) TableName() string {
	return "job_records"
}

// Journal is a GORM-backed job history store
type Journal struct {
	db *gorm.DB
}

// Open creates a journal backed by a SQLite database at the given path and
// migrates the schema
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	return New(db)
}

// New creates a journal on an existing database handle and migrates the schema
func New(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Use registers a GORM plugin on the journal's database handle, e.g. query
// tracing
func (j *Journal) Use(plugin gorm.Plugin) error {
	if err := j.db.Use(plugin); err != nil {
		return fmt.Errorf("failed to register journal plugin: %w", err)
	}
	return nil
}

// Ping reports whether the underlying database is reachable
func (j *Journal) Ping(ctx context.Context) error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return fmt.Errorf("failed to access journal database: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// RecordStart records that a job began executing
func (j *Journal) RecordStart(ctx context.Context, job *worker.Job) error {
	// A redelivered job overwrites its previous attempt. The assign is a map
	// so terminal fields from the earlier run are cleared, not skipped as
	// zero values.
	assign := map[string]any{
		"id":             job.ID,
		"status":         string(worker.StatusInProgress),
		"input":          string(job.Input),
		"started_at":     time.Now(),
		"output":         "",
		"error":          "",
		"delay_time":     int64(0),
		"execution_time": int64(0),
		"finished_at":    nil,
	}

	err := j.db.WithContext(ctx).
		Where("id = ?", job.ID).
		Assign(assign).
		FirstOrCreate(&JobRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to record job start: %w", err)
	}
	return nil
}

// RecordResult records a job's terminal result
func (j *Journal) RecordResult(ctx context.Context, result *worker.Result) error {
	output := ""
	if result.Output != nil {
		encoded, err := json.Marshal(result.Output)
		if err != nil {
			return fmt.Errorf("failed to encode job output: %w", err)
		}
		output = string(encoded)
	}

	now := time.Now()
	updates := map[string]any{
		"status":         string(result.Status),
		"output":         output,
		"error":          result.Error,
		"delay_time":     result.DelayTime,
		"execution_time": result.ExecutionTime,
		"finished_at":    &now,
	}

	res := j.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("id = ?", result.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record job result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Result for a job the journal never saw start
		record := JobRecord{
			ID:            result.ID,
			Status:        string(result.Status),
			Output:        output,
			Error:         result.Error,
			DelayTime:     result.DelayTime,
			ExecutionTime: result.ExecutionTime,
			StartedAt:     now,
			FinishedAt:    &now,
		}
		if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record job result: %w", err)
		}
	}
	return nil
}

// FindByID returns the record for a job ID
func (j *Journal) FindByID(ctx context.Context, jobID string) (*JobRecord, error) {
	var record JobRecord
	if err := j.db.WithContext(ctx).First(&record, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListRecent returns the most recently updated records, newest first
func (j *Journal) ListRecent(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []JobRecord
	err := j.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteOlderThan removes records last updated before the cutoff and returns
// how many were deleted
func (j *Journal) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&JobRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Ensure Journal implements the worker's Recorder
var _ worker.Recorder = (*Journal)(nil)
