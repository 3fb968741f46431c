// Package journal records every task the agent fetched and what became of
// it. The default database lives in memory, so nothing survives a restart
// unless an operator configures a file.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/steward/pkg/tasks"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Entry is one fetched task.
type Entry struct {
	ID          uint   `gorm:"primaryKey"`
	TaskID      string `gorm:"uniqueIndex"`
	Kind        string `gorm:"index"`
	Priority    int
	CreatedAt   time.Time
	FetchedAt   time.Time `gorm:"index"`
	FinishedAt  *time.Time
	Success     bool
	ErrorKind   string
	Error       string `gorm:"type:text"`
	ExitCode    *int
	DurationMs  int64
	Reported    bool
	ReportError string `gorm:"type:text"`
}

// Finished reports whether the task ran to a result.
func (e Entry) Finished() bool { return e.FinishedAt != nil }

type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Journal)

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open opens or creates the journal at dsn. An empty dsn means MemoryDSN.
func Open(dsn string, opts ...Option) (*Journal, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Every connection to :memory: is its own database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Begin records task as fetched. It returns false when the task ID is
// already journaled, in which case the caller must not run it again.
func (j *Journal) Begin(ctx context.Context, task tasks.Task) (bool, error) {
	entry := Entry{
		TaskID:    task.ID,
		Kind:      string(task.Kind),
		Priority:  task.Priority,
		CreatedAt: task.CreatedAt,
		FetchedAt: j.now(),
	}
	res := j.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("journal task %s: %w", task.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Finish stores the task's result.
func (j *Journal) Finish(ctx context.Context, taskID string, result tasks.Result) error {
	now := j.now()
	return j.update(ctx, taskID, map[string]any{
		"finished_at": &now,
		"success":     result.Success,
		"error_kind":  string(result.ErrorKind),
		"error":       result.Error,
		"exit_code":   result.ExitCode,
		"duration_ms": result.DurationMs,
	})
}

// MarkReported records the outcome of reporting the result. A report error
// is kept for inspection; the task is never re-run or re-reported.
func (j *Journal) MarkReported(ctx context.Context, taskID string, reportErr error) error {
	fields := map[string]any{"reported": reportErr == nil, "report_error": ""}
	if reportErr != nil {
		fields["report_error"] = reportErr.Error()
	}
	return j.update(ctx, taskID, fields)
}

func (j *Journal) update(ctx context.Context, taskID string, fields map[string]any) error {
	res := j.db.WithContext(ctx).Model(&Entry{}).Where("task_id = ?", taskID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update journal entry %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update journal entry %s: %w", taskID, gorm.ErrRecordNotFound)
	}
	return nil
}

// Get returns the entry for taskID.
func (j *Journal) Get(ctx context.Context, taskID string) (Entry, error) {
	var e Entry
	err := j.db.WithContext(ctx).Where("task_id = ?", taskID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// ErrNotFound is returned by Get for an unknown task ID.
var ErrNotFound = errors.New("journal entry not found")

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := j.db.WithContext(ctx).Order("fetched_at desc, id desc").Limit(limit).Find(&entries).Error
	return entries, err
}

// Stats summarizes the journal.
type Stats struct {
	Total      int64 `json:"total"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Unfinished int64 `json:"unfinished"`
	Unreported int64 `json:"unreported"`
}

func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	db := j.db.WithContext(ctx).Model(&Entry{})
	if err := db.Count(&s.Total).Error; err != nil {
		return s, err
	}
	if err := j.db.WithContext(ctx).Model(&Entry{}).Where("finished_at IS NOT NULL AND success = ?", true).Count(&s.Succeeded).Error; err != nil {
		return s, err
	}
	if err := j.db.WithContext(ctx).Model(&Entry{}).Where("finished_at IS NOT NULL AND success = ?", false).Count(&s.Failed).Error; err != nil {
		return s, err
	}
	if err := j.db.WithContext(ctx).Model(&Entry{}).Where("finished_at IS NULL").Count(&s.Unfinished).Error; err != nil {
		return s, err
	}
	if err := j.db.WithContext(ctx).Model(&Entry{}).Where("finished_at IS NOT NULL AND reported = ?", false).Count(&s.Unreported).Error; err != nil {
		return s, err
	}
	return s, nil
}

// Prune keeps the newest keep entries and deletes the rest.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	cutoff := j.db.Model(&Entry{}).Select("id").Order("fetched_at desc, id desc").Limit(keep)
	res := j.db.WithContext(ctx).Where("id NOT IN (?)", cutoff).Delete(&Entry{})
	return res.RowsAffected, res.Error
}
