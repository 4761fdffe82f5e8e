// Package runs persists remote formula runs and their per-step results.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nlstn/go-formula/internal/skiptoken"
	"gorm.io/gorm"
)

// DefaultRetention is how long finished runs are kept.
const DefaultRetention = 24 * time.Hour

// Page size limits for List.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending means the run was created and is being executed remotely.
	StatusPending Status = "pending"
	// StatusCompleted means the remote log was read and results were stored.
	StatusCompleted Status = "completed"
	// StatusFailed means the remote execution or log retrieval failed.
	StatusFailed Status = "failed"
)

// Step is one calculation step of a run.
type Step struct {
	Index      int     `json:"index"`
	Expression string  `json:"expression"`
	Value      *string `json:"value,omitempty"`
}

// Run is a remote evaluation of a formula's steps.
type Run struct {
	ID          string     `json:"id"`
	Formula     string     `json:"formula"`
	SObject     string     `json:"sobject,omitempty"`
	Status      Status     `json:"status"`
	Steps       []Step     `json:"steps"`
	Fallback    string     `json:"fallback,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewRun describes a run to create. Expressions are listed in step order;
// expression i belongs to step i+1.
type NewRun struct {
	Formula     string
	SObject     string
	Expressions []string
}

// Store keeps runs in a GORM database and removes expired ones in the background.
type Store struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type storeConfig struct {
	disableRetention bool
	logger           *slog.Logger
}

// StoreOption configures NewStore.
type StoreOption func(*storeConfig)

// WithRetentionDisabled keeps runs forever and disables cleanup.
func WithRetentionDisabled() StoreOption {
	return func(cfg *storeConfig) {
		cfg.disableRetention = true
	}
}

// WithLogger sets the logger used for background cleanup failures.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(cfg *storeConfig) {
		cfg.logger = logger
	}
}

// NewStore migrates the run tables and starts retention cleanup.
// A zero ttl applies DefaultRetention unless WithRetentionDisabled is given.
func NewStore(db *gorm.DB, ttl time.Duration, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("runs: database handle is required")
	}
	if err := db.AutoMigrate(&RunRecord{}, &StepResultRecord{}); err != nil {
		return nil, fmt.Errorf("runs: migrate: %w", err)
	}

	cfg := storeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	effectiveTTL := ttl
	if cfg.disableRetention {
		effectiveTTL = 0
	} else if effectiveTTL <= 0 {
		effectiveTTL = DefaultRetention
	}

	s := &Store{
		db:          db,
		ttl:         effectiveTTL,
		logger:      cfg.logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	if effectiveTTL > 0 {
		interval := effectiveTTL / 2
		if interval <= 0 {
			interval = effectiveTTL
		}
		s.cleanupTicker = time.NewTicker(interval)
		go func() {
			for {
				select {
				case <-s.cleanupTicker.C:
					if _, err := s.CleanupExpired(context.Background()); err != nil {
						s.logger.Error("runs: failed to delete expired runs", "error", err)
					}
				case <-s.stopCleanup:
					s.cleanupTicker.Stop()
					return
				}
			}
		}()
	}

	return s, nil
}

// Close stops the background cleanup. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Create stores a pending run with one empty step per expression.
func (s *Store) Create(ctx context.Context, nr NewRun) (*Run, error) {
	now := s.timestamp()
	record := &RunRecord{
		ID:        uuid.NewString(),
		Formula:   nr.Formula,
		SObject:   nr.SObject,
		Status:    StatusPending,
		StepCount: len(nr.Expressions),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, e := range nr.Expressions {
		record.Steps = append(record.Steps, StepResultRecord{
			RunID:      record.ID,
			StepIndex:  i + 1,
			Expression: e,
		})
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("runs: create: %w", err)
	}
	return recordToRun(record), nil
}

// Complete stores the remote values, keyed by 1-based step index, and marks
// the run completed. Indexes outside the run's steps are ignored.
func (s *Store) Complete(ctx context.Context, id string, values map[int]string, fallback string) (*Run, error) {
	now := s.timestamp()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RunRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       StatusCompleted,
			"fallback":     fallback,
			"updated_at":   now,
			"completed_at": &now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		for idx, v := range values {
			value := v
			if err := tx.Model(&StepResultRecord{}).
				Where("run_id = ? AND step_index = ?", id, idx).
				Update("value", &value).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("runs: complete %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Fail marks the run failed with the error text of cause.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	now := s.timestamp()
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	res := s.db.WithContext(ctx).Model(&RunRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       StatusFailed,
		"error_text":   errText,
		"updated_at":   now,
		"completed_at": &now,
	})
	if res.Error != nil {
		return fmt.Errorf("runs: fail %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a run with its steps in index order.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var record RunRecord
	err := s.db.WithContext(ctx).Preload("Steps").First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get %s: %w", id, err)
	}
	return recordToRun(&record), nil
}

// CleanupExpired deletes finished runs older than the retention period and
// returns how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.timestamp().Add(-s.ttl)

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&RunRecord{}).Select("id").Where("completed_at IS NOT NULL AND completed_at < ?", cutoff)
		if err := tx.Where("run_id IN (?)", expired).Delete(&StepResultRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).Delete(&RunRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// ListOptions selects a page of runs.
type ListOptions struct {
	// Limit is the page size. Zero uses DefaultPageSize; larger values are
	// capped at MaxPageSize.
	Limit int
	// After resumes the listing after the run the token was issued for.
	After *skiptoken.SkipToken
}

// Page is one page of runs, oldest first. Next is nil on the last page.
type Page struct {
	Runs []*Run
	Next *skiptoken.SkipToken
}

// List returns runs ordered by creation time and ID.
func (s *Store) List(ctx context.Context, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := s.db.WithContext(ctx).Preload("Steps").Order("created_at ASC").Order("id ASC")
	if opts.After != nil {
		after := opts.After.CreatedAt.UTC()
		query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", after, after, opts.After.ID)
	}

	// One extra row tells whether another page exists.
	var records []RunRecord
	if err := query.Limit(limit + 1).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}

	page := &Page{Runs: make([]*Run, 0, min(len(records), limit))}
	for i := range records {
		if i == limit {
			last := page.Runs[limit-1]
			page.Next = &skiptoken.SkipToken{CreatedAt: last.CreatedAt, ID: last.ID}
			break
		}
		page.Runs = append(page.Runs, recordToRun(&records[i]))
	}
	return page, nil
}

// timestamp is the store clock truncated to the precision every supported
// database keeps, so a run read back compares equal to the one written.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func recordToRun(record *RunRecord) *Run {
	run := &Run{
		ID:          record.ID,
		Formula:     record.Formula,
		SObject:     record.SObject,
		Status:      record.Status,
		Fallback:    record.Fallback,
		Error:       record.ErrorText,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
		CompletedAt: record.CompletedAt,
		Steps:       make([]Step, 0, len(record.Steps)),
	}
	for _, st := range record.Steps {
		run.Steps = append(run.Steps, Step{Index: st.StepIndex, Expression: st.Expression, Value: st.Value})
	}
	sort.Slice(run.Steps, func(i, j int) bool { return run.Steps[i].Index < run.Steps[j].Index })
	return run
}
