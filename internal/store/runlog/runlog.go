// Package runlog records every download run (CLI or API) in a small SQLite
// database so past runs can be listed and inspected.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

var ErrNotFound = errors.New("run not found")

// SymbolResult is the per-symbol line of a run.
type SymbolResult struct {
	Symbol string `json:"symbol"`
	Rows   int    `json:"rows"`
	First  int64  `json:"first,omitempty"`
	Last   int64  `json:"last,omitempty"`
	File   string `json:"file,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Run is the public view of a fetch_runs row.
type Run struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Timeframe  string         `json:"timeframe"`
	Start      int64          `json:"start"`
	End        int64          `json:"end"`
	Policy     string         `json:"policy"`
	Status     string         `json:"status"`
	Rows       int            `json:"rows"`
	Error      string         `json:"error,omitempty"`
	Results    []SymbolResult `json:"results"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type runModel struct {
	ID         string         `gorm:"column:id;primaryKey;size:36"`
	Source     string         `gorm:"column:source;size:16"`
	Timeframe  string         `gorm:"column:timeframe;size:8"`
	StartMs    int64          `gorm:"column:start_ms"`
	EndMs      int64          `gorm:"column:end_ms"`
	Policy     string         `gorm:"column:policy;size:16"`
	Status     string         `gorm:"column:status;size:16;index"`
	Rows       int            `gorm:"column:rows"`
	Error      string         `gorm:"column:error;type:TEXT"`
	Results    datatypes.JSON `gorm:"column:results;type:TEXT"`
	StartedAt  time.Time      `gorm:"column:started_at;index"`
	FinishedAt *time.Time     `gorm:"column:finished_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (runModel) TableName() string { return "fetch_runs" }

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("runlog: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlog: ensure dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("runlog: open: %w", err)
	}
	return OpenDB(db)
}

func OpenDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&runModel{}); err != nil {
		return nil, fmt.Errorf("runlog: auto migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts or replaces run r.
func (s *Store) Save(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return nil
	}
	m, err := toModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "rows", "error", "results", "finished_at", "updated_at"}),
	}).Create(&m).Error
}

func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	return fromModel(m)
}

// Recent lists the newest runs first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		r, err := fromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toModel(r Run) (runModel, error) {
	results := r.Results
	if results == nil {
		results = []SymbolResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return runModel{}, err
	}
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return runModel{
		ID:         r.ID,
		Source:     r.Source,
		Timeframe:  r.Timeframe,
		StartMs:    r.Start,
		EndMs:      r.End,
		Policy:     r.Policy,
		Status:     r.Status,
		Rows:       r.Rows,
		Error:      r.Error,
		Results:    datatypes.JSON(raw),
		StartedAt:  started.UTC(),
		FinishedAt: r.FinishedAt,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

func fromModel(m runModel) (Run, error) {
	var results []SymbolResult
	if len(m.Results) > 0 {
		if err := json.Unmarshal(m.Results, &results); err != nil {
			return Run{}, fmt.Errorf("runlog: decode results of %s: %w", m.ID, err)
		}
	}
	return Run{
		ID:         m.ID,
		Source:     m.Source,
		Timeframe:  m.Timeframe,
		Start:      m.StartMs,
		End:        m.EndMs,
		Policy:     m.Policy,
		Status:     m.Status,
		Rows:       m.Rows,
		Error:      m.Error,
		Results:    results,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}, nil
}
