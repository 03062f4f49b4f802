package jobs

import (
	"time"

	"klines/internal/store/archive"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Params 是提交拉取任务的参数，时间区间为 [Start, End)。
type Params struct {
	Symbols   []string  `json:"symbols"`
	Timeframe string    `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Policy    string    `json:"policy,omitempty"`
}

// SymbolState 记录单个交易对在任务中的进度。
type SymbolState struct {
	Symbol  string        `json:"symbol"`
	Status  string        `json:"status"`
	Rows    int           `json:"rows"`
	First   int64         `json:"first,omitempty"`
	Last    int64         `json:"last,omitempty"`
	Missing []archive.Gap `json:"missing,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Job 是对外暴露的任务快照。
type Job struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id,omitempty"`
	Status     string        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Params     Params        `json:"params"`
	Total      int           `json:"total_windows"`
	Completed  int           `json:"completed_windows"`
	Rows       int           `json:"rows"`
	Symbols    []SymbolState `json:"symbols"`
	Warnings   []string      `json:"warnings,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Finished 表示任务已进入终态。
func (j Job) Finished() bool {
	switch j.Status {
	case StatusDone, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (j *Job) copy() Job {
	out := *j
	out.Params.Symbols = append([]string(nil), j.Params.Symbols...)
	out.Warnings = append([]string(nil), j.Warnings...)
	out.Symbols = make([]SymbolState, len(j.Symbols))
	for i, s := range j.Symbols {
		s.Missing = append([]archive.Gap(nil), s.Missing...)
		out.Symbols[i] = s
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func (j *Job) symbol(sym string) *SymbolState {
	for i := range j.Symbols {
		if j.Symbols[i].Symbol == sym {
			return &j.Symbols[i]
		}
	}
	return nil
}
