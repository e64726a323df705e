package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusBlocked     RunStatus = "blocked"
	RunStatusProxyFailed RunStatus = "proxy_failed"
	RunStatusPaused      RunStatus = "paused"
)

// Terminal reports whether a run in this status may no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusBlocked, RunStatusProxyFailed:
		return true
	}
	return false
}

// Run is one execution attempt of a Source's crawl.
type Run struct {
	ID             int64      `json:"id" db:"id"`
	SourceID       int64      `json:"source_id" db:"source_id"`
	SourceKey      string     `json:"source_key" db:"source_key"`
	Status         RunStatus  `json:"status" db:"status"`
	PagesPlanned   int        `json:"pages_planned" db:"pages_planned"`
	PagesDone      int        `json:"pages_done" db:"pages_done"`
	ItemsFound     int        `json:"items_found" db:"items_found"`
	ItemsStaged    int        `json:"items_staged" db:"items_staged"`
	ItemsMerged    int        `json:"items_merged" db:"items_merged"`
	ItemErrors     int        `json:"item_errors" db:"item_errors"`
	ProxyID        *int64     `json:"proxy_id" db:"proxy_id"`
	ExitIP         *string    `json:"exit_ip" db:"exit_ip"`
	ErrorKind      *Outcome   `json:"error_kind" db:"error_kind"`
	ErrorSummary   *string    `json:"error_summary" db:"error_summary"`
	LastHTTPStatus *int       `json:"last_http_status" db:"last_http_status"`
	Debug          RunDebug   `json:"debug" db:"debug"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
}

// PlannedPages normalizes a requested page count; a run always plans at least one page.
func PlannedPages(requested int) int {
	if requested < 1 {
		return 1
	}
	return requested
}

// RunDebug is the diagnostics payload stored with a run.
type RunDebug struct {
	Pages     []PageDebug `json:"pages,omitempty"`
	Rendered  bool        `json:"rendered,omitempty"`
	ProxyNote string      `json:"proxy_note,omitempty"`
}

// PageDebug records what happened to one page fetch.
type PageDebug struct {
	Page        int     `json:"page"`
	URL         string  `json:"url"`
	StatusCode  int     `json:"status_code,omitempty"`
	Outcome     Outcome `json:"outcome"`
	Bytes       int     `json:"bytes"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	WaitedMS    int64   `json:"waited_ms,omitempty"`
	Cached      bool    `json:"cached,omitempty"`
	BlockReason string  `json:"block_reason,omitempty"`
	Items       int     `json:"items"`
	ItemErrors  int     `json:"item_errors,omitempty"`
	Artifact    string  `json:"artifact,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (d RunDebug) JSON() json.RawMessage {
	data, _ := json.Marshal(d)
	return data
}
