package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunSource     CommandType = "run_source"
	CmdRetryTracking CommandType = "retry_tracking"
	CmdBanProxy      CommandType = "ban_proxy"
	CmdUnbanProxy    CommandType = "unban_proxy"
	CmdCheckProxies  CommandType = "check_proxies"
	CmdPause         CommandType = "pause"
	CmdResume        CommandType = "resume"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	SourceKey     string `json:"source_key,omitempty"`
	TrackingID    int64  `json:"tracking_id,omitempty"`
	ResetAttempts bool   `json:"reset_attempts,omitempty"`
	ProxyID       int64  `json:"proxy_id,omitempty"`
	BanMinutes    int    `json:"ban_minutes,omitempty"`
}
