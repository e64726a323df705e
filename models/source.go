package models

import (
	"fmt"
	"net/url"
	"time"
)

// ProxyMode controls how a source's runs use the proxy pool.
type ProxyMode string

const (
	ProxyModeNone    ProxyMode = "none"
	ProxyModePrefer  ProxyMode = "prefer"  // use a proxy when one is available, else go direct
	ProxyModeRequire ProxyMode = "require" // no proxy available ends the run as proxy_failed
)

const (
	// MaxSourceFailures is the consecutive generic failure count that disables a source.
	MaxSourceFailures = 5
	// MaxBackoffMinutes caps both source and tracking backoff (24h).
	MaxBackoffMinutes = 1440

	DefaultTimeoutSeconds       = 30
	DefaultBlockCooldownMinutes = 60
)

// Source is an admin-configured remote origin crawled on a fixed cadence.
type Source struct {
	ID                   int64            `json:"id" db:"id"`
	Key                  string           `json:"key" db:"key" yaml:"key"`
	Name                 string           `json:"name" db:"name" yaml:"name"`
	BaseURL              string           `json:"base_url" db:"base_url" yaml:"base_url"`
	Strategy             ExtractionConfig `json:"strategy" db:"strategy" yaml:"strategy"`
	MergeRules           MergeRules       `json:"merge_rules" db:"merge_rules" yaml:"merge_rules"`
	ScheduleMinutes      int              `json:"schedule_minutes" db:"schedule_minutes" yaml:"schedule_minutes"`
	MaxPagesPerRun       int              `json:"max_pages_per_run" db:"max_pages_per_run" yaml:"max_pages_per_run"`
	RatePerMinute        int              `json:"rate_per_minute" db:"rate_per_minute" yaml:"rate_per_minute"`
	TimeoutSeconds       int              `json:"timeout_seconds" db:"timeout_seconds" yaml:"timeout_seconds"`
	ProxyMode            ProxyMode        `json:"proxy_mode" db:"proxy_mode" yaml:"proxy_mode"`
	Render               bool             `json:"render" db:"render" yaml:"render"`
	BlockCooldownMinutes int              `json:"block_cooldown_minutes" db:"block_cooldown_minutes" yaml:"block_cooldown_minutes"`
	IsEnabled            bool             `json:"is_enabled" db:"is_enabled" yaml:"enabled"`

	// Runtime state, owned by the scheduler.
	FailureCount    int        `json:"failure_count" db:"failure_count" yaml:"-"`
	DisabledReason  *string    `json:"disabled_reason" db:"disabled_reason" yaml:"-"`
	CooldownUntil   *time.Time `json:"cooldown_until" db:"cooldown_until" yaml:"-"`
	LastBlockReason *string    `json:"last_block_reason" db:"last_block_reason" yaml:"-"`
	LastError       *string    `json:"last_error" db:"last_error" yaml:"-"`
	LastRunAt       *time.Time `json:"last_run_at" db:"last_run_at" yaml:"-"`
	LastRunStatus   *RunStatus `json:"last_run_status" db:"last_run_status" yaml:"-"`
	NextRunAt       *time.Time `json:"next_run_at" db:"next_run_at" yaml:"-"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at" yaml:"-"`
}

// ApplyDefaults fills zero-valued config fields.
func (s *Source) ApplyDefaults() {
	if s.ScheduleMinutes <= 0 {
		s.ScheduleMinutes = 60
	}
	if s.MaxPagesPerRun <= 0 {
		s.MaxPagesPerRun = 1
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if s.BlockCooldownMinutes <= 0 {
		s.BlockCooldownMinutes = DefaultBlockCooldownMinutes
	}
	if s.ProxyMode == "" {
		s.ProxyMode = ProxyModePrefer
	}
}

// Validate checks the admin-supplied configuration before it is written.
func (s *Source) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("source key is required")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("source %s: invalid base_url %q", s.Key, s.BaseURL)
	}
	switch s.ProxyMode {
	case ProxyModeNone, ProxyModePrefer, ProxyModeRequire:
	default:
		return fmt.Errorf("source %s: unknown proxy_mode %q", s.Key, s.ProxyMode)
	}
	if s.RatePerMinute < 0 {
		return fmt.Errorf("source %s: rate_per_minute must not be negative", s.Key)
	}
	if err := s.Strategy.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", s.Key, err)
	}
	if err := s.MergeRules.Validate(); err != nil {
		return fmt.Errorf("source %s: %w", s.Key, err)
	}
	return nil
}

// Timeout is the fixed per-request timeout for this source's fetches.
func (s *Source) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// MinInterval is the minimum spacing between page fetches derived from rate_per_minute.
func (s *Source) MinInterval() time.Duration {
	if s.RatePerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(s.RatePerMinute)
}

// IsDue reports whether the scheduler should dispatch the source at now.
func (s *Source) IsDue(now time.Time) bool {
	if !s.IsEnabled || s.NextRunAt == nil || s.NextRunAt.After(now) {
		return false
	}
	return s.CooldownUntil == nil || !s.CooldownUntil.After(now)
}
