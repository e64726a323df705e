package models

import "time"

// Proxy check statuses
const (
	ProxyCheckOK    = "ok"
	ProxyCheckError = "error"
)

// ProxyEndpoint is one entry of the shared proxy pool.
type ProxyEndpoint struct {
	ID                  int64      `json:"id" db:"id"`
	Label               string     `json:"label" db:"label"`
	Scheme              string     `json:"scheme" db:"scheme"` // http, https, socks5
	Host                string     `json:"host" db:"host"`
	Port                int        `json:"port" db:"port"`
	Username            string     `json:"username" db:"username"`
	PasswordEnc         string     `json:"-" db:"password_enc"` // envelope ciphertext, never plaintext
	Weight              int        `json:"weight" db:"weight"`
	MaxConcurrency      int        `json:"max_concurrency" db:"max_concurrency"`
	Enabled             bool       `json:"enabled" db:"enabled"`
	LastCheckStatus     *string    `json:"last_check_status" db:"last_check_status"`
	LastCheckAt         *time.Time `json:"last_check_at" db:"last_check_at"`
	LastCheckExitIP     *string    `json:"last_check_exit_ip" db:"last_check_exit_ip"`
	LastCheckError      *string    `json:"last_check_error" db:"last_check_error"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	UnhealthyUntil      *time.Time `json:"unhealthy_until" db:"unhealthy_until"`
	BannedUntil         *time.Time `json:"banned_until" db:"banned_until"`
	LastFailureAt       *time.Time `json:"last_failure_at" db:"last_failure_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// Available reports whether neither the soft cooldown nor the hard ban is active at now.
func (p *ProxyEndpoint) Available(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.UnhealthyUntil != nil && p.UnhealthyUntil.After(now) {
		return false
	}
	if p.BannedUntil != nil && p.BannedUntil.After(now) {
		return false
	}
	return true
}
