package proxypool

import (
	"time"

	"harvestd/models"
)

const (
	// UnhealthyCooldown is the soft cooldown applied on every failure.
	UnhealthyCooldown = 5 * time.Minute
	// BanAfterFailures consecutive failures also set a hard ban.
	BanAfterFailures = 3
	BanDuration      = 30 * time.Minute
	// OKRecentWindow is how long a successful egress check keeps a proxy preferred.
	OKRecentWindow = 30 * time.Minute
)

// ApplyFailure records one failure on p at now.
func ApplyFailure(p *models.ProxyEndpoint, now time.Time) {
	p.ConsecutiveFailures++
	until := now.Add(UnhealthyCooldown)
	p.UnhealthyUntil = &until
	failedAt := now
	p.LastFailureAt = &failedAt
	if p.ConsecutiveFailures >= BanAfterFailures {
		banned := now.Add(BanDuration)
		p.BannedUntil = &banned
	}
}

// ApplySuccess clears the failure counter and both cooldowns.
func ApplySuccess(p *models.ProxyEndpoint) {
	p.ConsecutiveFailures = 0
	p.UnhealthyUntil = nil
	p.BannedUntil = nil
}

// ApplyCheck stores an egress check result and applies the matching transition.
func ApplyCheck(p *models.ProxyEndpoint, now time.Time, exitIP string, checkErr error) {
	checkedAt := now
	p.LastCheckAt = &checkedAt
	if checkErr != nil {
		status, msg := models.ProxyCheckError, checkErr.Error()
		p.LastCheckStatus = &status
		p.LastCheckError = &msg
		ApplyFailure(p, now)
		return
	}
	status := models.ProxyCheckOK
	p.LastCheckStatus = &status
	p.LastCheckError = nil
	if exitIP != "" {
		p.LastCheckExitIP = &exitIP
	}
	ApplySuccess(p)
}

// okRecent reports whether p passed an egress check within OKRecentWindow of now.
func okRecent(p *models.ProxyEndpoint, now time.Time) bool {
	if p.LastCheckStatus == nil || *p.LastCheckStatus != models.ProxyCheckOK || p.LastCheckAt == nil {
		return false
	}
	return now.Sub(*p.LastCheckAt) <= OKRecentWindow
}
