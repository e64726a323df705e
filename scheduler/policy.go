package scheduler

import (
	"fmt"
	"time"

	"harvestd/models"
)

// FailureBackoff is the delay before retrying a source after failures
// consecutive generic failures: schedule × 2^(failures−1), capped at one day.
func FailureBackoff(scheduleMinutes, failures int) time.Duration {
	if scheduleMinutes <= 0 {
		scheduleMinutes = 1
	}
	minutes := scheduleMinutes
	for i := 1; i < failures && minutes < models.MaxBackoffMinutes; i++ {
		minutes *= 2
	}
	if minutes > models.MaxBackoffMinutes {
		minutes = models.MaxBackoffMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// ApplyOutcome updates the scheduler-owned state of src after a run ended
// with status. It reports whether the source was disabled by this outcome.
func ApplyOutcome(src *models.Source, status models.RunStatus, summary string, now time.Time) bool {
	schedule := time.Duration(src.ScheduleMinutes) * time.Minute
	if schedule <= 0 {
		schedule = time.Hour
	}
	src.LastRunAt = &now
	src.LastRunStatus = &status

	var next time.Time
	switch status {
	case models.RunStatusSucceeded:
		src.FailureCount = 0
		src.DisabledReason = nil
		src.LastError = nil
		next = now.Add(schedule)

	case models.RunStatusBlocked:
		cooldown := time.Duration(src.BlockCooldownMinutes) * time.Minute
		if cooldown <= 0 {
			cooldown = models.DefaultBlockCooldownMinutes * time.Minute
		}
		until := now.Add(cooldown)
		src.CooldownUntil = &until
		src.LastBlockReason = optional(summary)
		next = now.Add(schedule)
		if until.After(next) {
			next = until
		}

	case models.RunStatusProxyFailed:
		src.LastError = optional(summary)
		next = now.Add(schedule)

	default:
		src.FailureCount++
		src.LastError = optional(summary)
		if src.FailureCount >= models.MaxSourceFailures {
			reason := fmt.Sprintf("disabled after %d consecutive failures", src.FailureCount)
			if summary != "" {
				reason += ": " + summary
			}
			src.IsEnabled = false
			src.DisabledReason = &reason
			src.NextRunAt = nil
			return true
		}
		next = now.Add(FailureBackoff(src.ScheduleMinutes, src.FailureCount))
	}

	src.NextRunAt = &next
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
