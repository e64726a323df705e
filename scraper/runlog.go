package scraper

import "harvestd/models"

// LogFunc persists one run-scoped log line. runID is nil for lines that
// belong to a source or tracking row rather than a run.
type LogFunc func(runID *int64, level models.LogLevel, sourceKey, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(*int64, models.LogLevel, string, string) {}
