package workers

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"harvestd/models"
	"harvestd/scraper"
	"harvestd/storage"
)

// NewRunLogger returns a LogFunc that mirrors run log lines to the process
// log and, when ops is set, to the run_logs table.
func NewRunLogger(ops *storage.SQLiteStore) scraper.LogFunc {
	return func(runID *int64, level models.LogLevel, sourceKey, message string) {
		ev := log.WithLevel(zerologLevel(level)).Str("source", sourceKey)
		if runID != nil {
			ev = ev.Int64("run_id", *runID)
		}
		ev.Msg(message)

		if ops == nil {
			return
		}
		if err := ops.Log(runID, level, message, sourceKey); err != nil {
			log.Warn().Err(err).Msg("Failed to persist run log")
		}
	}
}

func zerologLevel(level models.LogLevel) zerolog.Level {
	switch level {
	case models.LogLevelWarn:
		return zerolog.WarnLevel
	case models.LogLevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.DebugLevel
}
