package models

// Outcome classifies a fetch or processing result.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeProxyFailed      Outcome = "proxy_failed"
	OutcomeHTTPError        Outcome = "http_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeParseError       Outcome = "parse_error"
	OutcomeUnknownException Outcome = "unknown_exception"
)

// RunStatus maps a page-level outcome to the terminal run status it forces.
func (o Outcome) RunStatus() RunStatus {
	switch o {
	case OutcomeOK:
		return RunStatusSucceeded
	case OutcomeBlocked:
		return RunStatusBlocked
	case OutcomeProxyFailed:
		return RunStatusProxyFailed
	default:
		return RunStatusFailed
	}
}
