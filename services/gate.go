package services

import (
	"fmt"

	"harvestd/identity"
	"harvestd/models"
)

// Reason codes for rows left in staging.
const (
	ReasonAutoMergeDisabled = "manual_review: auto_merge_disabled"
	ReasonMissingTitle      = "manual_review: missing_title"
	ReasonMissingPrice      = "manual_review: missing_price"
	ReasonMissingVIN        = "manual_review: missing_vin"
	ReasonInvalidVIN        = "manual_review: invalid_vin"
	ReasonPriceOutOfRange   = "manual_review: price_out_of_range"
	ReasonLowConfidence     = "manual_review: low_confidence"
)

// Decision is the auto-merge gate's verdict for one staged row.
type Decision struct {
	Approved bool
	Reason   string
}

// Gate decides whether a staged row may be promoted without review.
func Gate(rules models.MergeRules, l *models.StagedListing) Decision {
	if !rules.AutoMerge {
		return Decision{Reason: ReasonAutoMergeDisabled}
	}
	if rules.RequireTitle && l.Title == "" {
		return Decision{Reason: ReasonMissingTitle}
	}
	if rules.RequirePrice && l.PriceMinor == nil {
		return Decision{Reason: ReasonMissingPrice}
	}
	if rules.RequireVIN {
		if l.VIN == "" {
			return Decision{Reason: ReasonMissingVIN}
		}
		if !identity.ValidVIN(l.VIN) {
			return Decision{Reason: ReasonInvalidVIN}
		}
	}
	if l.PriceMinor != nil {
		if *l.PriceMinor < 0 || (rules.MaxPriceMinor > 0 && *l.PriceMinor > rules.MaxPriceMinor) {
			return Decision{Reason: ReasonPriceOutOfRange}
		}
	}
	if l.ConfidenceScore < rules.MinConfidence {
		return Decision{Reason: ReasonLowConfidence}
	}
	return Decision{Approved: true, Reason: fmt.Sprintf("auto_merge: confidence %.2f", l.ConfidenceScore)}
}
