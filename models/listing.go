package models

import (
	"fmt"
	"time"
)

// AttributeType is the value type of a sparse listing attribute.
type AttributeType string

const (
	AttrString AttributeType = "string"
	AttrNumber AttributeType = "number"
	AttrBool   AttributeType = "bool"
	AttrTime   AttributeType = "time"
)

func (t AttributeType) Valid() bool {
	switch t {
	case AttrString, AttrNumber, AttrBool, AttrTime:
		return true
	}
	return false
}

// Attribute is one typed key/value pair; exactly the value matching Type is set.
type Attribute struct {
	Key    string        `json:"key" db:"key"`
	Type   AttributeType `json:"value_type" db:"value_type"`
	String *string       `json:"value_string,omitempty" db:"value_string"`
	Number *float64      `json:"value_number,omitempty" db:"value_number"`
	Bool   *bool         `json:"value_bool,omitempty" db:"value_bool"`
	Time   *time.Time    `json:"value_time,omitempty" db:"value_time"`
}

func StringAttr(key, v string) Attribute {
	return Attribute{Key: key, Type: AttrString, String: &v}
}

func NumberAttr(key string, v float64) Attribute {
	return Attribute{Key: key, Type: AttrNumber, Number: &v}
}

func BoolAttr(key string, v bool) Attribute {
	return Attribute{Key: key, Type: AttrBool, Bool: &v}
}

func TimeAttr(key string, v time.Time) Attribute {
	v = v.UTC()
	return Attribute{Key: key, Type: AttrTime, Time: &v}
}

// Value returns the populated value as an untyped interface.
func (a Attribute) Value() any {
	switch a.Type {
	case AttrString:
		if a.String != nil {
			return *a.String
		}
	case AttrNumber:
		if a.Number != nil {
			return *a.Number
		}
	case AttrBool:
		if a.Bool != nil {
			return *a.Bool
		}
	case AttrTime:
		if a.Time != nil {
			return *a.Time
		}
	}
	return nil
}

func (a Attribute) Validate() error {
	if a.Key == "" {
		return fmt.Errorf("attribute key is required")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("attribute %s: unknown type %q", a.Key, a.Type)
	}
	if a.Value() == nil {
		return fmt.Errorf("attribute %s: no %s value", a.Key, a.Type)
	}
	return nil
}

// ListingFields are the typed core fields shared by candidates, staged and merged listings.
type ListingFields struct {
	Title      string     `json:"title,omitempty" db:"title"`
	PriceMinor *int64     `json:"price_minor,omitempty" db:"price_minor"`
	Currency   string     `json:"currency,omitempty" db:"currency"`
	Location   string     `json:"location,omitempty" db:"location"`
	ImageURL   string     `json:"image_url,omitempty" db:"image_url"`
	ExternalID string     `json:"external_id,omitempty" db:"external_id"`
	VIN        string     `json:"vin,omitempty" db:"vin"`
	SaleStatus string     `json:"sale_status,omitempty" db:"sale_status"`
	SaleDate   *time.Time `json:"sale_date,omitempty" db:"sale_date"`
	Odometer   *int64     `json:"odometer,omitempty" db:"odometer"`
}

// Candidate is one item extracted from a page, before staging.
type Candidate struct {
	URL string `json:"url"`
	ListingFields
	Attributes []Attribute `json:"attributes,omitempty"`
}

// StagedListing is a candidate persisted pending the auto-merge gate.
type StagedListing struct {
	ID           int64  `json:"id" db:"id"`
	RunID        *int64 `json:"run_id" db:"run_id"`
	TrackingID   *int64 `json:"tracking_id" db:"tracking_id"`
	SourceKey    string `json:"source_key" db:"source_key"`
	CanonicalURL string `json:"canonical_url" db:"canonical_url"`
	URL          string `json:"url" db:"url"`
	ListingFields
	Attributes      []Attribute `json:"attributes"`
	ConfidenceScore float64     `json:"confidence_score" db:"confidence_score"`
	AutoApproved    *bool       `json:"auto_approved" db:"auto_approved"`
	GateReason      *string     `json:"gate_reason" db:"gate_reason"`
	MergedListingID *int64      `json:"merged_listing_id" db:"merged_listing_id"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// MergedListing is the canonical record; it is only written by promotion from staging.
type MergedListing struct {
	ID           int64  `json:"id" db:"id"`
	SourceKey    string `json:"source_key" db:"source_key"`
	CanonicalURL string `json:"canonical_url" db:"canonical_url"`
	URL          string `json:"url" db:"url"`
	ListingFields
	Attributes      []Attribute `json:"attributes"`
	ConfidenceScore float64     `json:"confidence_score" db:"confidence_score"`
	StagedID        int64       `json:"staged_id" db:"staged_id"`
	FirstMergedAt   time.Time   `json:"first_merged_at" db:"first_merged_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
