package models

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
)

// StrategyKind names one of the closed set of extraction strategies.
type StrategyKind string

const (
	StrategyListPage       StrategyKind = "list_page"
	StrategyAuctionResults StrategyKind = "auction_results"
)

// ExtractionConfig is a tagged variant: exactly the block matching Kind is set.
type ExtractionConfig struct {
	Kind           StrategyKind    `json:"kind" yaml:"kind"`
	ListPage       *ListPageConfig `json:"list_page,omitempty" yaml:"list_page,omitempty"`
	AuctionResults *AuctionConfig  `json:"auction_results,omitempty" yaml:"auction_results,omitempty"`
	// PageParam is the query parameter carrying the page number ("" = single page).
	PageParam string `json:"page_param,omitempty" yaml:"page_param,omitempty"`
}

// ListPageConfig holds the locators for a generic list page.
type ListPageConfig struct {
	Item       string             `json:"item" yaml:"item"`
	Link       string             `json:"link" yaml:"link"`
	Title      string             `json:"title,omitempty" yaml:"title,omitempty"`
	Price      string             `json:"price,omitempty" yaml:"price,omitempty"`
	Currency   string             `json:"currency,omitempty" yaml:"currency,omitempty"`
	Location   string             `json:"location,omitempty" yaml:"location,omitempty"`
	Image      string             `json:"image,omitempty" yaml:"image,omitempty"`
	ExternalID string             `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Attributes []AttributeLocator `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// AttributeLocator extracts one sparse attribute and coerces it to Type.
type AttributeLocator struct {
	Key      string        `json:"key" yaml:"key"`
	Selector string        `json:"selector" yaml:"selector"`
	Type     AttributeType `json:"type" yaml:"type"`
}

// AuctionConfig tunes the sold-auction-results extractor.
type AuctionConfig struct {
	Item          string `json:"item,omitempty" yaml:"item,omitempty"`
	AuctionSource string `json:"auction_source,omitempty" yaml:"auction_source,omitempty"`
	Currency      string `json:"currency,omitempty" yaml:"currency,omitempty"`
}

// Validate rejects unknown kinds, mismatched blocks and unparsable selectors.
func (c ExtractionConfig) Validate() error {
	switch c.Kind {
	case StrategyListPage:
		if c.ListPage == nil {
			return fmt.Errorf("strategy list_page requires a list_page block")
		}
		if c.AuctionResults != nil {
			return fmt.Errorf("strategy list_page must not carry an auction_results block")
		}
		return c.ListPage.validate()
	case StrategyAuctionResults:
		if c.ListPage != nil {
			return fmt.Errorf("strategy auction_results must not carry a list_page block")
		}
		if c.AuctionResults != nil && c.AuctionResults.Item != "" {
			return checkSelector("auction_results.item", c.AuctionResults.Item)
		}
		return nil
	case "":
		return fmt.Errorf("strategy kind is required")
	default:
		return fmt.Errorf("unknown strategy kind %q", c.Kind)
	}
}

func (c *ListPageConfig) validate() error {
	if c.Item == "" {
		return fmt.Errorf("list_page.item is required")
	}
	if c.Link == "" {
		return fmt.Errorf("list_page.link is required")
	}
	selectors := map[string]string{
		"item":        c.Item, "link": c.Link, "title": c.Title, "price": c.Price,
		"currency":    c.Currency, "location": c.Location, "image": c.Image,
		"external_id": c.ExternalID,
	}
	for name, sel := range selectors {
		if sel == "" {
			continue
		}
		if err := checkSelector("list_page."+name, sel); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	for _, a := range c.Attributes {
		if a.Key == "" || a.Selector == "" {
			return fmt.Errorf("list_page.attributes: key and selector are required")
		}
		if seen[a.Key] {
			return fmt.Errorf("list_page.attributes: duplicate key %q", a.Key)
		}
		seen[a.Key] = true
		if !a.Type.Valid() {
			return fmt.Errorf("list_page.attributes[%s]: unknown type %q", a.Key, a.Type)
		}
		if err := checkSelector("list_page.attributes["+a.Key+"]", a.Selector); err != nil {
			return err
		}
	}
	return nil
}

func checkSelector(field, locator string) error {
	sel, attr := SplitLocator(locator)
	if sel == "" {
		if attr == "" {
			return fmt.Errorf("%s: empty locator", field)
		}
		return nil
	}
	if _, err := cascadia.ParseGroup(sel); err != nil {
		return fmt.Errorf("%s: invalid selector %q: %w", field, sel, err)
	}
	return nil
}

// SplitLocator splits "css@attr" into its selector and attribute parts. A
// locator without "@" reads text; "@attr" reads the attribute of the item itself.
func SplitLocator(locator string) (selector, attr string) {
	i := strings.LastIndex(locator, "@")
	if i < 0 {
		return strings.TrimSpace(locator), ""
	}
	attr = strings.TrimSpace(locator[i+1:])
	// an "@" inside an attribute selector such as [href*='@'] is not a suffix
	if strings.ContainsAny(attr, "]'\" ") {
		return strings.TrimSpace(locator), ""
	}
	return strings.TrimSpace(locator[:i]), attr
}

// MergeRules configure the auto-merge gate for one source.
type MergeRules struct {
	AutoMerge     bool    `json:"auto_merge" yaml:"auto_merge"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	RequirePrice  bool    `json:"require_price" yaml:"require_price"`
	RequireTitle  bool    `json:"require_title" yaml:"require_title"`
	RequireVIN    bool    `json:"require_vin" yaml:"require_vin"`
	MaxPriceMinor int64   `json:"max_price_minor,omitempty" yaml:"max_price_minor,omitempty"`
}

func (r MergeRules) Validate() error {
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("merge_rules.min_confidence must be within [0,1], got %v", r.MinConfidence)
	}
	if r.MaxPriceMinor < 0 {
		return fmt.Errorf("merge_rules.max_price_minor must not be negative")
	}
	return nil
}
