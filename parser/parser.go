package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvestd/models"
)

// Page is the ordered result of parsing one fetched page.
type Page struct {
	Candidates []models.Candidate
	// Items is the number of item containers matched, including dropped ones.
	Items      int
	ItemErrors int
}

// ItemError describes one dropped item.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Parse runs the source's extraction strategy over body. An error means the
// page as a whole could not be read; individual bad items are only counted.
func Parse(cfg models.ExtractionConfig, pageURL string, body []byte) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	switch cfg.Kind {
	case models.StrategyListPage:
		if cfg.ListPage == nil {
			return nil, fmt.Errorf("list_page strategy without settings")
		}
		return parseListPage(doc, cfg.ListPage, base), nil
	case models.StrategyAuctionResults:
		ac := cfg.AuctionResults
		if ac == nil {
			ac = &models.AuctionConfig{}
		}
		return parseAuctionResults(doc, ac, base), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", cfg.Kind)
	}
}

// PageURL returns the URL of page n (1-based) for a paginated source.
func PageURL(baseURL, pageParam string, n int) (string, error) {
	if n <= 1 || pageParam == "" {
		return baseURL, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(pageParam, fmt.Sprint(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// extract reads a "css@attr" locator relative to s.
func extract(s *goquery.Selection, locator string) string {
	if locator == "" {
		return ""
	}
	sel, attr := models.SplitLocator(locator)
	target := s
	if sel != "" {
		target = s.Find(sel).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := target.Attr(attr)
		return strings.TrimSpace(v)
	}
	return cleanText(target.Text())
}

// extractAttrDefault is extract with a default attribute for bare selectors.
func extractAttrDefault(s *goquery.Selection, locator string, attrs ...string) string {
	sel, attr := models.SplitLocator(locator)
	if attr != "" {
		return extract(s, locator)
	}
	target := s
	if sel != "" {
		target = s.Find(sel).First()
	}
	for _, a := range attrs {
		if v, ok := target.Attr(a); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
