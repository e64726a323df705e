package models

import (
	"strings"
	"testing"
	"time"
)

func TestTrackingBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{10, 1024 * time.Minute},
		{11, 1440 * time.Minute},
		{40, 1440 * time.Minute},
		{-2, time.Minute},
	}
	for _, tt := range tests {
		if got := TrackingBackoff(tt.attempts); got != tt.want {
			t.Errorf("TrackingBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}

	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := TrackingBackoff(n)
		if d < prev {
			t.Fatalf("backoff decreased at %d: %v < %v", n, d, prev)
		}
		prev = d
	}
}

func validSource() *Source {
	return &Source{
		Key:     "cars",
		BaseURL: "https://cars.example.com/list",
		Strategy: ExtractionConfig{
			Kind:     StrategyListPage,
			ListPage: &ListPageConfig{Item: "article", Link: "a@href"},
		},
		ProxyMode: ProxyModePrefer,
	}
}

func TestSourceValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Source)
		want   string
	}{
		{"valid", func(*Source) {}, ""},
		{"missing key", func(s *Source) { s.Key = "" }, "key is required"},
		{"ftp base url", func(s *Source) { s.BaseURL = "ftp://cars.example.com" }, "invalid base_url"},
		{"proxy mode", func(s *Source) { s.ProxyMode = "sometimes" }, "unknown proxy_mode"},
		{"negative rate", func(s *Source) { s.RatePerMinute = -1 }, "rate_per_minute"},
		{"missing block", func(s *Source) { s.Strategy.ListPage = nil }, "requires a list_page block"},
		{"both blocks", func(s *Source) { s.Strategy.AuctionResults = &AuctionConfig{} }, "must not carry"},
		{"missing link", func(s *Source) { s.Strategy.ListPage.Link = "" }, "list_page.link is required"},
		{"duplicate attribute", func(s *Source) {
			s.Strategy.ListPage.Attributes = []AttributeLocator{
				{Key: "year", Selector: ".y", Type: AttrNumber},
				{Key: "year", Selector: ".yy", Type: AttrNumber},
			}
		}, "duplicate key"},
		{"attribute type", func(s *Source) {
			s.Strategy.ListPage.Attributes = []AttributeLocator{{Key: "year", Selector: ".y", Type: "date"}}
		}, "unknown type"},
		{"confidence range", func(s *Source) { s.MergeRules.MinConfidence = 1.5 }, "min_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSource()
			tt.mutate(s)
			err := s.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSplitLocator(t *testing.T) {
	tests := []struct {
		in, sel, attr string
	}{
		{"h2.title", "h2.title", ""},
		{"a.link@href", "a.link", "href"},
		{"@data-id", "", "data-id"},
		{"a[href*='@']", "a[href*='@']", ""},
	}
	for _, tt := range tests {
		sel, attr := SplitLocator(tt.in)
		if sel != tt.sel || attr != tt.attr {
			t.Errorf("SplitLocator(%q) = %q, %q; want %q, %q", tt.in, sel, attr, tt.sel, tt.attr)
		}
	}
}

func TestSourceTiming(t *testing.T) {
	s := validSource()
	if s.MinInterval() != 0 {
		t.Fatalf("expected no spacing without a rate, got %v", s.MinInterval())
	}
	s.RatePerMinute = 20
	if s.MinInterval() != 3*time.Second {
		t.Fatalf("expected 3s spacing, got %v", s.MinInterval())
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.IsEnabled = true
	s.NextRunAt = &now
	if !s.IsDue(now) {
		t.Fatal("expected due at next_run_at")
	}
	cooldown := now.Add(time.Minute)
	s.CooldownUntil = &cooldown
	if s.IsDue(now) {
		t.Fatal("expected cooldown to hold the source")
	}
}

func TestOutcomeRunStatus(t *testing.T) {
	tests := map[Outcome]RunStatus{
		OutcomeOK:               RunStatusSucceeded,
		OutcomeBlocked:          RunStatusBlocked,
		OutcomeProxyFailed:      RunStatusProxyFailed,
		OutcomeHTTPError:        RunStatusFailed,
		OutcomeTimeout:          RunStatusFailed,
		OutcomeParseError:       RunStatusFailed,
		OutcomeUnknownException: RunStatusFailed,
	}
	for outcome, want := range tests {
		if got := outcome.RunStatus(); got != want {
			t.Errorf("%s.RunStatus() = %s, want %s", outcome, got, want)
		}
	}
	if RunStatusPaused.Terminal() || !RunStatusBlocked.Terminal() {
		t.Fatal("unexpected terminal statuses")
	}
	if PlannedPages(0) != 1 || PlannedPages(-3) != 1 || PlannedPages(4) != 4 {
		t.Fatal("planned pages must be at least one")
	}
}

func TestAttributeValidate(t *testing.T) {
	if err := NumberAttr("year", 2019).Validate(); err != nil {
		t.Fatalf("expected valid attribute, got %v", err)
	}
	if err := (Attribute{Key: "year", Type: AttrNumber}).Validate(); err == nil {
		t.Fatal("expected missing value to fail")
	}
	if err := (Attribute{Key: "x", Type: "blob"}).Validate(); err == nil {
		t.Fatal("expected unknown type to fail")
	}
}
