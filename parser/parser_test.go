package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"harvestd/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func attr(c models.Candidate, key string) *models.Attribute {
	for i := range c.Attributes {
		if c.Attributes[i].Key == key {
			return &c.Attributes[i]
		}
	}
	return nil
}

func listPageConfig() models.ExtractionConfig {
	return models.ExtractionConfig{
		Kind: models.StrategyListPage,
		ListPage: &models.ListPageConfig{
			Item:       "article.listing",
			Link:       "a.listing-link@href",
			Title:      "h2.title",
			Price:      ".price",
			Currency:   ".price@data-currency",
			Location:   ".location",
			Image:      "img",
			ExternalID: "@data-id",
			Attributes: []models.AttributeLocator{
				{Key: "year", Selector: ".year", Type: models.AttrNumber},
				{Key: "mileage", Selector: ".mileage", Type: models.AttrNumber},
			},
		},
	}
}

func TestParseListPage(t *testing.T) {
	page, err := Parse(listPageConfig(), "https://cars.example.com/list?page=1", loadFixture(t, "list_page.html"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if page.Items != 3 || page.ItemErrors != 1 || len(page.Candidates) != 2 {
		t.Fatalf("expected 3 items, 1 error, 2 candidates; got %d, %d, %d", page.Items, page.ItemErrors, len(page.Candidates))
	}

	first := page.Candidates[0]
	if first.URL != "https://cars.example.com/cars/a1?utm_source=feed" {
		t.Fatalf("unexpected url %s", first.URL)
	}
	if first.Title != "2019 Honda Civic" {
		t.Fatalf("expected collapsed title, got %q", first.Title)
	}
	if first.PriceMinor == nil || *first.PriceMinor != 1250000 || first.Currency != "CAD" {
		t.Fatalf("expected 12500.00 CAD, got %v %s", first.PriceMinor, first.Currency)
	}
	if first.ExternalID != "A1" || first.Location != "Toronto, ON" {
		t.Fatalf("unexpected id/location %q %q", first.ExternalID, first.Location)
	}
	if first.ImageURL != "https://cars.example.com/img/a1.jpg" {
		t.Fatalf("unexpected image %s", first.ImageURL)
	}
	if a := attr(first, "mileage"); a == nil || a.Number == nil || *a.Number != 85000 {
		t.Fatalf("expected mileage 85000, got %+v", a)
	}
	if a := attr(first, "year"); a == nil || a.Type != models.AttrNumber || *a.Number != 2019 {
		t.Fatalf("expected year 2019, got %+v", a)
	}

	second := page.Candidates[1]
	if second.URL != "https://cars.example.com/list?lot=A2&page=1" {
		t.Fatalf("expected lot url fallback, got %s", second.URL)
	}
	if second.PriceMinor == nil || *second.PriceMinor != 990050 || second.Currency != "EUR" {
		t.Fatalf("expected 9900.50 EUR, got %v %s", second.PriceMinor, second.Currency)
	}
	if attr(second, "mileage") != nil {
		t.Fatalf("expected unparsable mileage to be skipped")
	}
}

func TestParseAuctionResults(t *testing.T) {
	cfg := models.ExtractionConfig{
		Kind:           models.StrategyAuctionResults,
		AuctionResults: &models.AuctionConfig{AuctionSource: "example-auctions"},
	}
	page, err := Parse(cfg, "https://auctions.example.com/results", loadFixture(t, "auction_results.html"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if page.Items != 3 || page.ItemErrors != 1 || len(page.Candidates) != 2 {
		t.Fatalf("expected 3 items, 1 error, 2 candidates; got %d, %d, %d", page.Items, page.ItemErrors, len(page.Candidates))
	}

	sold := page.Candidates[0]
	if sold.URL != "https://auctions.example.com/lot/L-100" {
		t.Fatalf("unexpected url %s", sold.URL)
	}
	if sold.VIN != "1M8GDM9AXKP042788" || sold.ExternalID != "L-100" {
		t.Fatalf("unexpected vin/lot %q %q", sold.VIN, sold.ExternalID)
	}
	if sold.Title != "2019 Toyota Camry SE" || sold.SaleStatus != "sold" {
		t.Fatalf("unexpected title/status %q %q", sold.Title, sold.SaleStatus)
	}
	if sold.PriceMinor == nil || *sold.PriceMinor != 425000 || sold.Currency != "USD" {
		t.Fatalf("expected 4250.00 USD, got %v %s", sold.PriceMinor, sold.Currency)
	}
	if sold.SaleDate == nil || !sold.SaleDate.Equal(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sale date %v", sold.SaleDate)
	}
	if sold.Odometer == nil || *sold.Odometer != 102345 {
		t.Fatalf("unexpected odometer %v", sold.Odometer)
	}
	if a := attr(sold, "damage"); a == nil || *a.String != "Front End" {
		t.Fatalf("expected damage attribute, got %+v", a)
	}
	if a := attr(sold, "auction_source"); a == nil || *a.String != "example-auctions" {
		t.Fatalf("expected configured auction source, got %+v", a)
	}

	unsold := page.Candidates[1]
	if unsold.URL != "https://auctions.example.com/results?lot=L-200" {
		t.Fatalf("expected lot url, got %s", unsold.URL)
	}
	if unsold.SaleStatus != "not_sold" {
		t.Fatalf("expected not_sold, got %q", unsold.SaleStatus)
	}
	if unsold.PriceMinor == nil || *unsold.PriceMinor != 310000 || unsold.Currency != "CAD" {
		t.Fatalf("expected 3100.00 CAD, got %v %s", unsold.PriceMinor, unsold.Currency)
	}
}

func TestParseRejectsUnknownStrategy(t *testing.T) {
	if _, err := Parse(models.ExtractionConfig{Kind: "rss"}, "https://a.example/", []byte("<html></html>")); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := Parse(models.ExtractionConfig{Kind: models.StrategyListPage}, "https://a.example/", []byte("<html></html>")); err == nil {
		t.Fatalf("expected missing list_page settings error")
	}
}

func TestParseEmptyPage(t *testing.T) {
	page, err := Parse(listPageConfig(), "https://cars.example.com/list", []byte("<html><body>No results</body></html>"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if page.Items != 0 || len(page.Candidates) != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestPageURL(t *testing.T) {
	cases := []struct {
		base  string
		param string
		n     int
		want  string
	}{
		{"https://x.example/list?sort=new", "page", 1, "https://x.example/list?sort=new"},
		{"https://x.example/list?sort=new", "page", 3, "https://x.example/list?page=3&sort=new"},
		{"https://x.example/list", "", 4, "https://x.example/list"},
	}
	for _, tc := range cases {
		got, err := PageURL(tc.base, tc.param, tc.n)
		if err != nil || got != tc.want {
			t.Fatalf("PageURL(%s, %s, %d) = %s, %v; want %s", tc.base, tc.param, tc.n, got, err, tc.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		text     string
		fallback string
		minor    int64
		currency string
	}{
		{"$12,500", "", 1250000, "USD"},
		{"C$ 1 234.50", "", 123450, "CAD"},
		{"12.500,00 EUR", "", 1250000, "EUR"},
		{"£999", "", 99900, "GBP"},
		{"¥150,000", "", 150000, "JPY"},
		{"4,250", "cad", 425000, "CAD"},
		{"12'500", "CHF", 1250000, "CHF"},
	}
	for _, tc := range cases {
		minor, cur, err := parsePrice(tc.text, tc.fallback)
		if err != nil || minor != tc.minor || cur != tc.currency {
			t.Fatalf("parsePrice(%q) = %d %s %v; want %d %s", tc.text, minor, cur, err, tc.minor, tc.currency)
		}
	}
	if _, _, err := parsePrice("Call for price", "USD"); err == nil {
		t.Fatalf("expected error for text without an amount")
	}
}

func TestCoerce(t *testing.T) {
	a, err := coerce("certified", models.AttrBool, " Yes ")
	if err != nil || a.Bool == nil || !*a.Bool {
		t.Fatalf("expected true bool, got %+v %v", a, err)
	}
	a, err = coerce("listed", models.AttrTime, "Jan 2, 2026")
	if err != nil || a.Time == nil || a.Time.Day() != 2 {
		t.Fatalf("expected parsed time, got %+v %v", a, err)
	}
	if _, err := coerce("doors", models.AttrNumber, "several"); err == nil {
		t.Fatalf("expected number coercion failure")
	}
	if _, err := coerce("flag", models.AttrBool, "maybe"); err == nil {
		t.Fatalf("expected bool coercion failure")
	}
}
