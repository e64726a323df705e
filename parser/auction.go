package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"harvestd/identity"
	"harvestd/models"
)

const defaultAuctionItem = "[data-lot-id], [data-vin], .lot, .auction-result"

// auction fields
const (
	fieldVIN           = "vin"
	fieldLot           = "lot_id"
	fieldAuctionSource = "auction_source"
	fieldSaleStatus    = "sale_status"
	fieldPrice         = "price"
	fieldSaleDate      = "sale_date"
	fieldOdometer      = "odometer"
	fieldDamage        = "damage"
	fieldCondition     = "condition"
	fieldLocation      = "location"
	fieldTitle         = "title"
	fieldCurrency      = "currency"
)

// data-* attribute names per field
var dataAttrs = map[string][]string{
	fieldVIN:           {"data-vin"},
	fieldLot:           {"data-lot-id", "data-lot"},
	fieldAuctionSource: {"data-auction", "data-auction-source"},
	fieldSaleStatus:    {"data-sale-status", "data-status"},
	fieldPrice:         {"data-price", "data-sale-price"},
	fieldSaleDate:      {"data-sale-date", "data-date"},
	fieldOdometer:      {"data-odometer", "data-mileage"},
	fieldDamage:        {"data-damage"},
	fieldCondition:     {"data-condition"},
	fieldLocation:      {"data-location"},
	fieldTitle:         {"data-title"},
	fieldCurrency:      {"data-currency"},
}

// normalized label text -> field
var labelFields = map[string]string{
	"vin":            fieldVIN,
	"vin number":     fieldVIN,
	"lot":            fieldLot,
	"lot number":     fieldLot,
	"lot id":         fieldLot,
	"stock number":   fieldLot,
	"auction":        fieldAuctionSource,
	"auction source": fieldAuctionSource,
	"seller":         fieldAuctionSource,
	"sale status":    fieldSaleStatus,
	"status":         fieldSaleStatus,
	"result":         fieldSaleStatus,
	"price":          fieldPrice,
	"sale price":     fieldPrice,
	"sold price":     fieldPrice,
	"sold for":       fieldPrice,
	"final bid":      fieldPrice,
	"winning bid":    fieldPrice,
	"high bid":       fieldPrice,
	"sale date":      fieldSaleDate,
	"sold on":        fieldSaleDate,
	"auction date":   fieldSaleDate,
	"date":           fieldSaleDate,
	"odometer":       fieldOdometer,
	"mileage":        fieldOdometer,
	"miles":          fieldOdometer,
	"damage":         fieldDamage,
	"primary damage": fieldDamage,
	"condition":      fieldCondition,
	"location":       fieldLocation,
	"yard":           fieldLocation,
	"sale location":  fieldLocation,
	"currency":       fieldCurrency,
}

var labelClean = regexp.MustCompile(`[^a-z0-9 ]+`)

func normalizeLabel(s string) string {
	s = labelClean.ReplaceAllString(strings.ToLower(s), " ")
	return cleanText(s)
}

func parseAuctionResults(doc *goquery.Document, cfg *models.AuctionConfig, base *url.URL) *Page {
	page := &Page{}
	item := cfg.Item
	if item == "" {
		item = defaultAuctionItem
	}
	doc.Find(item).Each(func(i int, s *goquery.Selection) {
		page.Items++
		c, err := auctionItem(s, cfg, base)
		if err != nil {
			page.ItemErrors++
			log.Debug().Str("page", base.String()).Err(&ItemError{Index: i, Err: err}).Msg("Auction item dropped")
			return
		}
		page.Candidates = append(page.Candidates, *c)
	})
	return page
}

// auctionFields gathers raw field text from data attributes first, then
// label/value pairs.
func auctionFields(s *goquery.Selection) map[string]string {
	fields := make(map[string]string)
	set := func(field, value string) {
		value = cleanText(value)
		if value == "" {
			return
		}
		if _, ok := fields[field]; !ok {
			fields[field] = value
		}
	}

	for field, attrs := range dataAttrs {
		for _, a := range attrs {
			if v, ok := s.Attr(a); ok {
				set(field, v)
			}
			if v, ok := s.Find("[" + a + "]").First().Attr(a); ok {
				set(field, v)
			}
		}
	}

	s.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		if field, ok := labelFields[normalizeLabel(dt.Text())]; ok {
			set(field, dt.NextFiltered("dd").Text())
		}
	})
	s.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		th := tr.Find("th").First()
		if th.Length() == 0 {
			return
		}
		if field, ok := labelFields[normalizeLabel(th.Text())]; ok {
			set(field, tr.Find("td").First().Text())
		}
	})
	s.Find(".label").Each(func(_ int, label *goquery.Selection) {
		field, ok := labelFields[normalizeLabel(label.Text())]
		if !ok {
			return
		}
		value := label.NextFiltered(".value")
		if value.Length() == 0 {
			value = label.Parent().Find(".value").First()
		}
		set(field, value.Text())
	})

	if _, ok := fields[fieldTitle]; !ok {
		set(fieldTitle, s.Find("h1, h2, h3, h4, .title").First().Text())
	}
	if _, ok := fields[fieldVIN]; !ok {
		if m := identity.VINPattern.FindString(strings.ToUpper(s.Text())); m != "" {
			set(fieldVIN, m)
		}
	}
	return fields
}

func auctionItem(s *goquery.Selection, cfg *models.AuctionConfig, base *url.URL) (*models.Candidate, error) {
	fields := auctionFields(s)
	c := &models.Candidate{}

	vin := identity.NormalizeVIN(fields[fieldVIN])
	lot := fields[fieldLot]
	c.VIN = vin
	c.ExternalID = lot

	href, _ := s.Find("a[href]").First().Attr("href")
	if link := identity.ResolveURL(base, href); link != "" {
		c.URL = link
	} else {
		key := lot
		if key == "" {
			key = vin
		}
		if key == "" {
			return nil, fmt.Errorf("no link, lot id or vin")
		}
		lotURL, err := identity.LotURL(base.String(), key)
		if err != nil {
			return nil, err
		}
		c.URL = lotURL
	}

	c.Title = fields[fieldTitle]
	c.Location = fields[fieldLocation]
	c.SaleStatus = normalizeSaleStatus(fields[fieldSaleStatus])
	if img, ok := s.Find("img").First().Attr("src"); ok {
		c.ImageURL = identity.ResolveURL(base, img)
	}

	currency := fields[fieldCurrency]
	if currency == "" {
		currency = cfg.Currency
	}
	if currency == "" {
		currency = "USD"
	}
	c.Currency = strings.ToUpper(currency)
	if text := fields[fieldPrice]; text != "" {
		if minor, cur, err := parsePrice(text, c.Currency); err == nil {
			c.PriceMinor = &minor
			c.Currency = cur
		} else {
			log.Debug().Str("url", c.URL).Err(err).Msg("Sale price not parsed")
		}
	}
	if text := fields[fieldSaleDate]; text != "" {
		if t, err := parseDate(text); err == nil {
			c.SaleDate = &t
		} else {
			log.Debug().Str("url", c.URL).Err(err).Msg("Sale date not parsed")
		}
	}
	if text := fields[fieldOdometer]; text != "" {
		if n, err := parseInteger(text); err == nil {
			c.Odometer = &n
		}
	}

	if lot != "" {
		c.Attributes = append(c.Attributes, models.StringAttr(fieldLot, lot))
	}
	source := fields[fieldAuctionSource]
	if source == "" {
		source = cfg.AuctionSource
	}
	if source != "" {
		c.Attributes = append(c.Attributes, models.StringAttr(fieldAuctionSource, source))
	}
	if v := fields[fieldDamage]; v != "" {
		c.Attributes = append(c.Attributes, models.StringAttr(fieldDamage, v))
	}
	if v := fields[fieldCondition]; v != "" {
		c.Attributes = append(c.Attributes, models.StringAttr(fieldCondition, v))
	}
	return c, nil
}

func normalizeSaleStatus(s string) string {
	s = strings.ToLower(cleanText(s))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "not sold"), strings.Contains(s, "no sale"), strings.Contains(s, "unsold"):
		return "not_sold"
	case strings.Contains(s, "approval"):
		return "on_approval"
	case strings.Contains(s, "sold"):
		return "sold"
	case strings.Contains(s, "upcoming"), strings.Contains(s, "pending"):
		return "upcoming"
	}
	return strings.ReplaceAll(s, " ", "_")
}
