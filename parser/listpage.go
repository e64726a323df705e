package parser

import (
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"harvestd/identity"
	"harvestd/models"
)

func parseListPage(doc *goquery.Document, cfg *models.ListPageConfig, base *url.URL) *Page {
	page := &Page{}
	doc.Find(cfg.Item).Each(func(i int, s *goquery.Selection) {
		page.Items++
		c, err := listItem(s, cfg, base)
		if err != nil {
			page.ItemErrors++
			log.Debug().Str("page", base.String()).Err(&ItemError{Index: i, Err: err}).Msg("List item dropped")
			return
		}
		page.Candidates = append(page.Candidates, *c)
	})
	return page
}

func listItem(s *goquery.Selection, cfg *models.ListPageConfig, base *url.URL) (*models.Candidate, error) {
	c := &models.Candidate{}

	c.ExternalID = extract(s, cfg.ExternalID)
	link := identity.ResolveURL(base, extractAttrDefault(s, cfg.Link, "href"))
	switch {
	case link != "":
		c.URL = link
	case c.ExternalID != "":
		lot, err := identity.LotURL(base.String(), c.ExternalID)
		if err != nil {
			return nil, err
		}
		c.URL = lot
	default:
		return nil, fmt.Errorf("no link and no external id")
	}

	c.Title = extract(s, cfg.Title)
	c.Location = extract(s, cfg.Location)
	if cfg.Image != "" {
		c.ImageURL = identity.ResolveURL(base, extractAttrDefault(s, cfg.Image, "src", "data-src"))
	}

	currency := extract(s, cfg.Currency)
	if priceText := extract(s, cfg.Price); priceText != "" {
		minor, cur, err := parsePrice(priceText, currency)
		if err != nil {
			log.Debug().Str("url", c.URL).Err(err).Msg("Price not parsed")
		} else {
			c.PriceMinor = &minor
			currency = cur
		}
	}
	c.Currency = currency

	for _, loc := range cfg.Attributes {
		text := extract(s, loc.Selector)
		if text == "" {
			continue
		}
		attr, err := coerce(loc.Key, loc.Type, text)
		if err != nil {
			log.Debug().Str("url", c.URL).Err(err).Msg("Attribute skipped")
			continue
		}
		c.Attributes = append(c.Attributes, attr)
	}
	return c, nil
}
