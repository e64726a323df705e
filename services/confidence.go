package services

import (
	"math"

	"harvestd/identity"
	"harvestd/models"
)

// field weights per strategy; each set sums to 1
var (
	listPageWeights = map[string]float64{
		"title":       0.30,
		"price":       0.30,
		"image":       0.10,
		"location":    0.10,
		"external_id": 0.10,
		"attributes":  0.10,
	}
	auctionWeights = map[string]float64{
		"vin":         0.30,
		"price":       0.20,
		"sale_date":   0.10,
		"sale_status": 0.10,
		"title":       0.10,
		"odometer":    0.10,
		"location":    0.05,
		"external_id": 0.05,
	}
)

// invalidVINPenalty is subtracted when a VIN is present but fails its check digit.
const invalidVINPenalty = 0.20

// Confidence scores a listing in [0,1] by weighted field completeness.
func Confidence(kind models.StrategyKind, f models.ListingFields, attrs []models.Attribute) float64 {
	weights := listPageWeights
	if kind == models.StrategyAuctionResults {
		weights = auctionWeights
	}

	present := map[string]bool{
		"title":       f.Title != "",
		"price":       f.PriceMinor != nil,
		"image":       f.ImageURL != "",
		"location":    f.Location != "",
		"external_id": f.ExternalID != "",
		"attributes":  len(attrs) > 0,
		"vin":         f.VIN != "",
		"sale_date":   f.SaleDate != nil,
		"sale_status": f.SaleStatus != "",
		"odometer":    f.Odometer != nil,
	}

	var score float64
	for field, w := range weights {
		if present[field] {
			score += w
		}
	}
	if f.VIN != "" && !identity.ValidVIN(f.VIN) {
		score -= invalidVINPenalty
	}
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}
