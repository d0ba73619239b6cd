package fetcher

import (
	"context"
	"sort"
	"strconv"

	"commodity-ratewatch/internal/rates"
)

// Built-in fallback tables keyed by canonical city id. Egg values are per egg,
// chicken values per kg by cut.
var (
	fallbackEgg = map[string]string{
		"ahmedabad": "4.15", "ajmer": "3.75", "barwala": "3.95", "bengaluru": "4.50",
		"brahmapur": "4.10", "chennai": "4.60", "chittoor": "4.60", "delhi": "4.10",
		"hyderabad": "3.90", "jabalpur": "4.05", "kolkata": "4.50", "ludhiana": "3.95",
		"mumbai": "4.50", "mysore": "4.50", "namakkal": "4.15", "pune": "4.40",
		"raipur": "4.10", "surat": "4.35", "vijayawada": "4.20", "visakhapatnam": "4.35",
		"warangal": "3.92", "prayagraj": "4.38", "bhopal": "3.90", "indore": "4.00",
		"kanpur": "4.38", "lucknow": "4.67", "muzaffarpur": "4.60",
	}

	// boneless, chicken, chicken_liver, country, live, skinless
	fallbackChicken = map[string][6]int{
		"mumbai":        {460, 260, 200, 600, 250, 300},
		"delhi":         {520, 280, 240, 700, 240, 280},
		"chennai":       {420, 220, 180, 550, 200, 250},
		"bengaluru":     {450, 240, 190, 580, 220, 270},
		"hyderabad":     {440, 230, 170, 560, 210, 260},
		"kolkata":       {400, 200, 160, 500, 180, 230},
		"ahmedabad":     {480, 270, 210, 620, 260, 290},
		"madurai":       {410, 210, 170, 540, 190, 240},
		"visakhapatnam": {430, 220, 180, 550, 200, 250},
		"lucknow":       {490, 270, 220, 640, 250, 280},
		"vijayawada":    {420, 215, 175, 545, 195, 245},
		"surat":         {470, 265, 205, 610, 255, 285},
		"patna":         {460, 250, 200, 590, 230, 270},
		"kochi":         {440, 230, 185, 570, 210, 260},
		"jaipur":        {500, 275, 225, 650, 255, 290},
		"mysore":        {435, 235, 185, 565, 215, 265},
		"trivandrum":    {445, 235, 190, 575, 215, 265},
		"vadodara":      {475, 265, 210, 615, 255, 285},
		"nagpur":        {455, 245, 195, 585, 225, 275},
		"coimbatore":    {425, 225, 180, 555, 205, 255},
		"pune":          {465, 255, 200, 595, 245, 285},
		"bhubaneswar":   {415, 215, 175, 535, 195, 245},
		"nashik":        {450, 240, 190, 580, 230, 270},
	}

	chickenColumns = [6]string{
		rates.BucketBoneless, rates.BucketChicken, rates.BucketChickenLiver,
		rates.BucketCountry, rates.BucketLive, rates.BucketSkinless,
	}
)

// Static serves the built-in fallback tables through the Fetcher interface.
// Observations carry no date, so they are stamped with the run date. Copra
// has no table.
type Static struct{}

var _ Fetcher = Static{}

func (Static) Name() string { return "fallback" }

// Fetch returns the table row for the source city, or nothing when the city
// or commodity has no entry.
func (Static) Fetch(ctx context.Context, src Source) ([]rates.RawObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, failed("fallback %s: %v", src, err)
	}
	switch src.Commodity {
	case rates.Egg:
		price, ok := fallbackEgg[src.City.ID]
		if !ok {
			return nil, nil
		}
		return []rates.RawObservation{{
			CityText:  src.City.Name,
			PriceText: price,
			Label:     rates.BucketSingleEgg,
		}}, nil
	case rates.Chicken:
		row, ok := fallbackChicken[src.City.ID]
		if !ok {
			return nil, nil
		}
		out := make([]rates.RawObservation, 0, len(chickenColumns))
		for i, bucket := range chickenColumns {
			out = append(out, rates.RawObservation{
				CityText:  src.City.Name,
				PriceText: strconv.Itoa(row[i]),
				Label:     bucket,
			})
		}
		return out, nil
	}
	return nil, nil
}

// FallbackCities lists the cities with a fallback entry for a commodity.
func FallbackCities(c rates.Commodity) []string {
	var out []string
	switch c {
	case rates.Egg:
		for id := range fallbackEgg {
			out = append(out, id)
		}
	case rates.Chicken:
		for id := range fallbackChicken {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
