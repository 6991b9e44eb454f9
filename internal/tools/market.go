package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var commodityNames = map[string]string{
	"rice":       "Rice",
	"paddy":      "Paddy(Dhan)(Common)",
	"wheat":      "Wheat",
	"corn":       "Maize",
	"maize":      "Maize",
	"cotton":     "Cotton",
	"soybean":    "Soyabean",
	"soya":       "Soyabean",
	"groundnut":  "Groundnut",
	"peanut":     "Groundnut",
	"chickpea":   "Gram(Whole)",
	"chana":      "Gram(Whole)",
	"gram":       "Gram(Whole)",
	"tur":        "Arhar (Tur/Red Gram)(Whole)",
	"arhar":      "Arhar (Tur/Red Gram)(Whole)",
	"pigeon pea": "Arhar (Tur/Red Gram)(Whole)",
	"moong":      "Moong(Green Gram)",
	"green gram": "Moong(Green Gram)",
	"sugarcane":  "Sugarcane",
	"potato":     "Potato",
	"onion":      "Onion",
	"tomato":     "Tomato",
}

type mandiSample struct {
	markets  []string
	min, max int
}

// mandiSamples are indicative modal ranges in rupees per quintal.
var mandiSamples = map[string]mandiSample{
	"Rice":                        {[]string{"Delhi", "Mumbai", "Bangalore", "Chennai"}, 2000, 3500},
	"Wheat":                       {[]string{"Delhi", "Punjab", "Haryana", "UP"}, 2200, 2800},
	"Paddy(Dhan)(Common)":         {[]string{"Punjab", "Haryana", "UP", "West Bengal"}, 1800, 2400},
	"Maize":                       {[]string{"Karnataka", "Maharashtra", "Bihar", "UP"}, 1600, 2200},
	"Cotton":                      {[]string{"Gujarat", "Maharashtra", "Telangana", "Punjab"}, 5500, 7500},
	"Soyabean":                    {[]string{"Madhya Pradesh", "Maharashtra", "Rajasthan"}, 3800, 4500},
	"Groundnut":                   {[]string{"Gujarat", "Rajasthan", "Tamil Nadu"}, 5000, 6500},
	"Gram(Whole)":                 {[]string{"Madhya Pradesh", "Maharashtra", "Rajasthan"}, 4500, 5500},
	"Arhar (Tur/Red Gram)(Whole)": {[]string{"Maharashtra", "Karnataka", "Madhya Pradesh"}, 6000, 7500},
	"Moong(Green Gram)":           {[]string{"Rajasthan", "Maharashtra", "Karnataka"}, 6500, 8000},
	"Sugarcane":                   {[]string{"Uttar Pradesh", "Maharashtra", "Karnataka"}, 280, 350},
	"Potato":                      {[]string{"Uttar Pradesh", "West Bengal", "Bihar"}, 800, 1500},
	"Onion":                       {[]string{"Maharashtra", "Karnataka", "Gujarat"}, 1200, 2500},
	"Tomato":                      {[]string{"Karnataka", "Andhra Pradesh", "Maharashtra"}, 1000, 2000},
}

var marketStates = map[string]string{
	"Mumbai":    "Maharashtra",
	"Bangalore": "Karnataka",
	"Chennai":   "Tamil Nadu",
	"UP":        "Uttar Pradesh",
}

type MarketPrice struct {
	Commodity string `json:"commodity"`
	Market    string `json:"market"`
	State     string `json:"state"`
	Min       int    `json:"price_min"`
	Max       int    `json:"price_max"`
	Modal     int    `json:"price_modal"`
	Unit      string `json:"unit"`
	Date      string `json:"date"`
}

// MarketTool answers mandi price questions from an indicative price table.
type MarketTool struct {
	now func() time.Time
}

func NewMarketTool() *MarketTool { return &MarketTool{now: time.Now} }

func (m *MarketTool) Name() string { return NameMarket }

func (m *MarketTool) Call(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, toolErr(NameMarket, CodeCanceled, false, err)
	}
	crop, err := required(NameMarket, p, "crop")
	if err != nil {
		return Result{}, err
	}
	commodity, ok := commodityNames[strings.ToLower(crop)]
	if !ok {
		return Result{}, toolErr(NameMarket, CodeNotFound, false, fmt.Errorf("commodity %q not tracked", crop))
	}
	sample, ok := mandiSamples[commodity]
	if !ok {
		return Result{}, toolErr(NameMarket, CodeNotFound, false, fmt.Errorf("no price data for %s", commodity))
	}

	market := sample.markets[0]
	state, ok := marketStates[market]
	if !ok {
		state = market
	}
	now := m.now().UTC()
	price := MarketPrice{
		Commodity: commodity,
		Market:    market + " Mandi",
		State:     state,
		Min:       sample.min,
		Max:       sample.max,
		Modal:     (sample.min + sample.max) / 2,
		Unit:      "₹/Quintal",
		Date:      now.Format("02-Jan-2006"),
	}
	summary := fmt.Sprintf("%s at %s (%s): modal ₹%d, range ₹%d-₹%d per quintal on %s.",
		price.Commodity, price.Market, price.State, price.Modal, price.Min, price.Max, price.Date)
	return Result{Tool: NameMarket, Summary: summary, Data: price, FetchedAt: now}, nil
}
