package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/agronomist/internal/reliability"
)

type coordinates struct {
	Lat, Lon float64
}

// knownPlaces covers common cities and farming states without a geocoder.
var knownPlaces = map[string]coordinates{
	"delhi":          {28.7041, 77.1025},
	"mumbai":         {19.0760, 72.8777},
	"bangalore":      {12.9716, 77.5946},
	"bengaluru":      {12.9716, 77.5946},
	"chennai":        {13.0827, 80.2707},
	"kolkata":        {22.5726, 88.3639},
	"hyderabad":      {17.3850, 78.4867},
	"pune":           {18.5204, 73.8567},
	"ahmedabad":      {23.0225, 72.5714},
	"jaipur":         {26.9124, 75.7873},
	"nashik":         {19.9975, 73.7898},
	"ludhiana":       {30.9010, 75.8573},
	"punjab":         {30.9010, 75.8573},
	"haryana":        {29.0588, 76.0856},
	"maharashtra":    {19.7515, 75.7139},
	"karnataka":      {15.3173, 75.7139},
	"gujarat":        {22.2587, 71.1924},
	"uttar pradesh":  {26.8467, 80.9462},
	"madhya pradesh": {22.9734, 78.6569},
	"rajasthan":      {27.0238, 74.2179},
	"bihar":          {25.0961, 85.3131},
	"west bengal":    {22.9868, 87.8550},
	"tamil nadu":     {11.1271, 78.6569},
	"telangana":      {18.1124, 79.0193},
	"andhra pradesh": {15.9129, 79.7400},
}

var weatherCodes = map[int]string{
	0: "Clear sky", 1: "Mainly clear", 2: "Partly cloudy", 3: "Overcast",
	45: "Fog", 48: "Depositing rime fog",
	51: "Light drizzle", 53: "Moderate drizzle", 55: "Dense drizzle",
	61: "Slight rain", 63: "Moderate rain", 65: "Heavy rain",
	71: "Slight snow fall", 73: "Moderate snow fall", 75: "Heavy snow fall",
	80: "Slight rain showers", 81: "Moderate rain showers", 82: "Violent rain showers",
	95: "Thunderstorm", 96: "Thunderstorm with slight hail", 99: "Thunderstorm with heavy hail",
}

func weatherCondition(code int) string {
	if c, ok := weatherCodes[code]; ok {
		return c
	}
	return "Unknown"
}

// Weather is the current conditions and today's range for one place.
type Weather struct {
	Location    string  `json:"location"`
	Temperature int     `json:"temperature_c"`
	Condition   string  `json:"condition"`
	High        int     `json:"high_c"`
	Low         int     `json:"low_c"`
	Humidity    int     `json:"humidity_pct"`
	WindSpeed   int     `json:"wind_kmh"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// WeatherTool queries an Open-Meteo compatible forecast endpoint.
type WeatherTool struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewWeatherTool(baseURL string, client *http.Client) *WeatherTool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WeatherTool{baseURL: strings.TrimSpace(baseURL), client: client, now: time.Now}
}

func (w *WeatherTool) Name() string { return NameWeather }

type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Max []float64 `json:"temperature_2m_max"`
		Min []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

func (w *WeatherTool) Call(ctx context.Context, p Params) (Result, error) {
	location, err := required(NameWeather, p, "location")
	if err != nil {
		return Result{}, err
	}
	if w.baseURL == "" {
		return Result{}, toolErr(NameWeather, CodeNotConfigured, false, fmt.Errorf("no weather endpoint"))
	}
	coords, ok := knownPlaces[strings.ToLower(location)]
	if !ok {
		return Result{}, toolErr(NameWeather, CodeNotFound, false, fmt.Errorf("unknown location %q", location))
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(coords.Lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(coords.Lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m")
	q.Set("daily", "temperature_2m_max,temperature_2m_min")
	q.Set("temperature_unit", "celsius")
	q.Set("timezone", "auto")

	var body openMeteoResponse
	if err := getJSON(ctx, w.client, NameWeather, w.baseURL+"?"+q.Encode(), &body); err != nil {
		return Result{}, err
	}

	out := Weather{
		Location:    titleWords(location),
		Temperature: roundInt(body.Current.Temperature),
		Condition:   weatherCondition(body.Current.WeatherCode),
		Humidity:    roundInt(body.Current.Humidity),
		WindSpeed:   roundInt(body.Current.WindSpeed),
		Latitude:    coords.Lat,
		Longitude:   coords.Lon,
	}
	if len(body.Daily.Max) > 0 {
		out.High = roundInt(body.Daily.Max[0])
	}
	if len(body.Daily.Min) > 0 {
		out.Low = roundInt(body.Daily.Min[0])
	}
	summary := fmt.Sprintf("Weather in %s: %d°C, %s (high %d°C, low %d°C), humidity %d%%, wind %d km/h.",
		out.Location, out.Temperature, out.Condition, out.High, out.Low, out.Humidity, out.WindSpeed)
	return Result{Tool: NameWeather, Summary: summary, Data: out, FetchedAt: w.now().UTC()}, nil
}

// getJSON performs a GET and maps transport and status failures to ToolError.
func getJSON(ctx context.Context, client *http.Client, tool, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return toolErr(tool, CodeInvalidParams, false, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "agronomist/1.0")

	res, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return toolErr(tool, CodeCanceled, false, ctx.Err())
		}
		return toolErr(tool, CodeUpstream, true, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return toolErr(tool, CodeNotFound, false, fmt.Errorf("upstream returned 404"))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return toolErr(tool, CodeUpstream, reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("upstream status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet))))
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(dst); err != nil {
		return toolErr(tool, CodeUpstream, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func roundInt(v float64) int { return int(math.Round(v)) }

func titleWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
