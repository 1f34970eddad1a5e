package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	"github.com/couchcryptid/hass-ingest-service/internal/observability"
)

// Client implements domain.WeatherProvider using the OpenWeatherMap
// current-weather API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an OpenWeatherMap client.
func NewClient(apiKey, baseURL string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: metrics,
		logger:  logger,
	}
}

// Current fetches current conditions. location is either "city,region,country"
// or "lat,lon".
func (c *Client) Current(ctx context.Context, location string) (domain.Weather, error) {
	params := url.Values{
		"appid": {c.apiKey},
		"units": {"metric"},
	}
	if lat, lon, ok := parseCoordinates(location); ok {
		params.Set("lat", lat)
		params.Set("lon", lon)
	} else {
		params.Set("q", location)
	}

	start := time.Now()
	w, err := c.doRequest(ctx, c.baseURL+"/weather?"+params.Encode())
	c.metrics.WeatherAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.WeatherRequests.WithLabelValues("error").Inc()
		return domain.Weather{}, err
	}
	c.metrics.WeatherRequests.WithLabelValues("success").Inc()
	w.Location = location
	return w, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.Weather, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.Weather{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Weather{}, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Weather{}, fmt.Errorf("weather API error: status %d: %s", resp.StatusCode, body)
	}

	var owm response
	if err := json.NewDecoder(resp.Body).Decode(&owm); err != nil {
		return domain.Weather{}, fmt.Errorf("decode response: %w", err)
	}

	w := domain.Weather{
		Temperature: owm.Main.Temp,
		FeelsLike:   owm.Main.FeelsLike,
		Humidity:    owm.Main.Humidity,
		Pressure:    owm.Main.Pressure,
		WindSpeed:   owm.Wind.Speed,
		CloudCover:  owm.Clouds.All,
	}
	if len(owm.Weather) > 0 {
		w.Condition = owm.Weather[0].Main
		w.ConditionCode = owm.Weather[0].ID
	}
	return w, nil
}

// parseCoordinates recognizes "lat,lon" keys.
func parseCoordinates(location string) (string, string, bool) {
	lat, lon, found := strings.Cut(location, ",")
	if !found {
		return "", "", false
	}
	lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
	if _, ok := domain.ParseNumber(lat); !ok {
		return "", "", false
	}
	if _, ok := domain.ParseNumber(lon); !ok {
		return "", "", false
	}
	return lat, lon, true
}

// OpenWeatherMap API response types.

type response struct {
	Weather []condition `json:"weather"`
	Main    struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Name string `json:"name"`
}

type condition struct {
	ID   int    `json:"id"`
	Main string `json:"main"`
}
