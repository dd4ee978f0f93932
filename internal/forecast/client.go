// Package forecast retrieves hourly forecasts from the tomorrow.io timelines API.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"forecast-collector/internal/models"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const (
	// DefaultBaseURL is the tomorrow.io timelines endpoint
	DefaultBaseURL = "https://api.tomorrow.io/v4/timelines"
	// DefaultWindow is how far ahead each request looks
	DefaultWindow = 5 * 24 * time.Hour
	// Timestep is the forecast granularity requested
	Timestep = "1h"
)

// Fields requested from the API, in request order.
var Fields = []string{"temperature", "windSpeed"}

var (
	// ErrMissingAPIKey is reported when no credential was configured
	ErrMissingAPIKey = errors.New("forecast api key is not configured")
	// ErrCircuitOpen is reported while the breaker rejects requests
	ErrCircuitOpen = errors.New("forecast api circuit breaker open")
)

// Fetcher returns the hourly observations for one coordinate
type Fetcher interface {
	Fetch(ctx context.Context, coord models.Coordinate) (Result, error)
}

// Result is the outcome of a fetch.
//
// Observations is empty, never nil, when the request failed; Err then says
// why. Callers that only need data can ignore Err and treat the empty slice
// as "nothing new".
type Result struct {
	Observations []models.Observation
	Err          error
}

// Failed reports whether the request itself failed
func (r Result) Failed() bool {
	return r.Err != nil
}

// Config configures the client
type Config struct {
	APIKey  string
	BaseURL string
	Window  time.Duration
	// Timeout bounds one request when the client builds its own http.Client.
	Timeout time.Duration
}

// Client implements Fetcher against the timelines endpoint
type Client struct {
	apiKey  string
	baseURL string
	window  time.Duration
	http    *http.Client
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock overrides the time source used for the request window
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithCircuitBreaker overrides the breaker settings. Without an IsSuccessful
// func, rejections of a single location do not count as failures.
func WithCircuitBreaker(settings gobreaker.Settings) ClientOption {
	return func(c *Client) {
		if settings.IsSuccessful == nil {
			settings.IsSuccessful = breakerSuccess
		}
		c.circuit = gobreaker.NewCircuitBreaker(settings)
	}
}

// breakerSuccess tells the breaker which outcomes say the API is healthy.
// A permanent rejection (4xx other than 429) concerns one request, not the
// service, so it must not trip the breaker for the other locations.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var reqErr *RequestError
	return errors.As(err, &reqErr) && !reqErr.IsTransient()
}

// NewClient creates a forecast client
func NewClient(cfg Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...ClientOption) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		window:  window,
		http:    &http.Client{Timeout: timeout},
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tomorrow-io",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: breakerSuccess,
		}),
		now:     time.Now,
		logger:  logger,
		metrics: metricsCollector,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the request window for the given instant: the current hour
// in UTC through the configured horizon.
func Window(now time.Time, horizon time.Duration) (time.Time, time.Time) {
	start := now.UTC().Truncate(time.Hour)
	return start, start.Add(horizon)
}

// Fetch requests the forecast for coord over a window recomputed on every call.
//
// Transport failures, non-2xx statuses and an open breaker are logged and
// returned in Result.Err with no observations. A body that does not have the
// expected shape fails the call with a *ResponseError.
func (c *Client) Fetch(ctx context.Context, coord models.Coordinate) (Result, error) {
	fields := logging.Fields{
		"latitude":  coord.Latitude,
		"longitude": coord.Longitude,
	}

	if c.apiKey == "" {
		c.metrics.RecordFetch("no_api_key")
		c.logger.Error(ctx, "[FETCH_ERROR] API request failed: "+ErrMissingAPIKey.Error(), fields, ErrMissingAPIKey)
		return Result{Observations: []models.Observation{}, Err: ErrMissingAPIKey}, nil
	}

	start, end := Window(c.now(), c.window)

	timer := c.metrics.NewTimer(c.metrics.FetchDuration)
	body, err := c.do(ctx, coord, start, end)
	timer.ObserveDuration()

	if err != nil {
		outcome := "request_error"
		if errors.Is(err, ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		c.metrics.RecordFetch(outcome)
		c.logger.Error(ctx, "[FETCH_ERROR] API request failed: "+err.Error(), fields, err)
		return Result{Observations: []models.Observation{}, Err: err}, nil
	}

	observations, err := parseTimeline(body, coord)
	if err != nil {
		c.metrics.RecordFetch("response_error")
		c.logger.Error(ctx, "[FETCH_PARSE_ERROR] Unexpected forecast response", fields, err)
		return Result{}, err
	}

	c.metrics.RecordFetch("success")
	c.metrics.FetchObservationsSize.Observe(float64(len(observations)))

	c.logger.Debug(ctx, "[FETCH_SUCCESS] Forecast retrieved", logging.Fields{
		"latitude":     coord.Latitude,
		"longitude":    coord.Longitude,
		"start_time":   start.Format(time.RFC3339),
		"end_time":     end.Format(time.RFC3339),
		"observations": len(observations),
	})

	return Result{Observations: observations}, nil
}

// do issues the single GET through the circuit breaker and returns the body
func (c *Client) do(ctx context.Context, coord models.Coordinate, start, end time.Time) ([]byte, error) {
	req, err := c.newRequest(ctx, coord, start, end)
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	result, err := c.circuit.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &RequestError{Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &RequestError{Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &RequestError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &RequestError{Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
		}
		return nil, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, &RequestError{Err: fmt.Errorf("unexpected result type from circuit breaker")}
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, coord models.Coordinate, start, end time.Time) (*http.Request, error) {
	values := url.Values{}
	values.Set("apikey", c.apiKey)
	values.Set("location", coord.String())
	for _, f := range Fields {
		values.Add("fields", f)
	}
	values.Set("timesteps", Timestep)
	values.Set("startTime", start.Format(time.RFC3339))
	values.Set("endTime", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type timelineResponse struct {
	Data *struct {
		Timelines []struct {
			Intervals *[]interval `json:"intervals"`
		} `json:"timelines"`
	} `json:"data"`
}

type interval struct {
	StartTime *time.Time `json:"startTime"`
	Values    *struct {
		Temperature *float64 `json:"temperature"`
		WindSpeed   *float64 `json:"windSpeed"`
	} `json:"values"`
}

// parseTimeline converts the first timeline into observations. Every key is
// required; a missing one fails the whole response.
func parseTimeline(body []byte, coord models.Coordinate) ([]models.Observation, error) {
	var payload timelineResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ResponseError{Path: "$", Err: err}
	}

	if payload.Data == nil {
		return nil, &ResponseError{Path: "data"}
	}
	if len(payload.Data.Timelines) == 0 {
		return nil, &ResponseError{Path: "data.timelines[0]"}
	}
	intervals := payload.Data.Timelines[0].Intervals
	if intervals == nil {
		return nil, &ResponseError{Path: "data.timelines[0].intervals"}
	}

	observations := make([]models.Observation, 0, len(*intervals))
	for i, iv := range *intervals {
		path := fmt.Sprintf("data.timelines[0].intervals[%d]", i)
		switch {
		case iv.StartTime == nil:
			return nil, &ResponseError{Path: path + ".startTime"}
		case iv.Values == nil:
			return nil, &ResponseError{Path: path + ".values"}
		case iv.Values.Temperature == nil:
			return nil, &ResponseError{Path: path + ".values.temperature"}
		case iv.Values.WindSpeed == nil:
			return nil, &ResponseError{Path: path + ".values.windSpeed"}
		}

		observations = append(observations, models.Observation{
			Latitude:     coord.Latitude,
			Longitude:    coord.Longitude,
			Temperature:  *iv.Values.Temperature,
			WindSpeed:    *iv.Values.WindSpeed,
			ForecastTime: iv.StartTime.UTC(),
		})
	}

	return observations, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
