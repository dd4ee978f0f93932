package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"forecast-collector/internal/models"
	"forecast-collector/internal/services"
	"forecast-collector/pkg/logging"
	"forecast-collector/pkg/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// WeatherHandler handles the forecast read API
type WeatherHandler struct {
	weatherService *services.WeatherService
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(
	weatherService *services.WeatherService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *WeatherHandler {
	return &WeatherHandler{
		weatherService: weatherService,
		logger:         logger,
		metrics:        metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// ExistsResponse answers GET /api/forecasts/exists
type ExistsResponse struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	ForecastTime time.Time `json:"forecast_time"`
	Exists       bool      `json:"exists"`
}

// GetForecasts handles GET /api/forecasts
func (h *WeatherHandler) GetForecasts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/forecasts").Observe(duration.Seconds())
	}()

	query := r.URL.Query()

	// Default pagination
	page := 1
	limit := defaultLimit

	if p, err := strconv.Atoi(query.Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}

	q := services.ForecastQuery{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	latStr, lonStr := query.Get("lat"), query.Get("lon")
	if latStr != "" || lonStr != "" {
		coord, err := parseCoordinate(latStr, lonStr)
		if err != nil {
			h.sendError(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		q.Near = &coord
	}

	if radiusStr := query.Get("radius_km"); radiusStr != "" {
		if q.Near == nil {
			h.sendError(w, r, "radius_km requires lat and lon", http.StatusBadRequest)
			return
		}
		radius, err := strconv.ParseFloat(radiusStr, 64)
		if err != nil {
			h.sendError(w, r, "invalid radius_km, expected a number", http.StatusBadRequest)
			return
		}
		q.RadiusKm = radius
	}

	if startStr := query.Get("start"); startStr != "" {
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			h.sendError(w, r, "invalid start format, expected RFC 3339", http.StatusBadRequest)
			return
		}
		q.Start = &start
	}

	if endStr := query.Get("end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			h.sendError(w, r, "invalid end format, expected RFC 3339", http.StatusBadRequest)
			return
		}
		q.End = &end
	}

	records, total, err := h.weatherService.GetForecasts(ctx, q)
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			h.sendError(w, r, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error(ctx, "[API_GET_FORECASTS_ERROR] Failed to get forecasts", logging.Fields{
			"page":  page,
			"limit": limit,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/forecasts")
		h.sendError(w, r, "failed to retrieve forecasts", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []*models.WeatherRecord{}
	}

	response := PaginatedResponse{
		Data:       records,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}

	h.metrics.RecordAPIRequest("/api/forecasts", "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// ForecastExists handles GET /api/forecasts/exists
func (h *WeatherHandler) ForecastExists(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/forecasts/exists").Observe(duration.Seconds())
	}()

	query := r.URL.Query()

	coord, err := parseCoordinate(query.Get("lat"), query.Get("lon"))
	if err != nil {
		h.sendError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	forecastTime, err := time.Parse(time.RFC3339, query.Get("time"))
	if err != nil {
		h.sendError(w, r, "invalid time format, expected RFC 3339", http.StatusBadRequest)
		return
	}

	found, err := h.weatherService.ForecastExists(ctx, coord, forecastTime)
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			h.sendError(w, r, vErr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error(ctx, "[API_FORECAST_EXISTS_ERROR] Existence check failed", logging.Fields{
			"latitude":  coord.Latitude,
			"longitude": coord.Longitude,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/forecasts/exists")
		h.sendError(w, r, "failed to check forecast", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/forecasts/exists", "GET", "200")
	h.sendJSON(w, ExistsResponse{
		Latitude:     coord.Latitude,
		Longitude:    coord.Longitude,
		ForecastTime: forecastTime.UTC(),
		Exists:       found,
	}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"database":  "up",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.weatherService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Database unavailable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		status["database"] = "down"
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", nil)
	h.sendJSON(w, status, http.StatusOK)
}

func parseCoordinate(latStr, lonStr string) (models.Coordinate, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.Coordinate{}, &models.ValidationError{Field: "lat", Value: latStr, Message: "invalid lat, expected a number"}
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return models.Coordinate{}, &models.ValidationError{Field: "lon", Value: lonStr, Message: "invalid lon, expected a number"}
	}

	coord := models.Coordinate{Latitude: lat, Longitude: lon}
	if err := coord.Validate(); err != nil {
		return models.Coordinate{}, err
	}
	return coord, nil
}

// sendJSON sends a JSON response
func (h *WeatherHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *WeatherHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all forecast API routes
func (h *WeatherHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/forecasts", h.GetForecasts).Methods("GET")
	router.HandleFunc("/api/forecasts/exists", h.ForecastExists).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
