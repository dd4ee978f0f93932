package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, required bool, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    required,
		"schema":      schema,
	}
}

func jsonResponse(description, schemaRef string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/" + schemaRef},
			},
		},
	}
}

var (
	numberSchema   = map[string]interface{}{"type": "number", "format": "double"}
	dateTimeSchema = map[string]interface{}{"type": "string", "format": "date-time"}
)

// OpenAPISpec serves the OpenAPI 3.0 description of the forecast read API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Forecast Collector API",
			"description": "Read access to hourly tomorrow.io forecasts persisted in PostGIS",
			"version":     "1.0.0",
		},
		"paths": map[string]interface{}{
			"/api/forecasts": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "List stored forecasts",
					"parameters": []map[string]interface{}{
						queryParam("lat", "Latitude of the search point", false, numberSchema),
						queryParam("lon", "Longitude of the search point", false, numberSchema),
						queryParam("radius_km", "Search radius around lat/lon; exact point when omitted", false, numberSchema),
						queryParam("start", "Earliest forecast time (RFC 3339)", false, dateTimeSchema),
						queryParam("end", "Latest forecast time (RFC 3339)", false, dateTimeSchema),
						queryParam("page", "Page number (default: 1)", false, map[string]interface{}{"type": "integer", "default": 1}),
						queryParam("limit", "Records per page (default: 100, max: 1000)", false, map[string]interface{}{"type": "integer", "default": defaultLimit}),
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("One page of forecasts", "PaginatedForecasts"),
						"400": jsonResponse("Invalid query", "Error"),
						"500": jsonResponse("Database error", "Error"),
					},
				},
			},
			"/api/forecasts/exists": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Check whether a forecast hour is stored for an exact point",
					"parameters": []map[string]interface{}{
						queryParam("lat", "Latitude", true, numberSchema),
						queryParam("lon", "Longitude", true, numberSchema),
						queryParam("time", "Forecast time (RFC 3339)", true, dateTimeSchema),
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Existence result", "Exists"),
						"400": jsonResponse("Invalid query", "Error"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Service and database health",
					"responses": map[string]interface{}{
						"200": map[string]string{"description": "Healthy"},
						"503": map[string]string{"description": "Database unavailable"},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Forecast": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id":            map[string]string{"type": "integer"},
						"latitude":      numberSchema,
						"longitude":     numberSchema,
						"geolocation":   map[string]string{"type": "string", "example": "POINT(-97.42 25.86)"},
						"temperature":   numberSchema,
						"wind_speed":    numberSchema,
						"forecast_time": dateTimeSchema,
						"created_at":    dateTimeSchema,
					},
				},
				"PaginatedForecasts": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"data":        map[string]interface{}{"type": "array", "items": map[string]string{"$ref": "#/components/schemas/Forecast"}},
						"total":       map[string]string{"type": "integer"},
						"page":        map[string]string{"type": "integer"},
						"limit":       map[string]string{"type": "integer"},
						"total_pages": map[string]string{"type": "integer"},
					},
				},
				"Exists": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"latitude":      numberSchema,
						"longitude":     numberSchema,
						"forecast_time": dateTimeSchema,
						"exists":        map[string]string{"type": "boolean"},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
