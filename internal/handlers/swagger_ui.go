package handlers

import (
	"html/template"
	"net/http"

	"github.com/gorilla/mux"
)

const openAPISpecPath = "/api/docs/openapi.json"

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({
                url: "{{.SpecURL}}",
                dom_id: '#swagger-ui',
                deepLinking: true
            });
        };
    </script>
</body>
</html>`))

// DocsPage serves a Swagger UI page rendering the OpenAPI document
func DocsPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title   string
		SpecURL string
	}{
		Title:   "Forecast Collector API",
		SpecURL: openAPISpecPath,
	}
	if err := docsPage.Execute(w, data); err != nil {
		http.Error(w, "failed to render documentation", http.StatusInternalServerError)
	}
}

// RegisterDocsRoutes mounts the OpenAPI document and its viewer
func RegisterDocsRoutes(router *mux.Router) {
	router.HandleFunc(openAPISpecPath, OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", DocsPage).Methods("GET")
}
