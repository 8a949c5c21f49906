package swagger

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/perimetra/idpsync/pkg/httputil"
)

//go:embed openapi.yaml
var specYAML []byte

// Handlers serves the OpenAPI document and an interactive console for
// it. The routes carry no secrets, so they mount outside admin
// authentication; the console attaches the admin token from browser
// local storage when it calls the API.
type Handlers struct {
	jsonOnce sync.Once
	jsonSpec []byte
	jsonErr  error
}

// NewHandlers creates the documentation handlers.
func NewHandlers() *Handlers {
	return &Handlers{}
}

// RegisterRoutes mounts the documentation routes on the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/openapi.yaml", h.serveSpecYAML).Methods(http.MethodGet)
	router.HandleFunc("/openapi.json", h.serveSpecJSON).Methods(http.MethodGet)
	router.HandleFunc("/docs", h.serveConsole).Methods(http.MethodGet)
	router.HandleFunc("/api-docs", h.serveConsole).Methods(http.MethodGet)
}

func (h *Handlers) serveSpecYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(specYAML)
}

// serveSpecJSON converts the embedded YAML document once and serves the
// cached bytes after that.
func (h *Handlers) serveSpecJSON(w http.ResponseWriter, r *http.Request) {
	h.jsonOnce.Do(func() {
		h.jsonSpec, h.jsonErr = yamlToJSON(specYAML)
	})
	if h.jsonErr != nil {
		httputil.WriteInternalError(w, h.jsonErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(h.jsonSpec)
}

func yamlToJSON(in []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(in, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (h *Handlers) serveConsole(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := consoleTemplate.Execute(w, consoleData{
		Title:   "idpsync Admin API",
		SpecURL: "/openapi.yaml",
	})
	if err != nil {
		httputil.WriteInternalError(w, err)
	}
}

type consoleData struct {
	Title   string
	SpecURL string
}

var consoleTemplate = template.Must(template.New("console").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <link rel="stylesheet" type="text/css" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/swagger-ui.css" />
  <link rel="icon" type="image/png" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/favicon-32x32.png" sizes="32x32" />
  <style>
    html {
      box-sizing: border-box;
      overflow-y: scroll;
    }
    *, *:before, *:after {
      box-sizing: inherit;
    }
    body {
      margin: 0;
      padding: 0;
    }
  </style>
</head>
<body>
<div id="swagger-ui"></div>

<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/swagger-ui-bundle.js" charset="UTF-8"></script>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5.10.5/swagger-ui-standalone-preset.js" charset="UTF-8"></script>
<script>
window.onload = function() {
  window.ui = SwaggerUIBundle({
    url: {{.SpecURL}},
    dom_id: '#swagger-ui',
    deepLinking: true,
    presets: [
      SwaggerUIBundle.presets.apis,
      SwaggerUIStandalonePreset
    ],
    plugins: [
      SwaggerUIBundle.plugins.DownloadUrl
    ],
    layout: "StandaloneLayout",
    requestInterceptor: function(request) {
      const token = localStorage.getItem('idpsync_api_token');
      if (token) {
        request.headers['Authorization'] = 'Bearer ' + token;
      }
      return request;
    }
  });
};
</script>
</body>
</html>`))
