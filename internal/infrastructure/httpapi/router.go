package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/storage/memory"
	"github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/config"
	obs "github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
)

type Deps struct {
	Cfg      config.Config
	Logger   *zerolog.Logger
	Metrics  *obs.Metrics
	Registry *usecase.Registry
	Pipeline *usecase.Pipeline
	Store    *memory.Store
	Live     *LiveHub

	// CatalogName labels exports and the version endpoint.
	CatalogName string
	// Ready reports whether the backend link is up. Nil means always ready.
	Ready func() bool

	filter filterState
}

func NewRouter(d *Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil && !d.Ready() {
			writeError(w, http.StatusServiceUnavailable, "BACKEND_DOWN", "backend link is not established", nil)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	api := http.NewServeMux()
	api.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "wiretapd",
			"version": obs.Version,
			"commit":  obs.Commit,
			"built":   obs.Date,
			"catalog": d.CatalogName,
			"time":    time.Now().UTC(),
		})
	})
	api.HandleFunc("/api/sessions", d.handleListSessions)
	api.HandleFunc("/api/sessions/", d.handleSessionByID)
	api.HandleFunc("/api/state/", d.handleState)
	api.HandleFunc("/api/settings/filter", d.handleFilterSettings)
	api.HandleFunc("/api/export", d.handleExport)
	mux.Handle("/api/", gziphandler.GzipHandler(api))

	// The live feed upgrades to websocket, which needs the raw response
	// writer, so it registers outside the gzip wrapper. The exact pattern
	// outranks the /api/ prefix.
	mux.HandleFunc("/api/live", d.Live.HandleWS)

	return withCORS(d.Cfg, mux)
}

func withCORS(cfg config.Config, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Sec-WebSocket-Protocol")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
