// Package server provides HTTP server construction for the davsync
// control surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/davsync/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store         *auth.Store
	MCPHandler    http.Handler
	EventsHandler http.Handler
	Logger        *slog.Logger
	Version       string
}

// NewMux builds the HTTP mux with an unauthenticated health endpoint and
// the MCP and event stream endpoints, both protected by API key
// middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Version))

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	mux.Handle("/events", authMiddleware(cfg.EventsHandler))

	return mux
}

func handleHealth(version string) http.HandlerFunc {
	body, _ := json.Marshal(map[string]string{"status": "ok", "version": version})

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}
