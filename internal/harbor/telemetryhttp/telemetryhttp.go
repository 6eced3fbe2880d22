// Package telemetryhttp exposes the harbor stop/kick/status telemetry
// commands over HTTP, routed by mountpoint.
package telemetryhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dhannyz/liquidsoap/internal/harbor"
)

// Handler builds an http.Handler exposing, for every mountpoint known to
// reg:
//
//	POST /sources/{mount}/stop
//	POST /sources/{mount}/kick
//	GET  /sources/{mount}/status
//	GET  /sources
func Handler(reg *harbor.Registry) http.Handler {
	r := chi.NewRouter()

	r.Get("/sources", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"mountpoints": reg.Mountpoints()})
	})

	r.Route("/sources/{mount}", func(r chi.Router) {
		r.Use(withSource(reg))
		r.Post("/stop", func(w http.ResponseWriter, req *http.Request) {
			source(req).Stop()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/kick", func(w http.ResponseWriter, req *http.Request) {
			source(req).Kick()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"mountpoint": chi.URLParam(req, "mount"),
				"status":     source(req).Status(),
			})
		})
	})

	return r
}

type contextKey int

const sourceKey contextKey = 0

// withSource looks the requested mountpoint up in reg and, if found,
// stashes it in the request context for the wrapped handlers; otherwise it
// writes 404 and short-circuits the chain.
func withSource(reg *harbor.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			mount := "/" + chi.URLParam(req, "mount")
			s, ok := reg.Get(mount)
			if !ok {
				http.NotFound(w, req)
				return
			}
			ctx := contextWithSource(req, s)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
