// Package server wires HTTP handlers into a ServeMux for the room relay via
// routing helpers.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// SetupRoutes configures the application routes. The JSON API is wrapped
// with CORS for the configured origins.
func (s *Server) SetupRoutes() http.Handler {
	api := cors.New(cors.Options{
		AllowedOrigins: s.origins.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HomeHandler)
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.Handle("/api/rooms", api.Handler(methodHandler(http.MethodPost, s.CreateRoomHandler)))
	mux.Handle("/api/rooms/{room_id}", api.Handler(methodHandler(http.MethodGet, s.RoomStatusHandler)))
	mux.HandleFunc("GET /room/{room_id}", s.RoomPageHandler)
	mux.HandleFunc("GET /r/{room_id}", s.ShortLinkHandler)
	mux.HandleFunc("GET /ws/{room_id}", s.WebSocketHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// methodHandler rejects methods other than method. Preflight requests are
// answered by the CORS middleware before reaching it.
func methodHandler(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}
