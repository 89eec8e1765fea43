package server

import "net/http"

// SetupRoutes returns the application mux: health on / and /healthz,
// WebSocket on /ws.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	healthz := HealthHandler(hub)
	mux.HandleFunc("/", healthz)
	mux.HandleFunc("/healthz", healthz)
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	return mux
}
