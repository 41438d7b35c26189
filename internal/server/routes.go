package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	b := s.app.BackendHandler

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Backends and their current run
	mux.HandleFunc("/api/backends", b.ListBackendsHandler)
	mux.HandleFunc("/api/backends/{name}/run", b.RunStatusHandler)               // GET
	mux.HandleFunc("/api/backends/{name}/run/concurrency", b.ConcurrencyHandler) // PUT
	mux.HandleFunc("/api/backends/{name}/run/{action}", b.RunActionHandler)      // POST start|pause|resume|stop
	mux.HandleFunc("/api/backends/{name}/queue", b.EnqueueHandler)               // POST
	mux.HandleFunc("/api/backends/{name}/logs", b.LogsHandler)                   // GET ?since=
	mux.HandleFunc("/api/backends/{name}/runs", b.RunHistoryHandler)             // GET ?limit=
	mux.HandleFunc("/api/runs/{id}", b.RunDetailHandler)                         // GET

	// API routes - Entity registry
	mux.HandleFunc("/api/backends/{name}/entities", b.EntitiesHandler)            // GET, POST
	mux.HandleFunc("/api/backends/{name}/entities/reset", b.ResetEntitiesHandler) // POST
	mux.HandleFunc("/api/backends/{name}/entities/{id}", b.DeleteEntityHandler)   // DELETE

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
