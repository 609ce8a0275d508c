package server

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Auth
	mux.HandleFunc("POST /api/auth/sign-up", s.authHandlers.SignUp)
	mux.HandleFunc("POST /api/auth/sign-in", s.signInLimiter.Wrap(s.authHandlers.SignIn))
	mux.HandleFunc("POST /api/auth/sign-out", s.authHandlers.SignOut)
	mux.HandleFunc("GET /api/auth/session", s.authHandlers.Session)
	mux.HandleFunc("POST /api/auth/send-verification", s.authHandlers.SendVerification)
	mux.HandleFunc("GET /api/auth/verify-email", s.authHandlers.VerifyEmail)

	// OAuth sign-in
	if s.oidcProvider != nil {
		mux.HandleFunc("GET /api/auth/oauth/login", s.oidcProvider.HandleLogin)
		mux.HandleFunc("GET /api/auth/oauth/callback", s.oidcProvider.HandleCallback(s.userStore, s.sessions, s.auditStore))
	} else {
		mux.HandleFunc("GET /api/auth/oauth/", func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "oauth sign-in is not configured")
		})
	}

	// Procedures
	mux.HandleFunc("GET /api/rpc", s.rpcHTTP.Index)
	mux.HandleFunc("GET /api/rpc/{procedure}", s.rpcHTTP.Serve)
	mux.HandleFunc("POST /api/rpc/{procedure}", s.rpcHTTP.Serve)

	// Realtime notifications
	mux.HandleFunc("GET /ws", s.hub.HandleWS)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"websocket_clients": s.hub.Count(),
		"bus_dropped":       s.eventBus.Dropped(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}
