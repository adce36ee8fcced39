package server

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"
)

// adminHandler creates the admin API handler.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	// Ready check endpoint
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	// Stats endpoint
	mux.HandleFunc("/stats", s.handleStats)

	// Realm binding info
	mux.HandleFunc("/saml", s.handleRealmInfo)

	// Rate limiter counters
	mux.HandleFunc("/rate-limits", s.handleRateLimits)

	// Reload endpoints
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)

	// Prometheus metrics endpoint
	metricsPath := "/metrics"
	if s.config.Admin.Metrics.Path != "" {
		metricsPath = s.config.Admin.Metrics.Path
	}
	if s.config.Admin.Metrics.Enabled {
		mux.Handle(metricsPath, s.collector.Handler())
	}

	if s.config.Admin.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

// handleHealth handles health check requests with dependency checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]interface{})
	allHealthy := true

	rm := s.realm.Load()
	idp := rm.IdP()
	idpOK := idp != nil
	idpCheck := map[string]interface{}{
		"status": boolStatus(idpOK),
	}
	if idpOK {
		idpCheck["entity_id"] = idp.EntityID
	}
	checks["idp"] = idpCheck
	if !idpOK {
		allHealthy = false
	}

	status := http.StatusOK
	statusStr := "ok"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// handleReady handles readiness check requests
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rm := s.realm.Load()
	idp := rm.IdP()

	if idp == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "not_ready",
			"reasons": []string{"no identity provider bound"},
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ready",
		"idp_entity_id": idp.EntityID,
	})
}

// handleStats handles stats requests
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]interface{}{
		"uptime":  time.Since(s.startTime).String(),
		"realm":   s.realm.Load().Stats(),
		"metrics": s.collector.Snapshot(),
	}
	if s.limiter != nil {
		response["rate_limit"] = s.limiter.Stats()
	}

	json.NewEncoder(w).Encode(response)
}

// handleRealmInfo reports the SP/IdP binding the realm runs with.
func (s *Server) handleRealmInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rm := s.realm.Load()
	sp := rm.ServiceProvider()
	idp := rm.IdP()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"sp": map[string]interface{}{
			"entity_id":      sp.EntityID,
			"acs_url":        sp.ACSURL,
			"metadata_url":   sp.MetadataURL,
			"name_id_format": sp.NameIDFormat,
			"sign_requests":  sp.SignRequests,
		},
		"idp": map[string]interface{}{
			"entity_id": idp.EntityID,
			"sso_url":   idp.SSOURL,
		},
		"path_prefix":         rm.PathPrefix(),
		"allow_idp_initiated": sp.AllowIdPInitiated,
	})
}

// handleRateLimits handles rate limiter status requests
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.limiter == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"enabled": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"enabled":  true,
		"counters": s.limiter.Stats(),
	})
}

// handleReload handles config reload requests (POST only).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	result := s.Reload()
	json.NewEncoder(w).Encode(result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	history := make([]ReloadResult, len(s.reloadHistory))
	copy(history, s.reloadHistory)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(history)
}

// boolStatus returns "ok" or "fail" for a boolean.
func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
