// Package server assembles the public SAML endpoints and the admin API into
// runnable HTTP servers with graceful shutdown and SIGHUP config reload.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/logging"
	"github.com/wudi/samlgate/internal/metrics"
	"github.com/wudi/samlgate/internal/middleware"
	"github.com/wudi/samlgate/internal/middleware/ratelimit"
	"github.com/wudi/samlgate/internal/realm"
)

// reloadTimeout bounds the realm rebuild during a config reload, including
// the IdP metadata re-fetch.
const reloadTimeout = 30 * time.Second

// ReloadResult describes the outcome of one config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Changes   []string  `json:"changes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Server wraps the realm with the public HTTP listener and the admin API.
type Server struct {
	realm      atomic.Pointer[realm.Realm]
	collector  *metrics.Collector
	limiter    *ratelimit.Limiter
	publicSrv  *http.Server
	adminSrv   *http.Server
	config     *config.Config
	configPath string
	finder     realm.UserFinder
	ownFinder  bool
	startTime  time.Time

	mu            sync.Mutex // guards reloads and history
	reloadHistory []ReloadResult
}

// New builds the server, including the realm and its IdP metadata fetch.
// configPath is the YAML config file used for SIGHUP reloads; empty disables
// reloading. When finder is nil and the config carries a users list, the
// server runs its own static user store.
func New(cfg *config.Config, configPath string, finder realm.UserFinder) (*Server, error) {
	s := &Server{
		collector:  metrics.NewCollector(),
		config:     cfg,
		configPath: configPath,
		finder:     finder,
		ownFinder:  finder == nil,
		startTime:  time.Now(),
	}
	if s.ownFinder && len(cfg.Users) > 0 {
		s.finder = realm.NewStaticUserStore(cfg.Users)
	}

	rm, err := realm.New(context.Background(), cfg.SAML, s.finder)
	if err != nil {
		return nil, err
	}
	rm.SetCollector(s.collector)
	s.realm.Store(rm)

	if cfg.SAML.RateLimit.Rate > 0 {
		s.limiter = ratelimit.New(cfg.SAML.RateLimit)
		s.limiter.SetOnReject(s.collector.RecordThrottled)
	}

	s.publicSrv = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	if cfg.Admin.Enabled {
		s.adminSrv = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Realm returns the current realm. The pointer is swapped on reload.
func (s *Server) Realm() *realm.Realm {
	return s.realm.Load()
}

// Collector returns the metrics collector shared across reloads.
func (s *Server) Collector() *metrics.Collector {
	return s.collector
}

// Handler returns the public handler: the realm's endpoints under its path
// prefix, behind the recovery/request-id/logging/metrics chain. The login
// and consumer endpoints additionally sit behind the rate limiter.
func (s *Server) Handler() http.Handler {
	direct := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.realm.Load().ServeHTTP(w, r)
	})
	limited := http.Handler(direct)
	if s.limiter != nil {
		limited = s.limiter.Middleware()(direct)
	}

	dispatch := func(w http.ResponseWriter, r *http.Request) {
		rm := s.realm.Load()
		prefix := rm.PathPrefix()
		if r.URL.Path != prefix && !strings.HasPrefix(r.URL.Path, prefix+"/") {
			http.NotFound(w, r)
			return
		}
		switch strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/") {
		case "login", "consumer-post":
			limited.ServeHTTP(w, r)
		default:
			direct.ServeHTTP(w, r)
		}
	}

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Metrics(s.collector),
	)
	return chain.ThenFunc(dispatch)
}

// Start starts the public and admin servers.
func (s *Server) Start() error {
	errCh := make(chan error, 2)

	go func() {
		logging.Info("Starting public server",
			zap.String("address", s.publicSrv.Addr),
			zap.Bool("tls", s.config.Server.TLS.Enabled),
		)
		var err error
		if s.config.Server.TLS.Enabled {
			err = s.publicSrv.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
		} else {
			err = s.publicSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	if s.adminSrv != nil {
		go func() {
			logging.Info("Starting admin server", zap.String("address", s.adminSrv.Addr))
			if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	// Give servers a moment to fail on bind errors before declaring success.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// Run starts the server and blocks until a shutdown signal arrives.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			result := s.Reload()
			if result.Success {
				logging.Info("Config reloaded successfully",
					zap.Strings("changes", result.Changes),
				)
			} else {
				logging.Error("Config reload failed",
					zap.String("error", result.Error),
				)
			}
		default:
			logging.Info("Shutting down gracefully...")
			return s.Shutdown(30 * time.Second)
		}
	}

	return nil
}

// Shutdown gracefully stops both servers and releases the realm.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	var firstErr error
	if err := s.publicSrv.Shutdown(ctx); err != nil {
		logging.Error("Public server shutdown error", zap.Error(err))
		firstErr = err
	}

	s.realm.Load().Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	logging.Info("Server shutdown complete")
	return firstErr
}

// Reload re-reads the config file and rebuilds the realm against it. The
// swap is atomic: in-flight requests finish against the old realm, new ones
// see the new binding. Listener addresses cannot change without a restart.
func (s *Server) Reload() ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	if s.configPath == "" {
		result.Error = "no config path configured"
		s.appendReloadHistory(result)
		return result
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result.Error = fmt.Sprintf("config load failed: %v", err)
		s.appendReloadHistory(result)
		return result
	}

	finder := s.finder
	if s.ownFinder {
		finder = nil
		if len(newCfg.Users) > 0 {
			finder = realm.NewStaticUserStore(newCfg.Users)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	newRealm, err := realm.New(ctx, newCfg.SAML, finder)
	if err != nil {
		result.Error = fmt.Sprintf("realm rebuild failed: %v", err)
		s.appendReloadHistory(result)
		return result
	}
	newRealm.SetCollector(s.collector)

	old := s.realm.Swap(newRealm)
	old.Close()
	s.finder = finder

	result.Success = true
	result.Changes = append(result.Changes, "saml realm rebuilt")
	if s.ownFinder {
		result.Changes = append(result.Changes,
			fmt.Sprintf("user store reloaded (%d users)", len(newCfg.Users)))
	}
	if newCfg.Server.Address != s.config.Server.Address {
		result.Changes = append(result.Changes, "server.address changed; restart required")
	}
	if newCfg.Admin.Address != s.config.Admin.Address || newCfg.Admin.Enabled != s.config.Admin.Enabled {
		result.Changes = append(result.Changes, "admin listener changed; restart required")
	}
	if newCfg.Logging.Level != s.config.Logging.Level {
		result.Changes = append(result.Changes, "logging.level changed; restart required")
	}
	s.config = newCfg

	s.appendReloadHistory(result)
	return result
}

// appendReloadHistory keeps the last 50 reload results. Callers hold s.mu.
func (s *Server) appendReloadHistory(result ReloadResult) {
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > 50 {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-50:]
	}
}
