package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/profile"
)

const rateLimitSweepInterval = 10 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := openEngine(cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limiter := api.NewRateLimiter(cfg.API.RateLimitPerHour)
		go sweepLimiter(ctx, limiter)

		handler, err := newRouter(e, limiter)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		}
		if cfg.Server.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			e.logger.Warn("no TLS certificate configured; serving plain HTTP")
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		e.logger.Info("server started", "address", cfg.Server.Address, "storage", cfg.Storage.Driver)

		select {
		case <-ctx.Done():
			e.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newRouter assembles the HTTP handler tree for e.
func newRouter(e *engine, limiter *api.RateLimiter) (http.Handler, error) {
	apiCfg := e.cfg.API
	allowed, err := api.ParsePrefixes(apiCfg.AllowedNetworks)
	if err != nil {
		return nil, fmt.Errorf("api.allowed_networks: %w", err)
	}
	proxies, err := api.ParsePrefixes(apiCfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("api.trusted_proxies: %w", err)
	}
	if len(apiCfg.Keys) == 0 {
		e.logger.Warn("no API keys configured; every API call will be refused")
	}

	a := api.New(e.manager, e.assembler,
		api.WithLogger(e.logger),
		api.WithAPIKeys(apiCfg.Keys...),
		api.WithAllowedNetworks(allowed),
		api.WithTrustedProxies(proxies),
		api.WithCORSOrigins(apiCfg.CORSOrigins...),
		api.WithRateLimiter(limiter),
		api.WithAutoApprove(apiCfg.AutoApprove),
		api.WithDefaultOrgUnit(e.cfg.Issuance.DefaultOrgUnit),
		api.WithDefaultKeyType(profile.KeyType(e.cfg.Issuance.DefaultKeyType)),
		api.WithBaseURL(apiCfg.BaseURL+"/api/v1"),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1", a.Router())
	return r, nil
}

func sweepLimiter(ctx context.Context, rl *api.RateLimiter) {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
