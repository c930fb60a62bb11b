// Command mcp-relay runs a horizontally-scalable remote MCP server: an
// OAuth 2.1 + PKCE authorization server and an MCP session relay, both
// fronted by the same shared Redis-modeled store so any number of replicas
// can serve the same sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"mcp-relay/internal/audit"
	"mcp-relay/internal/authrecords"
	"mcp-relay/internal/bootstrap"
	"mcp-relay/internal/circuitbreaker"
	"mcp-relay/internal/httpapi"
	"mcp-relay/internal/logging"
	"mcp-relay/internal/metrics"
	"mcp-relay/internal/oauth"
	"mcp-relay/internal/oauthhttp"
	"mcp-relay/internal/ratelimit"
	"mcp-relay/internal/redact"
	"mcp-relay/internal/serverconfig"
	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/tokenvalidator"
)

func main() {
	configPath := flag.String("config", "", "Server config.yaml path")
	listen := flag.String("listen", "", "Override server.listen from config")
	logLevel := flag.String("log-level", "", "Override logging.level from config")
	logFormat := flag.String("log-format", "", "Override logging.format from config")
	flag.Parse()

	cfg, err := serverconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-relay: load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-relay: invalid config: %v\n", err)
		os.Exit(1)
	}

	redactor := redact.NewRedactor()
	logger := logging.SetupWithRedactor(cfg.Logging.Format, cfg.Logging.Level, redactor)

	ctx := context.Background()
	backend, err := bootstrap.ConnectStore(ctx, cfg.Store.URL)
	if err != nil {
		logger.Error("mcp-relay: shared store connect failed", "error", err)
		os.Exit(1)
	}

	var auditLog *audit.Log
	var auditKey []byte
	if cfg.Audit.Enabled {
		auditLog, err = audit.NewLog(cfg.Audit.Database)
		if err != nil {
			logger.Error("mcp-relay: audit log open failed", "error", err)
			os.Exit(1)
		}
		auditKey, err = resolveAuditKey(cfg)
		if err != nil {
			logger.Error("mcp-relay: audit encryption key unresolved", "error", err)
			os.Exit(1)
		}
	}

	records := authrecords.New(backend)
	oauthServer := oauth.NewServer(records)
	directory := sessiondir.New(backend)
	collector := metrics.NewCollector()
	limiters := ratelimit.NewRegistry(30, 300, 3000)
	degraded := &bootstrap.DegradedFlag{}

	var validator tokenvalidator.Validator
	var prober bootstrap.Prober
	switch cfg.Auth.Mode {
	case "co-hosted":
		validator = tokenvalidator.NewCoHosted(oauthServer)
	case "delegated":
		breaker := circuitbreaker.New("introspection", cfg.Auth.BreakerFailures, cfg.Auth.BreakerCooldown)
		delegated := tokenvalidator.NewDelegated(cfg.Auth.ExternalAuthURL, cfg.Server.BaseURI, nil, breaker)
		prober = delegated
		validator = delegated
	}
	cached := tokenvalidator.NewCached(validator, 10000, cfg.Auth.CacheTTL)
	cached.OnHit = collector.RecordCacheHit
	cached.OnMiss = collector.RecordCacheMiss
	validator = cached

	bootstrap.Start(ctx, prober, degraded, bootstrap.DefaultProbeBackoff, logger)
	if prober != nil {
		go (&bootstrap.HealthLoop{Prober: prober, Flag: degraded, Interval: 30 * time.Second, Logger: logger}).Run(ctx)
	}

	oauthHandler := &oauthhttp.Handler{
		Server:   oauthServer,
		Audit:    auditLog,
		BaseURI:  cfg.Server.BaseURI,
		Limiters: limiters,
		Redactor: redactor,
		AuthenticateUser: func(username, password string) (string, bool) {
			// Demo deployment: any non-empty username/password pair is
			// accepted and the username becomes the user id. A real
			// deployment swaps this for an identity provider call.
			if username == "" || password == "" {
				return "", false
			}
			return username, true
		},
	}
	mcpHandler := &httpapi.Handler{
		Backend:    backend,
		Directory:  directory,
		Validator:  validator,
		Limiters:   limiters,
		Audit:      auditLog,
		AuditKey:   auditKey,
		Metrics:    collector,
		Degraded:   degraded,
		Logger:     logger,
		Catalog:    demoCatalog{},
		ServerName: "mcp-relay",
		Version:    "0.1.0",
	}

	mux := newMux(oauthHandler, mcpHandler, backend, degraded, collector, auditLog, time.Now())
	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      mux,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		logger.Info("mcp-relay: listening", "addr", cfg.Server.Listen, "auth_mode", cfg.Auth.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mcp-relay: server error", "error", err)
			os.Exit(1)
		}
	}()

	shutdownOnSignal([]*http.Server{srv}, func() {
		if auditLog != nil {
			_ = auditLog.Close()
		}
	})
}
