package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dukerupert/kinship/internal/avatar"
	"github.com/dukerupert/kinship/internal/database"
	"github.com/dukerupert/kinship/internal/email"
	"github.com/dukerupert/kinship/internal/logging"
	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/server"
)

const sessionIdleTimeout = 2 * time.Hour

func main() {
	logger := logging.Setup(os.Getenv("KINSHIP_LOG_LEVEL"), os.Getenv("KINSHIP_LOG_FORMAT"))

	port := envOr("KINSHIP_PORT", "8080")
	dbPath := envOr("KINSHIP_DB_PATH", "kinship.db")
	baseURL := envOr("KINSHIP_BASE_URL", "http://localhost:"+port)

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(
		os.Getenv("KINSHIP_POSTMARK_TOKEN"),
		envOr("KINSHIP_FROM_EMAIL", "tree@localhost"),
		baseURL,
	)
	if !emailClient.Configured() {
		logger.Warn("postmark token not set, invitation codes will be logged instead of emailed")
	}

	collector := metrics.NewCollector("kinship")
	avatars := avatar.New(avatar.S3Config{
		Endpoint:  os.Getenv("KINSHIP_S3_ENDPOINT"),
		Bucket:    os.Getenv("KINSHIP_S3_BUCKET"),
		Region:    envOr("KINSHIP_S3_REGION", "us-east-1"),
		AccessKey: os.Getenv("KINSHIP_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("KINSHIP_S3_SECRET_KEY"),
		PublicURL: os.Getenv("KINSHIP_S3_PUBLIC_URL"),
	}, avatar.WithMetrics(collector), avatar.WithLogger(logger.With("component", "avatar")))
	if !avatars.Configured() {
		logger.Warn("avatar storage not configured, photo uploads disabled")
	}

	cfg := server.Config{}
	if v := os.Getenv("KINSHIP_INVITE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid KINSHIP_INVITE_TTL", "value", v, "error", err)
			os.Exit(1)
		}
		cfg.InviteTTL = ttl
	}
	if v := os.Getenv("KINSHIP_WS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.OriginPatterns = append(cfg.OriginPatterns, o)
			}
		}
	}

	srv := server.New(db, cfg, emailClient, avatars, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic cleanup of rate limiter windows and idle workflows
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
				if n := srv.Registry().Sweep(sessionIdleTimeout); n > 0 {
					logger.Debug("swept idle workflows", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("kinship listening", "addr", httpServer.Addr, "base_url", baseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
