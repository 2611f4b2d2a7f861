package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autovision/internal/servicetoken"
	"autovision/internal/usertoken"
	"autovision/internal/util"
	"autovision/pkg/queue"
	"autovision/services/messaging/internal/app"
	"autovision/services/messaging/internal/config"
	"autovision/services/messaging/internal/hub"
	"autovision/services/messaging/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.IdentityJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	socketHub := hub.New(appCore, tokenVerifier.VerifyPrincipal, cfg.WSInsecureOrigin)
	appCore.SetPusher(socketHub)

	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("failed to parse internal verify keys", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:                         appCore,
		Hub:                         socketHub,
		TokenVerifier:               tokenVerifier,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: verifyKeys,
		RedisAddr:                   cfg.RedisAddr,
		RedisPassword:               cfg.RedisPassword,
		MessageRateLimit:            cfg.MessageRateLimitPerMinute,
		TrustedProxies:              cfg.TrustedProxies,
	})
	if err != nil {
		util.Fatal("failed to init http server", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	moderationQueue, err := queue.NewRedisModerationQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.ModerationQueueName,
		Group:      cfg.ModerationQueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
	})
	if err != nil {
		util.Fatal("failed to init moderation queue", "err", err)
	}
	moderationQueue.Start(ctx, cfg.QueueConcurrency, func(ctx context.Context, ev queue.ModerationEvent) error {
		_, err := appCore.NotifyListingRemoved(ev.OwnerID, ev.ListingID, ev.Reason, ev.Details)
		return err
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("messaging server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
