/*
Package main is the entry point for the ClickBIT presence server.

It loads configuration, initializes the global logger, opens the user store,
builds the presence registry and HTTP server, and shuts everything down
gracefully on SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clickbit/internal/app/db"
	"clickbit/internal/app/presence"
	"clickbit/internal/configs"
	"clickbit/internal/handler"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/logx"
)

func main() {
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("database_driver", cfg.DatabaseDriver).
		Bool("kick_superseded", cfg.KickSuperseded).
		Int("send_buffer", cfg.SendBuffer).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, err := db.NewUserStore(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logx.Fatal(err, "Failed to open user store", "driver", cfg.DatabaseDriver)
	}
	defer users.Close()

	registry := presence.NewRegistry(jwt.NewVerifier(cfg.JWTSecret), users, presence.Options{
		KickSuperseded: cfg.KickSuperseded,
	})

	router, cleanup := handler.Router(&handler.AppDeps{
		Registry: registry,
		Config:   cfg,
		Users:    users,
	})
	defer cleanup()

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info("ClickBIT presence server starting", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// hijacked sockets are not tracked by the server; close them first.
	registry.Shutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	logx.Info("Server gracefully stopped.")
}
