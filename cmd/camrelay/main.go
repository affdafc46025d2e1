package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/camrelay/internal/config"
	"github.com/e7canasta/camrelay/internal/supervisor"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	var logLevel slog.LevelVar
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// -debug wins; otherwise logging.level (or LOG_LEVEL) sets the level.
	if !*debug {
		if err := logLevel.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			slog.Warn("unknown logging level, keeping info", "level", cfg.Logging.Level)
		}
	}

	slog.Info("starting camrelay",
		"config", *configPath,
		"debug", *debug,
		"rtsp_url", cfg.RTSP.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sup := supervisor.New(cfg)

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(cfg.Server.WebRoot)))

	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info("serving static assets", "addr", httpAddr, "web_root", cfg.Server.WebRoot)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("static asset server failed", "error", err)
		}
	}()

	signalingMux := http.NewServeMux()
	signalingMux.Handle("/ws", sup.BrokerHandler())
	signalingAddr := fmt.Sprintf(":%d", cfg.Server.SignalingPort)
	signalingServer := &http.Server{Addr: signalingAddr, Handler: signalingMux}
	go func() {
		slog.Info("serving signaling websocket", "addr", signalingAddr)
		if err := signalingServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("signaling server failed", "error", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-errChan; err != nil {
			slog.Error("supervisor exited with error", "error", err)
		}
	case err := <-errChan:
		if err != nil {
			slog.Error("supervisor exited with error", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = signalingServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	slog.Info("camrelay stopped")
}
