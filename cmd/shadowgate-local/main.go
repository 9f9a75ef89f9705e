// Command shadowgate-local runs the local peer: a SOCKS5 (and optional HTTP
// CONNECT) gateway that tunnels client traffic to a shadowgate-server peer
// under AEAD encryption.
//
// Cobra root command, config-path flag, os/signal-driven graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/shadowgate/internal/config"
	"github.com/postalsys/shadowgate/internal/localpeer"
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "shadowgate-local",
		Short: "Shadowsocks-compatible local SOCKS5/HTTP CONNECT gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/shadowgate/local.yaml", "path to local peer config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadLocal(configPath)
	if err != nil {
		return fmt.Errorf("shadowgate-local: %w", err)
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.Default()

	peer, err := localpeer.New(cfg, log, m)
	if err != nil {
		return fmt.Errorf("shadowgate-local: %w", err)
	}
	if err := peer.Start(); err != nil {
		return fmt.Errorf("shadowgate-local: %w", err)
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
		log.Info("metrics endpoint started", "address", cfg.MetricsListen)
	}

	log.Info("shadowgate-local started",
		"server", fmt.Sprintf("%s:%d", cfg.Server, cfg.ServerPort),
		"tunnel", cfg.Tunnel,
		"method", cfg.Method,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := peer.StopWithContext(ctx); err != nil {
		return fmt.Errorf("shadowgate-local: shutdown: %w", err)
	}
	log.Info("shadowgate-local stopped")
	return nil
}
