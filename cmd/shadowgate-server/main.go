// Command shadowgate-server runs the server peer: it terminates
// shadowgate-local tunnels, decrypts them under AEAD, and relays plaintext
// to the destination each tunnel's address header names.
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
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
	"github.com/postalsys/shadowgate/internal/serverpeer"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "shadowgate-server",
		Short: "Shadowsocks-compatible AEAD tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/shadowgate/server.yaml", "path to server peer config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("shadowgate-server: %w", err)
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.Default()

	peer, err := serverpeer.New(cfg, log, m)
	if err != nil {
		return fmt.Errorf("shadowgate-server: %w", err)
	}
	if err := peer.Start(); err != nil {
		return fmt.Errorf("shadowgate-server: %w", err)
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

	log.Info("shadowgate-server started",
		"listen", fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
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
		return fmt.Errorf("shadowgate-server: shutdown: %w", err)
	}
	log.Info("shadowgate-server stopped")
	return nil
}
