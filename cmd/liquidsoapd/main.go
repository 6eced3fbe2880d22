// Command liquidsoapd runs the clock-driven streaming scheduler with a
// harbor mountpoint registry and its HTTP telemetry surface.
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhannyz/liquidsoap/internal/clock"
	"github.com/dhannyz/liquidsoap/internal/config"
	"github.com/dhannyz/liquidsoap/internal/harbor"
	"github.com/dhannyz/liquidsoap/internal/harbor/telemetryhttp"

	_ "github.com/dhannyz/liquidsoap/internal/codec/gst"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "liquidsoapd",
	Short: "Run the streaming scheduler daemon",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "liquidsoap.yaml", "path to the YAML configuration file")
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindEnv("config", "LIQUIDSOAP_CONFIG")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("liquidsoapd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if v := viper.GetString("config"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("liquidsoapd: %w", err)
	}
	if cfg.Harbor.UsedLegacyBindAddr() {
		slog.Warn("liquidsoapd: harbor.bind_addr is deprecated, use harbor.bind_addrs")
	}

	clock.SetDefaultMaxLatency(time.Duration(cfg.Root.MaxLatencySeconds * float64(time.Second)))
	defaultClock := clock.DefaultClock()
	defaultClock.SetAllowStreamingErrors(cfg.Clock.AllowStreamingErrors)
	clock.SetShutdownHandler(func(reason string) {
		slog.Error("liquidsoapd: shutdown requested by clock", "reason", reason)
		os.Exit(1)
	})

	reg := harbor.NewRegistry(44100, 2, 20)
	handler := telemetryhttp.Handler(reg)

	servers := make([]*http.Server, 0, len(cfg.Harbor.BindAddrs))
	for _, addr := range cfg.Harbor.BindAddrs {
		srv := &http.Server{Addr: addr, Handler: handler}
		servers = append(servers, srv)
		go func(srv *http.Server, addr string) {
			slog.Info("liquidsoapd: telemetry listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("liquidsoapd: telemetry server exited", "addr", addr, "error", err)
			}
		}(srv, addr)
	}

	clock.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("liquidsoapd: shutting down")
	clock.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
