// Package main is the entry point for the gateway binary.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gwtls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

const (
	defaultConfigPath        = "config.yaml"
	defaultServiceName       = "polis-gateway"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	dataAddr   string
	adminAddr  string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Multi-tenant API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data plane and admin servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.dataAddr, "data-listen", "", "Data plane listen address (overrides config)")
	serveCmd.Flags().StringVar(&opts.adminAddr, "admin-listen", "", "Admin listen address (overrides config)")
	serveCmd.Flags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %s\n", describe(cfg))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
	return rootCmd
}

// loadConfig reads the dotenv file, if any, then the YAML configuration with
// environment and flag overrides applied.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataAddr != "" {
		cfg.Server.DataAddress = opts.dataAddr
	}
	if opts.adminAddr != "" {
		cfg.Server.AdminAddress = opts.adminAddr
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.SetupLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    defaultServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown error")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("gateway initialization failed: %w", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn().Err(err).Msg("storage close error")
		}
	}()

	watcher, err := config.NewWatcher(opts.configPath, cfg, logger, a.reload)
	if err != nil {
		logger.Warn().Err(err).Str("path", opts.configPath).Msg("configuration hot reload disabled")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("maintenance scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	var dataTLS *tls.Config
	if cfg.Server.TLS.CertFile != "" {
		if dataTLS, err = gwtls.Server(tlsConfig(cfg.Server.TLS)); err != nil {
			return fmt.Errorf("data plane tls: %w", err)
		}
	}

	dataSrv := newServer(otelhttp.NewHandler(a.data, "gateway.data"))
	adminSrv := newServer(a.admin)

	errCh := make(chan error, 2)
	if err := serve(dataSrv, cfg.Server.DataAddress, "data", dataTLS, logger, errCh); err != nil {
		return err
	}
	if err := serve(adminSrv, cfg.Server.AdminAddress, "admin", nil, logger, errCh); err != nil {
		shutdownServer(dataSrv, "data", logger)
		return err
	}
	logger.Info().Str("version", version).Msg("gateway started")

	select {
	case <-ctx.Done():
		err = nil
		logger.Info().Msg("shutdown signal received")
	case err = <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownServer(dataSrv, "data", logger)
	shutdownServer(adminSrv, "admin", logger)
	return err
}

func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve binds addr and serves in the background; a failure after bind is sent
// to errCh. A non-nil tlsCfg terminates TLS on the listener.
func serve(srv *http.Server, addr, name string, tlsCfg *tls.Config, logger zerolog.Logger, errCh chan<- error) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", name, addr, err)
	}
	srv.Addr = listener.Addr().String()
	if tlsCfg != nil {
		srv.TLSConfig = tlsCfg
		listener = tls.NewListener(listener, tlsCfg)
	}
	logger.Info().Str("server", name).Str("addr", srv.Addr).Bool("tls", tlsCfg != nil).Msg("server listening")

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

func shutdownServer(srv *http.Server, name string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Str("server", name).Msg("server shutdown error")
	}
}
