// Command concourse-server runs the Concourse storage engine behind
// the binary RPC front end described in §6.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/concoursedb/concourse/internal/buffer"
	"github.com/concoursedb/concourse/internal/clock"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/engine"
	"github.com/concoursedb/concourse/internal/health"
	"github.com/concoursedb/concourse/internal/lock"
	"github.com/concoursedb/concourse/internal/log"
	"github.com/concoursedb/concourse/internal/metrics"
	"github.com/concoursedb/concourse/internal/notify"
	"github.com/concoursedb/concourse/internal/rpc"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "concourse-server",
	Short:   "Concourse storage engine server",
	Version: Version,
	RunE:    runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "Optional YAML config file; explicit flags override its values")
	flags.String("buffer-dir", "./concourse-data/buffer", "Buffer directory (mutable pages)")
	flags.String("database-dir", "./concourse-data/database", "Database directory (immutable blocks)")
	flags.Int64("buffer-page-size", buffer.DefaultPageSize, "Buffer page size in bytes")
	flags.Int64("block-size", database.DefaultBlockSize, "Immutable block size cap in bytes")
	flags.String("listen-addr", "127.0.0.1:6268", "RPC listen address")
	flags.String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	flags.String("auth-token", "", "Shared secret clients must present (required)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Duration("transfer-interval", time.Second, "Interval between Buffer-to-Database page transfers")
}

// disjoint rejects buffer and database directories that are equal or
// one nested inside the other, per §6's startup invariant.
func disjoint(bufferDir, databaseDir string) error {
	a, err := filepath.Abs(bufferDir)
	if err != nil {
		return err
	}
	b, err := filepath.Abs(databaseDir)
	if err != nil {
		return err
	}
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return fmt.Errorf("buffer-dir and database-dir must not be the same directory (%s)", a)
	}
	if strings.HasPrefix(b+string(filepath.Separator), a+string(filepath.Separator)) ||
		strings.HasPrefix(a+string(filepath.Separator), b+string(filepath.Separator)) {
		return fmt.Errorf("buffer-dir (%s) and database-dir (%s) must not be nested", a, b)
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	bufferDir, _ := flags.GetString("buffer-dir")
	databaseDir, _ := flags.GetString("database-dir")
	bufferPageSize, _ := flags.GetInt64("buffer-page-size")
	blockSize, _ := flags.GetInt64("block-size")
	listenAddr, _ := flags.GetString("listen-addr")
	metricsAddr, _ := flags.GetString("metrics-addr")
	authToken, _ := flags.GetString("auth-token")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	transferInterval, _ := flags.GetDuration("transfer-interval")

	if configPath, _ := flags.GetString("config"); configPath != "" {
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return fmt.Errorf("concourse-server: %w", err)
		}
		// A flag explicitly passed on the command line always wins;
		// the file only fills in values the caller left at default.
		if !flags.Changed("buffer-dir") && fc.BufferDir != "" {
			bufferDir = fc.BufferDir
		}
		if !flags.Changed("database-dir") && fc.DatabaseDir != "" {
			databaseDir = fc.DatabaseDir
		}
		if !flags.Changed("buffer-page-size") && fc.BufferPageSize != 0 {
			bufferPageSize = fc.BufferPageSize
		}
		if !flags.Changed("block-size") && fc.BlockSize != 0 {
			blockSize = fc.BlockSize
		}
		if !flags.Changed("listen-addr") && fc.ListenAddr != "" {
			listenAddr = fc.ListenAddr
		}
		if !flags.Changed("metrics-addr") && fc.MetricsAddr != "" {
			metricsAddr = fc.MetricsAddr
		}
		if !flags.Changed("auth-token") && fc.AuthToken != "" {
			authToken = fc.AuthToken
		}
		if !flags.Changed("log-level") && fc.LogLevel != "" {
			logLevel = fc.LogLevel
		}
		if !flags.Changed("log-json") && fc.LogJSON {
			logJSON = fc.LogJSON
		}
		if !flags.Changed("transfer-interval") && fc.TransferInterval != 0 {
			transferInterval = fc.TransferInterval
		}
	}

	if authToken == "" {
		return fmt.Errorf("concourse-server: auth-token is required (flag or config file)")
	}

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	if err := disjoint(bufferDir, databaseDir); err != nil {
		return fmt.Errorf("concourse-server: %w", err)
	}
	for _, dir := range []string{bufferDir, databaseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("concourse-server: create %s: %w", dir, err)
		}
	}

	buf, err := buffer.Open(bufferDir, bufferPageSize)
	if err != nil {
		return fmt.Errorf("concourse-server: open buffer: %w", err)
	}
	db, err := database.Open(databaseDir, blockSize)
	if err != nil {
		return fmt.Errorf("concourse-server: open database: %w", err)
	}

	eng := engine.New(buf, db, lock.NewService(), clock.New())

	broker := notify.NewBroker()
	broker.Start()
	defer broker.Stop()
	eng.SetNotifier(broker)

	metrics.Register()
	collector := metrics.NewCollector(eng)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.RunTransfers(ctx, transferInterval)

	checker := health.NewEngineChecker(eng)
	monitor := health.NewMonitor(checker, health.DefaultConfig())
	go monitor.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", monitor.Handler())
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("concourse-server").Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer metricsSrv.Close()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("concourse-server: listen %s: %w", listenAddr, err)
	}

	srv := rpc.NewServer(eng, rpc.NewStaticAuthenticator(authToken))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	log.WithComponent("concourse-server").Info().
		Str("listen_addr", listenAddr).
		Str("metrics_addr", metricsAddr).
		Str("buffer_dir", bufferDir).
		Str("database_dir", databaseDir).
		Msg("concourse-server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("concourse-server").Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("concourse-server: serve: %w", err)
		}
	}

	cancel()
	return nil
}
