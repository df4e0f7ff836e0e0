package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tomyedwab/vmhub/vmhub/audit"
	"github.com/tomyedwab/vmhub/vmhub/config"
	"github.com/tomyedwab/vmhub/vmhub/httpapi"
	"github.com/tomyedwab/vmhub/vmhub/lifecycle"
	"github.com/tomyedwab/vmhub/vmhub/metrics"
	"github.com/tomyedwab/vmhub/vmhub/processes"
	"github.com/tomyedwab/vmhub/vmhub/registry"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath  string
	servePrintConfig bool
)

// serveFlagKeys maps the serve override flags to their config keys.
var serveFlagKeys = map[string]string{
	"listen":       "listen_addr",
	"metadata-dir": "metadata_dir",
	"image-dir":    "image_dir",
	"base-image":   "base_image",
	"audit-db":     "audit_db",
	"qemu-binary":  "qemu_binary",
	"log-level":    "log_level",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VM controller",
	Long: `Run the VM controller and its HTTP API.

On startup every registered VM is recovered: emulators that are still running
are adopted, the others are restarted on their recorded disk image and SSH port.

Configuration is read from defaults, the YAML file given by --config, VMHUB_*
environment variables and finally the flags below.

Example:
  vmhub serve
  vmhub serve --config /etc/vmhub.yaml --listen 0.0.0.0:8080
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "vmhub.yaml", "Path to the YAML config file")
	serveCmd.Flags().BoolVar(&servePrintConfig, "print-config", false, "Print the resolved configuration as YAML and exit")
	addOverrideFlags(serveCmd)
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("metadata-dir", "", "Directory holding VM records")
	cmd.Flags().String("image-dir", "", "Directory holding VM disk images")
	cmd.Flags().String("base-image", "", "Base disk image copied for each VM")
	cmd.Flags().String("audit-db", "", "SQLite audit database path")
	cmd.Flags().String("qemu-binary", "", "Emulator executable")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

// flagBindings returns the override flags of cmd keyed by config key.
func flagBindings(cmd *cobra.Command) map[string]*pflag.Flag {
	bindings := make(map[string]*pflag.Flag, len(serveFlagKeys))
	for name, key := range serveFlagKeys {
		bindings[key] = cmd.Flags().Lookup(name)
	}
	return bindings
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath, cmd.Flags().Changed("config"), flagBindings(cmd))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if servePrintConfig {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Starting vmhub", "version", Version, "listenAddr", cfg.ListenAddr)

	for _, dir := range []string{cfg.MetadataDir, cfg.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	ports, err := processes.NewPortManager(cfg.PortMin, cfg.PortMax,
		processes.WithAttempts(cfg.PortAttempts),
		processes.WithBindProbe(cfg.ProbePorts),
	)
	if err != nil {
		return fmt.Errorf("create port manager: %w", err)
	}

	supervisor := processes.NewSupervisor(processes.Config{
		Profile: processes.Profile{
			Binary:   cfg.QEMUBinary,
			MemoryMB: cfg.MemoryMB,
			CPUs:     cfg.CPUs,
		},
		StopTimeout: cfg.StopTimeout,
		Logger:      logger,
	})

	collector := metrics.NewPrometheusCollector("vmhub")

	managerConfig := lifecycle.Config{
		ImageDir:    cfg.ImageDir,
		BaseImage:   cfg.BaseImage,
		StopTimeout: cfg.StopTimeout,
		Registry:    registry.New(cfg.MetadataDir),
		Supervisor:  supervisor,
		Ports:       ports,
		Metrics:     collector,
		Health:      processes.NewSSHHealthChecker(cfg.SSHProbeTimeout),
		Logger:      logger,
	}
	serverConfig := httpapi.Config{
		Metrics:     collector.Handler(),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	}

	if cfg.AuditDB != "" {
		auditLogger, closeDB, err := openAudit(cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		managerConfig.Events = auditLogger
		serverConfig.Audit = auditLogger
	}

	manager, err := lifecycle.NewManager(managerConfig)
	if err != nil {
		return fmt.Errorf("create lifecycle manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := manager.RecoverAll(ctx); err != nil {
		return fmt.Errorf("recover VMs: %w", err)
	}

	serverConfig.Lifecycle = manager
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewServer(serverConfig).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "address", cfg.ListenAddr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())
	}

	// Emulators keep running; the next start adopts them.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	logger.Info("vmhub stopped")
	return nil
}

func openAudit(cfg *config.Config, logger *slog.Logger) (*audit.Logger, func(), error) {
	db, err := sqlx.Connect("sqlite3", cfg.AuditDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit database %s: %w", cfg.AuditDB, err)
	}
	auditLogger, err := audit.NewLogger(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialize audit database: %w", err)
	}
	if cfg.AuditRetention > 0 {
		deleted, err := auditLogger.DeleteOldEvents(cfg.AuditRetention)
		if err != nil {
			logger.Warn("Failed to prune audit events", "error", err)
		} else if deleted > 0 {
			logger.Info("Pruned audit events", "deleted", deleted)
		}
	}
	return auditLogger, func() { db.Close() }, nil
}
