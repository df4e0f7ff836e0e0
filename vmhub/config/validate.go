package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.MetadataDir == "" {
		errs = append(errs, errors.New("metadata_dir must not be empty"))
	}
	if c.ImageDir == "" {
		errs = append(errs, errors.New("image_dir must not be empty"))
	}
	if c.BaseImage == "" {
		errs = append(errs, errors.New("base_image must not be empty"))
	}
	if c.QEMUBinary == "" {
		errs = append(errs, errors.New("qemu_binary must not be empty"))
	}
	if c.MemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("memory_mb must be positive, got %d", c.MemoryMB))
	}
	if c.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("cpus must be positive, got %d", c.CPUs))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.SSHProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ssh_probe_timeout must be positive, got %s", c.SSHProbeTimeout))
	}
	if c.AuditRetention < 0 {
		errs = append(errs, fmt.Errorf("audit_retention must not be negative, got %s", c.AuditRetention))
	}
	if c.PortMin <= 0 || c.PortMax > 65536 || c.PortMin >= c.PortMax {
		errs = append(errs, fmt.Errorf("port range [%d, %d) is invalid", c.PortMin, c.PortMax))
	}
	if c.PortAttempts <= 0 {
		errs = append(errs, fmt.Errorf("port_attempts must be positive, got %d", c.PortAttempts))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
}
