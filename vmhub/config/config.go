// Package config loads the vmhub server configuration.
//
// Values are resolved once at startup, in increasing precedence: built-in
// defaults, an optional YAML file, VMHUB_* environment variables and finally
// command-line flags bound by the caller. The resulting value is passed to
// the components that need it; nothing reads configuration at runtime.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VMHUB_LISTEN_ADDR.
const EnvPrefix = "VMHUB"

// Config holds all vmhub server configuration.
type Config struct {
	// ListenAddr is the address the HTTP API listens on.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// MetadataDir holds one <id>.json record per instance.
	MetadataDir string `mapstructure:"metadata_dir" yaml:"metadata_dir"`

	// ImageDir holds one <name>.qcow2 disk image per instance.
	ImageDir string `mapstructure:"image_dir" yaml:"image_dir"`

	// BaseImage is copied to create each instance's disk.
	BaseImage string `mapstructure:"base_image" yaml:"base_image"`

	// AuditDB is the SQLite file for the lifecycle audit trail. Empty disables it.
	AuditDB string `mapstructure:"audit_db" yaml:"audit_db"`

	// AuditRetention is how long audit events are kept. Zero keeps them forever.
	AuditRetention time.Duration `mapstructure:"audit_retention" yaml:"audit_retention"`

	// QEMUBinary is the emulator executable.
	QEMUBinary string `mapstructure:"qemu_binary" yaml:"qemu_binary"`

	MemoryMB int `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUs     int `mapstructure:"cpus" yaml:"cpus"`

	// StopTimeout is how long a stopping emulator gets between SIGTERM and SIGKILL.
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// PortMin and PortMax bound SSH forwarding ports; PortMax is exclusive.
	PortMin      int  `mapstructure:"port_min" yaml:"port_min"`
	PortMax      int  `mapstructure:"port_max" yaml:"port_max"`
	PortAttempts int  `mapstructure:"port_attempts" yaml:"port_attempts"`
	ProbePorts   bool `mapstructure:"probe_ports" yaml:"probe_ports"`

	// SSHProbeTimeout bounds one guest SSH readiness probe.
	SSHProbeTimeout time.Duration `mapstructure:"ssh_probe_timeout" yaml:"ssh_probe_timeout"`

	// CORSOrigins lists the allowed origins; "*" allows any.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8080",
		MetadataDir:     "vms",
		ImageDir:        "images",
		BaseImage:       "alpine.qcow2",
		AuditDB:         "vmhub-audit.db",
		AuditRetention:  30 * 24 * time.Hour,
		QEMUBinary:      "qemu-system-x86_64",
		MemoryMB:        8192,
		CPUs:            6,
		StopTimeout:     2 * time.Second,
		PortMin:         49152,
		PortMax:         65535,
		PortAttempts:    64,
		ProbePorts:      true,
		SSHProbeTimeout: 3 * time.Second,
		CORSOrigins:     []string{"*"},
		LogLevel:        "info",
	}
}

// Load resolves the configuration from the defaults, the YAML file at path,
// VMHUB_<KEY> environment variables and the flags, in that order. flags maps
// config keys to command-line flags; a flag only overrides its key when it was
// set. A missing file is only an error when path was given explicitly.
func Load(path string, explicit bool, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("metadata_dir", defaults.MetadataDir)
	v.SetDefault("image_dir", defaults.ImageDir)
	v.SetDefault("base_image", defaults.BaseImage)
	v.SetDefault("audit_db", defaults.AuditDB)
	v.SetDefault("audit_retention", defaults.AuditRetention)
	v.SetDefault("qemu_binary", defaults.QEMUBinary)
	v.SetDefault("memory_mb", defaults.MemoryMB)
	v.SetDefault("cpus", defaults.CPUs)
	v.SetDefault("stop_timeout", defaults.StopTimeout)
	v.SetDefault("port_min", defaults.PortMin)
	v.SetDefault("port_max", defaults.PortMax)
	v.SetDefault("port_attempts", defaults.PortAttempts)
	v.SetDefault("probe_ports", defaults.ProbePorts)
	v.SetDefault("ssh_probe_timeout", defaults.SSHProbeTimeout)
	v.SetDefault("cors_origins", defaults.CORSOrigins)
	v.SetDefault("log_level", defaults.LogLevel)

	// Environment variable support: VMHUB_LISTEN_ADDR, VMHUB_STOP_TIMEOUT, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK - we use defaults
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.CORSOrigins = trimList(cfg.CORSOrigins)
	return cfg, nil
}

// trimList drops blanks around comma-separated environment values.
func trimList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// YAML renders the configuration in the format Load reads.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}
