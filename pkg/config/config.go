// Package config holds CloneBox's top-level options: where VM state lives
// on disk, how to reach the hypervisor, and the defaults every component
// falls back to when a caller doesn't override them. It is the only
// package allowed to read a YAML file off disk; everything downstream of
// it takes a plain Go struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is CloneBox's process-wide configuration. It is loaded once at
// startup and passed by value into the builders that construct each
// component; nothing in the core re-reads it from disk.
type Config struct {
	// ImagesRoot is "<images_root>" from the spec: one subdirectory per VM
	// holding its disk, seed ISO, SSH key pair, port marker, and serial log.
	ImagesRoot string `yaml:"images_root"`
	// StateRoot is "<state_root>": transaction journals, snapshot
	// metadata, and the audit log.
	StateRoot string `yaml:"state_root"`

	// HypervisorURI selects the libvirt/QEMU connection (e.g.
	// "qemu:///system" or "qemu:///session"). The core never inspects this
	// string beyond handing it to the Hypervisor Backend.
	HypervisorURI string `yaml:"hypervisor_uri"`

	// UserModePortRange is the inclusive [Low, High] range the Network
	// Manager allocates host ports from for user-mode networking.
	UserModePortRange PortRange `yaml:"user_mode_port_range"`

	// DefaultLocalTimeout bounds local operations (filesystem, subprocess)
	// that don't specify their own timeout.
	DefaultLocalTimeout time.Duration `yaml:"default_local_timeout"`
	// DefaultNetworkTimeout bounds single network calls (a TCP dial, an
	// HTTP probe) that don't specify their own timeout.
	DefaultNetworkTimeout time.Duration `yaml:"default_network_timeout"`

	// HealthGateTimeout is how long the Orchestrator waits for a gated
	// VM's Health Engine status to become healthy before giving up.
	HealthGateTimeout time.Duration `yaml:"health_gate_timeout"`
	// StopGraceTimeout is how long `down` waits for graceful shutdown
	// before falling back to a forced stop.
	StopGraceTimeout time.Duration `yaml:"stop_grace_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"
}

// PortRange is an inclusive range of TCP port numbers.
type PortRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// DefaultConfig returns the configuration CloneBox uses when no config file
// is present and no environment override is set.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".clonebox")
	return Config{
		ImagesRoot:            filepath.Join(base, "images"),
		StateRoot:             filepath.Join(base, "state"),
		HypervisorURI:         "qemu:///session",
		UserModePortRange:     PortRange{Low: 22000, High: 22999},
		DefaultLocalTimeout:   30 * time.Second,
		DefaultNetworkTimeout: 10 * time.Second,
		HealthGateTimeout:     300 * time.Second,
		StopGraceTimeout:      30 * time.Second,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Load reads a YAML config file at path and overlays it onto DefaultConfig.
// A missing file is not an error: callers get defaults back. Environment
// variables prefixed CLONEBOX_ override individual fields after the file is
// applied (applyEnvOverrides), matching the "headlessly invocable" contract
// of §6 without a second config-parsing dependency.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		applyEnvOverrides(&cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLONEBOX_IMAGES_ROOT"); v != "" {
		cfg.ImagesRoot = v
	}
	if v := os.Getenv("CLONEBOX_STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	if v := os.Getenv("CLONEBOX_HYPERVISOR_URI"); v != "" {
		cfg.HypervisorURI = v
	}
	if v := os.Getenv("CLONEBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// VMDir returns "<images_root>/<vm_name>/" for the given VM.
func (c Config) VMDir(vmName string) string {
	return filepath.Join(c.ImagesRoot, vmName)
}

// TransactionsDir returns "<state_root>/transactions/".
func (c Config) TransactionsDir() string {
	return filepath.Join(c.StateRoot, "transactions")
}

// SnapshotsDir returns "<state_root>/snapshots/<vm_name>/".
func (c Config) SnapshotsDir(vmName string) string {
	return filepath.Join(c.StateRoot, "snapshots", vmName)
}

// AuditLogPath returns "<state_root>/audit.log".
func (c Config) AuditLogPath() string {
	return filepath.Join(c.StateRoot, "audit.log")
}
