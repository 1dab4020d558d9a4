package config

import "fmt"

// ToolsConfig controls the tool orchestration layer.
type ToolsConfig struct {
	// Servers lists statically registered tool servers.
	Servers []ToolServerConfig `yaml:"servers"`

	// SnapshotPath is the durable registry snapshot for crash recovery.
	SnapshotPath string `yaml:"snapshot_path"`

	// InstallDir is where dynamically installed servers are checked out.
	InstallDir string `yaml:"install_dir"`

	// PortRangeLo / PortRangeHi bound the port allocation window.
	PortRangeLo int `yaml:"port_range_lo"`
	PortRangeHi int `yaml:"port_range_hi"`

	// StartupTimeoutSeconds bounds the readiness probe after launch.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`

	// DefaultCallTimeoutSeconds is the per-call deadline when a
	// capability declares none.
	DefaultCallTimeoutSeconds int `yaml:"default_call_timeout_seconds"`

	// MaxInFlight is the per-server concurrent request cap.
	MaxInFlight int `yaml:"max_in_flight"`

	// LivenessIntervalSeconds is the period between health checks while ready.
	LivenessIntervalSeconds int `yaml:"liveness_interval_seconds"`

	// AutoRestart re-launches stopped servers with exponential backoff.
	AutoRestart bool `yaml:"auto_restart"`

	// EnvAllowlist names environment variables inherited by launched
	// server processes (PORT and WORKING_DIR are always set).
	EnvAllowlist []string `yaml:"env_allowlist"`
}

// ToolServerConfig is one static registration entry.
type ToolServerConfig struct {
	// ServerID is the stable identifier, e.g. "microsandbox".
	ServerID string `yaml:"server_id"`

	// Dir is the server's source directory (project type is detected).
	Dir string `yaml:"dir"`

	// Endpoint, when set, registers an already-running server instead
	// of launching one (ws:// or http:// URL).
	Endpoint string `yaml:"endpoint"`

	// LaunchCommand overrides the detected launch command.
	LaunchCommand []string `yaml:"launch_command"`

	// CapabilitiesFile points at the server's static capability
	// document; defaults to <dir>/capabilities.json.
	CapabilitiesFile string `yaml:"capabilities_file"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.SnapshotPath == "" {
		c.SnapshotPath = "toolservers.snapshot.json"
	}
	if c.InstallDir == "" {
		c.InstallDir = "toolservers"
	}
	if c.PortRangeLo == 0 {
		c.PortRangeLo = 42000
	}
	if c.PortRangeHi == 0 {
		c.PortRangeHi = 42999
	}
	if c.StartupTimeoutSeconds == 0 {
		c.StartupTimeoutSeconds = 30
	}
	if c.DefaultCallTimeoutSeconds == 0 {
		c.DefaultCallTimeoutSeconds = 120
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 4
	}
	if c.LivenessIntervalSeconds == 0 {
		c.LivenessIntervalSeconds = 30
	}
	if len(c.EnvAllowlist) == 0 {
		c.EnvAllowlist = []string{"PATH", "HOME", "LANG", "TMPDIR"}
	}
}

func (c *ToolsConfig) Validate() error {
	if c.PortRangeLo <= 0 || c.PortRangeHi > 65535 || c.PortRangeLo > c.PortRangeHi {
		return fmt.Errorf("tools.port_range [%d, %d] is invalid", c.PortRangeLo, c.PortRangeHi)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ServerID == "" {
			return fmt.Errorf("tools.servers: server_id is required")
		}
		if seen[s.ServerID] {
			return fmt.Errorf("tools.servers: duplicate server_id %q", s.ServerID)
		}
		seen[s.ServerID] = true
		if s.Dir == "" && s.Endpoint == "" {
			return fmt.Errorf("tools.servers.%s: dir or endpoint is required", s.ServerID)
		}
	}
	return nil
}
