// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds Nestor's configuration model and loader.
//
// Configuration is a YAML document with ${ENV} expansion applied before
// decoding. Every section has SetDefaults and Validate; a handful of
// well-known environment variables override their YAML counterparts so
// deployments can be tuned without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// Config is the root configuration document.
type Config struct {
	Logging       LoggingConfig             `yaml:"logging"`
	Queue         QueueConfig               `yaml:"queue"`
	Sessions      SessionConfig             `yaml:"sessions"`
	Trajectory    TrajectoryConfig          `yaml:"trajectory"`
	Tools         ToolsConfig               `yaml:"tools"`
	Engine        EngineConfig              `yaml:"engine"`
	LLM           LLMConfig                 `yaml:"llm"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Server        ServerConfig              `yaml:"server"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// LoggingConfig controls the process-wide slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig controls the ops HTTP surface (health, metrics, status).
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ObservabilityConfig controls tracing and metrics.
type ObservabilityConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	ServiceName    string  `yaml:"service_name"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Load reads, expands, decodes, defaults, env-overrides and validates a
// configuration file. An empty path yields a default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills every section's defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "nestor"
	}
	if c.Observability.SamplingRate == 0 {
		c.Observability.SamplingRate = 1.0
	}

	c.Queue.SetDefaults()
	c.Sessions.SetDefaults()
	c.Trajectory.SetDefaults()
	c.Tools.SetDefaults()
	c.Engine.SetDefaults()
	c.LLM.SetDefaults()

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range c.Providers {
		p.SetDefaults()
		c.Providers[name] = p
	}
}

// applyEnvOverrides maps the recognized environment options onto the
// corresponding config fields.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUEUE_ENDPOINT"); v != "" {
		c.Queue.Endpoint = v
	}
	if v := os.Getenv("SESSION_STORE_ENDPOINT"); v != "" {
		c.Sessions.Endpoint = v
	}
	if v := os.Getenv("TRAJECTORY_DIR"); v != "" {
		c.Trajectory.Dir = v
	}
	if v := os.Getenv("TRAJECTORY_GROUPING"); v != "" {
		c.Trajectory.Grouping = v
	}
	if v, ok := envInt("PORT_RANGE_LO"); ok {
		c.Tools.PortRangeLo = v
	}
	if v, ok := envInt("PORT_RANGE_HI"); ok {
		c.Tools.PortRangeHi = v
	}
	if v, ok := envInt("TOOL_STARTUP_TIMEOUT_SECONDS"); ok {
		c.Tools.StartupTimeoutSeconds = v
	}
	if v, ok := envInt("TOOL_DEFAULT_CALL_TIMEOUT_SECONDS"); ok {
		c.Tools.DefaultCallTimeoutSeconds = v
	}
	if v, ok := envInt("STEP_CAP_DEFAULT"); ok {
		c.Engine.StepCapDefault = v
	}
	if v, ok := envInt("SESSION_RETENTION_DAYS"); ok {
		c.Sessions.RetentionDays = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	for _, taskType := range protocol.TaskTypes() {
		key := "WORKER_POOL_SIZE_" + envSuffix(string(taskType))
		if v, ok := envInt(key); ok {
			if c.Queue.WorkerPoolSizes == nil {
				c.Queue.WorkerPoolSizes = make(map[string]int)
			}
			c.Queue.WorkerPoolSizes[string(taskType)] = v
		}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Sessions.Validate(); err != nil {
		return err
	}
	if err := c.Trajectory.Validate(); err != nil {
		return err
	}
	if err := c.Tools.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(c.Providers); err != nil {
		return err
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSuffix(taskType string) string {
	out := make([]rune, 0, len(taskType))
	for _, r := range taskType {
		if r >= 'a' && r <= 'z' {
			r = r - 'a' + 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
