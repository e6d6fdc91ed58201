/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the daemon's on-disk YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of the daemon's YAML configuration
// file, loaded once at startup.
type FileConfig struct {
	SSHProxy   SSHProxyConfig   `yaml:"ssh_proxy"`
	RDPShim    RDPShimConfig    `yaml:"rdp_shim"`
	Store      StoreConfig      `yaml:"store"`
	Recording  RecordingConfig  `yaml:"recording"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SSHProxyConfig configures the SSH listener.
type SSHProxyConfig struct {
	ListenAddress string `yaml:"listen_address"`
	HostKeyPath   string `yaml:"host_key_path"`
	AgentSocket   string `yaml:"agent_socket"`
	// EnableLegacyGrants opts into consulting the deprecated flat
	// access_grants table when the policy engine denies a connection
	// with an unknown source IP. Off by default: new deployments should
	// never need it, and leaving it on longer than a migration window
	// defeats the point of having retired the table.
	EnableLegacyGrants bool `yaml:"enable_legacy_grants"`
}

// RDPShimConfig configures the RDP access-control shim.
type RDPShimConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RecordingConfig configures session transcript storage.
type RecordingConfig struct {
	Directory          string `yaml:"directory"`
	SuppressKeystrokes bool   `yaml:"suppress_keystrokes"`
	// MaxSizeMB and MaxAgeDays are parsed and defaulted but read nowhere
	// else: the daemon's lumberjack log rotation uses fixed limits, and
	// transcripts (one file per session) are not rotated.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// LoggingConfig configures the logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// pollIntervalDefault is a sweep interval for the expiry monitor. Nothing
// references it, and no config field overrides it.
const pollIntervalDefault = 10 * time.Second

// CheckAndSetDefaults validates c and fills in defaults for everything
// left unset.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.SSHProxy.ListenAddress == "" {
		c.SSHProxy.ListenAddress = "0.0.0.0:2222"
	}
	if c.SSHProxy.HostKeyPath == "" {
		return trace.BadParameter("ssh_proxy.host_key_path is required")
	}
	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/portcullis/portcullis.db"
	}
	if c.Recording.Directory == "" {
		c.Recording.Directory = "/var/lib/portcullis/recordings"
	}
	if c.Recording.MaxSizeMB == 0 {
		c.Recording.MaxSizeMB = 100
	}
	if c.Recording.MaxAgeDays == 0 {
		c.Recording.MaxAgeDays = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = "127.0.0.1:9090"
	}
	return nil
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading config file %q", path)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config file %q", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
