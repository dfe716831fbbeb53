// Package config handles configuration loading and validation for
// groupvault.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/groupvault/groupvault/pkg/bytesize"
)

// StorageConfig holds the blob backend settings.
type StorageConfig struct {
	Account    string `yaml:"account"`     // storage account name
	Container  string `yaml:"container"`   // blob container
	ServiceURL string `yaml:"service_url"` // optional endpoint override (emulator, sovereign clouds)

	// Identity provider settings for the client-credentials grant.
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"` // env AZURE_CLIENT_SECRET overrides

	UploadTTL   string `yaml:"upload_ttl"`   // duration string, default "600s"
	DownloadTTL string `yaml:"download_ttl"` // duration string, default "300s"

	// MaxUploadSize caps the declared size of completed uploads, e.g.
	// "100MB". Empty means no cap.
	MaxUploadSize string `yaml:"max_upload_size"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	// MasterSecret seeds every derived key. Env GROUPVAULT_MASTER_SECRET
	// overrides.
	MasterSecret string `yaml:"master_secret"`
	Issuer       string `yaml:"issuer"`
}

// LokiConfig holds Grafana Loki log shipping settings.
type LokiConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`            // push URL, e.g. "http://loki:3100"
	BatchSize     int    `yaml:"batch_size"`     // entries per push, default 100
	FlushInterval string `yaml:"flush_interval"` // duration string, default "5s"
	Instance      string `yaml:"instance"`       // instance label, defaults to hostname
}

// RateLimitConfig holds request rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// ServerConfig holds configuration for the gateway server.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	// GroupsFile points at the YAML group registry loaded at boot.
	// Deployments with a relational store plug their own metadata.Store
	// into the server instead.
	GroupsFile string          `yaml:"groups_file"`
	Storage    StorageConfig   `yaml:"storage"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Loki       LokiConfig      `yaml:"loki"`
}

// Load reads server configuration from a YAML file and applies defaults
// and environment overrides.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.UploadTTL == "" {
		c.Storage.UploadTTL = "600s"
	}
	if c.Storage.DownloadTTL == "" {
		c.Storage.DownloadTTL = "300s"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "groupvault"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 120
	}

	// Secrets prefer the environment over the config file.
	if v := os.Getenv("AZURE_CLIENT_SECRET"); v != "" {
		c.Storage.ClientSecret = v
	}
	if v := os.Getenv("GROUPVAULT_MASTER_SECRET"); v != "" {
		c.Auth.MasterSecret = v
	}
}

// Validate checks that required settings are present and parseable.
func (c *ServerConfig) Validate() error {
	if c.Storage.Account == "" && c.Storage.ServiceURL == "" {
		return fmt.Errorf("storage.account or storage.service_url is required")
	}
	if c.Storage.Container == "" {
		return fmt.Errorf("storage.container is required")
	}
	if c.Auth.MasterSecret == "" {
		return fmt.Errorf("auth.master_secret is required (or GROUPVAULT_MASTER_SECRET)")
	}
	if _, err := c.UploadTTL(); err != nil {
		return fmt.Errorf("storage.upload_ttl: %w", err)
	}
	if _, err := c.DownloadTTL(); err != nil {
		return fmt.Errorf("storage.download_ttl: %w", err)
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return fmt.Errorf("storage.max_upload_size: %w", err)
	}
	return nil
}

// MaxUploadBytes returns the parsed upload size cap, or 0 for no cap.
func (c *ServerConfig) MaxUploadBytes() (int64, error) {
	if c.Storage.MaxUploadSize == "" {
		return 0, nil
	}
	return bytesize.Parse(c.Storage.MaxUploadSize)
}

// UploadTTL returns the parsed default upload grant TTL.
func (c *ServerConfig) UploadTTL() (time.Duration, error) {
	return time.ParseDuration(c.Storage.UploadTTL)
}

// DownloadTTL returns the parsed default download grant TTL.
func (c *ServerConfig) DownloadTTL() (time.Duration, error) {
	return time.ParseDuration(c.Storage.DownloadTTL)
}

// TokenURL returns the identity provider's token endpoint.
func (c *StorageConfig) TokenURL() string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}
