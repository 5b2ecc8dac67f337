// Package config loads the YAML service configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironca/profile"
)

// MinMasterSecretLength is the shortest accepted master secret.
const MinMasterSecretLength = 16

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, errors.New("config file path is required (use --config or -c)")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

var (
	EnvServerAddress    = "IRONCA_SERVER_ADDRESS"
	EnvStorageDriver    = "IRONCA_STORAGE_DRIVER"
	EnvStoragePath      = "IRONCA_STORAGE_PATH"
	EnvAuthorityCert    = "IRONCA_AUTHORITY_CERT_FILE"
	EnvAuthorityKey     = "IRONCA_AUTHORITY_KEY_FILE"
	EnvAuthorityChain   = "IRONCA_AUTHORITY_CHAIN_FILE"
	EnvAuthorityRoot    = "IRONCA_AUTHORITY_ROOT_FILE"
	EnvAPIKeys          = "IRONCA_API_KEYS"
	EnvAPIAutoApprove   = "IRONCA_API_AUTO_APPROVE"
	EnvAPIRateLimit     = "IRONCA_API_RATE_LIMIT_PER_HOUR"
	EnvLogLevel         = "IRONCA_LOG_LEVEL"
	EnvMasterSecret     = "IRONCA_MASTER_SECRET"
	EnvIssuanceValidity = "IRONCA_ISSUANCE_VALIDITY_DAYS"
)

func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv(EnvServerAddress); v != "" {
		config.Server.Address = v
	}
	if v := os.Getenv(EnvStorageDriver); v != "" {
		config.Storage.Driver = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv(EnvAuthorityCert); v != "" {
		config.Authority.CertFile = v
	}
	if v := os.Getenv(EnvAuthorityKey); v != "" {
		config.Authority.KeyFile = v
	}
	if v := os.Getenv(EnvAuthorityChain); v != "" {
		config.Authority.ChainFile = v
	}
	if v := os.Getenv(EnvAuthorityRoot); v != "" {
		config.Authority.RootFile = v
	}
	if v := os.Getenv(EnvAPIKeys); v != "" {
		config.API.Keys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				config.API.Keys = append(config.API.Keys, k)
			}
		}
	}
	if v := os.Getenv(EnvAPIAutoApprove); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.API.AutoApprove = b
		}
	}
	if v := os.Getenv(EnvAPIRateLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.API.RateLimitPerHour = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv(EnvMasterSecret); v != "" {
		config.Secrets.MasterSecret = v
	}
	if v := os.Getenv(EnvIssuanceValidity); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Issuance.ValidityDays = n
		}
	}
}

func validateConfig(config *Config) error {
	if err := config.validateServerConfig(); err != nil {
		return err
	}
	if err := config.validateStorageConfig(); err != nil {
		return err
	}
	if err := config.validateAuthorityConfig(); err != nil {
		return err
	}
	if err := config.validateIssuanceConfig(); err != nil {
		return err
	}
	if err := config.validateAPIConfig(); err != nil {
		return err
	}
	if err := config.validateLogConfig(); err != nil {
		return err
	}
	return config.validateSecretsConfig()
}

func (c *Config) validateServerConfig() error {
	if c.Server.Address == "" {
		c.Server.Address = DefaultServerConfig.Address
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("server.address %q is invalid: %w", c.Server.Address, err)
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = DefaultServerConfig.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = DefaultServerConfig.WriteTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultServerConfig.ShutdownTimeout
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

func (c *Config) validateStorageConfig() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageConfig.Driver
	}
	switch c.Storage.Driver {
	case DriverBolt, DriverSQLite:
		if c.Storage.Path == "" {
			c.Storage.Path = DefaultStorageConfig.Path
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid storage driver: %s, options are bbolt, sqlite or memory", c.Storage.Driver)
	}
	return nil
}

func (c *Config) validateAuthorityConfig() error {
	if (c.Authority.CertFile == "") != (c.Authority.KeyFile == "") {
		return errors.New("authority.cert_file and authority.key_file must be set together")
	}
	return nil
}

func (c *Config) validateIssuanceConfig() error {
	if c.Issuance.ValidityDays == 0 {
		c.Issuance.ValidityDays = DefaultIssuanceConfig.ValidityDays
	}
	if c.Issuance.MaxValidityDays == 0 {
		c.Issuance.MaxValidityDays = DefaultIssuanceConfig.MaxValidityDays
	}
	if c.Issuance.ValidityDays < 0 || c.Issuance.MaxValidityDays < 0 {
		return errors.New("issuance validity must be positive")
	}
	if c.Issuance.ValidityDays > c.Issuance.MaxValidityDays {
		return fmt.Errorf("issuance.validity_days %d exceeds max_validity_days %d",
			c.Issuance.ValidityDays, c.Issuance.MaxValidityDays)
	}
	if c.Issuance.DefaultKeyType == "" {
		c.Issuance.DefaultKeyType = DefaultIssuanceConfig.DefaultKeyType
	}
	if _, err := profile.ParseKeyType(c.Issuance.DefaultKeyType); err != nil {
		return fmt.Errorf("issuance.default_key_type: %w", err)
	}
	if c.Issuance.DefaultOrgUnit == "" {
		c.Issuance.DefaultOrgUnit = DefaultIssuanceConfig.DefaultOrgUnit
	}
	return nil
}

func (c *Config) validateAPIConfig() error {
	if c.API.AllowedNetworks == nil {
		c.API.AllowedNetworks = append([]string(nil), DefaultAPIConfig.AllowedNetworks...)
	}
	for _, cidr := range c.API.AllowedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("api.allowed_networks: %w", err)
		}
	}
	for _, cidr := range c.API.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("api.trusted_proxies: %w", err)
		}
	}
	if c.API.RateLimitPerHour == 0 {
		c.API.RateLimitPerHour = DefaultAPIConfig.RateLimitPerHour
	}
	if c.API.RateLimitPerHour < 0 {
		return errors.New("api.rate_limit_per_hour must be positive")
	}
	for i, k := range c.API.Keys {
		if len(k) < 16 {
			return fmt.Errorf("api.keys[%d] is shorter than 16 characters", i)
		}
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = append([]string(nil), DefaultAPIConfig.CORSOrigins...)
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	return nil
}

func (c *Config) validateLogConfig() error {
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogConfig.Format
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s, options are text or json", c.Log.Format)
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogConfig.Level
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSecretsConfig() error {
	if len(c.Secrets.MasterSecret) < MinMasterSecretLength {
		return fmt.Errorf("secrets.master_secret (or %s) must be at least %d characters", EnvMasterSecret, MinMasterSecretLength)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s, options are debug, info, warn, error", s)
	}
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
