package config

import "time"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Authority AuthorityConfig `yaml:"authority"`
	Issuance  IssuanceConfig  `yaml:"issuance"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

var DefaultServerConfig = ServerConfig{
	Address:         ":8443",
	ReadTimeout:     15 * time.Second,
	WriteTimeout:    30 * time.Second,
	ShutdownTimeout: 10 * time.Second,
}

// Storage drivers.
const (
	DriverBolt   = "bbolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

var DefaultStorageConfig = StorageConfig{
	Driver: DriverBolt,
	Path:   "./data/ironca.db",
}

type AuthorityConfig struct {
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	ChainFile string `yaml:"chain_file"`
	RootFile  string `yaml:"root_file"`
}

type IssuanceConfig struct {
	ValidityDays    int    `yaml:"validity_days"`
	MaxValidityDays int    `yaml:"max_validity_days"`
	DefaultKeyType  string `yaml:"default_key_type"`
	DefaultOrgUnit  string `yaml:"default_org_unit"`
}

var DefaultIssuanceConfig = IssuanceConfig{
	ValidityDays:    365,
	MaxValidityDays: 825,
	DefaultKeyType:  "ecdsa",
	DefaultOrgUnit:  "IT",
}

type APIConfig struct {
	Keys             []string `yaml:"keys"`
	AllowedNetworks  []string `yaml:"allowed_networks"`
	TrustedProxies   []string `yaml:"trusted_proxies"`
	AutoApprove      bool     `yaml:"auto_approve"`
	RateLimitPerHour int      `yaml:"rate_limit_per_hour"`
	BaseURL          string   `yaml:"base_url"`
	CORSOrigins      []string `yaml:"cors_origins"`
}

var DefaultAPIConfig = APIConfig{
	AllowedNetworks: []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"::1/128",
	},
	RateLimitPerHour: 10,
	CORSOrigins:      []string{"*"},
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var DefaultLogConfig = LogConfig{
	Level:  "info",
	Format: "json",
}

type SecretsConfig struct {
	MasterSecret string `yaml:"master_secret"`
}
