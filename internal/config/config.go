package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Notary   NotaryConfig   `mapstructure:"notary"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Log      LogConfig      `mapstructure:"log"`
}

type NodeConfig struct {
	ID string `mapstructure:"id"`
	// Address is the URL peers use to reach this node.
	Address  string   `mapstructure:"address"`
	BindAddr string   `mapstructure:"bind_addr"`
	DataDir  string   `mapstructure:"data_dir"`
	Peers    []string `mapstructure:"peers"`
	Seed     string   `mapstructure:"seed"`
}

type LedgerConfig struct {
	MiningSchedule    string `mapstructure:"mining_schedule"`
	ConsensusSchedule string `mapstructure:"consensus_schedule"`
	TreeCacheSize     int    `mapstructure:"tree_cache_size"`
	PeerTimeout       string `mapstructure:"peer_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type StorageConfig struct {
	Driver   string   `mapstructure:"driver"`
	LocalDir string   `mapstructure:"local_dir"`
	S3       S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Prefix    string `mapstructure:"prefix"`
	PathStyle bool   `mapstructure:"path_style"`
}

type SigningConfig struct {
	Certificate     string `mapstructure:"certificate"`
	Password        string `mapstructure:"password"`
	Page            int    `mapstructure:"page"`
	SignatureLength int    `mapstructure:"signature_length"`
	Reason          string `mapstructure:"reason"`
	Location        string `mapstructure:"location"`
	// Coordinates is "editor" when signature positions come from the web
	// editor's 800x1132 canvas, or "points" when they are PDF points.
	Coordinates string `mapstructure:"coordinates"`
}

type NotaryConfig struct {
	OriginNode    string `mapstructure:"origin_node"`
	ListenAddr    string `mapstructure:"listen_addr"`
	RetrySchedule string `mapstructure:"retry_schedule"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required keys and fills defaults. Database settings are
// only needed by the document service and are checked by
// DatabaseConfig.Validate.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.BindAddr == "" {
		c.Node.BindAddr = ":3001"
	}
	if c.Node.Address == "" {
		c.Node.Address = defaultAddress(c.Node.BindAddr)
	}

	if c.Ledger.MiningSchedule == "" {
		c.Ledger.MiningSchedule = "@every 1m"
	}
	if c.Ledger.TreeCacheSize <= 0 {
		c.Ledger.TreeCacheSize = 128
	}
	if c.Ledger.PeerTimeout == "" {
		c.Ledger.PeerTimeout = "10s"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "local"
	}
	switch c.Storage.Driver {
	case "local":
		if c.Storage.LocalDir == "" {
			c.Storage.LocalDir = "uploads"
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (valid options: local, s3)", c.Storage.Driver)
	}

	if c.Signing.Page < 0 {
		return fmt.Errorf("signing.page must not be negative")
	}
	if c.Signing.SignatureLength <= 0 {
		c.Signing.SignatureLength = 8192
	}
	switch c.Signing.Coordinates {
	case "":
		c.Signing.Coordinates = "editor"
	case "editor", "points":
	default:
		return fmt.Errorf("invalid signing.coordinates: %s (valid options: editor, points)", c.Signing.Coordinates)
	}

	if c.Notary.ListenAddr == "" {
		c.Notary.ListenAddr = ":8080"
	}
	if c.Notary.RetrySchedule == "" {
		c.Notary.RetrySchedule = "@every 5m"
	}
	if c.Notary.OriginNode == "" {
		c.Notary.OriginNode = c.Node.Address
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (valid options: debug, info, warn, error)", c.Log.Level)
	}

	return nil
}

func defaultAddress(bindAddr string) string {
	if strings.HasPrefix(bindAddr, ":") {
		return "http://localhost" + bindAddr
	}
	if strings.HasPrefix(bindAddr, "0.0.0.0:") {
		return "http://localhost" + strings.TrimPrefix(bindAddr, "0.0.0.0")
	}
	return "http://" + bindAddr
}

func (d *DatabaseConfig) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
