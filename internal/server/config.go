package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string `yaml:"addr"`

	// URL prefixes, separate so the identity endpoint can be split onto
	// its own host behind a proxy.
	BaseURL         string `yaml:"base_url"`
	IdentityBaseURL string `yaml:"identity_base_url"`
	IconsURL        string `yaml:"icons_url"`

	// Backend selects the repository: sqlite (default) or mongo.
	Backend  string `yaml:"backend"`
	DBPath   string `yaml:"db_path"`
	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`

	SigningKeyPath string `yaml:"signing_key_path"`
	Issuer         string `yaml:"issuer"`
	TokenTTLSecs   int    `yaml:"token_ttl_seconds"`
	LogLevel       string `yaml:"log_level"`

	// Signups are open by default so a fresh install can register its
	// first user; operators close them once their accounts exist.
	DisableSignups bool `yaml:"disable_signups"`

	// Derived in setDefaults.
	AllowSignups bool          `yaml:"-"`
	TokenTTL     time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:4567"
	}
	if c.BaseURL == "" {
		c.BaseURL = "/api"
	}
	if c.IdentityBaseURL == "" {
		c.IdentityBaseURL = "/identity"
	}
	if c.IconsURL == "" {
		c.IconsURL = "/icons"
	}
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.DBPath == "" {
		c.DBPath = "./keywarden.db"
	}
	if c.MongoDB == "" {
		c.MongoDB = "keywarden"
	}
	if c.SigningKeyPath == "" {
		c.SigningKeyPath = "./keywarden-signing.pem"
	}
	if c.Issuer == "" {
		c.Issuer = c.IdentityBaseURL
	}
	c.AllowSignups = !c.DisableSignups
	if c.TokenTTL <= 0 && c.TokenTTLSecs > 0 {
		c.TokenTTL = time.Duration(c.TokenTTLSecs) * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
