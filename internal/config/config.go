package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/vmgraph/internal/auth"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	InsightVM     InsightVMConfig     `yaml:"insightvm"`
	Sync          SyncConfig          `yaml:"sync"`
	Graph         GraphConfig         `yaml:"graph"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	AccessTokenExpiry time.Duration `yaml:"access_token_expiry"`
	// Users may exchange their password for a token at /api/v1/auth/token.
	Users []auth.User `yaml:"users"`
}

type NotificationsConfig struct {
	// OnSuccess also notifies for completed runs; failures always notify.
	OnSuccess bool              `yaml:"on_success"`
	Slack     SlackNotifyConfig `yaml:"slack"`
	Email     EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	URI       string `yaml:"uri"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	BatchSize int    `yaml:"batch_size"`
}

type InsightVMConfig struct {
	Host               string        `yaml:"host"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	AccountName        string        `yaml:"account_name"`
	PageSize           int           `yaml:"page_size"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type SyncConfig struct {
	// StageConcurrency is how many independent stages may run at once.
	StageConcurrency int `yaml:"stage_concurrency"`
	// AssetConcurrency bounds concurrent per-asset vulnerability fetches.
	AssetConcurrency int `yaml:"asset_concurrency"`
	JoinConcurrency  int `yaml:"join_concurrency"`
	// Schedule is a cron expression; empty disables the built-in sync job.
	Schedule      string        `yaml:"schedule"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
	Workers       int           `yaml:"workers"`
	RetentionDays int           `yaml:"retention_days"`
}

// Graph backends.
const (
	GraphBackendNeo4j  = "neo4j"
	GraphBackendMemory = "memory"
)

type GraphConfig struct {
	Backend string `yaml:"backend"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Graph.Backend {
	case GraphBackendNeo4j, GraphBackendMemory:
	default:
		return fmt.Errorf("graph.backend must be %q or %q, got %q", GraphBackendNeo4j, GraphBackendMemory, c.Graph.Backend)
	}
	if c.Sync.StageConcurrency < 1 || c.Sync.AssetConcurrency < 1 || c.Sync.JoinConcurrency < 1 {
		return fmt.Errorf("sync concurrency settings must be positive")
	}
	for i, u := range c.Auth.Users {
		if u.Name == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d] needs name and password_hash", i)
		}
		if !u.Role.Valid() {
			return fmt.Errorf("auth.users[%d] has unknown role %q", i, u.Role)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}
	if c.Neo4j.BatchSize == 0 {
		c.Neo4j.BatchSize = 500
	}

	if c.InsightVM.PageSize == 0 {
		c.InsightVM.PageSize = 500
	}
	if c.InsightVM.Timeout == 0 {
		c.InsightVM.Timeout = 60 * time.Second
	}

	if c.Sync.StageConcurrency == 0 {
		c.Sync.StageConcurrency = 1
	}
	if c.Sync.AssetConcurrency == 0 {
		c.Sync.AssetConcurrency = 4
	}
	if c.Sync.JoinConcurrency == 0 {
		c.Sync.JoinConcurrency = 8
	}
	if c.Sync.RunTimeout == 0 {
		c.Sync.RunTimeout = 2 * time.Hour
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 1
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = 30
	}

	if c.Graph.Backend == "" {
		c.Graph.Backend = GraphBackendNeo4j
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		slog.Warn("using default JWT secret, set auth.jwt_secret in production")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}

	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
