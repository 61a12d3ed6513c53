package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Minecraft MinecraftConfig `yaml:"minecraft"`
	Data      DataConfig      `yaml:"data"`
	Auth      AuthConfig      `yaml:"auth"`
	Backup    BackupConfig    `yaml:"backup"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`
	StaticDir  string `yaml:"static_dir"`
}

// MinecraftConfig locates the managed server installation
type MinecraftConfig struct {
	ServerDir string `yaml:"server_dir"`
	GamePort  int    `yaml:"game_port"`
}

// DataConfig holds panel state paths. Dir is the base; the database
// paths default to files inside it.
type DataConfig struct {
	Dir        string `yaml:"dir"`
	UsersDB    string `yaml:"users_db"`
	MetricsDB  string `yaml:"metrics_db"`
	AuditLog   string `yaml:"audit_log"`
	OpsJournal string `yaml:"ops_journal"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// BackupConfig holds object store settings. An empty URL starts an
// embedded server storing under StoreDir.
type BackupConfig struct {
	NATSURL  string `yaml:"nats_url"`
	Bucket   string `yaml:"bucket"`
	StoreDir string `yaml:"store_dir"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Minecraft.ServerDir == "" {
		return nil, fmt.Errorf("minecraft.server_dir is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	// Note: StaticDir intentionally has no default - empty means don't serve static files

	if c.Minecraft.GamePort == 0 {
		c.Minecraft.GamePort = 25565
	}

	if c.Data.Dir == "" {
		c.Data.Dir = "/var/lib/warden"
	}
	if c.Data.UsersDB == "" {
		c.Data.UsersDB = filepath.Join(c.Data.Dir, "users.db")
	}
	if c.Data.MetricsDB == "" {
		c.Data.MetricsDB = filepath.Join(c.Data.Dir, "metrics.db")
	}
	if c.Data.AuditLog == "" {
		c.Data.AuditLog = filepath.Join(c.Data.Dir, "audit.jsonl")
	}
	if c.Data.OpsJournal == "" {
		c.Data.OpsJournal = filepath.Join(c.Data.Dir, "operations.jsonl")
	}

	if c.Auth.TokenDuration == 0 {
		c.Auth.TokenDuration = 24 * time.Hour
	}

	if c.Backup.Bucket == "" {
		c.Backup.Bucket = "warden-backups"
	}
	if c.Backup.StoreDir == "" {
		c.Backup.StoreDir = filepath.Join(c.Data.Dir, "objstore")
	}
}
