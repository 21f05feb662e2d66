package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ReconnectConfig struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

type Config struct {
	// devserver
	ServerAddress string `mapstructure:"server_address"`
	DatabaseURL   string `mapstructure:"database_url"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	AllowedOrigin string `mapstructure:"allowed_origin"`

	// client
	APIBaseURL        string        `mapstructure:"api_base_url"`
	SocketURL         string        `mapstructure:"socket_url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	LogDevelopment bool `mapstructure:"log_development"`
}

// Load layers defaults, the optional file named by CONFIG_FILE and the
// environment, the environment winning. A .env file in the working
// directory is folded into the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cwd, "data", "salonchat.db")

	v := viper.New()
	v.SetDefault("server_address", ":8080")
	v.SetDefault("database_url", "sqlite://"+dbPath)
	v.SetDefault("jwt_secret", "your-secret-key")
	v.SetDefault("allowed_origin", "http://localhost:3000")
	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("socket_url", "ws://localhost:8080/ws")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("reconnect_max_delay", 5*time.Second)
	v.SetDefault("log_development", false)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Reconnect() ReconnectConfig {
	return ReconnectConfig{
		Attempts: c.ReconnectAttempts,
		Delay:    c.ReconnectDelay,
		MaxDelay: c.ReconnectMaxDelay,
	}
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}
