package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docquery/docquery/internal/search"
)

// Config holds all configuration for the document query system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Index     IndexConfig     `mapstructure:"index"`
	Search    SearchConfig    `mapstructure:"search"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

func (s ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("server.address required")
	}
	return nil
}

// StorageConfig groups the backing stores
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("storage.postgres.host required")
	}
	if p.Port == "" {
		return fmt.Errorf("storage.postgres.port required")
	}
	if p.DBName == "" {
		return fmt.Errorf("storage.postgres.dbname required")
	}
	return nil
}

// DSN renders the connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if r.Host == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if r.Port == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr renders host:port for the client.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// AuthConfig contains token settings
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	AllowSignup bool          `mapstructure:"allow_signup"`
}

func (a AuthConfig) Validate() error {
	if a.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret required")
	}
	if a.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// EmbeddingConfig selects the embedding provider and model
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

func (e EmbeddingConfig) Validate() error {
	if e.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	return nil
}

// ChunkingConfig tunes the document splitter
type ChunkingConfig struct {
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	MinChunkSize int    `mapstructure:"min_chunk_size"`
	Encoding     string `mapstructure:"encoding"`
}

func (c ChunkingConfig) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize && c.ChunkSize > 0 {
		return fmt.Errorf("chunking.chunk_overlap must be smaller than chunking.chunk_size")
	}
	return nil
}

// IndexConfig locates the vector index snapshot
type IndexConfig struct {
	Dir             string `mapstructure:"dir"`
	CompactSchedule string `mapstructure:"compact_schedule"`
}

func (i IndexConfig) Validate() error {
	if i.Dir == "" {
		return fmt.Errorf("index.dir required")
	}
	return nil
}

// SearchConfig tunes retrieval defaults
type SearchConfig struct {
	DefaultK       int           `mapstructure:"default_k"`
	DefaultAlpha   float64       `mapstructure:"default_alpha"`
	QueryCacheTTL  time.Duration `mapstructure:"query_cache_ttl"`
	EmbedCacheTTL  time.Duration `mapstructure:"embed_cache_ttl"`
}

func (s SearchConfig) Validate() error {
	if s.DefaultAlpha < 0 || s.DefaultAlpha > 1 {
		return fmt.Errorf("search.default_alpha must be in [0, 1]")
	}
	return nil
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment. Fatal problems
// panic: the process cannot do anything useful without valid configuration.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.max_upload_bytes", 33554432)
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.allow_signup", true)
	viper.SetDefault("embedding.provider", "openai")
	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimension", 1536)
	viper.SetDefault("chunking.chunk_size", 512)
	viper.SetDefault("chunking.chunk_overlap", 50)
	viper.SetDefault("chunking.min_chunk_size", 100)
	viper.SetDefault("chunking.encoding", "cl100k_base")
	viper.SetDefault("index.dir", "./data/index")
	viper.SetDefault("index.compact_schedule", "0 3 * * *")
	viper.SetDefault("search.default_k", search.DefaultK)
	viper.SetDefault("search.default_alpha", search.DefaultAlpha)
	viper.SetDefault("search.query_cache_ttl", "1h")
	viper.SetDefault("search.embed_cache_ttl", "24h")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DOCQUERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (DOCQUERY_*)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Running purely from env and defaults is fine; a broken file is not.
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Auth.Validate(); err != nil {
		panic(err)
	}
	if err := config.Embedding.Validate(); err != nil {
		panic(err)
	}
	if err := config.Chunking.Validate(); err != nil {
		panic(err)
	}
	if err := config.Index.Validate(); err != nil {
		panic(err)
	}
	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
