// Package config loads and validates the Archivist configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the main configuration structure for Archivist.
type Config struct {
	Discord       DiscordConfig       `yaml:"discord"`
	Database      DatabaseConfig      `yaml:"database"`
	Lease         LeaseConfig         `yaml:"lease"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Memory        MemoryConfig        `yaml:"memory"`
	LLM           LLMConfig           `yaml:"llm"`
	Persona       PersonaConfig       `yaml:"persona"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DiscordConfig struct {
	BotToken  string  `yaml:"bot_token"`
	AppID     string  `yaml:"app_id"`
	PublicKey string  `yaml:"public_key"`
	ChannelID string  `yaml:"channel_id"`
	GuildID   string  `yaml:"guild_id"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	// Driver is one of sqlite (pure Go), sqlite3 (cgo), postgres or memory.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LeaseConfig struct {
	// Backend is database or redis.
	Backend  string        `yaml:"backend"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
	RedisURL string        `yaml:"redis_url"`
}

type IngestConfig struct {
	CursorKey         string         `yaml:"cursor_key"`
	PageSize          int            `yaml:"page_size"`
	MaxMessagesPerRun int            `yaml:"max_messages_per_run"`
	Schedule          ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig describes when the sync job ticks. Cron takes precedence.
type ScheduleConfig struct {
	Cron     string        `yaml:"cron"`
	Every    time.Duration `yaml:"every"`
	Timezone string        `yaml:"timezone"`
}

type MemoryConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Backend   string `yaml:"backend"`   // sqlite-vec, pgvector, chromem
	Dimension int    `yaml:"dimension"` // Must match embedding model
	CacheSize int    `yaml:"cache_size"`

	SQLiteVec  SQLiteVecConfig  `yaml:"sqlite_vec"`
	Pgvector   PgvectorConfig   `yaml:"pgvector"`
	Chromem    ChromemConfig    `yaml:"chromem"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Search     SearchConfig     `yaml:"search"`
}

// IsEnabled reports whether semantic memory is turned on (default true).
func (m MemoryConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type SQLiteVecConfig struct {
	Path string `yaml:"path"`
}

type PgvectorConfig struct {
	// DSN is the PostgreSQL connection string. Empty reuses database.dsn
	// when database.driver is postgres.
	DSN string `yaml:"dsn"`
}

type ChromemConfig struct {
	// Path persists collections on disk. Empty keeps them in memory.
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // gemini, openai, ollama
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type IndexingConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

type SearchConfig struct {
	// Mode is semantic or recency.
	Mode          string `yaml:"mode"`
	TopK          int    `yaml:"top_k"`
	RecencyWindow int    `yaml:"recency_window"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"` // google, openai, anthropic
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	AmbientMaxTokens  int           `yaml:"ambient_max_tokens"`
	DirectedMaxTokens int           `yaml:"directed_max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
}

type PersonaConfig struct {
	Name                 string `yaml:"name"`
	AmbientInstructions  string `yaml:"ambient_instructions"`
	DirectedInstructions string `yaml:"directed_instructions"`
	FallbackReply        string `yaml:"fallback_reply"`
	EmptyReply           string `yaml:"empty_reply"`
}

type DeliveryConfig struct {
	MessageLimit   int           `yaml:"message_limit"`
	SafetyMargin   int           `yaml:"safety_margin"`
	InteractionTTL time.Duration `yaml:"interaction_ttl"`
}

// ChunkLimit is the effective per-message character ceiling.
func (d DeliveryConfig) ChunkLimit() int {
	return d.MessageLimit - d.SafetyMargin
}

type ServerConfig struct {
	Host             string `yaml:"host"`
	HTTPPort         int    `yaml:"http_port"`
	VerifySignatures *bool  `yaml:"verify_signatures"`
}

// ShouldVerify reports whether inbound interaction signatures are checked (default true).
func (s ServerConfig) ShouldVerify() bool {
	return s.VerifySignatures == nil || *s.VerifySignatures
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Discord.RateLimit == 0 {
		cfg.Discord.RateLimit = 5
	}
	if cfg.Discord.RateBurst == 0 {
		cfg.Discord.RateBurst = 10
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && isSQLite(cfg.Database.Driver) {
		cfg.Database.DSN = "archivist.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = "database"
	}
	if cfg.Lease.Key == "" {
		cfg.Lease.Key = "sync_lock"
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = 2 * time.Minute
	}
	if cfg.Ingest.CursorKey == "" {
		cfg.Ingest.CursorKey = "last_message_id"
	}
	if cfg.Ingest.PageSize == 0 {
		cfg.Ingest.PageSize = 100
	}
	if cfg.Ingest.MaxMessagesPerRun == 0 {
		cfg.Ingest.MaxMessagesPerRun = 1000
	}
	if cfg.Ingest.Schedule.Cron == "" && cfg.Ingest.Schedule.Every == 0 {
		cfg.Ingest.Schedule.Cron = "@every 1m"
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "sqlite-vec"
	}
	if cfg.Memory.Dimension == 0 {
		cfg.Memory.Dimension = 768
	}
	if cfg.Memory.CacheSize == 0 {
		cfg.Memory.CacheSize = 1000
	}
	if cfg.Memory.SQLiteVec.Path == "" {
		cfg.Memory.SQLiteVec.Path = "archivist-memory.db"
	}
	if cfg.Memory.Embeddings.Provider == "" {
		cfg.Memory.Embeddings.Provider = "gemini"
	}
	if cfg.Memory.Indexing.BatchSize == 0 {
		cfg.Memory.Indexing.BatchSize = 100
	}
	if cfg.Memory.Indexing.Concurrency == 0 {
		cfg.Memory.Indexing.Concurrency = 4
	}
	if cfg.Memory.Search.Mode == "" {
		cfg.Memory.Search.Mode = "semantic"
	}
	if cfg.Memory.Search.TopK == 0 {
		cfg.Memory.Search.TopK = 8
	}
	if cfg.Memory.Search.RecencyWindow == 0 {
		cfg.Memory.Search.RecencyWindow = 50
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.AmbientMaxTokens == 0 {
		cfg.LLM.AmbientMaxTokens = 512
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Delivery.MessageLimit == 0 {
		cfg.Delivery.MessageLimit = 2000
	}
	if cfg.Delivery.SafetyMargin == 0 {
		cfg.Delivery.SafetyMargin = 100
	}
	if cfg.Delivery.InteractionTTL == 0 {
		cfg.Delivery.InteractionTTL = 15 * time.Minute
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate returns every configuration issue found, joined.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Discord.BotToken) == "" {
		add("discord.bot_token is required")
	}
	if strings.TrimSpace(c.Discord.AppID) == "" {
		add("discord.app_id is required")
	}
	if c.Server.ShouldVerify() && strings.TrimSpace(c.Discord.PublicKey) == "" {
		add("discord.public_key is required when server.verify_signatures is on")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "memory":
	default:
		add("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required for postgres")
	}
	switch c.Lease.Backend {
	case "database":
	case "redis":
		if strings.TrimSpace(c.Lease.RedisURL) == "" {
			add("lease.redis_url is required for the redis backend")
		}
	default:
		add("lease.backend %q is not supported", c.Lease.Backend)
	}
	if c.Lease.TTL < time.Second {
		add("lease.ttl must be at least 1s")
	}
	if c.Ingest.PageSize < 1 || c.Ingest.PageSize > 100 {
		add("ingest.page_size must be between 1 and 100")
	}
	if c.Ingest.MaxMessagesPerRun < c.Ingest.PageSize {
		add("ingest.max_messages_per_run must be >= ingest.page_size")
	}
	if c.Memory.IsEnabled() {
		switch c.Memory.Backend {
		case "sqlite-vec", "pgvector", "chromem":
		default:
			add("memory.backend %q is not supported", c.Memory.Backend)
		}
		switch c.Memory.Embeddings.Provider {
		case "gemini", "openai", "ollama":
		default:
			add("memory.embeddings.provider %q is not supported", c.Memory.Embeddings.Provider)
		}
	}
	switch c.Memory.Search.Mode {
	case "semantic", "recency":
	default:
		add("memory.search.mode %q is not supported", c.Memory.Search.Mode)
	}
	switch c.LLM.Provider {
	case "google", "openai", "anthropic":
	default:
		add("llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.Delivery.ChunkLimit() < 10 {
		add("delivery.message_limit minus delivery.safety_margin must be at least 10")
	}

	if len(issues) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(issues, "; "))
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}
