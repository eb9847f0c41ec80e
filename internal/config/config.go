package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultAppName          = "chatgate"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "chatgate"
	DefaultPGSSLMode        = "disable"
	DefaultQdrantHost       = "127.0.0.1"
	DefaultQdrantPort       = 6334
	DefaultQdrantCollection = "knowledge"
	DefaultKnowledgeBackend = "postgres"
	DefaultTopK             = 3
	DefaultLLMTimeout       = "10s"
	DefaultEmbeddingTimeout = "10s"
	DefaultMaxTokens        = 2000
	DefaultHistoryTurns     = 5
	DefaultSendTimeout      = "5s"
	DefaultGraphBaseURL     = "https://graph.facebook.com"
	DefaultGraphVersion     = "v18.0"
	DefaultSendRate         = 20
	DefaultSendBurst        = 5
	DefaultWhatsAppDataDir  = "data/whatsapp"
	DefaultDedupTTL         = "10m"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	App       AppConfig       `toml:"app"`
	Auth      AuthConfig      `toml:"auth"`
	Security  SecurityConfig  `toml:"security"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Qdrant    QdrantConfig    `toml:"qdrant"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Embedding EmbeddingConfig `toml:"embedding"`
	LLM       LLMConfig       `toml:"llm"`
	Platforms PlatformsConfig `toml:"platforms"`
	Dedup     DedupConfig     `toml:"dedup"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
	// PublicURL is the externally reachable base URL used when registering
	// webhooks with platforms.
	PublicURL string `toml:"public_url" validate:"omitempty,url"`
}

// AppConfig is sent to OpenRouter-style backends as attribution headers.
type AppConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url" validate:"omitempty,url"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type SecurityConfig struct {
	// SecretKey decrypts encrypted team settings. 32 bytes, hex or base64.
	SecretKey string `toml:"secret_key"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the connection string accepted by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = DefaultPGSSLMode
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type QdrantConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	APIKey         string `toml:"api_key"`
	UseTLS         bool   `toml:"use_tls"`
	Collection     string `toml:"collection"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type KnowledgeConfig struct {
	Backend string `toml:"backend" validate:"oneof=postgres qdrant"`
	TopK    int    `toml:"top_k" validate:"gt=0"`
}

type EmbeddingConfig struct {
	Timeout     string `toml:"timeout"`
	GeminiModel string `toml:"gemini_model"`
}

func (c EmbeddingConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, DefaultEmbeddingTimeout)
}

type LLMConfig struct {
	Timeout      string `toml:"timeout"`
	MaxTokens    int    `toml:"max_tokens" validate:"gt=0"`
	HistoryTurns int    `toml:"history_turns" validate:"gt=0"`
}

func (c LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, DefaultLLMTimeout)
}

type PlatformsConfig struct {
	SendTimeout      string         `toml:"send_timeout"`
	SendRate         float64        `toml:"send_rate" validate:"gte=0"`
	SendBurst        int            `toml:"send_burst" validate:"gte=0"`
	GraphBaseURL     string         `toml:"graph_base_url" validate:"omitempty,url"`
	GraphVersion     string         `toml:"graph_version"`
	WhatsAppBusiness MetaConfig     `toml:"whatsapp_business"`
	Instagram        MetaConfig     `toml:"instagram"`
	Messenger        MetaConfig     `toml:"messenger"`
	WhatsApp         WhatsAppConfig `toml:"whatsapp"`
}

func (c PlatformsConfig) SendTimeoutDuration() time.Duration {
	return parseDuration(c.SendTimeout, DefaultSendTimeout)
}

// MetaConfig holds the deployment-wide verify token used by webhook routes
// that do not carry an integration id.
type MetaConfig struct {
	VerifyToken string `toml:"verify_token"`
}

type WhatsAppConfig struct {
	DataDir string `toml:"data_dir"`
	// ReconnectSpec is a cron spec for the linked-device reconnect sweep.
	ReconnectSpec string `toml:"reconnect_spec"`
}

type DedupConfig struct {
	Enabled bool   `toml:"enabled"`
	TTL     string `toml:"ttl"`
}

func (c DedupConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, DefaultDedupTTL)
}

func parseDuration(raw, fallback string) time.Duration {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		App: AppConfig{
			Name: DefaultAppName,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Qdrant: QdrantConfig{
			Host:       DefaultQdrantHost,
			Port:       DefaultQdrantPort,
			Collection: DefaultQdrantCollection,
		},
		Knowledge: KnowledgeConfig{
			Backend: DefaultKnowledgeBackend,
			TopK:    DefaultTopK,
		},
		Embedding: EmbeddingConfig{
			Timeout: DefaultEmbeddingTimeout,
		},
		LLM: LLMConfig{
			Timeout:      DefaultLLMTimeout,
			MaxTokens:    DefaultMaxTokens,
			HistoryTurns: DefaultHistoryTurns,
		},
		Platforms: PlatformsConfig{
			SendTimeout:  DefaultSendTimeout,
			SendRate:     DefaultSendRate,
			SendBurst:    DefaultSendBurst,
			GraphBaseURL: DefaultGraphBaseURL,
			GraphVersion: DefaultGraphVersion,
			WhatsApp: WhatsAppConfig{
				DataDir:       DefaultWhatsAppDataDir,
				ReconnectSpec: "@every 1m",
			},
		},
		Dedup: DedupConfig{
			TTL: DefaultDedupTTL,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	if _, err := toml.Decode(os.ExpandEnv(string(data)), &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks struct constraints declared through validate tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
