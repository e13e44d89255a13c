package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath  = "config.toml"
	DefaultHTTPAddr    = ":8080"
	DefaultPGHost      = "127.0.0.1"
	DefaultPGPort      = 5432
	DefaultPGUser      = "postgres"
	DefaultPGDatabase  = "relaydesk"
	DefaultPGSSLMode   = "disable"
	DefaultJWTExpires  = "24h"
	DefaultOpenAIBase  = "https://api.openai.com/v1"
	DefaultChatModel   = "gpt-4o-mini"
	DefaultMemoryLimit = 20
)

type Config struct {
	Log        LogConfig              `toml:"log"`
	Server     ServerConfig           `toml:"server"`
	Auth       AuthConfig             `toml:"auth"`
	Postgres   PostgresConfig         `toml:"postgres"`
	Telegram   TelegramConfig         `toml:"telegram"`
	Completion CompletionConfig       `toml:"completion"`
	Guardrails GuardrailsConfig       `toml:"guardrails"`
	Dedup      DedupConfig            `toml:"dedup"`
	Handoff    HandoffConfig          `toml:"handoff"`
	Summary    SummaryConfig          `toml:"summary"`
	Agent      AgentConfig            `toml:"agent"`
	Agents     map[string]AgentConfig `toml:"agents"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
	ConsoleKey   string `toml:"console_key"`
}

// ExpiresIn parses the configured JWT lifetime, falling back to 24h.
func (a AuthConfig) ExpiresIn() time.Duration {
	d, err := time.ParseDuration(a.JWTExpiresIn)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type TelegramConfig struct {
	BotToken      string `toml:"bot_token"`
	WebhookSecret string `toml:"webhook_secret"`
}

type CompletionConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	ClassifyModel  string `toml:"classify_model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the bounded per-call timeout for completion requests.
func (c CompletionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type GuardrailsConfig struct {
	FallbackMessage string `toml:"fallback_message"`
}

type DedupConfig struct {
	RetentionSeconds     int `toml:"retention_seconds"`
	ContentWindowSeconds int `toml:"content_window_seconds"`
}

// Retention returns the external-message-id retention window.
func (d DedupConfig) Retention() time.Duration {
	if d.RetentionSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(d.RetentionSeconds) * time.Second
}

// ContentWindow returns the trailing window for content-level duplicate checks.
func (d DedupConfig) ContentWindow() time.Duration {
	if d.ContentWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.ContentWindowSeconds) * time.Second
}

type HandoffConfig struct {
	// IdleReleaseSeconds returns a claimed thread to the automated path
	// after the operator has been inactive for this long. Zero disables
	// auto-release.
	IdleReleaseSeconds int `toml:"idle_release_seconds"`
}

func (h HandoffConfig) IdleRelease() time.Duration {
	if h.IdleReleaseSeconds <= 0 {
		return 0
	}
	return time.Duration(h.IdleReleaseSeconds) * time.Second
}

type SummaryConfig struct {
	// Score thresholds mapping satisfaction (0-100) to sentiment buckets.
	// Must be strictly increasing: score < BadBelow => bad,
	// < NeutralBelow => neutral, < GoodBelow => good, else excellent.
	BadBelow     int `toml:"bad_below"`
	NeutralBelow int `toml:"neutral_below"`
	GoodBelow    int `toml:"good_below"`
}

type AgentConfig struct {
	SystemPrompt string           `toml:"system_prompt"`
	MemoryLimit  int              `toml:"memory_limit"`
	Checks       AgentCheckConfig `toml:"checks"`
	TopicsAllow  []string         `toml:"topics_allow"`
	TopicsDeny   []string         `toml:"topics_deny"`
	MaxReplyRune int              `toml:"max_reply_runes"`
	Knowledge    []string         `toml:"knowledge"`
}

type AgentCheckConfig struct {
	Toxicity bool `toml:"toxicity"`
	Content  bool `toml:"content"`
	Privacy  bool `toml:"privacy"`
	Topic    bool `toml:"topic"`
	Length   bool `toml:"length"`
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
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpires,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Completion: CompletionConfig{
			BaseURL: DefaultOpenAIBase,
			Model:   DefaultChatModel,
		},
		Guardrails: GuardrailsConfig{
			FallbackMessage: "Sorry, I can't help with that. A member of our team will follow up shortly.",
		},
		Summary: SummaryConfig{
			BadBelow:     25,
			NeutralBelow: 50,
			GoodBelow:    80,
		},
		Agent: AgentConfig{
			SystemPrompt: "You are a helpful customer support assistant.",
			MemoryLimit:  DefaultMemoryLimit,
			Checks: AgentCheckConfig{
				Toxicity: true,
				Content:  true,
				Privacy:  true,
				Length:   true,
			},
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if cfg.Summary.BadBelow >= cfg.Summary.NeutralBelow || cfg.Summary.NeutralBelow >= cfg.Summary.GoodBelow {
		return cfg, fmt.Errorf("summary thresholds must be strictly increasing")
	}

	return cfg, nil
}
