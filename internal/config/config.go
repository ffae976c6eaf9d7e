// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Notify    NotifyConfig    `yaml:"notify"`
	Routing   RoutingConfig   `yaml:"routing"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Dialogue  DialogueConfig  `yaml:"dialogue"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Digest    DigestConfig    `yaml:"digest"`
	Linking   LinkingConfig   `yaml:"linking"`
}

// DatabaseConfig selects and locates the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	OperatorToken string `yaml:"operator_token"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "auto", "json" or "console"
}

// QueueConfig selects the task queue backend and worker pool size.
type QueueConfig struct {
	Backend     string           `yaml:"backend"` // "memory" or "redis"
	Workers     int              `yaml:"workers"`
	MaxAttempts int              `yaml:"max_attempts"`
	Redis       RedisQueueConfig `yaml:"redis"`
}

// RedisQueueConfig holds Redis Streams settings.
type RedisQueueConfig struct {
	Addr      string `yaml:"addr"`
	Stream    string `yaml:"stream"`
	Group     string `yaml:"group"`
	Consumer  string `yaml:"consumer"`
	DLQStream string `yaml:"dlq_stream"`

	// Entries left unacknowledged this long are taken over by a live worker.
	ReclaimIdleSec     int `yaml:"reclaim_idle_sec"`
	ReclaimIntervalSec int `yaml:"reclaim_interval_sec"`
}

// NotifyConfig lists the operator notification sinks. Any subset may be set.
type NotifyConfig struct {
	Redis   RedisNotifyConfig `yaml:"redis"`
	NATS    NATSNotifyConfig  `yaml:"nats"`
	Slack   ChatNotifyConfig  `yaml:"slack"`
	Discord ChatNotifyConfig  `yaml:"discord"`
}

// RedisNotifyConfig publishes operator events on a Redis pub/sub channel.
type RedisNotifyConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// NATSNotifyConfig publishes operator events on NATS subjects.
type NATSNotifyConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ChatNotifyConfig posts operator alerts into a team chat channel.
type ChatNotifyConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// RoutingConfig tunes the routing engine.
type RoutingConfig struct {
	SendTimeoutSec            int               `yaml:"send_timeout_sec"`
	DialogueTimeoutSec        int               `yaml:"dialogue_timeout_sec"`
	DialogueFailureEscalation int               `yaml:"dialogue_failure_escalation"`
	Timezone                  string            `yaml:"timezone"`
	WelcomeText               string            `yaml:"welcome_text"`
	RatingEvent               string            `yaml:"rating_event"`
	FallbackPlatforms         map[string]string `yaml:"fallback_platforms"`
}

// DeliveryConfig holds platform policy inputs.
type DeliveryConfig struct {
	WhatsAppTemplates []string `yaml:"whatsapp_templates"`
}

// DialogueConfig selects the dialogue engine backend.
type DialogueConfig struct {
	Backend string       `yaml:"backend"` // "rasa", "openai" or "none"
	Rasa    RasaConfig   `yaml:"rasa"`
	OpenAI  OpenAIConfig `yaml:"openai"`
}

// RasaConfig points at a Rasa REST channel.
type RasaConfig struct {
	URL string `yaml:"url"`
}

// OpenAIConfig configures the chat-completion backed dialogue engine.
type OpenAIConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	SystemPrompt  string `yaml:"system_prompt"`
	HandoffMarker string `yaml:"handoff_marker"`
}

// PlatformsConfig holds per-platform credentials. A platform with empty
// credentials is not registered.
type PlatformsConfig struct {
	Twilio    TwilioConfig    `yaml:"twilio"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Mailgun   MailgunConfig   `yaml:"mailgun"`
	Azure     AzureConfig     `yaml:"azure"`
	Messenger MessengerConfig `yaml:"messenger"`
	WebChat   WebChatConfig   `yaml:"webchat"`
}

// TwilioConfig covers both SMS and WhatsApp senders.
type TwilioConfig struct {
	AccountSID   string `yaml:"account_sid"`
	AuthToken    string `yaml:"auth_token"`
	SMSFrom      string `yaml:"sms_from"`
	WhatsAppFrom string `yaml:"whatsapp_from"`
}

// TelegramConfig holds the bot token.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// MailgunConfig holds the email sending domain. SigningKey verifies
// inbound route webhooks when set.
type MailgunConfig struct {
	Domain     string `yaml:"domain"`
	APIKey     string `yaml:"api_key"`
	Region     string `yaml:"region"` // "us" or "eu"
	From       string `yaml:"from"`
	SigningKey string `yaml:"signing_key"`
}

// AzureConfig holds Bot Framework app credentials.
type AzureConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
	TokenURL    string `yaml:"token_url"`
}

// MessengerConfig holds the page token and webhook verify token. When
// AppSecret is set, webhook payload signatures are checked.
type MessengerConfig struct {
	PageAccessToken string `yaml:"page_access_token"`
	VerifyToken     string `yaml:"verify_token"`
	AppSecret       string `yaml:"app_secret"`
	GraphURL        string `yaml:"graph_url"`
}

// WebChatConfig enables the web widget channel. It publishes over the
// notify.redis connection.
type WebChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// DigestConfig schedules the waiting-conversation digest.
type DigestConfig struct {
	Cron string `yaml:"cron"`
}

// LinkingConfig enables sign-in links. The login page redirects the
// customer to /link/{state}?customer_id=...&sig=..., where sig is the hex
// HMAC-SHA256 of state, a newline and the customer id under Secret.
type LinkingConfig struct {
	LoginURL string `yaml:"login_url"`
	Secret   string `yaml:"secret"`
	TTLSec   int    `yaml:"ttl_sec"`
	DoneText string `yaml:"done_text"`
}

// DefaultWhatsAppTemplates are the Twilio sandbox templates approved for
// sending outside the 24 hour window.
var DefaultWhatsAppTemplates = []string{
	`Your (.+) code is (.+)`,
	`Your (.+) appointment is coming up on (.+) at (.+)`,
	`Your (.+) order of (.+) has shipped and should be delivered on (.+)\. Details: (.+)`,
}

// Load reads a YAML config file from path and returns a validated Config.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.Redis.Stream == "" {
		c.Queue.Redis.Stream = "switchboard_tasks"
	}
	if c.Queue.Redis.Group == "" {
		c.Queue.Redis.Group = "switchboard"
	}
	if c.Queue.Redis.ReclaimIdleSec == 0 {
		c.Queue.Redis.ReclaimIdleSec = 120
	}
	if c.Queue.Redis.ReclaimIntervalSec == 0 {
		c.Queue.Redis.ReclaimIntervalSec = 30
	}
	if c.Linking.TTLSec == 0 {
		c.Linking.TTLSec = 300
	}
	if c.Queue.Redis.DLQStream == "" {
		c.Queue.Redis.DLQStream = c.Queue.Redis.Stream + "_dlq"
	}
	if c.Queue.Redis.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "switchboard"
		}
		c.Queue.Redis.Consumer = host
	}

	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "switchboard:operators"
	}
	if c.Notify.NATS.SubjectPrefix == "" {
		c.Notify.NATS.SubjectPrefix = "switchboard"
	}

	if c.Routing.SendTimeoutSec == 0 {
		c.Routing.SendTimeoutSec = 15
	}
	if c.Routing.DialogueTimeoutSec == 0 {
		c.Routing.DialogueTimeoutSec = 10
	}
	if c.Routing.Timezone == "" {
		c.Routing.Timezone = "UTC"
	}
	if c.Routing.RatingEvent == "" {
		c.Routing.RatingEvent = "rate"
	}

	if len(c.Delivery.WhatsAppTemplates) == 0 {
		c.Delivery.WhatsAppTemplates = append([]string(nil), DefaultWhatsAppTemplates...)
	}

	if c.Dialogue.Backend == "" {
		c.Dialogue.Backend = "none"
	}
	if c.Dialogue.OpenAI.Model == "" {
		c.Dialogue.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Dialogue.OpenAI.HandoffMarker == "" {
		c.Dialogue.OpenAI.HandoffMarker = "[HUMAN]"
	}

	if c.Platforms.Mailgun.Region == "" {
		c.Platforms.Mailgun.Region = "us"
	}
	if c.Platforms.Azure.TokenURL == "" {
		c.Platforms.Azure.TokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	}
	if c.Platforms.Messenger.GraphURL == "" {
		c.Platforms.Messenger.GraphURL = "https://graph.facebook.com/v19.0"
	}
	if c.Platforms.WebChat.Channel == "" {
		c.Platforms.WebChat.Channel = "switchboard:webchat"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}

	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			errs = append(errs, "queue.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q is not supported", c.Queue.Backend))
	}
	if c.Queue.Workers < 0 {
		errs = append(errs, "queue.workers must not be negative")
	}

	if c.Routing.DialogueFailureEscalation < 0 {
		errs = append(errs, "routing.dialogue_failure_escalation must not be negative")
	}
	for from, to := range c.Routing.FallbackPlatforms {
		if from == to {
			errs = append(errs, fmt.Sprintf("routing.fallback_platforms.%s must name a different platform", from))
		}
	}

	for i, tmpl := range c.Delivery.WhatsAppTemplates {
		if _, err := regexp.Compile(tmpl); err != nil {
			errs = append(errs, fmt.Sprintf("delivery.whatsapp_templates[%d]: %v", i, err))
		}
	}

	switch c.Dialogue.Backend {
	case "none":
	case "rasa":
		if c.Dialogue.Rasa.URL == "" {
			errs = append(errs, "dialogue.rasa.url is required for the rasa backend")
		}
	case "openai":
		if c.Dialogue.OpenAI.APIKey == "" {
			errs = append(errs, "dialogue.openai.api_key is required for the openai backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("dialogue.backend %q is not supported", c.Dialogue.Backend))
	}

	if c.Platforms.WebChat.Enabled && c.Notify.Redis.Addr == "" {
		errs = append(errs, "platforms.webchat requires notify.redis.addr")
	}
	if c.Platforms.Mailgun.Domain != "" && c.Platforms.Mailgun.From == "" {
		errs = append(errs, "platforms.mailgun.from is required when a domain is set")
	}

	if (c.Linking.LoginURL == "") != (c.Linking.Secret == "") {
		errs = append(errs, "linking.login_url and linking.secret must be set together")
	}
	if c.Linking.TTLSec < 0 {
		errs = append(errs, "linking.ttl_sec must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
