package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Research  ResearchConfig  `mapstructure:"research"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Retriever RetrieverConfig `mapstructure:"retriever"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	JWTSecret       string        `mapstructure:"jwt_secret"` // empty leaves the API open
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, preferring the explicit url.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// RedisConfig contains Redis connection settings. An empty host disables the status cache.
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	if r.StatusTTL <= 0 {
		return fmt.Errorf("storage.redis.status_ttl must be > 0")
	}
	return nil
}

// ResearchConfig bounds a single research run.
type ResearchConfig struct {
	MaxRequests        int `mapstructure:"max_requests"`
	MaxContextTokens   int `mapstructure:"max_context_tokens"`
	TokenTolerance     int `mapstructure:"token_tolerance"`
	CharsPerToken      int `mapstructure:"chars_per_token"`
	MinPartialTokens   int `mapstructure:"min_partial_tokens"`
	FirstSearchResults int `mapstructure:"first_search_results"`
	VideoResults       int `mapstructure:"video_results"`
	ImageResults       int `mapstructure:"image_results"`
}

func (r ResearchConfig) Validate() error {
	if r.MaxRequests < 1 {
		return fmt.Errorf("research.max_requests must be >= 1")
	}
	if r.MaxContextTokens <= 0 {
		return fmt.Errorf("research.max_context_tokens must be > 0")
	}
	if r.TokenTolerance < 0 {
		return fmt.Errorf("research.token_tolerance must be >= 0")
	}
	if r.CharsPerToken <= 0 {
		return fmt.Errorf("research.chars_per_token must be > 0")
	}
	if r.FirstSearchResults <= 0 || r.VideoResults <= 0 || r.ImageResults <= 0 {
		return fmt.Errorf("research result counts must be > 0")
	}
	return nil
}

// RateLimitConfig controls the video rate-limit guard.
type RateLimitConfig struct {
	Cooldown      time.Duration `mapstructure:"cooldown"`
	BlockPatterns []string      `mapstructure:"block_patterns"`
}

// Normalize lower-cases patterns and drops blanks.
func (c RateLimitConfig) Normalize() RateLimitConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	out := make([]string, 0, len(c.BlockPatterns))
	for _, p := range c.BlockPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	c.BlockPatterns = out
	return c
}

// OracleConfig configures the OpenAI-compatible reasoning service.
type OracleConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	DecideRetries   int           `mapstructure:"decide_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	CostLookupURL   string        `mapstructure:"cost_lookup_url"`
	CostPer1K       float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
	Referer         string        `mapstructure:"referer"`
	Title           string        `mapstructure:"title"`
}

func (o OracleConfig) Validate() error {
	if strings.TrimSpace(o.BaseURL) == "" {
		return fmt.Errorf("oracle.base_url required")
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("oracle.model required")
	}
	if o.DecideRetries < 1 {
		return fmt.Errorf("oracle.decide_retries must be >= 1")
	}
	return nil
}

// RetrieverConfig configures the SearXNG backend and page fetching.
type RetrieverConfig struct {
	SearxngURL      string        `mapstructure:"searxng_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Retries         int           `mapstructure:"retries"`
	FetchPages      bool          `mapstructure:"fetch_pages"`
	BrowserFallback bool          `mapstructure:"browser_fallback"`
	BrowserDomains  []string      `mapstructure:"browser_domains"`
	MaxContentChars int           `mapstructure:"max_content_chars"`
	Rerank          bool          `mapstructure:"rerank"`
	UserAgent       string        `mapstructure:"user_agent"`
	Proxy           ProxyConfig   `mapstructure:"proxy"`
}

// ProxyConfig routes page fetches, plain and headless, through an outbound proxy.
type ProxyConfig struct {
	Protocol string `mapstructure:"protocol"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (p ProxyConfig) Enabled() bool {
	return strings.TrimSpace(p.Host) != "" && strings.TrimSpace(p.Port) != ""
}

// URL returns the proxy address with credentials as user info, or nil when disabled.
func (p ProxyConfig) URL() *url.URL {
	if !p.Enabled() {
		return nil
	}
	scheme := strings.TrimSpace(p.Protocol)
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(strings.TrimSpace(p.Host), strings.TrimSpace(p.Port))}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (r RetrieverConfig) Validate() error {
	if strings.TrimSpace(r.SearxngURL) == "" {
		return fmt.Errorf("retriever.searxng_url required")
	}
	if _, err := url.Parse(r.SearxngURL); err != nil {
		return fmt.Errorf("retriever.searxng_url: %w", err)
	}
	if (r.Proxy.Host == "") != (r.Proxy.Port == "") {
		return fmt.Errorf("retriever.proxy needs both host and port")
	}
	switch r.Proxy.Protocol {
	case "", "http", "https", "socks5":
	default:
		return fmt.Errorf("retriever.proxy.protocol %q unsupported", r.Proxy.Protocol)
	}
	return nil
}

// QueueConfig controls the job worker.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SweeperConfig controls retention cleanup.
type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Retention time.Duration `mapstructure:"retention"`
	BatchSize int           `mapstructure:"batch_size"`
}

func (s SweeperConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Schedule) == "" {
		return fmt.Errorf("sweeper.schedule required when enabled")
	}
	if s.Retention <= 0 {
		return fmt.Errorf("sweeper.retention must be > 0")
	}
	return nil
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	Enabled        bool   `mapstructure:"enabled"` // exports traces over OTLP/gRPC
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// legacyEnv maps the environment names used by earlier deployments onto config keys.
var legacyEnv = map[string]string{
	"research.max_requests":       "AUTO_MAX_REQUESTS",
	"research.max_context_tokens": "AUTO_MAX_CONTEXT_TOKENS",
	"retriever.searxng_url":       "SEARXNG_URL",
	"retriever.timeout":           "REQUEST_TIMEOUT",
	"oracle.api_key":              "AI_API_KEY",
	"oracle.model":                "AI_MODEL",
	"oracle.base_url":             "AI_BASE_URL",
	"storage.postgres.url":        "DATABASE_URL",
	"retriever.proxy.protocol":    "PROXY_PROTOCOL",
	"retriever.proxy.host":        "PROXY_URL",
	"retriever.proxy.port":        "PROXY_PORT",
	"retriever.proxy.username":    "PROXY_USERNAME",
	"retriever.proxy.password":    "PROXY_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("storage.redis.status_ttl", 24*time.Hour)
	v.SetDefault("storage.redis.timeout", 2*time.Second)
	v.SetDefault("research.max_requests", 5)
	v.SetDefault("research.max_context_tokens", 850000)
	v.SetDefault("research.token_tolerance", 50000)
	v.SetDefault("research.chars_per_token", 4)
	v.SetDefault("research.min_partial_tokens", 100)
	v.SetDefault("research.first_search_results", 5)
	v.SetDefault("research.video_results", 3)
	v.SetDefault("research.image_results", 5)
	v.SetDefault("ratelimit.cooldown", time.Hour)
	v.SetDefault("ratelimit.block_patterns", DefaultBlockPatterns)
	v.SetDefault("oracle.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("oracle.model", "openai/gpt-4o-mini")
	v.SetDefault("oracle.timeout", 120*time.Second)
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_tokens", 4096)
	v.SetDefault("oracle.decide_retries", 3)
	v.SetDefault("oracle.retry_backoff", 2*time.Second)
	v.SetDefault("oracle.title", "autoresearch")
	v.SetDefault("retriever.searxng_url", "http://localhost:8888")
	v.SetDefault("retriever.timeout", 30*time.Second)
	v.SetDefault("retriever.retries", 1)
	v.SetDefault("retriever.fetch_pages", true)
	v.SetDefault("retriever.browser_fallback", true)
	v.SetDefault("retriever.browser_domains", []string{"twitter", "x", "facebook"})
	v.SetDefault("retriever.max_content_chars", 20000)
	v.SetDefault("retriever.rerank", false)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@hourly")
	v.SetDefault("sweeper.retention", 7*24*time.Hour)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("retriever.proxy.protocol", "http")
	v.SetDefault("retriever.proxy.host", "")
	v.SetDefault("retriever.proxy.port", "")
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "autoresearch")
}

// DefaultBlockPatterns are the provider phrases that signal a temporary video block.
var DefaultBlockPatterns = []string{
	"too many requests",
	"429",
	"rate limit",
	"suspended",
	"captcha",
	"access denied",
	"sign in to confirm",
}

// LoadConfig reads .env, the JSON config file and environment overrides.
// An empty path searches the usual locations; a missing file there is not an error.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("AUTORESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "AUTORESEARCH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.RateLimit = cfg.RateLimit.Normalize()

	for _, validate := range []func() error{
		cfg.Storage.Postgres.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Research.Validate,
		cfg.Oracle.Validate,
		cfg.Retriever.Validate,
		cfg.Sweeper.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
