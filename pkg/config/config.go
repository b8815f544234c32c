package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Database  DatabaseConfig    `mapstructure:"database"`
	OpenAI    OpenAIConfig      `mapstructure:"openai"`
	Embedding EmbeddingConfig   `mapstructure:"embedding"`
	Models    map[string]string `mapstructure:"models"`
	Search    SearchConfig      `mapstructure:"search"`
	Usage     UsageConfig       `mapstructure:"usage"`
	Limits    LimitsConfig      `mapstructure:"limits"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Telegram  TelegramConfig    `mapstructure:"telegram"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   float64       `mapstructure:"temperature"`
	TitleModel    string        `mapstructure:"title_model"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

type SearchConfig struct {
	Backend     string         `mapstructure:"backend"`
	Limit       int            `mapstructure:"limit"`
	CatalogFile string         `mapstructure:"catalog_file"`
	Weaviate    WeaviateConfig `mapstructure:"weaviate"`
}

type WeaviateConfig struct {
	URL       string `mapstructure:"url"`
	ClassName string `mapstructure:"class_name"`
}

type UsageConfig struct {
	CatalogURL      string        `mapstructure:"catalog_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type LimitsConfig struct {
	// MaxMessagesPerDay is keyed by user type (guest, regular)
	MaxMessagesPerDay map[string]int `mapstructure:"max_messages_per_day"`
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	Burst             int            `mapstructure:"burst"`
}

type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

type TokenConfig struct {
	Token    string `mapstructure:"token"`
	UserID   string `mapstructure:"user_id"`
	UserType string `mapstructure:"user_type"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ConnString renders the lib/pq keyword/value connection string
func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.title_model", "gpt-4o-mini")
	v.SetDefault("openai.stream_timeout", 5*time.Minute)
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("models", map[string]string{
		"chat-model":           "openai:gpt-4o-mini",
		"chat-model-reasoning": "openai:o4-mini",
	})
	v.SetDefault("search.backend", "postgres")
	v.SetDefault("search.limit", 5)
	v.SetDefault("search.weaviate.class_name", "Perfume")
	v.SetDefault("usage.catalog_url", "https://models.dev/api.json")
	v.SetDefault("usage.refresh_interval", 24*time.Hour)
	v.SetDefault("limits.max_messages_per_day", map[string]int{
		"guest":   20,
		"regular": 100,
	})
	v.SetDefault("limits.requests_per_second", 1.0)
	v.SetDefault("limits.burst", 5)
	v.SetDefault("telemetry.service_name", "perfume-chat")
}

// LoadConfig reads the YAML file at path and applies defaults and
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	return &config, nil
}

// Validate checks the settings every long-running command needs
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key (or OPENAI_API_KEY) is required")
	}
	if c.Search.Limit <= 0 {
		return fmt.Errorf("search.limit must be positive, got %d", c.Search.Limit)
	}
	switch c.Search.Backend {
	case "postgres", "memory", "weaviate":
	default:
		return fmt.Errorf("unknown search.backend %q", c.Search.Backend)
	}
	if c.Search.Backend == "postgres" && c.Database.UseInMemory {
		return errors.New("search.backend postgres requires database.use_in_memory=false")
	}
	return nil
}

// QuotaFor returns the daily message quota for a user type, falling back to
// the guest quota for unknown types
func (c LimitsConfig) QuotaFor(userType string) int {
	if n, ok := c.MaxMessagesPerDay[userType]; ok {
		return n
	}
	return c.MaxMessagesPerDay["guest"]
}
