package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Redis     RedisConfig
	LLM       LLMConfig       `mapstructure:"llm"`
	TTS       TTSConfig       `mapstructure:"tts"`
	Prompts   PromptConfig    `mapstructure:"prompts"`
	Prefetch  PrefetchConfig  `mapstructure:"prefetch"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	MigrateOnly bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

// DatabaseConfig 连接串的 scheme 决定驱动：postgres://, mysql://, sqlite://
type DatabaseConfig struct {
	URI          string `mapstructure:"uri"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogQueries   bool   `mapstructure:"log_queries"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// StorageConfig 音频对象存储配置
type StorageConfig struct {
	Type          string        `mapstructure:"type"`
	LocalPath     string        `mapstructure:"local_path"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	ServiceKey    string        `mapstructure:"service_key"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	Bucket        string        `mapstructure:"bucket"`
	AudioFormat   string        `mapstructure:"audio_format"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"` // >0 时返回限时签名地址
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Temperature    float64       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type TTSConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	ModelID        string        `mapstructure:"model_id"`
	OutputFormat   string        `mapstructure:"output_format"`
	VoiceDefault   string        `mapstructure:"voice_default_single"`
	VoiceSpeaker1  string        `mapstructure:"voice_spk1_female"`
	VoiceSpeaker2  string        `mapstructure:"voice_spk2_male"`
	Joiner         string        `mapstructure:"joiner"`
	MaxParallelism int           `mapstructure:"max_parallelism"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type PromptConfig struct {
	Dir string `mapstructure:"dir"`
}

type PrefetchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Depth      int           `mapstructure:"depth"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.uri", "sqlite://listening_game.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")
	v.SetDefault("storage.bucket", "listening")
	v.SetDefault("storage.audio_format", "mp3")
	v.SetDefault("storage.signed_url_ttl", 0)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.request_timeout", 90*time.Second)
	v.SetDefault("tts.base_url", "https://api.elevenlabs.io")
	v.SetDefault("tts.model_id", "eleven_multilingual_v2")
	v.SetDefault("tts.output_format", "mp3_44100_128")
	v.SetDefault("tts.joiner", "bytes")
	v.SetDefault("tts.max_parallelism", 4)
	v.SetDefault("tts.request_timeout", 60*time.Second)
	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prefetch.enabled", true)
	v.SetDefault("prefetch.depth", 2)
	v.SetDefault("prefetch.max_retries", 3)
	v.SetDefault("prefetch.backoff", time.Second)
	v.SetDefault("prefetch.lock_ttl", 2*time.Minute)
	v.SetDefault("rate_limit.max_requests", 600)
	v.SetDefault("rate_limit.window_minutes", 1)
}

func bindEnv(v *viper.Viper) {
	// Server / auth
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("jwt.secret", "SECRET_KEY")

	// Database
	v.BindEnv("database.uri", "DB_URI")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// LLM
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("llm.api_key", "LLM_API_KEY")
	v.BindEnv("llm.model", "LLM_MODEL")

	// TTS
	v.BindEnv("tts.base_url", "TTS_BASE_URL")
	v.BindEnv("tts.api_key", "TTS_API_KEY")
	v.BindEnv("tts.model_id", "TTS_MODEL_ID")
	v.BindEnv("tts.voice_default_single", "VOICE_DEFAULT_SINGLE")
	v.BindEnv("tts.voice_spk1_female", "VOICE_SPK1_FEMALE")
	v.BindEnv("tts.voice_spk2_male", "VOICE_SPK2_MALE")

	// Blob storage
	v.BindEnv("storage.type", "BLOB_TYPE")
	v.BindEnv("storage.endpoint", "BLOB_URL")
	v.BindEnv("storage.access_key", "BLOB_ACCESS_KEY")
	v.BindEnv("storage.service_key", "BLOB_SERVICE_KEY")
	v.BindEnv("storage.bucket", "BLOB_BUCKET")
	v.BindEnv("storage.audio_format", "BLOB_AUDIO_FORMAT")
	v.BindEnv("storage.public_base_url", "BLOB_PUBLIC_BASE_URL")
	v.BindEnv("storage.signed_url_ttl", "BLOB_SIGNED_URL_TTL")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	// Prefetch
	v.BindEnv("prefetch.enabled", "PREFETCH_ENABLED")
	v.BindEnv("prefetch.depth", "PREFETCH_DEPTH")
	v.BindEnv("prefetch.max_retries", "PREFETCH_MAX_RETRIES")
}

// LoadConfig 读取 path 目录下的 config.yaml，环境变量优先；配置文件缺失时仅使用默认值与环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LISTENING")
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode)
	}
	// 生产环境校验 SECRET_KEY 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("SECRET_KEY is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}
	if c.Database.URI == "" {
		return errors.New("DB_URI is required")
	}
	if c.Prefetch.Depth < 0 {
		return fmt.Errorf("prefetch.depth must be >= 0, got %d", c.Prefetch.Depth)
	}
	return nil
}
