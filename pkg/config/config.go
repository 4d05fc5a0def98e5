package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Risk     RiskConfig
	Tasks    TasksConfig
	Parser   ParserConfig
	Prompts  PromptsConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	UploadDir         string
	AllowedExtensions []string
	RateLimitPerMin   int
	AllowedOrigins    []string
	Development       bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	AnthropicAPIKey string
	AnthropicURL    string
	GeminiAPIKey    string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	MaxRetries      int
	RequestsPerSec  float64
	Burst           int
	CacheTTL        time.Duration
	CostPer1KTokens float64
	PurposeTimeouts map[string]int
}

// PipelineConfig drives the parse → filter → extract workflow.
type PipelineConfig struct {
	Concurrency   int
	FailureRatio  float64
	MinChunkChars int
	MaxChunkChars int
}

type RiskConfig struct {
	TocScanChars  int
	ChunkSize     int
	MaxChunkSize  int
	TodoBatchSize int
	Concurrency   int
	KeywordsFile  string
	RelatedTopK   int
	HighWeight    int
	MediumWeight  int
	LowWeight     int
	MaxRiskScore  int
	ExportDir     string
}

type TasksConfig struct {
	HeartbeatInterval time.Duration
	AbnormalAfter     time.Duration
	Expiry            time.Duration
	CleanupDays       int
}

type ParserConfig struct {
	StrategyTimeout   time.Duration
	LayoutEndpoint    string
	LayoutAPIKey      string
	LayoutModel       string
	AIModel           string
	EnabledStrategies []string
}

type PromptsConfig struct {
	Dir string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// PurposeTimeout returns the per-purpose LLM timeout, falling back to llm.timeoutSec.
func (c LLMConfig) PurposeTimeout(purpose string) time.Duration {
	if sec, ok := c.PurposeTimeouts[strings.ToLower(purpose)]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if c.TimeoutSec > 0 {
		return time.Duration(c.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or searches the default locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tenderflow")
	}

	v.SetEnvPrefix("TENDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Pipeline.FailureRatio <= 0 || c.Pipeline.FailureRatio > 1 {
		return fmt.Errorf("pipeline.failureRatio must be in (0,1], got %v", c.Pipeline.FailureRatio)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be positive")
	}
	if c.Risk.ChunkSize <= 0 || c.Risk.MaxChunkSize < c.Risk.ChunkSize {
		return fmt.Errorf("risk.maxChunkSize must be >= risk.chunkSize > 0")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 52428800)
	v.SetDefault("server.uploadDir", "./data/uploads")
	v.SetDefault("server.allowedExtensions", []string{".docx", ".txt", ".md", ".html", ".htm"})
	v.SetDefault("server.rateLimitPerMin", 120)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/tender.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 4000)
	v.SetDefault("llm.timeoutSec", 30)
	v.SetDefault("llm.maxRetries", 2)
	v.SetDefault("llm.requestsPerSec", 5.0)
	v.SetDefault("llm.burst", 4)
	v.SetDefault("llm.cacheTTL", "1h")
	v.SetDefault("llm.costPer1KTokens", 0.0006)
	v.SetDefault("llm.purposeTimeouts", map[string]int{
		"toc_navigator":      60,
		"bid_evaluator":      90,
		"todo_generator":     60,
		"compliance_auditor": 60,
	})

	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.failureRatio", 0.5)
	v.SetDefault("pipeline.minChunkChars", 20)
	v.SetDefault("pipeline.maxChunkChars", 3000)

	v.SetDefault("risk.tocScanChars", 15000)
	v.SetDefault("risk.chunkSize", 5000)
	v.SetDefault("risk.maxChunkSize", 8000)
	v.SetDefault("risk.todoBatchSize", 20)
	v.SetDefault("risk.concurrency", 4)
	v.SetDefault("risk.keywordsFile", "")
	v.SetDefault("risk.relatedTopK", 3)
	v.SetDefault("risk.highWeight", 15)
	v.SetDefault("risk.mediumWeight", 8)
	v.SetDefault("risk.lowWeight", 3)
	v.SetDefault("risk.maxRiskScore", 100)
	v.SetDefault("risk.exportDir", "./data/exports")

	v.SetDefault("tasks.heartbeatInterval", "30s")
	v.SetDefault("tasks.abnormalAfter", "5m")
	v.SetDefault("tasks.expiry", "24h")
	v.SetDefault("tasks.cleanupDays", 7)

	v.SetDefault("parser.strategyTimeout", "120s")
	v.SetDefault("parser.layoutModel", "prebuilt-layout")
	v.SetDefault("parser.enabledStrategies", []string{"outline_level", "toc_exact", "layout_service", "ai_vision"})

	v.SetDefault("prompts.dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
