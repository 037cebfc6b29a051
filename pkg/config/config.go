package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every runtime setting the assistant needs. Required fields are
// validated up front; optional vendor keys simply disable their adapter when
// absent.
type Config struct {
	// LLM configuration
	LLMAPIKey   string  `mapstructure:"llm_api_key"`
	ModelID     string  `mapstructure:"model_id"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	// Vendor policy: NCBI requires a contact email on every request.
	PubMedEmail string `mapstructure:"pubmed_email"`

	// Optional vendor keys. Absence disables the adapter, never errors.
	SerpAPIKey         string `mapstructure:"serpapi_key"`
	ExaAPIKey          string `mapstructure:"exa_api_key"`
	TavilyAPIKey       string `mapstructure:"tavily_api_key"`
	SemanticScholarKey string `mapstructure:"semantic_scholar_key"`
	COREKey            string `mapstructure:"core_key"`

	// Filesystem layout
	AuditLogRoot    string `mapstructure:"audit_log_root"`
	ProjectDataRoot string `mapstructure:"project_data_root"`
	HTTPCachePath   string `mapstructure:"http_cache_path"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Resilience tuning
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	ToolDeadline    time.Duration `mapstructure:"tool_deadline"`
	AgentDeadline   time.Duration `mapstructure:"agent_deadline"`
	RunCeiling      time.Duration `mapstructure:"run_ceiling"`
	BreakerFailMax  int           `mapstructure:"breaker_fail_max"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset"`
	PubMedRatePerS  float64       `mapstructure:"pubmed_rate_per_s"`
	DefaultRatePerS float64       `mapstructure:"default_rate_per_s"`
}

// Load reads configuration from the environment (optionally seeded by a .env
// file) and an optional config file path.
func Load(configPath string) (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("QI")
	v.AutomaticEnv()

	v.SetDefault("model_id", "gpt-4o-mini")
	v.SetDefault("temperature", 0.0)
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("audit_log_root", ".agent_audit_logs")
	v.SetDefault("project_data_root", "projects")
	v.SetDefault("http_cache_path", "cache/http_cache.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("cache_ttl", 24*time.Hour)
	v.SetDefault("tool_deadline", 30*time.Second)
	v.SetDefault("agent_deadline", 180*time.Second)
	v.SetDefault("run_ceiling", 15*time.Minute)
	v.SetDefault("breaker_fail_max", 5)
	v.SetDefault("breaker_reset", 60*time.Second)
	v.SetDefault("pubmed_rate_per_s", 3.0)
	v.SetDefault("default_rate_per_s", 2.0)

	// Environment variable aliases used by deployments.
	_ = v.BindEnv("llm_api_key", "QI_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("pubmed_email", "QI_PUBMED_EMAIL", "PUBMED_EMAIL")
	_ = v.BindEnv("serpapi_key", "QI_SERPAPI_KEY", "SERPAPI_KEY")
	_ = v.BindEnv("exa_api_key", "QI_EXA_API_KEY", "EXA_API_KEY")
	_ = v.BindEnv("tavily_api_key", "QI_TAVILY_KEY", "TAVILY_API_KEY")
	_ = v.BindEnv("semantic_scholar_key", "QI_SEMANTIC_SCHOLAR_KEY", "SEMANTIC_SCHOLAR_API_KEY")
	_ = v.BindEnv("core_key", "QI_CORE_KEY", "CORE_API_KEY")
	_ = v.BindEnv("audit_log_root", "QI_AUDIT_LOG_ROOT", "AUDIT_LOG_ROOT")
	_ = v.BindEnv("project_data_root", "QI_PROJECT_DATA_ROOT", "PROJECT_DATA_ROOT")
	_ = v.BindEnv("http_cache_path", "QI_HTTP_CACHE_PATH", "HTTP_CACHE_PATH")
	_ = v.BindEnv("log_level", "QI_LOG_LEVEL", "LOG_LEVEL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the required settings. Optional vendor keys are exempt.
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM API key is required (set QI_LLM_API_KEY or OPENAI_API_KEY)")
	}
	if c.PubMedEmail == "" {
		return fmt.Errorf("PubMed contact email is required (set QI_PUBMED_EMAIL)")
	}
	if c.Temperature != 0 {
		return fmt.Errorf("temperature must be 0 for reproducible agent output, got %v", c.Temperature)
	}
	return nil
}
