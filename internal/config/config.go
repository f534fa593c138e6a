package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the service configuration loaded from quarry.yaml plus
// QUARRY_* environment overrides.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Capabilities  CapabilitiesConfig  `mapstructure:"capabilities"`
	Research      ResearchConfig      `mapstructure:"research"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	Approval      ApprovalConfig      `mapstructure:"approval"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServiceConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	Environment string `mapstructure:"environment"`
	ConfigDir   string `mapstructure:"config_dir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite3 file path
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// CapabilityConfig configures one external capability client.
type CapabilityConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type CapabilitiesConfig struct {
	Generation CapabilityConfig `mapstructure:"generation"`
	Search     CapabilityConfig `mapstructure:"search"`
	Fetch      CapabilityConfig `mapstructure:"fetch"`
}

// ResearchConfig holds the pipeline's tunables.
type ResearchConfig struct {
	ResultsPerQuery   int `mapstructure:"results_per_query"`
	MaxQueries        int `mapstructure:"max_queries"`
	CandidateCap      int `mapstructure:"candidate_cap"`
	TopSources        int `mapstructure:"top_sources"`
	TargetRows        int `mapstructure:"target_rows"`
	WordCap           int `mapstructure:"word_cap"`
	SearchWorkers     int `mapstructure:"search_workers"`
	ExtractWorkers    int `mapstructure:"extract_workers"`
	MinKeywordMatches int `mapstructure:"min_keyword_matches"`
}

type BudgetConfig struct {
	Enforce    bool    `mapstructure:"enforce"`
	MaxCostUSD float64 `mapstructure:"max_cost_usd"`
	Model      string  `mapstructure:"model"`
}

type ApprovalConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	AuthToken string        `mapstructure:"auth_token"`
	MaxEdits  int           `mapstructure:"max_edits"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // off, dry-run, enforce
	Path       string `mapstructure:"path"`
	FailClosed bool   `mapstructure:"fail_closed"`
}

type ObservabilityConfig struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Load reads the config file from QUARRY_CONFIG or config/quarry.yaml
// and applies defaults and environment overrides.
func Load() (*Config, error) {
	cfgPath := os.Getenv("QUARRY_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/quarry.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		// Missing file is allowed: defaults plus env cover local use.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&c)
	c.Research = ResearchFromEnvOrDefaults(c.Research)
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.api_port", 8081)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.environment", "dev")
	v.SetDefault("service.config_dir", "config")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "quarry")
	v.SetDefault("database.database", "quarry")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("capabilities.generation.base_url", "http://llm-service:8000")
	v.SetDefault("capabilities.generation.timeout", "120s")
	v.SetDefault("capabilities.generation.rate_per_second", 2.0)
	v.SetDefault("capabilities.generation.burst", 2)
	v.SetDefault("capabilities.search.base_url", "https://google.serper.dev")
	v.SetDefault("capabilities.search.timeout", "15s")
	v.SetDefault("capabilities.search.rate_per_second", 5.0)
	v.SetDefault("capabilities.search.burst", 5)
	v.SetDefault("capabilities.fetch.timeout", "10s")
	v.SetDefault("capabilities.fetch.rate_per_second", 8.0)
	v.SetDefault("capabilities.fetch.burst", 8)
	v.SetDefault("budget.model", "default")
	v.SetDefault("approval.timeout", "30m")
	v.SetDefault("approval.max_edits", 3)
	v.SetDefault("policy.mode", "off")
	v.SetDefault("policy.path", "config/policies")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.tracing.service_name", "quarry")
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		// DSN overrides take precedence in deployment environments.
		c.Database.Host = ""
		c.Database.Path = v
	}
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		c.Capabilities.Generation.BaseURL = v
	}
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		c.Capabilities.Search.APIKey = v
	}
	if v := os.Getenv("APPROVAL_AUTH_TOKEN"); v != "" {
		c.Approval.AuthToken = v
	}
	if p := getEnvInt("API_PORT"); p > 0 {
		c.Service.APIPort = p
	}
	if p := getEnvInt("METRICS_PORT"); p > 0 {
		c.Service.MetricsPort = p
	}
}

// ResearchFromEnvOrDefaults merges env overrides over file values with
// the pipeline's documented defaults as the floor.
func ResearchFromEnvOrDefaults(rc ResearchConfig) ResearchConfig {
	if rc.ResultsPerQuery <= 0 {
		rc.ResultsPerQuery = 8
	}
	if rc.MaxQueries <= 0 {
		rc.MaxQueries = 6
	}
	if rc.CandidateCap <= 0 {
		rc.CandidateCap = 100
	}
	if rc.TopSources <= 0 {
		rc.TopSources = 50
	}
	if rc.TargetRows <= 0 {
		rc.TargetRows = 200
	}
	if rc.WordCap <= 0 {
		rc.WordCap = 4000
	}
	if rc.SearchWorkers <= 0 {
		rc.SearchWorkers = 6
	}
	if rc.ExtractWorkers <= 0 {
		rc.ExtractWorkers = 4
	}
	if rc.MinKeywordMatches <= 0 {
		rc.MinKeywordMatches = 2
	}

	if v := getEnvInt("RESEARCH_TARGET_ROWS"); v > 0 {
		rc.TargetRows = v
	}
	if v := getEnvInt("RESEARCH_TOP_SOURCES"); v > 0 {
		rc.TopSources = v
	}
	if v := getEnvInt("RESEARCH_SEARCH_WORKERS"); v > 0 {
		rc.SearchWorkers = v
	}
	if v := getEnvInt("RESEARCH_EXTRACT_WORKERS"); v > 0 {
		rc.ExtractWorkers = v
	}

	// Worker pools never exceed the supported width of 8.
	rc.SearchWorkers = clamp(rc.SearchWorkers, 1, 8)
	rc.ExtractWorkers = clamp(rc.ExtractWorkers, 1, 8)
	return rc
}

func getEnvInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var x int
	_, _ = fmt.Sscanf(v, "%d", &x)
	return x
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
