package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerPort string
	DBPath     string
	LogLevel   string
	LogFormat  string

	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	EncryptionKey string

	DefaultProjectID string
	DefaultBaseURL   string
	DefaultAPIKey    string
	FallbackModels   []string
	SchemaLenient    bool

	PriceInCentsPerMTok  int64
	PriceOutCentsPerMTok int64
	CentsPerCredit       int64
	MinCreditsPerEvent   int64

	StreamEstimateInputTokens  int64
	StreamEstimateOutputTokens int64
	ReconcileNoiseFloorTokens  int64
	ReconcileDelay             time.Duration
	ReconcileMaxAttempts       int

	RateLimitWindow     time.Duration
	AnonymousDailyLimit int64
	UserDailyLimits     map[string]int64
	RateLimitBurstRPS   float64
	RedisConnString     string

	PeriodResetCron    string
	PlanCredits        map[string]int64
	MaxRolloverCredits int64

	Projects []ProjectConfig
}

// ProjectConfig 项目配置，来自 GATEWAY_CONFIG 文件
type ProjectConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Kind           string   `yaml:"kind"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	FallbackModels []string `yaml:"fallback_models"`
}

// fileConfig GATEWAY_CONFIG YAML 文件结构
type fileConfig struct {
	FallbackModels []string         `yaml:"fallback_models"`
	Projects       []ProjectConfig  `yaml:"projects"`
	Entitlements   map[string]int64 `yaml:"entitlements"`
	PlanCredits    map[string]int64 `yaml:"plan_credits"`
}

var cfg *Config

func Load() (*Config, error) {
	c := &Config{
		ServerPort: getEnv("SERVER_PORT", "16823"),
		DBPath:     getEnv("DB_PATH", "./data/gateway.db"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),

		JWTSecret:     getEnv("JWT_SECRET", "aigateway-default-secret-change-in-production"),
		JWTIssuer:     getEnv("JWT_ISSUER", "aigateway"),
		JWTAudience:   getEnv("JWT_AUDIENCE", "aigateway-api"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		DefaultProjectID: getEnv("DEFAULT_PROJECT_ID", ""),
		DefaultBaseURL:   getEnv("DEFAULT_BASE_URL", "https://openrouter.ai/api/v1"),
		DefaultAPIKey:    getEnv("DEFAULT_API_KEY", ""),
		FallbackModels:   splitList(getEnv("FALLBACK_MODELS", "")),
		SchemaLenient:    getEnvBool("SCHEMA_LENIENT", false),

		PriceInCentsPerMTok:  getEnvInt("PRICE_IN_CENTS_PER_MTOK", 150),
		PriceOutCentsPerMTok: getEnvInt("PRICE_OUT_CENTS_PER_MTOK", 600),
		CentsPerCredit:       getEnvInt("CENTS_PER_CREDIT", 20),
		MinCreditsPerEvent:   getEnvInt("MIN_CREDITS_PER_EVENT", 1),

		StreamEstimateInputTokens:  getEnvInt("STREAM_ESTIMATE_INPUT_TOKENS", 500),
		StreamEstimateOutputTokens: getEnvInt("STREAM_ESTIMATE_OUTPUT_TOKENS", 2000),
		ReconcileNoiseFloorTokens:  getEnvInt("RECONCILE_NOISE_FLOOR_TOKENS", 100),
		ReconcileDelay:             getEnvDuration("RECONCILE_DELAY", 10*time.Second),
		ReconcileMaxAttempts:       int(getEnvInt("RECONCILE_MAX_ATTEMPTS", 5)),

		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", 24*time.Hour),
		AnonymousDailyLimit: getEnvInt("ANONYMOUS_DAILY_LIMIT", 20),
		RateLimitBurstRPS:   getEnvFloat("RATE_LIMIT_BURST_RPS", 5),
		RedisConnString:     getEnv("REDIS_CONN_STRING", ""),

		PeriodResetCron:    getEnv("PERIOD_RESET_CRON", "0 0 1 * *"),
		MaxRolloverCredits: getEnvInt("MAX_ROLLOVER_CREDITS", 1000),
	}

	var err error
	if c.UserDailyLimits, err = ParseLimitMap(getEnv("USER_DAILY_LIMITS", "regular:100,pro:1000")); err != nil {
		return nil, fmt.Errorf("config: USER_DAILY_LIMITS: %w", err)
	}
	if c.PlanCredits, err = ParseLimitMap(getEnv("PLAN_CREDITS", "regular:500,pro:5000")); err != nil {
		return nil, fmt.Errorf("config: PLAN_CREDITS: %w", err)
	}

	if path := getEnv("GATEWAY_CONFIG", ""); path != "" {
		if err := c.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return cfg, nil
}

func Get() *Config {
	return cfg
}

// Set 替换全局配置，测试和 CLI 子命令使用
func Set(c *Config) {
	cfg = c
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.Projects = append(c.Projects, fc.Projects...)
	if len(c.FallbackModels) == 0 {
		c.FallbackModels = fc.FallbackModels
	}
	// 环境变量优先，文件只补充缺失的用户类型
	for userType, limit := range fc.Entitlements {
		if _, ok := c.UserDailyLimits[userType]; !ok {
			c.UserDailyLimits[userType] = limit
		}
	}
	for userType, credits := range fc.PlanCredits {
		if _, ok := c.PlanCredits[userType]; !ok {
			c.PlanCredits[userType] = credits
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.PriceInCentsPerMTok <= 0 || c.PriceOutCentsPerMTok <= 0 {
		return fmt.Errorf("config: token prices must be positive")
	}
	if c.CentsPerCredit <= 0 {
		return fmt.Errorf("config: CENTS_PER_CREDIT must be positive")
	}
	if c.MinCreditsPerEvent < 1 {
		return fmt.Errorf("config: MIN_CREDITS_PER_EVENT must be at least 1")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive")
	}
	for i, p := range c.Projects {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("config: projects[%d]: id is required", i)
		}
	}
	return nil
}

// ParseLimitMap 解析 "regular:100,pro:1000" 形式的映射
func ParseLimitMap(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, part := range splitList(raw) {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed value in %q", part)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
