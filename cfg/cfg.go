package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Secret wraps a credential so it never leaks through %v formatting.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}

func (s Secret) Value() string {
	return string(s.value)
}

func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	DatabasePath   string
	RedisURL       string
	LRUCacheSize   int
	TTL            time.Duration
	MaxContentSize int64
	RedirectURL    string
	BaseURL        string
	CDNOrigin      string
	RateLimit      RateLimitCfg
	WorkerPoolSize int
	SweepInterval  time.Duration
	ContextTimeout time.Duration
	CacheTimeout   time.Duration
	TrustedProxies []string
	MetricsUser    string
	MetricsPass    Secret
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "pastes.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedirectURL = getEnv("REDIRECT_URL", "https://github.com/est")
	c.BaseURL = getEnv("BASE_URL", "")
	c.CDNOrigin = getEnv("CDN_ORIGIN", "https://cdn.jsdelivr.net")
	var err error
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	ttlSeconds, err := getInt64("TTL_SECONDS", 86400)
	if err != nil {
		return nil, err
	}
	c.TTL = time.Duration(ttlSeconds) * time.Second
	c.MaxContentSize, err = getInt64("MAX_CONTENT_SIZE", 1<<20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", 4)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_MIN_INTERVAL", 1*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.CacheTimeout, err = getDuration("CACHE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 50)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.TTL < time.Minute {
		return errors.New("TTL_SECONDS must be at least 60")
	}
	if c.MaxContentSize <= 0 {
		return errors.New("MAX_CONTENT_SIZE must be positive")
	}
	if c.MaxContentSize > 32<<20 {
		return errors.New("MAX_CONTENT_SIZE cannot exceed 32MiB")
	}
	for _, raw := range []string{c.RedirectURL, c.CDNOrigin} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid URL in configuration: %q", raw)
		}
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid BASE_URL: %q", c.BaseURL)
		}
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("WORKER_POOL_SIZE must be positive")
	}
	if c.SweepInterval < 10*time.Second {
		return errors.New("SWEEP_MIN_INTERVAL must be at least 10s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
