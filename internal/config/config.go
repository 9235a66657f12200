package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Redis        RedisConfig                `yaml:"redis"`
	Worker       WorkerConfig               `yaml:"worker"`
	Breaker      BreakerConfig              `yaml:"breaker"`
	Sweeper      SweeperConfig              `yaml:"sweeper"`
	API          APIConfig                  `yaml:"api"`
	APIAuth      APIAuthConfig              `yaml:"api_auth"`
	TargetPolicy TargetPolicyConfig         `yaml:"target_policy"`
	DefaultPool  string                     `yaml:"default_pool"`
	ScannerPools map[string][]ScannerConfig `yaml:"scanner_pools"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	// Pools names the queues this worker consumes. Empty means every
	// configured pool.
	Pools              []string      `yaml:"pools"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	DequeueTimeout     time.Duration `yaml:"dequeue_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxInFlight int           `yaml:"half_open_max_in_flight"`
}

type SweeperConfig struct {
	Schedule     string        `yaml:"schedule"` // cron expression
	CompletedTTL time.Duration `yaml:"completed_ttl"`
	FailedTTL    time.Duration `yaml:"failed_ttl"`
}

type APIConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// TrustProxy honors X-Forwarded-For / X-Real-IP for rate-limit keys.
	TrustProxy bool `yaml:"trust_proxy"`
}

type APIAuthConfig struct {
	Token       string `yaml:"token"`
	TokenHeader string `yaml:"token_header"`
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string `yaml:"jwt_secret"`
	// AdminPassword may be a bcrypt hash ($2a$/$2b$ prefix) or plaintext.
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
}

type TargetPolicyConfig struct {
	// AllowedCIDRs and AllowedHostGlobs restrict submitted targets when
	// either list is non-empty.
	AllowedCIDRs     []string `yaml:"allowed_cidrs"`
	AllowedHostGlobs []string `yaml:"allowed_host_globs"`
}

type ScannerConfig struct {
	InstanceID         string `yaml:"instance_id"`
	Name               string `yaml:"name"`
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Enabled            *bool  `yaml:"enabled"`
	MaxConcurrentScans int    `yaml:"max_concurrent_scans"`
	InsecureTLS        bool   `yaml:"insecure_tls"`
}

func (s ScannerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    "./data",
		ListenAddr: ":8080",
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Worker: WorkerConfig{
			MaxConcurrentScans: 5,
			ScanTimeout:        24 * time.Hour,
			PollInterval:       30 * time.Second,
			DequeueTimeout:     5 * time.Second,
			DrainTimeout:       60 * time.Second,
		},
	}

	if path == "" {
		return applyDefaults(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyDefaults(cfg)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(interpolateEnv(data), cfg); err != nil {
		return nil, err
	}

	return applyDefaults(cfg)
}

// interpolateEnv expands ${VAR} and ${VAR:-default} references against the
// process environment. An unset variable without a default expands to the
// empty string.
func interpolateEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return nil
	})
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Worker.MaxConcurrentScans < 1 {
		cfg.Worker.MaxConcurrentScans = 5
	}
	if cfg.Worker.ScanTimeout == 0 {
		cfg.Worker.ScanTimeout = 24 * time.Hour
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 30 * time.Second
	}
	if cfg.Worker.DequeueTimeout == 0 {
		cfg.Worker.DequeueTimeout = 5 * time.Second
	}
	if cfg.Worker.DrainTimeout == 0 {
		cfg.Worker.DrainTimeout = 60 * time.Second
	}
	if cfg.Worker.PollInterval < time.Second {
		return nil, fmt.Errorf("worker.poll_interval must be at least 1s")
	}
	if cfg.Worker.ScanTimeout < time.Minute {
		return nil, fmt.Errorf("worker.scan_timeout must be at least 1m")
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenMaxInFlight == 0 {
		cfg.Breaker.HalfOpenMaxInFlight = 1
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "@hourly"
	}
	if cfg.Sweeper.CompletedTTL == 0 {
		cfg.Sweeper.CompletedTTL = 7 * 24 * time.Hour
	}
	if cfg.Sweeper.FailedTTL == 0 {
		cfg.Sweeper.FailedTTL = 30 * 24 * time.Hour
	}
	if cfg.API.RateLimitPerMinute == 0 {
		cfg.API.RateLimitPerMinute = 60
	}
	if cfg.APIAuth.TokenHeader == "" {
		cfg.APIAuth.TokenHeader = "X-API-Token"
	}

	for _, cidr := range cfg.TargetPolicy.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return nil, fmt.Errorf("target_policy.allowed_cidrs: invalid CIDR %q", cidr)
		}
	}
	for _, pattern := range cfg.TargetPolicy.AllowedHostGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("target_policy.allowed_host_globs: invalid pattern %q", pattern)
		}
	}

	for pool, instances := range cfg.ScannerPools {
		if strings.TrimSpace(pool) == "" {
			return nil, fmt.Errorf("scanner_pools: empty pool name")
		}
		seen := make(map[string]struct{}, len(instances))
		for i := range instances {
			sc := &cfg.ScannerPools[pool][i]
			source := fmt.Sprintf("scanner_pools.%s[%d]", pool, i)
			if !instanceIDPattern.MatchString(sc.InstanceID) {
				return nil, fmt.Errorf("%s: invalid instance_id %q", source, sc.InstanceID)
			}
			if _, ok := seen[sc.InstanceID]; ok {
				return nil, fmt.Errorf("%s: duplicate instance_id %q", source, sc.InstanceID)
			}
			seen[sc.InstanceID] = struct{}{}
			if strings.TrimSpace(sc.URL) == "" {
				return nil, fmt.Errorf("%s (%s): url is required", source, sc.InstanceID)
			}
			if sc.Name == "" {
				sc.Name = sc.InstanceID
			}
			if sc.MaxConcurrentScans < 1 {
				sc.MaxConcurrentScans = 5
			}
		}
	}

	if cfg.DefaultPool == "" {
		cfg.DefaultPool = defaultPoolName(cfg.ScannerPools)
	} else if _, ok := cfg.ScannerPools[cfg.DefaultPool]; !ok && len(cfg.ScannerPools) > 0 {
		return nil, fmt.Errorf("default_pool %q is not a configured pool", cfg.DefaultPool)
	}

	workerPools := cfg.Worker.Pools
	if len(workerPools) == 0 {
		workerPools = cfg.Pools()
	}
	for _, pool := range workerPools {
		if _, ok := cfg.ScannerPools[pool]; !ok {
			return nil, fmt.Errorf("worker.pools: unknown pool %q", pool)
		}
	}
	cfg.Worker.Pools = workerPools

	return cfg, nil
}

func defaultPoolName(pools map[string][]ScannerConfig) string {
	if _, ok := pools["default"]; ok || len(pools) == 0 {
		return "default"
	}
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// Pools returns the configured pool names, sorted.
func (c *Config) Pools() []string {
	names := make([]string, 0, len(c.ScannerPools))
	for name := range c.ScannerPools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
