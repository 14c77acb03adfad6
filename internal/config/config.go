package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort     string
	RequestTimeout time.Duration

	StoreBackend string // "memory", "valkey" or "postgres"
	ValkeyAddr   string
	ValkeyPrefix string
	PostgresDSN  string

	GeocoderAPIKey        string
	GeocoderURL           string
	GeocoderTimeout       time.Duration
	GeocodeInterCallDelay time.Duration

	GeocodeCacheBackend   string // "none", "in_memory" or "memcached"
	GeocodeCacheTTL       time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	ForecastAPIKey  string
	ForecastURL     string
	ForecastTimeout time.Duration

	WeatherMaxAge       time.Duration
	WeatherMaxRefreshes int
	CoalesceEnabled     bool
	CoalesceTimeout     time.Duration

	CoverageThreshold   float64
	DegreeStep          float64
	SearchLimit         int
	NearbyDefaultCount  int
	NearbyMaxCount      int
	NearbyDefaultRadius float64 // km

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	WarmCache       bool
	WarmInterval    time.Duration
	WarmConcurrency int
	TrackedCities   []string

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		Valkey  struct {
			Addr   string `yaml:"addr"`
			Prefix string `yaml:"prefix"`
		} `yaml:"valkey"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Geocoder struct {
		URL            string `yaml:"url"`
		Timeout        string `yaml:"timeout"`
		InterCallDelay string `yaml:"inter_call_delay"`
		Cache          struct {
			Backend   string `yaml:"backend"`
			TTL       string `yaml:"ttl"`
			Memcached struct {
				Addrs        string `yaml:"addrs"`
				Timeout      string `yaml:"timeout"`
				MaxIdleConns int    `yaml:"max_idle_conns"`
			} `yaml:"memcached"`
		} `yaml:"cache"`
	} `yaml:"geocoder"`

	Forecast struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"forecast"`

	Weather struct {
		MaxAge          string `yaml:"max_age"`
		MaxRefreshes    int    `yaml:"max_refreshes"`
		CoalesceEnabled *bool  `yaml:"coalesce_enabled"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"weather"`

	Expansion struct {
		CoverageThreshold float64 `yaml:"coverage_threshold"`
		DegreeStep        float64 `yaml:"degree_step"`
		SearchLimit       int     `yaml:"search_limit"`
		DefaultCount      int     `yaml:"default_count"`
		MaxCount          int     `yaml:"max_count"`
		DefaultRadiusKm   float64 `yaml:"default_radius_km"`
	} `yaml:"expansion"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Warming struct {
		Enabled     bool     `yaml:"enabled"`
		Interval    string   `yaml:"interval"`
		Concurrency int      `yaml:"concurrency"`
		Cities      []string `yaml:"cities"`
	} `yaml:"warming"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	GeocoderAPIKey string `yaml:"geocoder_api_key"`
	ForecastAPIKey string `yaml:"forecast_api_key"`
	PostgresDSN    string `yaml:"postgres_dsn"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API keys come from GEOCODER_API_KEY / FORECAST_API_KEY env or the secrets file.
// Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.StoreBackend = firstNonEmpty(lowerEnv("STORE_BACKEND"), strings.ToLower(strings.TrimSpace(fc.Store.Backend)), "memory")
	cfg.ValkeyAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("VALKEY_ADDR")), strings.TrimSpace(fc.Store.Valkey.Addr))
	cfg.ValkeyPrefix = firstNonEmpty(strings.TrimSpace(fc.Store.Valkey.Prefix), "cityweather")
	cfg.PostgresDSN = firstNonEmpty(strings.TrimSpace(os.Getenv("POSTGRES_DSN")), sec.PostgresDSN, strings.TrimSpace(fc.Store.Postgres.DSN))

	cfg.GeocoderAPIKey = firstNonEmpty(os.Getenv("GEOCODER_API_KEY"), sec.GeocoderAPIKey)
	if cfg.GeocoderAPIKey == "" {
		return nil, fmt.Errorf("GEOCODER_API_KEY required (set env or config/secrets.yaml geocoder_api_key)")
	}
	cfg.ForecastAPIKey = firstNonEmpty(os.Getenv("FORECAST_API_KEY"), sec.ForecastAPIKey)
	if cfg.ForecastAPIKey == "" {
		return nil, fmt.Errorf("FORECAST_API_KEY required (set env or config/secrets.yaml forecast_api_key)")
	}

	cfg.GeocoderURL = firstNonEmpty(fc.Geocoder.URL, "https://maps.googleapis.com/maps/api/geocode/json")
	cfg.GeocoderTimeout = parseDurationOrZero(fc.Geocoder.Timeout, 3*time.Second)
	cfg.GeocodeInterCallDelay = parseDurationOrZero(fc.Geocoder.InterCallDelay, 200*time.Millisecond)

	cfg.GeocodeCacheBackend = firstNonEmpty(lowerEnv("GEOCODE_CACHE_BACKEND"), strings.ToLower(strings.TrimSpace(fc.Geocoder.Cache.Backend)), "in_memory")
	cfg.GeocodeCacheTTL = parseDuration(fc.Geocoder.Cache.TTL, 24*time.Hour)
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Geocoder.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Geocoder.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Geocoder.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.ForecastURL = firstNonEmpty(fc.Forecast.URL, "https://api.pirateweather.net/forecast")
	cfg.ForecastTimeout = parseDurationOrZero(fc.Forecast.Timeout, 5*time.Second)

	cfg.WeatherMaxAge = parseDuration(fc.Weather.MaxAge, time.Hour)
	cfg.WeatherMaxRefreshes = fc.Weather.MaxRefreshes
	if cfg.WeatherMaxRefreshes <= 0 {
		cfg.WeatherMaxRefreshes = 1
	}
	cfg.CoalesceEnabled = true
	if fc.Weather.CoalesceEnabled != nil {
		cfg.CoalesceEnabled = *fc.Weather.CoalesceEnabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Weather.CoalesceTimeout, 10*time.Second)

	cfg.CoverageThreshold = fc.Expansion.CoverageThreshold
	if cfg.CoverageThreshold == 0 {
		cfg.CoverageThreshold = 0.70
	}
	cfg.DegreeStep = fc.Expansion.DegreeStep
	if cfg.DegreeStep == 0 {
		cfg.DegreeStep = 0.5
	}
	cfg.SearchLimit = fc.Expansion.SearchLimit
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 100
	}
	cfg.NearbyDefaultCount = fc.Expansion.DefaultCount
	if cfg.NearbyDefaultCount <= 0 {
		cfg.NearbyDefaultCount = 10
	}
	cfg.NearbyMaxCount = fc.Expansion.MaxCount
	if cfg.NearbyMaxCount <= 0 {
		cfg.NearbyMaxCount = 20
	}
	cfg.NearbyDefaultRadius = fc.Expansion.DefaultRadiusKm
	if cfg.NearbyDefaultRadius <= 0 {
		cfg.NearbyDefaultRadius = 50
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ReadyDelay = parseDurationOrZero(fc.Lifecycle.ReadyDelay, 0)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.WarmCache = fc.Warming.Enabled
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)
	cfg.WarmConcurrency = fc.Warming.Concurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 1
	}
	cfg.TrackedCities = fc.Warming.Cities

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func lowerEnv(name string) string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(name)))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// MinGeocodeInterCallDelay is the smallest pause allowed between paced
// reverse geocode calls.
const MinGeocodeInterCallDelay = 200 * time.Millisecond

// validate checks cross-field constraints. RequestTimeout is raised above the
// slowest upstream timeout, and NearbyMaxCount lowered to what the request
// deadline can pace, rather than rejected.
func validate(cfg *Config) error {
	if cfg.GeocoderTimeout <= 0 {
		return fmt.Errorf("geocoder.timeout must be positive")
	}
	if cfg.ForecastTimeout <= 0 {
		return fmt.Errorf("forecast.timeout must be positive")
	}
	if cfg.GeocodeInterCallDelay < MinGeocodeInterCallDelay {
		return fmt.Errorf("geocoder.inter_call_delay must be at least %v, got %v", MinGeocodeInterCallDelay, cfg.GeocodeInterCallDelay)
	}
	slowest := max(cfg.GeocoderTimeout, cfg.ForecastTimeout)
	if cfg.RequestTimeout <= slowest {
		cfg.RequestTimeout = slowest + time.Second
	}
	// A nearby fallback reverse geocodes up to NearbyMaxCount points one
	// inter_call_delay apart; that has to finish inside the request deadline
	// with room left for one slow geocoder call.
	paced := int((cfg.RequestTimeout - cfg.GeocoderTimeout) / cfg.GeocodeInterCallDelay)
	if paced < 1 {
		return fmt.Errorf("request.timeout %v leaves no room for a paced reverse geocode (geocoder.timeout %v, inter_call_delay %v)",
			cfg.RequestTimeout, cfg.GeocoderTimeout, cfg.GeocodeInterCallDelay)
	}
	if cfg.NearbyMaxCount > paced {
		cfg.NearbyMaxCount = paced
	}

	switch cfg.StoreBackend {
	case "memory":
	case "valkey":
		if cfg.ValkeyAddr == "" {
			return fmt.Errorf("store.valkey.addr required for valkey backend")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("store.postgres.dsn (or POSTGRES_DSN) required for postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, valkey or postgres, got %q", cfg.StoreBackend)
	}

	switch cfg.GeocodeCacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("geocoder.cache.backend must be none, in_memory or memcached, got %q", cfg.GeocodeCacheBackend)
	}

	if cfg.CoverageThreshold <= 0 || cfg.CoverageThreshold > 1 {
		return fmt.Errorf("expansion.coverage_threshold must be in (0, 1], got %v", cfg.CoverageThreshold)
	}
	if cfg.DegreeStep <= 0 {
		return fmt.Errorf("expansion.degree_step must be positive, got %v", cfg.DegreeStep)
	}
	if cfg.NearbyDefaultCount > cfg.NearbyMaxCount {
		cfg.NearbyDefaultCount = cfg.NearbyMaxCount
	}
	return nil
}
