package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Local          BackendConfig        `yaml:"local"`
	Cloud          CloudConfig          `yaml:"cloud"`
	Routing        RoutingConfig        `yaml:"routing"`
	HTTP           HTTPConfig           `yaml:"http"`
	CORS           CORSConfig           `yaml:"cors"`
	RateLimit      string               `yaml:"rate_limit"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig configures the inbound listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
}

// BackendConfig contains the address and call budget of a backend.
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CloudConfig adds credentials and attribution headers to a backend.
type CloudConfig struct {
	BackendConfig `yaml:",inline"`
	APIKey        string `yaml:"api_key"`
	Referer       string `yaml:"referer"`
	Title         string `yaml:"title"`
}

// Configured reports whether the cloud backend can be called.
func (c CloudConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// RoutingConfig governs backend selection and the local model catalog.
type RoutingConfig struct {
	DefaultBackend        string        `yaml:"default_backend"`
	CatalogTTL            time.Duration `yaml:"catalog_ttl"`
	CatalogFetchTimeout   time.Duration `yaml:"catalog_fetch_timeout"`
	RefreshInterval       time.Duration `yaml:"refresh_interval"`
	VerifyLocalOnFallback bool          `yaml:"verify_local_on_fallback"`
}

// HTTPConfig sizes the outbound connection pool shared by both backends.
type HTTPConfig struct {
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// CORSConfig lists the origins allowed to call the gateway from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// CircuitBreakerConfig configures the per-backend breakers.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8192,
			ShutdownTimeout: 15 * time.Second,
			HealthTimeout:   2 * time.Second,
		},
		Local: BackendConfig{
			URL:     "http://ollama:11434",
			Timeout: 120 * time.Second,
		},
		Cloud: CloudConfig{
			BackendConfig: BackendConfig{
				URL:     "https://openrouter.ai/api/v1",
				Timeout: 60 * time.Second,
			},
			Referer: "http://localhost:8192",
			Title:   "AI Inference Proxy",
		},
		Routing: RoutingConfig{
			DefaultBackend:        "auto",
			CatalogTTL:            60 * time.Second,
			CatalogFetchTimeout:   10 * time.Second,
			RefreshInterval:       60 * time.Second,
			VerifyLocalOnFallback: true,
		},
		HTTP: HTTPConfig{
			MaxConnsPerHost: 100,
			MaxIdleConns:    20,
			IdleConnTimeout: 90 * time.Second,
			DialTimeout:     10 * time.Second,
		},
		CORS:      CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit: "100/minute",
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Tracing:   TracingConfig{Exporter: "noop"},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("OLLAMA_URL", &c.Local.URL)
	str("OPENROUTER_API_KEY", &c.Cloud.APIKey)
	str("OPENROUTER_API_URL", &c.Cloud.URL)
	str("OPENROUTER_REFERER", &c.Cloud.Referer)
	str("OPENROUTER_TITLE", &c.Cloud.Title)
	str("RATE_LIMIT", &c.RateLimit)
	str("DEFAULT_BACKEND", &c.Routing.DefaultBackend)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("PROXY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROXY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.CORS.AllowedOrigins = origins
	}
	if v, ok := lookup("VERIFY_LOCAL_ON_FALLBACK"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_LOCAL_ON_FALLBACK: %w", err)
		}
		c.Routing.VerifyLocalOnFallback = b
	}
	if v, ok := lookup("TRACING_EXPORTER"); ok && v != "" {
		c.Tracing.Exporter = v
		c.Tracing.Enabled = v != "noop"
	}

	for key, dst := range map[string]*time.Duration{
		"CATALOG_TTL":              &c.Routing.CatalogTTL,
		"CATALOG_REFRESH_INTERVAL": &c.Routing.RefreshInterval,
		"LOCAL_TIMEOUT":            &c.Local.Timeout,
		"CLOUD_TIMEOUT":            &c.Cloud.Timeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if err := checkURL("local.url", c.Local.URL); err != nil {
		return err
	}
	if err := checkURL("cloud.url", c.Cloud.URL); err != nil {
		return err
	}
	switch strings.ToLower(c.Routing.DefaultBackend) {
	case "local", "cloud", "auto":
	default:
		return fmt.Errorf("routing.default_backend %q must be local, cloud or auto", c.Routing.DefaultBackend)
	}
	if c.Routing.CatalogTTL <= 0 {
		return fmt.Errorf("routing.catalog_ttl must be positive")
	}
	if c.Local.Timeout <= 0 || c.Cloud.Timeout <= 0 {
		return fmt.Errorf("backend timeouts must be positive")
	}
	if _, err := ParseRateLimit(c.RateLimit); err != nil {
		return err
	}
	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must be an http(s) URL", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}

// RateLimit is a parsed "N/period" expression.
type RateLimit struct {
	Requests int
	Per      time.Duration
}

// ParseRateLimit parses expressions such as "100/minute", "5/second" or
// "1000/hour". An empty string disables limiting and returns a zero value.
func ParseRateLimit(s string) (RateLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RateLimit{}, nil
	}
	count, period, ok := strings.Cut(s, "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("rate limit %q: want N/period", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: invalid request count", s)
	}

	var per time.Duration
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "second", "s", "sec":
		per = time.Second
	case "minute", "m", "min":
		per = time.Minute
	case "hour", "h":
		per = time.Hour
	case "day", "d":
		per = 24 * time.Hour
	default:
		return RateLimit{}, fmt.Errorf("rate limit %q: unknown period %q", s, period)
	}
	return RateLimit{Requests: n, Per: per}, nil
}

// Enabled reports whether the limit applies.
func (r RateLimit) Enabled() bool {
	return r.Requests > 0 && r.Per > 0
}

// PerSecond is the sustained token refill rate.
func (r RateLimit) PerSecond() float64 {
	if !r.Enabled() {
		return 0
	}
	return float64(r.Requests) / r.Per.Seconds()
}
