package config

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AdapterConfig configures one exchange adapter's transport (§6).
type AdapterConfig struct {
	WSEndpoint              string        `yaml:"wsEndpoint"`
	RestEndpoint            string        `yaml:"restEndpoint"`
	MaxConnections          int           `yaml:"maxConnections"`
	MaxStreamsPerConnection int           `yaml:"maxStreamsPerConnection"`
	HeartbeatInterval       time.Duration `yaml:"heartbeatInterval"`
	PingTimeout             time.Duration `yaml:"pingTimeout"`
	ConnectionTimeout       time.Duration `yaml:"connectionTimeout"`
}

// RetryConfig configures exponential reconnect backoff (§6).
type RetryConfig struct {
	MaxRetries        int           `yaml:"maxRetries"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// SubscriptionValidationConfig configures the subscription registry's
// acceptance policy (§6).
type SubscriptionValidationConfig struct {
	StrictValidation  bool     `yaml:"strictValidation"`
	SymbolPattern     string   `yaml:"symbolPattern"`
	MaxSubscriptions  int      `yaml:"maxSubscriptions"`
	DisabledDataTypes []string `yaml:"disabledDataTypes"`
}

// StreamConfig is one symbol/data-type pair to subscribe to at startup.
type StreamConfig struct {
	Symbol   string `yaml:"symbol"`
	DataType string `yaml:"dataType"`
	Interval string `yaml:"interval"`
	Levels   int    `yaml:"levels"`
}

// CircuitBreakerSettings configures a pipeline stage's circuit breaker
// (§4.5 step 2).
type CircuitBreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// RateLimitSettings configures a pipeline stage's token-bucket rate limiter
// (§4.5 step 3).
type RateLimitSettings struct {
	MaxRequests int           `yaml:"maxRequests"`
	TimeWindow  time.Duration `yaml:"timeWindow"`
	Burst       int           `yaml:"burst"`
}

// StageSettings is one pipeline stage's enable/timeout/retry/breaker/
// rate-limit configuration (§6's enumerated per-stage surface).
type StageSettings struct {
	Enabled        bool                    `yaml:"enabled"`
	Timeout        time.Duration           `yaml:"timeout"`
	RetryCount     int                     `yaml:"retryCount"`
	RetryInterval  time.Duration           `yaml:"retryInterval"`
	CircuitBreaker *CircuitBreakerSettings `yaml:"circuitBreaker"`
	RateLimit      *RateLimitSettings      `yaml:"rateLimit"`
}

// ErrorHandlingConfig selects the pipeline orchestrator's failure strategy
// (§4.8).
type ErrorHandlingConfig struct {
	Strategy         string `yaml:"strategy"`
	MaxRetries       int    `yaml:"maxRetries"`
	OnRetryExhausted string `yaml:"onRetryExhausted"`
}

// PerformanceConfig bounds pipeline concurrency and queueing (§6).
type PerformanceConfig struct {
	MaxConcurrency        int    `yaml:"maxConcurrency"`
	QueueSize             int    `yaml:"queueSize"`
	BackpressureStrategy  string `yaml:"backpressureStrategy"`
	MemoryLimitMB         int    `yaml:"memoryLimit"`
}

// BufferConfig configures the partitioned buffer stage (§4.7).
type BufferConfig struct {
	MaxSize                int           `yaml:"maxSize"`
	MaxAge                 time.Duration `yaml:"maxAge"`
	FlushInterval          time.Duration `yaml:"flushInterval"`
	BackpressureThreshold  float64       `yaml:"backpressureThreshold"`
	PartitionBy            string        `yaml:"partitionBy"`
	BackpressureStrategy   string        `yaml:"backpressureStrategy"`
	SpillTarget            string        `yaml:"spillTarget"`
}

// RouterRuleConfig is one declarative router rule (§4.6).
type RouterRuleConfig struct {
	Name      string            `yaml:"name"`
	Priority  int               `yaml:"priority"`
	Match     map[string]string `yaml:"match"`
	Target    string            `yaml:"target"`
}

// RouterConfig configures the router stage (§4.6).
type RouterConfig struct {
	Rules            []RouterRuleConfig `yaml:"rules"`
	DefaultTarget    string             `yaml:"defaultTarget"`
	EnableFallback   bool               `yaml:"enableFallback"`
	FallbackTarget   string             `yaml:"fallbackTarget"`
	RoutingStrategy  string             `yaml:"routingStrategy"`
	EnableCaching    bool               `yaml:"enableCaching"`
	CacheSize        int                `yaml:"cacheSize"`
	CacheTTL         time.Duration      `yaml:"cacheTtl"`
	EnableDuplication bool              `yaml:"enableDuplication"`
}

// FanoutConfig configures the browser-facing WebSocket fan-out server
// (§4.9).
type FanoutConfig struct {
	Path              string  `yaml:"path"`
	ClientBucketRate  float64 `yaml:"clientBucketRate"`
	ClientBucketBurst int     `yaml:"clientBucketBurst"`
}

// IngestConfig is the top-level, YAML-sourced configuration for the ingest
// service: one adapter plus the shared pipeline/buffer/router/fan-out
// surface (§6's enumerated configuration surface).
type IngestConfig struct {
	Environment  Environment                  `yaml:"environment"`
	SourceID     string                       `yaml:"sourceId"`
	Adapter      AdapterConfig                `yaml:"adapter"`
	Retry        RetryConfig                  `yaml:"retry"`
	Subscription SubscriptionValidationConfig `yaml:"subscription"`
	Streams      []StreamConfig               `yaml:"streams"`
	Stages       map[string]StageSettings     `yaml:"stages"`
	ErrorHandling ErrorHandlingConfig         `yaml:"errorHandling"`
	Performance  PerformanceConfig            `yaml:"performance"`
	Buffer       BufferConfig                 `yaml:"buffer"`
	Router       RouterConfig                 `yaml:"router"`
	Fanout       FanoutConfig                 `yaml:"fanout"`
	Telemetry    TelemetryConfig              `yaml:"telemetry"`
	PublishTopicPrefix string                 `yaml:"publishTopicPrefix"`
}

// LoadIngestConfig reads and validates an IngestConfig from the named YAML
// file, mirroring AppConfig's Load/normalise/Validate shape.
func LoadIngestConfig(ctx context.Context, configPath string) (IngestConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return IngestConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return IngestConfig{}, fmt.Errorf("read ingest config: %w", err)
	}

	var cfg IngestConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return IngestConfig{}, fmt.Errorf("unmarshal ingest config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return IngestConfig{}, err
	}
	return cfg, nil
}

func (c *IngestConfig) normalise() {
	c.Environment = Environment(normalizeExchangeName(string(c.Environment)))
	c.SourceID = strings.TrimSpace(c.SourceID)
	if c.PublishTopicPrefix == "" {
		c.PublishTopicPrefix = "ingest"
	}
	if c.Adapter.MaxConnections <= 0 {
		c.Adapter.MaxConnections = 1
	}
	if c.Fanout.Path == "" {
		c.Fanout.Path = "/ws"
	}
	if c.Performance.BackpressureStrategy == "" {
		c.Performance.BackpressureStrategy = "BLOCK"
	}
	if c.Buffer.BackpressureStrategy == "" {
		c.Buffer.BackpressureStrategy = "BLOCK"
	}
}

// Validate performs semantic validation on the configuration (§6).
func (c IngestConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.Adapter.WSEndpoint) == "" {
		return fmt.Errorf("adapter wsEndpoint required")
	}
	if c.Adapter.MaxStreamsPerConnection < 0 || c.Adapter.MaxStreamsPerConnection > 1024 {
		return fmt.Errorf("adapter maxStreamsPerConnection must be within [0, 1024]")
	}
	switch c.ErrorHandling.Strategy {
	case "", "FAIL_FAST", "CONTINUE", "RETRY":
	default:
		return fmt.Errorf("errorHandling strategy must be one of FAIL_FAST, CONTINUE, RETRY")
	}
	if c.Buffer.BackpressureThreshold < 0 || c.Buffer.BackpressureThreshold > 1 {
		return fmt.Errorf("buffer backpressureThreshold must be within [0, 1]")
	}
	switch c.Buffer.BackpressureStrategy {
	case "BLOCK", "DROP", "SPILL":
	default:
		return fmt.Errorf("buffer backpressureStrategy must be one of BLOCK, DROP, SPILL")
	}
	switch c.Router.RoutingStrategy {
	case "", "FIRST_MATCH", "ALL_MATCHES", "PRIORITY_BASED":
	default:
		return fmt.Errorf("router routingStrategy must be one of FIRST_MATCH, ALL_MATCHES, PRIORITY_BASED")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}
