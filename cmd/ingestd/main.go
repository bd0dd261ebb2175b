// Command ingestd launches the market-data ingest service: one exchange
// adapter feeding a validate/transform/filter/router/buffer/output pipeline,
// with a partitioned buffer stage fanning flushed envelopes out to connected
// WebSocket clients. Grounded on cmd/gateway/main.go's bootstrap/graceful
// shutdown shape in the reference gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ingest/internal/adapter/binance"
	"github.com/coachpo/meltica-ingest/internal/clock"
	"github.com/coachpo/meltica-ingest/internal/codec"
	"github.com/coachpo/meltica-ingest/internal/config"
	"github.com/coachpo/meltica-ingest/internal/connmanager"
	"github.com/coachpo/meltica-ingest/internal/fanout"
	"github.com/coachpo/meltica-ingest/internal/pipeline"
	"github.com/coachpo/meltica-ingest/internal/pubsub"
	"github.com/coachpo/meltica-ingest/internal/record"
	"github.com/coachpo/meltica-ingest/internal/telemetry"
)

const (
	defaultConfigPath       = "config/ingest.yaml"
	ingestLoggerPrefix      = "ingestd "
	shutdownTimeout         = 30 * time.Second
	httpShutdownTimeout     = 5 * time.Second
	adapterShutdownTimeout  = 10 * time.Second
	hubShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, ingestLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadIngestConfig(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s source=%s streams=%d", cfg.Environment, cfg.SourceID, len(cfg.Streams))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	clk := clock.New()

	adapter := binance.New(clk)
	if err := adapter.Initialize(binance.Config{
		WSEndpoint:              cfg.Adapter.WSEndpoint,
		MaxConnections:          cfg.Adapter.MaxConnections,
		MaxStreamsPerConnection: cfg.Adapter.MaxStreamsPerConnection,
		HeartbeatInterval:       cfg.Adapter.HeartbeatInterval,
		PingTimeout:             cfg.Adapter.PingTimeout,
		ConnectionTimeout:       cfg.Adapter.ConnectionTimeout,
		Retry: connmanager.RetryConfig{
			InitialDelay:      cfg.Retry.InitialDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			Jitter:            cfg.Retry.Jitter,
		},
		StrictValidation:  cfg.Subscription.StrictValidation,
		MaxSubscriptions:  cfg.Subscription.MaxSubscriptions,
		DisabledDataTypes: disabledDataTypes(cfg.Subscription.DisabledDataTypes),
		SourceID:          cfg.SourceID,
	}); err != nil {
		logger.Fatalf("initialize adapter: %v", err)
	}

	hub := fanout.NewHub(clk)
	var lifecycle conc.WaitGroup
	lifecycle.Go(hub.Run)

	publisher := pubsub.NewLogPublisher(logger)
	orchestrator, buffer := buildOrchestrator(clk, cfg, publisher, hub, logger)

	if err := adapter.Start(ctx); err != nil {
		logger.Fatalf("start adapter: %v", err)
	}
	subscribeConfiguredStreams(adapter, cfg, logger)

	lifecycle.Go(func() { pumpLifecycleEvents(ctx, adapter, orchestrator, logger) })

	fanoutServer := fanout.NewServer(hub, fanout.ServerConfig{
		Path:        cfg.Fanout.Path,
		BucketRate:  rate.Limit(cfg.Fanout.ClientBucketRate),
		BucketBurst: cfg.Fanout.ClientBucketBurst,
	}, clk)
	mux := http.NewServeMux()
	mux.Handle(fanoutServer.Path(), fanoutServer)
	httpServer := &http.Server{Addr: ":8080", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lifecycle.Go(func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("fan-out server: %v", err)
		}
	})
	logger.Printf("fan-out websocket endpoint listening on %s%s", httpServer.Addr, fanoutServer.Path())

	logger.Print("ingestd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := clk.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		httpServer:   httpServer,
		adapter:      adapter,
		orchestrator: orchestrator,
		buffer:       buffer,
		hub:          hub,
		lifecycle:    &lifecycle,
		telemetry:    telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", clk.Now().Sub(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to ingest configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	logger.Printf("telemetry initialized: endpoint=%s service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	return provider, nil
}

// buildOrchestrator wires the validate/transform/filter/router/buffer/output
// chain (§4.5-4.8). The buffer stage's flush sink both publishes through the
// injected pubsub.Publisher and fans each flushed envelope out to the
// connected WebSocket clients via hub.AsFlushSink.
func buildOrchestrator(clk clock.Clock, cfg config.IngestConfig, publisher pubsub.Publisher, hub *fanout.Hub, logger *log.Logger) (*pipeline.Orchestrator, *pipeline.Buffer) {
	validateStage := pipeline.NewValidateStage(clk)
	transformStage := pipeline.NewTransformStage(clk, nil)
	filterStage := pipeline.NewFilterStage("filter", clk, func(*record.Envelope) bool { return true })
	router := pipeline.NewRouter(clk, nil)
	router.Compile(translateRouterConfig(cfg.Router))

	outputCfg := pipeline.OutputConfig{
		SourceID: cfg.SourceID,
		Encode:   encodeEnvelopeJSON,
	}
	outputStage := pipeline.NewOutputStage(clk, publisher, outputCfg)

	fanoutSink := hub.AsFlushSink()
	buffer := pipeline.NewBuffer(clk, translateBufferConfig(cfg.Buffer), func(partitionKey string, items []*record.Envelope) {
		for _, env := range items {
			if env == nil {
				continue
			}
			if _, err := outputStage.Process(context.Background(), env); err != nil {
				logger.Printf("buffer flush publish: %v", err)
			}
		}
		fanoutSink(partitionKey, items)
	})
	buffer.Start(context.Background())

	stages := []pipeline.Stage{validateStage, transformStage, filterStage, router, buffer, outputStage}
	for _, stage := range stages {
		settings := cfg.Stages[stage.Name()]
		if err := stage.Init(translateStageConfig(settings)); err != nil {
			logger.Printf("init stage %s: %v", stage.Name(), err)
		}
	}

	orchCfg := pipeline.OrchestratorConfig{
		ErrorHandling:    pipeline.ErrorStrategy(cfg.ErrorHandling.Strategy),
		MaxRetries:       cfg.ErrorHandling.MaxRetries,
		OnRetryExhausted: pipeline.ErrorStrategy(cfg.ErrorHandling.OnRetryExhausted),
		DeadLetterSink: func(env *record.Envelope, stageName string, err error) {
			logger.Printf("dead-letter: stage=%s exchange=%s symbol=%s err=%v", stageName, env.Record.Exchange, env.Record.Symbol, err)
		},
	}
	if orchCfg.ErrorHandling == "" {
		orchCfg.ErrorHandling = pipeline.StrategyContinue
	}
	return pipeline.NewOrchestrator(clk, stages, orchCfg), buffer
}

func translateStageConfig(s config.StageSettings) pipeline.StageConfig {
	out := pipeline.StageConfig{
		Enabled:       s.Enabled,
		Timeout:       s.Timeout,
		RetryCount:    s.RetryCount,
		RetryInterval: s.RetryInterval,
	}
	if s.CircuitBreaker != nil {
		out.CircuitBreaker = pipeline.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: uint32(s.CircuitBreaker.FailureThreshold),
			ResetTimeout:     s.CircuitBreaker.ResetTimeout,
		}
	}
	if s.RateLimit != nil {
		out.RateLimit = pipeline.RateLimitConfig{
			Enabled:     true,
			MaxRequests: s.RateLimit.MaxRequests,
			TimeWindow:  s.RateLimit.TimeWindow,
			Burst:       s.RateLimit.Burst,
		}
	}
	return out
}

// translateRouterConfig converts the YAML-sourced rule list (flat field ==
// value matches) into the router's tagged Condition/Target representation.
func translateRouterConfig(cfg config.RouterConfig) pipeline.RouterConfig {
	rules := make([]pipeline.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		conditions := make([]pipeline.Condition, 0, len(r.Match))
		for field, value := range r.Match {
			conditions = append(conditions, pipeline.Condition{Kind: pipeline.ConditionExact, Field: field, Value: value})
		}
		rules = append(rules, pipeline.Rule{
			ID:       r.Name,
			Name:     r.Name,
			Enabled:  true,
			Priority: r.Priority,
			Condition: pipeline.Condition{Kind: pipeline.ConditionComposite, Op: pipeline.CompositeAnd, Conditions: conditions},
			Target:   pipeline.Target{Kind: pipeline.TargetTopic, Destination: []string{r.Target}},
		})
	}
	var defaultTarget *pipeline.Target
	if cfg.DefaultTarget != "" {
		defaultTarget = &pipeline.Target{Kind: pipeline.TargetTopic, Destination: []string{cfg.DefaultTarget}}
	}
	var fallbackTarget *pipeline.Target
	if cfg.FallbackTarget != "" {
		fallbackTarget = &pipeline.Target{Kind: pipeline.TargetTopic, Destination: []string{cfg.FallbackTarget}}
	}
	return pipeline.RouterConfig{
		Rules:             rules,
		DefaultTarget:     defaultTarget,
		EnableFallback:    cfg.EnableFallback,
		FallbackTarget:    fallbackTarget,
		RoutingStrategy:   pipeline.Strategy(cfg.RoutingStrategy),
		EnableCaching:     cfg.EnableCaching,
		CacheSize:         cfg.CacheSize,
		CacheTTL:          cfg.CacheTTL,
		EnableDuplication: cfg.EnableDuplication,
	}
}

func translateBufferConfig(cfg config.BufferConfig) pipeline.BufferConfig {
	return pipeline.BufferConfig{
		MaxSize:               cfg.MaxSize,
		MaxAge:                cfg.MaxAge,
		FlushInterval:         cfg.FlushInterval,
		BackpressureThreshold: cfg.BackpressureThreshold,
		Strategy:              pipeline.BackpressureStrategy(cfg.BackpressureStrategy),
	}
}

func encodeEnvelopeJSON(env *record.Envelope) ([]byte, error) {
	return json.Marshal(env.Record)
}

func disabledDataTypes(names []string) map[codec.DataType]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[codec.DataType]bool, len(names))
	for _, n := range names {
		out[codec.DataType(n)] = true
	}
	return out
}

func subscribeConfiguredStreams(adapter *binance.Adapter, cfg config.IngestConfig, logger *log.Logger) {
	if len(cfg.Streams) == 0 {
		return
	}
	subs := make([]codec.Subscription, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		subs = append(subs, codec.Subscription{
			Symbol:   s.Symbol,
			DataType: codec.DataType(s.DataType),
			Params:   codec.Params{Interval: s.Interval, Levels: s.Levels},
		})
	}
	result, err := adapter.Subscribe(subs)
	if err != nil {
		logger.Printf("subscribe configured streams: %v", err)
		return
	}
	logger.Printf("subscribed %d configured streams (%d already active, %d failed)",
		len(result.Successful), len(result.Existing), len(result.Failed))
}

// pumpLifecycleEvents drains the adapter's lifecycle channel, running every
// DATA event's envelope through the orchestrator and logging everything
// else, until ctx is cancelled or the adapter closes its channel.
func pumpLifecycleEvents(ctx context.Context, adapter *binance.Adapter, orchestrator *pipeline.Orchestrator, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-adapter.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case binance.EventData:
				if evt.Record == nil {
					continue
				}
				result := orchestrator.Run(ctx, evt.Record)
				for _, err := range result.Errors {
					logger.Printf("pipeline error: %v", err)
				}
			case binance.EventError:
				logger.Printf("adapter error: connection=%s err=%v", evt.ConnectionID, evt.Err)
			default:
				logger.Printf("adapter event: type=%s connection=%s message=%s", evt.Type, evt.ConnectionID, evt.Message)
			}
		}
	}
}

type gracefulShutdownConfig struct {
	httpServer   *http.Server
	adapter      *binance.Adapter
	orchestrator *pipeline.Orchestrator
	buffer       *pipeline.Buffer
	hub          *fanout.Hub
	lifecycle    *conc.WaitGroup
	telemetry    *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.httpServer != nil {
		shutdownStep("stopping fan-out server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.httpServer.Shutdown(stepCtx)
		})
	}

	if cfg.adapter != nil {
		shutdownStep("stopping adapter", adapterShutdownTimeout, func(context.Context) error {
			if err := cfg.adapter.Stop(); err != nil {
				return err
			}
			return cfg.adapter.Destroy()
		})
	}

	if cfg.buffer != nil {
		shutdownStep("stopping buffer sweep", hubShutdownTimeout, func(context.Context) error {
			cfg.buffer.Stop()
			return nil
		})
	}

	if cfg.orchestrator != nil {
		shutdownStep("stopping pipeline", adapterShutdownTimeout, func(context.Context) error {
			return cfg.orchestrator.Stop()
		})
	}

	if cfg.hub != nil {
		shutdownStep("shutting down fan-out hub", hubShutdownTimeout, func(context.Context) error {
			cfg.hub.Shutdown()
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
