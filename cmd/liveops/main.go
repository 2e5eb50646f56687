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
	"path/filepath"
	"syscall"
	"time"

	"liveops/config"
	"liveops/internal/alerts"
	"liveops/internal/analytics"
	"liveops/internal/cache"
	"liveops/internal/clickhouse"
	"liveops/internal/ingest"
	"liveops/internal/logger"
	"liveops/internal/metrics"
	"liveops/internal/notify"
	"liveops/internal/querypool"
	"liveops/internal/schema"
	"liveops/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat("liveops.yml"); err == nil {
		return "liveops.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "liveops.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "liveops.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.LiveOps.Analytics.URL == "" {
		cfg.LiveOps.Analytics.URL = "http://127.0.0.1:8123"
	}
	if cfg.LiveOps.Analytics.Database == "" {
		cfg.LiveOps.Analytics.Database = "liveops"
	}
	if cfg.LiveOps.Analytics.Timeout <= 0 {
		cfg.LiveOps.Analytics.Timeout = 5 * time.Minute
	}

	if cfg.LiveOps.Pool.Size <= 0 {
		cfg.LiveOps.Pool.Size = 4
	}
	if cfg.LiveOps.Pool.QueryTimeout <= 0 {
		cfg.LiveOps.Pool.QueryTimeout = 5 * time.Minute
	}
	if cfg.LiveOps.Pool.ShutdownGrace <= 0 {
		cfg.LiveOps.Pool.ShutdownGrace = 10 * time.Second
	}

	if cfg.LiveOps.Cache.Redis.Addr == "" {
		cfg.LiveOps.Cache.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.LiveOps.Cache.BoltPath == "" {
		cfg.LiveOps.Cache.BoltPath = "data/cache.db"
	}

	if cfg.LiveOps.Ingest.Key == "" {
		cfg.LiveOps.Ingest.Key = "analytics_events"
	}
	if cfg.LiveOps.Ingest.Queue.Addr == "" {
		cfg.LiveOps.Ingest.Queue.Addr = cfg.LiveOps.Cache.Redis.Addr
	}
	if cfg.LiveOps.Ingest.Sink.Mode == "" {
		cfg.LiveOps.Ingest.Sink.Mode = "clickhouse"
	}
	if cfg.LiveOps.Ingest.Sink.File.Path == "" {
		cfg.LiveOps.Ingest.Sink.File.Path = "output/events.jsonl"
	}

	if cfg.LiveOps.Alerts.TickInterval <= 0 {
		cfg.LiveOps.Alerts.TickInterval = time.Minute
	}
	if cfg.LiveOps.Alerts.Environment == "" {
		cfg.LiveOps.Alerts.Environment = "production"
	}
	if cfg.LiveOps.Alerts.RulesPath == "" {
		cfg.LiveOps.Alerts.RulesPath = "data/alert_rules.db"
	}

	if cfg.LiveOps.Metrics.Addr == "" {
		cfg.LiveOps.Metrics.Addr = ":9097"
	}
	if cfg.LiveOps.Logging.Level == "" {
		cfg.LiveOps.Logging.Level = "info"
	}
}

// openCache tries the shared store first, falls back to the embedded store,
// and finally runs local-only. All three are valid states.
func openCache(cfg config.CacheConfig) *cache.Tiered {
	cacheCfg := cache.Config{
		SweepInterval:  cfg.SweepInterval,
		ExtendWindow:   cfg.ExtendWindow,
		AttemptCeiling: cfg.AttemptCeiling,
	}

	backend, err := cache.NewRedisBackend(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err == nil {
		return cache.New(cacheCfg, backend)
	}
	logger.With("main").Warn().Err(err).Msg("redis cache unavailable, trying embedded fallback")

	bolt, err := cache.NewBoltBackend(cfg.BoltPath)
	if err == nil {
		return cache.New(cacheCfg, bolt)
	}
	logger.With("main").Warn().Err(err).Msg("embedded cache unavailable, running local-only")

	return cache.New(cacheCfg, nil)
}

func buildChannels(cfg config.AlertsConfig) []notify.Channel {
	var channels []notify.Channel
	if cfg.Slack.URL != "" {
		ch, err := notify.NewSlack(notify.WebhookConfig{URL: cfg.Slack.URL, Timeout: cfg.Slack.Timeout})
		if err != nil {
			log.Fatalf("Failed to create Slack channel: %v", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Discord.URL != "" {
		ch, err := notify.NewDiscord(notify.WebhookConfig{URL: cfg.Discord.URL, Timeout: cfg.Discord.Timeout})
		if err != nil {
			log.Fatalf("Failed to create Discord channel: %v", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Email.Host != "" {
		ch, err := notify.NewEmail(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		})
		if err != nil {
			log.Fatalf("Failed to create email channel: %v", err)
		}
		channels = append(channels, ch)
	}
	return channels
}

// schemaLoader fetches event schemas from the shared schema table through the
// query pool.
func schemaLoader(pool *querypool.Pool) schema.LoaderFunc {
	return func(ctx context.Context, studioID, branch, eventType string) (*models.EventSchema, error) {
		q := clickhouse.NewQuery(
			"SELECT fields FROM event_schemas" +
				" WHERE studio_id = {studio:String} AND branch = {branch:String} AND event_type = {type:String}" +
				" ORDER BY updated_at DESC LIMIT 1").
			BindString("studio", studioID).
			BindString("branch", branch).
			BindString("type", eventType)

		rows, err := pool.Submit(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(rows.Data) == 0 {
			return nil, nil
		}
		raw, _ := rows.Data[0]["fields"].(string)

		sch := &models.EventSchema{StudioID: studioID, Branch: branch, EventType: eventType}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &sch.Fields); err != nil {
				return nil, fmt.Errorf("decode schema fields: %w", err)
			}
		}
		return sch, nil
	}
}

func main() {
	configArg := flag.String("config", "", "Path to config file")
	flag.Parse()

	configPath := findConfigFile(*configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	logger.Init(logger.Config{Level: cfg.LiveOps.Logging.Level, JSON: cfg.LiveOps.Logging.JSON})
	mainLog := logger.With("main")
	mainLog.Info().Str("config", configPath).Msg("liveops starting")

	metrics.Register()
	if cfg.LiveOps.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.LiveOps.Metrics.Addr, mux); err != nil {
				mainLog.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		mainLog.Info().Str("addr", cfg.LiveOps.Metrics.Addr).Msg("metrics endpoint listening")
	}

	tiered := openCache(cfg.LiveOps.Cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chCfg := clickhouse.Config{
		URL:      cfg.LiveOps.Analytics.URL,
		Database: cfg.LiveOps.Analytics.Database,
		Username: cfg.LiveOps.Analytics.Username,
		Password: cfg.LiveOps.Analytics.Password,
		Timeout:  cfg.LiveOps.Analytics.Timeout,
	}
	pool, err := querypool.New(ctx, querypool.Config{
		Size:          cfg.LiveOps.Pool.Size,
		QueryTimeout:  cfg.LiveOps.Pool.QueryTimeout,
		ShutdownGrace: cfg.LiveOps.Pool.ShutdownGrace,
		Dial: func(ctx context.Context) (querypool.Execer, error) {
			conn, err := clickhouse.NewConn(chCfg)
			if err != nil {
				return nil, err
			}
			if err := conn.Ping(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
	})
	if err != nil {
		log.Fatalf("Failed to start query pool: %v", err)
	}

	var evaluator *alerts.Evaluator
	var ruleStore *alerts.RuleStore
	if cfg.LiveOps.Alerts.Enabled {
		schemas := schema.New(tiered, schemaLoader(pool), cfg.LiveOps.Analytics.SchemaTTL)
		service := analytics.New(pool, tiered, schemas, cfg.LiveOps.Analytics.ResponseTTL)

		ruleStore, err = alerts.NewRuleStore(cfg.LiveOps.Alerts.RulesPath)
		if err != nil {
			log.Fatalf("Failed to open alert rule store: %v", err)
		}
		evaluator = alerts.NewEvaluator(alerts.Config{
			TickInterval: cfg.LiveOps.Alerts.TickInterval,
			Environment:  cfg.LiveOps.Alerts.Environment,
		}, ruleStore, service, buildChannels(cfg.LiveOps.Alerts))
		evaluator.Start()
	}

	var pipeline *ingest.Pipeline
	pipelineDone := make(chan struct{})
	if cfg.LiveOps.Ingest.Enabled {
		consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
			Addr:         cfg.LiveOps.Ingest.Queue.Addr,
			Password:     cfg.LiveOps.Ingest.Queue.Password,
			DB:           cfg.LiveOps.Ingest.Queue.DB,
			Key:          cfg.LiveOps.Ingest.Key,
			BlockTimeout: cfg.LiveOps.Ingest.BlockTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to create queue consumer: %v", err)
		}

		var sink ingest.EventSink
		switch cfg.LiveOps.Ingest.Sink.Mode {
		case "file":
			sink, err = ingest.NewFileSink(cfg.LiveOps.Ingest.Sink.File.Path)
			if err != nil {
				log.Fatalf("Failed to create file sink: %v", err)
			}
		case "clickhouse":
			conn, err := clickhouse.NewConn(chCfg)
			if err != nil {
				log.Fatalf("Failed to create ingest store connection: %v", err)
			}
			sink = ingest.NewClickHouseSink(conn)
		default:
			log.Fatalf("Unknown ingest sink mode: %s", cfg.LiveOps.Ingest.Sink.Mode)
		}

		pipeline = ingest.NewPipeline(consumer, sink, tiered, ingest.PipelineConfig{
			Workers:       cfg.LiveOps.Ingest.Workers,
			BatchSize:     cfg.LiveOps.Ingest.BatchSize,
			FlushInterval: cfg.LiveOps.Ingest.FlushInterval,
			RecentLimit:   cfg.LiveOps.Ingest.RecentLimit,
		})
		go func() {
			defer close(pipelineDone)
			if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
				mainLog.Error().Err(err).Msg("ingest pipeline exited")
			}
		}()
	} else {
		close(pipelineDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	mainLog.Info().Str("signal", sig.String()).Msg("shutting down")

	// Stop intake first, then drain with bounded waits, then force-close.
	cancel()
	select {
	case <-pipelineDone:
	case <-time.After(15 * time.Second):
		mainLog.Warn().Msg("ingest pipeline did not drain in time")
	}
	if pipeline != nil {
		pipeline.Close()
	}
	if evaluator != nil {
		evaluator.Stop()
	}
	if err := pool.Close(); err != nil {
		mainLog.Error().Err(err).Msg("close query pool")
	}
	if ruleStore != nil {
		if err := ruleStore.Close(); err != nil {
			mainLog.Error().Err(err).Msg("close rule store")
		}
	}
	if err := tiered.Close(); err != nil {
		mainLog.Error().Err(err).Msg("close cache")
	}
	mainLog.Info().Msg("liveops stopped")
}
