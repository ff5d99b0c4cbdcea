// File: main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coinwatch/internal/alert"
	"coinwatch/internal/binance"
	"coinwatch/internal/config"
	"coinwatch/internal/stream"
	"coinwatch/internal/telemetry"
)

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.TimeKey = "time"
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func main() {
	configPath := flag.String("config", "config.yaml", "app config path")
	watchlistPath := flag.String("watchlist", "watchlist.yaml", "watchlist path")
	rulesPath := flag.String("rules", "rules.yaml", "alert rule catalog path")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// Env wins over file for endpoint overrides.
	if v := strings.TrimSpace(os.Getenv("COINWATCH_WS_URL")); v != "" {
		cfg.Stream.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("COINWATCH_REST_URL")); v != "" {
		cfg.Stream.RestURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKER")); v != "" {
		cfg.Alerts.Kafka.Broker = v
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	watchlist, err := config.LoadWatchlist(*watchlistPath)
	if err != nil {
		logger.Fatal("load watchlist", zap.Error(err))
	}
	rules, err := config.LoadRules(*rulesPath)
	if err != nil {
		logger.Fatal("load rules", zap.Error(err))
	}
	symbols := make([]string, 0, len(watchlist))
	for _, w := range watchlist {
		symbols = append(symbols, w.Symbol)
	}

	client := binance.NewClient(binance.Config{
		URL:                cfg.Stream.WSURL,
		HandshakeTimeout:   config.Duration(cfg.Stream.HandshakeTimeout, 10*time.Second),
		ReconnectBaseDelay: config.Duration(cfg.Stream.ReconnectBaseDelay, time.Second),
		ReconnectMaxDelay:  config.Duration(cfg.Stream.ReconnectMaxDelay, 30*time.Second),
		MaxReconnects:      cfg.Stream.ReconnectMaxAttempts,
	}, logger.Named("binance"))
	rest := binance.NewRestClient(cfg.Stream.RestURL, 10*time.Second)

	mgr := stream.NewManager(client, rest, stream.Options{
		Capacity:        cfg.Buffer.Capacity,
		Windows:         cfg.Buffer.Windows,
		BackfillLimit:   cfg.Backfill.Limit,
		BackfillBatch:   cfg.Backfill.BatchSize,
		BackfillDelay:   config.Duration(cfg.Backfill.BatchDelay, time.Second),
		BackfillRetries: cfg.Backfill.Retries,
	}, logger.Named("stream"))

	reg := alert.NewRegistry(cfg.Buffer.Windows)
	eval := alert.NewEvaluator(reg, logger.Named("alert"))
	sinks := []alert.Sink{
		alert.NewLogSink(logger.Named("alert")),
		alert.NewCSVSink(cfg.Alerts.CSVDir),
	}
	if cfg.Alerts.Kafka.Enabled {
		ks := alert.NewKafkaSink(cfg.Alerts.Kafka.Broker, cfg.Alerts.Kafka.Topic)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	pipeline := alert.NewPipeline(eval, rules, sinks,
		time.Duration(cfg.Alerts.CooldownSeconds)*time.Second, logger.Named("alert"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	telemetrySrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Telemetry.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("telemetry listening", zap.String("addr", telemetrySrv.Addr))
		if err := telemetrySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("telemetry server", zap.Error(err))
		}
	}()

	report, err := mgr.Start(ctx, symbols)
	if err != nil {
		logger.Fatal("start stream manager", zap.Error(err))
	}
	for symbol, ferr := range report.Failed {
		logger.Warn("symbol excluded from run", zap.String("symbol", symbol), zap.Error(ferr))
	}
	logger.Info("tracking", zap.Int("symbols", len(report.Tracked)))

	// Alert delivery runs off the update stream so a slow sink never
	// stalls ingest.
	go func() {
		for upd := range mgr.Updates() {
			snap := alert.Snapshot{
				Symbol:  upd.Symbol,
				Price:   upd.Price,
				Metrics: upd.Set,
				Time:    upd.Time,
			}
			pipeline.Process(ctx, snap)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	mgr.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = telemetrySrv.Shutdown(shutCtx)
}
