package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/apiclient"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/config"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/events"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/httpserver"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/logging"
	"github.com/ILLUVRSE/cutting-console/optimizer-console/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := apiclient.NewMetrics(reg)
	if err != nil {
		logger.Fatal("metrics init", zap.Error(err))
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.APIURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger.Named("apiclient"),
		Metrics: metrics,
	})
	if err != nil {
		logger.Fatal("optimizer client init", zap.Error(err))
	}

	st := store.New(client, store.WithLogger(logger.Named("store")))
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.KafkaEnabled() {
		producer, err := events.NewKafkaProducer(events.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			logger.Fatal("kafka producer init", zap.Error(err))
		}
		defer producer.Close()
		sub, unsubscribe := st.Subscribe()
		defer unsubscribe()
		go events.Forward(ctx, sub, producer, logger.Named("events"))
		logger.Info("forwarding store events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	go func() {
		stats := st.LoadStats(ctx)
		logger.Info("initial stats loaded", zap.Int("total", stats.Total))
	}()

	server := httpserver.New(st, client, httpserver.Options{
		Gatherer:       reg,
		Logger:         logger.Named("httpserver"),
		RequestTimeout: cfg.RequestTimeout + 5*time.Second,
	})
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("optimizer console listening", zap.String("addr", cfg.Addr), zap.String("api_url", cfg.APIURL))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	waitForShutdown(cancel, st, httpServer, logger)
}

func waitForShutdown(cancel context.CancelFunc, st *store.Store, srv *http.Server, logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	// event streams only end once their subscriptions close
	st.Close()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
