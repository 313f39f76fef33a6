package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wiogate/internal/auth"
	"wiogate/internal/backup"
	"wiogate/internal/config"
	"wiogate/internal/hub"
	"wiogate/internal/ingestion"
	"wiogate/internal/kafka"
	"wiogate/internal/logger"
	"wiogate/internal/metrics"
	"wiogate/internal/mqtt"
	"wiogate/internal/session"
	"wiogate/internal/store"
	"wiogate/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	fmt.Println("wiogate IoT gateway")
	fmt.Println("Version: " + version)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		os.Exit(0)
	}

	if err := config.LoadEnv(); err != nil {
		log.Printf("Failed to load .env file, using environment variables: %v", err)
	}

	configPath := config.GetConfigPath()
	log.Printf("Loading configuration from: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "--check-config" {
		printSummary(cfg)
		return
	}

	zl, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	err = run(cfg, zl)
	if err != nil {
		zl.Error("Gateway stopped with error", zap.Error(err))
	}
	_ = zl.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func printSummary(cfg *types.Config) {
	fmt.Println("Configuration OK")
	fmt.Printf("  MQTT broker:  %s:%d (tls=%v)\n", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port, cfg.MQTT.Broker.UseTLS)
	fmt.Printf("  Backup dir:   %s (resend every %s)\n", cfg.MQTT.Backup.Dir, cfg.MQTT.Backup.ResendInterval)
	fmt.Printf("  WebSocket:    %s%s\n", cfg.WebSocket.Address, cfg.WebSocket.Path)
	fmt.Printf("  Database:     %s\n", cfg.Database.Driver)
	if cfg.Kafka.Enabled {
		fmt.Printf("  Kafka export: %v (prefix %s)\n", cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	} else {
		fmt.Println("  Kafka export: disabled")
	}
}

func run(cfg *types.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting gateway",
		zap.String("version", version),
		zap.String("broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("kafka_export", cfg.Kafka.Enabled))

	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(cfg.Metrics.Namespace, reg)
	}

	db, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore(db, logger)

	backups, err := backup.NewFileStore(cfg.MQTT.Backup.Dir)
	if err != nil {
		return fmt.Errorf("failed to open backup store: %w", err)
	}

	client := mqtt.NewClient(&cfg.MQTT, backups, logger, m)

	registry := hub.NewRegistry(logger, m)
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)

	pipeline := ingestion.NewPipeline(db, registry, logger)
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(&cfg.Kafka, logger, m)
		if err := producer.Connect(); err != nil {
			return fmt.Errorf("failed to start telemetry export: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("Failed to close Kafka producer", zap.Error(err))
			}
		}()
		pipeline.WithExporter(producer)
	}

	dispatcher := ingestion.NewDispatcher(client, cfg.Ingestion, cfg.MQTT.Client.ReportQoS, logger, m)
	// Inbound delivery stops before in-flight handlers are drained. Reports
	// they publish after that go to the backup store.
	defer func() {
		client.Close()
		dispatcher.Wait()
	}()

	routes := dispatcher.Routes(pipeline)
	for topic, handler := range routes {
		client.AddTopicHandler(topic, handler)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := client.Connect(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	for topic := range routes {
		if err := client.Subscribe(topic, mqtt.AtLeastOnce); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
	}

	server := session.NewServer(cfg.WebSocket, cfg.Auth.CookieName, verifier, registry, client, logger, m).
		WithHealth(func() (bool, string) {
			st := client.State()
			return st.Usable(), st.String()
		})
	if reg != nil {
		server.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	logger.Info("Gateway started")
	err = g.Wait()
	logger.Info("Shutting down gateway")
	return err
}

func openStore(ctx context.Context, config types.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := store.Open(openCtx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}
	return db, nil
}

func closeStore(db store.Store, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		logger.Warn("Failed to close data store", zap.Error(err))
	}
}

// stopSignalHandler cancels the gateway on SIGINT or SIGTERM.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
