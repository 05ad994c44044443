// Package service assembles the event processing pipeline: database,
// Redis, notification sinks, rule engine, processor and the Kafka
// consumer, plus the Prometheus endpoint.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"vitalwatch/internal/audit"
	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/notify"
	"vitalwatch/internal/phi"
	"vitalwatch/internal/processor"
	"vitalwatch/internal/repository"
	"vitalwatch/internal/rules"
	"vitalwatch/internal/window"
	"vitalwatch/pkg/database"
	"vitalwatch/pkg/mqtt"
	pkgredis "vitalwatch/pkg/redis"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Service is the wired-up event processor.
type Service struct {
	config      *config.Config
	db          *sql.DB
	redisClient *pkgredis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	ruleRepo  *repository.PostgresRuleRepository
	alertRepo *repository.PostgresAlertRepository
	windows   *window.Store
	engine    *engine.Engine
	registry  *notify.Registry
	processor *processor.Processor
	rules     *rules.Service
	consumer  *ingest.Consumer

	metricsServer *http.Server
}

// New connects the external systems and wires the pipeline.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	redisClient := pkgredis.NewRedisClient(&cfg.Redis)
	if err := pkgredis.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	ruleRepo := repository.NewPostgresRuleRepository(db, logger)
	alertRepo := repository.NewPostgresAlertRepository(db, logger)

	windows := window.NewStore(redisClient, cfg.Window.KeyPrefix, time.Duration(cfg.Window.RetentionSec)*time.Second, logger)
	ruleEngine := engine.New(ruleRepo, windows, logger)

	auditLogger := audit.NewZapAuditLogger(logger)
	registry := notify.NewRegistry(logger, auditLogger)
	registry.Register(notify.NewLogSink(logger))

	if cfg.Notify.EHRWebhookURL != "" {
		registry.Register(notify.NewWebhookSink("ehr", cfg.Notify.EHRWebhookURL, 0, nil))
	}
	if cfg.Notify.EmailGatewayURL != "" {
		registry.Register(notify.NewWebhookSink("email", cfg.Notify.EmailGatewayURL, 0, nil))
	}
	if cfg.Notify.SMSGatewayURL != "" {
		registry.Register(notify.NewWebhookSink("sms", cfg.Notify.SMSGatewayURL, 0, nil))
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Broker != "" {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT)
		if err != nil {
			logger.Warn("MQTT unavailable, dashboard sink disabled",
				zap.String("broker", cfg.MQTT.Broker),
				zap.Error(err),
			)
		} else {
			registry.Register(notify.NewDashboardSink(mqttClient, cfg.Notify.DashboardTopic))
		}
	}

	proc := processor.New(
		processor.Config{
			SkewTolerance:     time.Duration(cfg.Processor.SkewToleranceSec) * time.Second,
			SuppressionWindow: time.Duration(cfg.Processor.SuppressionWindowSec) * time.Second,
			Budget:            time.Duration(cfg.Processor.BudgetSec) * time.Second,
			RetryMaxAttempts:  uint64(cfg.Processor.RetryMaxAttempts),
			LockStripes:       cfg.Processor.LockStripes,
		},
		ruleEngine,
		alertRepo,
		registry,
		phi.NewScrubSanitizer(),
		auditLogger,
		logger,
	)

	consumer, err := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, proc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &Service{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		ruleRepo:    ruleRepo,
		alertRepo:   alertRepo,
		windows:     windows,
		engine:      ruleEngine,
		registry:    registry,
		processor:   proc,
		rules:       rules.NewService(ruleRepo, logger),
		consumer:    consumer,
	}, nil
}

// Rules exposes the rule management surface.
func (s *Service) Rules() *rules.Service {
	return s.rules
}

// Alerts exposes the alert repository for lifecycle operations.
func (s *Service) Alerts() repository.AlertRepository {
	return s.alertRepo
}

// Start runs the metrics endpoint and the Kafka consumer. It blocks
// until ctx is canceled or the consumer fails.
func (s *Service) Start(ctx context.Context) error {
	if s.config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:    s.config.Metrics.Addr,
			Handler: mux,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("Metrics server failed",
					zap.Error(err),
				)
			}
		}()
	}

	s.logger.Info("Service started",
		zap.String("kafka_topic", s.config.Kafka.Topic),
		zap.Int("notification_sinks", len(s.registry.Sinks())),
	)

	return s.consumer.Run(ctx)
}

// Stop releases external connections.
func (s *Service) Stop() error {
	s.logger.Info("Stopping service")

	if err := s.consumer.Close(); err != nil {
		s.logger.Error("Failed to close consumer",
			zap.Error(err),
		)
	}

	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop metrics server",
				zap.Error(err),
			)
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Close()
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	return nil
}
