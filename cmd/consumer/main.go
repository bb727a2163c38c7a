package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"field-service-coordination-system/internal/models"
	"field-service-coordination-system/internal/repos"
	"field-service-coordination-system/internal/service"
	"field-service-coordination-system/shared/cachex"
	"field-service-coordination-system/shared/config"
	"field-service-coordination-system/shared/dbx"
	"field-service-coordination-system/shared/events"
	"field-service-coordination-system/shared/logx"
	"field-service-coordination-system/shared/metricsx"
	"field-service-coordination-system/shared/mqx"
	"field-service-coordination-system/shared/observability"
)

// seenTTL bounds how long an event id is remembered for deduplication.
// Kafka redeliveries happen within seconds, not days.
const seenTTL = 24 * time.Hour

func main() {
	cfg, problems := config.Load("task-events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer cache.Close()

	reader, err := mqx.NewConsumer(cfg, events.TopicTaskEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer reader.Close()

	refresher := &snapshotRefresher{
		tasks:    repos.NewTasksRepo(dbPool),
		payments: repos.NewPaymentsRepo(dbPool),
		cache:    cache,
		ttl:      time.Duration(cfg.SnapshotCacheTTLSec) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "task events consumer started",
		slog.String("topic", events.TopicTaskEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicTaskEvents),
		)
		if err := refresher.handle(spanCtx, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "task events consumer stopped")
}

type taskReader interface {
	GetTaskByID(ctx context.Context, taskID uuid.UUID) (models.Task, error)
}

type paymentReader interface {
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (models.Payment, error)
}

type snapshotCache interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type snapshotRefresher struct {
	tasks    taskReader
	payments paymentReader
	cache    snapshotCache
	ttl      time.Duration
}

// handle refreshes the cached snapshot of the task the event belongs to.
// The SETNX guard makes redelivery a no-op: the first delivery of an event
// id does the refresh, later copies return immediately.
func (s *snapshotRefresher) handle(ctx context.Context, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.TaskID == uuid.Nil {
		return errors.New("missing event_id/task_id")
	}
	if _, err := events.DecodePayload(envelope.Action, envelope.Payload); err != nil {
		return err
	}

	first, err := s.cache.MarkOnce(ctx, "consumer:event:"+envelope.EventID.String(), seenTTL)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	task, err := s.tasks.GetTaskByID(ctx, envelope.TaskID)
	if err != nil {
		if errors.Is(err, repos.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	snapshot := service.BuildTaskSnapshot(task, nil)
	payment, err := s.payments.GetByTaskID(ctx, envelope.TaskID)
	if err == nil {
		snapshot = service.BuildTaskSnapshot(task, &payment)
	} else if !errors.Is(err, repos.ErrPaymentNotFound) {
		return err
	}
	return s.cache.SetJSON(ctx, service.SnapshotKey(envelope.TaskID), snapshot, s.ttl)
}
