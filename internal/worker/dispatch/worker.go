package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/app"
	"github.com/acme/whatsapp-campaign/internal/queue"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	"github.com/acme/whatsapp-campaign/internal/telemetry"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Executor runs one dispatch request.
type Executor interface {
	Execute(ctx context.Context, req queue.DispatchRequest) (dispatchsvc.RunResult, error)
}

// Worker consumes dispatch requests and drains the named campaigns.
type Worker struct {
	reader   Reader
	executor Executor
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New creates a dispatch worker from the application container.
func New(container *app.Container) *Worker {
	cfg := container.Config.Kafka
	reader := container.Kafka.NewReader(cfg.DispatchTopic, cfg.DispatchConsumerGroup)
	return NewWorker(reader, container.Services().Executor, container.Logger)
}

// NewWorker creates a worker over an explicit reader.
func NewWorker(reader Reader, executor Executor, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{reader: reader, executor: executor, logger: lg, tracer: telemetry.Tracer("dispatchworker")}
}

// Run processes requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dispatch worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			w.logger.Error("dispatch worker: process", zap.Error(err))
		}
	}
}

// process runs the request and commits it whatever the outcome. A failed run
// leaves its rows in the table for the resume path.
func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	var req queue.DispatchRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		_ = w.reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal dispatch request: %w", err)
	}

	sctx, span := w.tracer.Start(ctx, "dispatch.request", trace.WithAttributes(
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.Bool("resumed", req.Resumed),
	))
	defer span.End()

	res, runErr := w.executor.Execute(sctx, req)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "dispatch failed")
	} else {
		span.SetAttributes(attribute.String("reason", string(res.Reason)))
	}

	if ctx.Err() != nil {
		// Uncommitted requests are redelivered to the next consumer.
		return runErr
	}
	if err := w.reader.CommitMessages(context.WithoutCancel(sctx), m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("campaign %s: %w", req.CampaignID, runErr)
	}
	return nil
}
