package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/app"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	"github.com/acme/whatsapp-campaign/internal/telemetry"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// ErrMalformed marks a receipt payload that carries no message id.
var ErrMalformed = errors.New("malformed receipt")

// Reader is the subset of *kafka.Reader the worker uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher emits message events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt queue.MessageEvent) error
}

// Worker applies provider delivery receipts to sent messages.
type Worker struct {
	reader    Reader
	messages  repository.MessageRepository
	campaigns repository.CampaignRepository
	events    EventPublisher
	logger    *logger.Logger
	tracer    trace.Tracer
}

// New creates a receipt worker from the application container.
func New(container *app.Container) *Worker {
	cfg := container.Config.Kafka
	repos := container.Repositories()
	return NewWorker(
		container.Kafka.NewReader(cfg.ReceiptTopic, cfg.ReceiptConsumerGroup),
		repos.Messages,
		repos.Campaigns,
		container.Publishers().Events,
		container.Logger,
	)
}

// NewWorker creates a worker over explicit dependencies. events may be nil.
func NewWorker(reader Reader, messages repository.MessageRepository, campaigns repository.CampaignRepository, events EventPublisher, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{
		reader:    reader,
		messages:  messages,
		campaigns: campaigns,
		events:    events,
		logger:    lg,
		tracer:    telemetry.Tracer("receiptworker"),
	}
}

// Run processes receipts until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("receipt worker: fetch", zap.Error(err))
			continue
		}

		result, err := w.Handle(ctx, msg.Value)
		if err != nil {
			w.logger.Error("receipt worker: handle", zap.String("result", result), zap.Error(err))
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			w.logger.Error("receipt worker: commit", zap.Error(err))
		}
	}
}

// Handle applies one encoded queue.DeliveryReceipt and reports how it was
// classified: applied, unmatched, ignored or malformed.
func (w *Worker) Handle(ctx context.Context, value []byte) (string, error) {
	var receipt queue.DeliveryReceipt
	if err := json.Unmarshal(value, &receipt); err != nil {
		metrics.DeliveryReceipts.WithLabelValues("malformed").Inc()
		return "malformed", fmt.Errorf("unmarshal receipt: %w", err)
	}

	providerID, delivered, err := Parse(receipt.Payload)
	if err != nil {
		metrics.DeliveryReceipts.WithLabelValues("malformed").Inc()
		return "malformed", err
	}
	if !delivered {
		metrics.DeliveryReceipts.WithLabelValues("ignored").Inc()
		return "ignored", nil
	}

	sctx, span := w.tracer.Start(ctx, "receipt.apply", trace.WithAttributes(
		attribute.String("provider", receipt.Provider),
		attribute.String("provider_message.id", providerID),
	))
	defer span.End()

	msg, err := w.messages.MarkDelivered(sctx, providerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.DeliveryReceipts.WithLabelValues("unmatched").Inc()
			return "unmatched", nil
		}
		span.RecordError(err)
		return "error", fmt.Errorf("mark delivered: %w", err)
	}

	if err := w.campaigns.ApplyDelta(sctx, msg.CampaignID, repository.CountsDelta{DeliveredDelta: 1}); err != nil {
		span.RecordError(err)
		return "error", fmt.Errorf("apply delivered count: %w", err)
	}
	metrics.DeliveryReceipts.WithLabelValues("applied").Inc()

	if w.events != nil {
		evt := queue.MessageEvent{
			CampaignID:        msg.CampaignID,
			MessageID:         msg.ID,
			Status:            string(domain.MessageStatusDelivered),
			ProviderMessageID: providerID,
			OccurredAt:        time.Now().UTC(),
		}
		if msg.InstanceID != nil {
			evt.InstanceID = *msg.InstanceID
		}
		if err := w.events.PublishEvent(sctx, evt); err != nil {
			w.logger.Warn("receipt worker: publish event", zap.Error(err))
		}
	}
	return "applied", nil
}

// Parse extracts the provider message id from a webhook payload and reports
// whether it signals delivery. Both the flat and the nested key layouts are accepted.
func Parse(payload []byte) (string, bool, error) {
	if !gjson.ValidBytes(payload) {
		return "", false, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	doc := gjson.ParseBytes(payload)
	id := firstString(doc, "data.keyId", "data.key.id", "data.id", "key.id", "id")
	if id == "" {
		return "", false, fmt.Errorf("%w: no message id", ErrMalformed)
	}
	status := firstString(doc, "data.status", "data.update.status", "status")
	return id, isDelivered(status), nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func isDelivered(status string) bool {
	switch strings.ToUpper(status) {
	case "DELIVERY_ACK", "DELIVERED", "READ", "PLAYED":
		return true
	}
	return false
}
