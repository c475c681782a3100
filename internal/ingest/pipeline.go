// Package ingest runs the message pipeline: store the raw SMS, parse it,
// and either create an unallocated transaction or file the message in the
// parse-errors queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/parser"
	"github.com/opensource-finance/ibis/internal/settings"
)

// Pipeline processes inbound messages. A parse failure is not a pipeline
// failure: the message is stored either way and failures become queue items.
type Pipeline struct {
	repo     domain.Repository
	settings *settings.Service
	parser   *parser.Parser
	bus      domain.EventBus
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(repo domain.Repository, s *settings.Service, p *parser.Parser, bus domain.EventBus) *Pipeline {
	return &Pipeline{repo: repo, settings: s, parser: p, bus: bus}
}

// Ingest stores an inbound SMS and processes it synchronously. The raw
// message is always persisted first; the returned transaction is nil when
// parsing failed and the message went to the parse-errors queue instead.
func (p *Pipeline) Ingest(ctx context.Context, institutionID string, req *domain.IngestRequest) (*domain.RawMessage, *domain.Transaction, error) {
	if strings.TrimSpace(req.Sender) == "" {
		return nil, nil, fmt.Errorf("%w: sender is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, nil, fmt.Errorf("%w: body is required", domain.ErrValidation)
	}

	msg := req.ToRawMessage(uuid.New().String(), institutionID)
	if err := p.repo.SaveRawMessage(ctx, institutionID, msg); err != nil {
		return nil, nil, fmt.Errorf("failed to store raw message: %w", err)
	}

	tx, err := p.Process(ctx, institutionID, msg)
	if err != nil {
		return nil, nil, err
	}
	return msg, tx, nil
}

// Process parses a stored message and records the outcome. Only
// infrastructure failures return an error; an unparseable message marks the
// row and returns a nil transaction.
func (p *Pipeline) Process(ctx context.Context, institutionID string, msg *domain.RawMessage) (*domain.Transaction, error) {
	cfg, err := p.settings.Get(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parsing config: %w", err)
	}

	candidate, err := p.parser.Parse(ctx, msg.Body, cfg)
	if err != nil {
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			return nil, err
		}

		if err := p.repo.MarkMessageError(ctx, institutionID, msg.ID, perr.Error()); err != nil {
			return nil, fmt.Errorf("failed to record parse error: %w", err)
		}
		msg.ParseStatus = domain.ParseStatusError
		msg.ParseError = perr.Error()

		p.publish(ctx, institutionID, domain.TopicMessageParseFailed, map[string]string{
			"messageId": msg.ID,
			"stage":     perr.Stage,
			"detail":    perr.Detail,
		})
		slog.Info("message parse failed",
			"message_id", msg.ID,
			"institution_id", institutionID,
			"stage", perr.Stage,
		)
		return nil, nil
	}

	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:                uuid.New().String(),
		InstitutionID:     institutionID,
		AmountMinor:       candidate.AmountMinor,
		Currency:          candidate.Currency,
		PayerName:         candidate.PayerName,
		PayerPhone:        candidate.PayerPhone,
		MomoReference:     candidate.Reference,
		InternalReference: newInternalReference(),
		Status:            domain.StatusUnallocated,
		Confidence:        candidate.Confidence,
		RawMessageID:      msg.ID,
		OccurredAt:        msg.ReceivedAt,
		CreatedAt:         now,
	}

	if err := p.repo.SaveTransaction(ctx, institutionID, tx); err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	if err := p.repo.MarkMessageParsed(ctx, institutionID, msg.ID); err != nil {
		return nil, fmt.Errorf("failed to mark message parsed: %w", err)
	}
	msg.ParseStatus = domain.ParseStatusParsed

	p.publish(ctx, institutionID, domain.TopicMessageParsed, map[string]string{
		"messageId":     msg.ID,
		"transactionId": tx.ID,
		"rule":          candidate.RuleName,
	})
	slog.Info("message parsed",
		"message_id", msg.ID,
		"transaction_id", tx.ID,
		"institution_id", institutionID,
		"rule", candidate.RuleName,
		"confidence", candidate.Confidence,
	)

	return tx, nil
}

// SubscribeGateway consumes raw gateway deliveries published on the event
// bus for one institution. Payloads are IngestRequest JSON.
func (p *Pipeline) SubscribeGateway(ctx context.Context, institutionID string) (domain.Subscription, error) {
	return p.bus.Subscribe(ctx, institutionID, domain.TopicSMSReceived, func(ctx context.Context, msg *domain.Message) error {
		var req domain.IngestRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("invalid gateway payload",
				"message_id", msg.ID,
				"institution_id", msg.InstitutionID,
				"error", err,
			)
			return err
		}

		if _, _, err := p.Ingest(ctx, msg.InstitutionID, &req); err != nil {
			slog.Error("gateway ingestion failed",
				"message_id", msg.ID,
				"institution_id", msg.InstitutionID,
				"error", err,
			)
			return err
		}
		return nil
	})
}

func (p *Pipeline) publish(ctx context.Context, institutionID, topic string, event map[string]string) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, institutionID, topic, payload); err != nil {
		slog.Warn("failed to publish event",
			"topic", topic,
			"error", err,
		)
	}
}

// newInternalReference generates the receipt reference for a transaction.
func newInternalReference() string {
	return "IB-" + strings.ToUpper(uuid.New().String()[:8])
}
