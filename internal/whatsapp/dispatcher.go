package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imoveisdaher/crm-gateway/internal/audit"
	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/internal/phone"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

var dispatcherTracer = otel.Tracer("crmgw.internal.whatsapp.dispatcher")

// ProviderName tags persisted messages with their transport.
const ProviderName = "whatsapp"

// Sender is the provider send surface used by the dispatcher.
type Sender interface {
	SendText(ctx context.Context, msg TextSend) (SendResult, error)
	SendFile(ctx context.Context, msg FileSend) (SendResult, error)
}

// ConversationStore is the thread bookkeeping the dispatcher needs.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, key conversations.ThreadKey) (*conversations.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, msg conversations.MessageRecord) (uuid.UUID, error)
}

// OutboundText is a text dispatch request.
type OutboundText struct {
	To   string
	Body string
}

// OutboundMedia is a media dispatch request.
type OutboundMedia struct {
	To       string
	MediaURL string
	MimeType string
	// MessageType labels the persisted message ("image", "document", ...).
	MessageType string
	Filename    string
	Caption     string
}

// DispatchResult reports what was sent and where it landed.
type DispatchResult struct {
	MessageID         uuid.UUID
	ConversationID    uuid.UUID
	ProviderMessageID string
	// Phone is the resolved destination, which may differ from the input
	// when resolution filled in a missing area code.
	Phone string
}

// Dispatcher resolves the destination, paces the send, talks to the provider
// and records the outcome.
type Dispatcher struct {
	resolver *Resolver
	sender   Sender
	convs    ConversationStore
	leads    leads.Repository
	audit    *audit.Recorder
	metrics  *metrics.GatewayMetrics
	logger   *logging.Logger

	pacingMin time.Duration
	pacingMax time.Duration
	// wait is swapped in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires the outbound send path. pacingMin/pacingMax bound the
// randomized delay applied before every provider call.
func NewDispatcher(resolver *Resolver, sender Sender, convs ConversationStore, leadsRepo leads.Repository, auditRec *audit.Recorder, m *metrics.GatewayMetrics, pacingMin, pacingMax time.Duration, logger *logging.Logger) *Dispatcher {
	if resolver == nil {
		panic("whatsapp: resolver required")
	}
	if sender == nil {
		panic("whatsapp: sender required")
	}
	if convs == nil {
		panic("whatsapp: conversation store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if pacingMin < 0 {
		pacingMin = 0
	}
	if pacingMax < pacingMin {
		pacingMax = pacingMin
	}
	return &Dispatcher{
		resolver:  resolver,
		sender:    sender,
		convs:     convs,
		leads:     leadsRepo,
		audit:     auditRec,
		metrics:   m,
		logger:    logger,
		pacingMin: pacingMin,
		pacingMax: pacingMax,
		wait:      sleepCtx,
	}
}

// SendText resolves the destination and dispatches a text message. An
// unresolvable addressee fails before any network call or write.
func (d *Dispatcher) SendText(ctx context.Context, req OutboundText) (*DispatchResult, error) {
	if strings.TrimSpace(req.Body) == "" {
		return nil, errors.New("whatsapp: message body required")
	}
	return d.dispatch(ctx, req.To, req.Body, func(ctx context.Context, target Target) (SendResult, error) {
		return d.sender.SendText(ctx, TextSend{Phone: target.Phone, IsGroup: target.IsGroup, Message: req.Body})
	}, conversations.MessageRecord{
		Direction:   conversations.DirectionOutbound,
		Content:     req.Body,
		MessageType: "text",
	})
}

// SendMedia resolves the destination and dispatches a media message.
func (d *Dispatcher) SendMedia(ctx context.Context, req OutboundMedia) (*DispatchResult, error) {
	if strings.TrimSpace(req.MediaURL) == "" {
		return nil, errors.New("whatsapp: media url required")
	}
	messageType := req.MessageType
	if messageType == "" {
		messageType = "document"
	}
	return d.dispatch(ctx, req.To, req.Caption, func(ctx context.Context, target Target) (SendResult, error) {
		return d.sender.SendFile(ctx, FileSend{
			Phone:    target.Phone,
			IsGroup:  target.IsGroup,
			URL:      req.MediaURL,
			Filename: req.Filename,
			MimeType: req.MimeType,
			Caption:  req.Caption,
		})
	}, conversations.MessageRecord{
		Direction:   conversations.DirectionOutbound,
		Content:     req.Caption,
		MediaURL:    req.MediaURL,
		MimeType:    req.MimeType,
		MessageType: messageType,
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, to, preview string, send func(context.Context, Target) (SendResult, error), record conversations.MessageRecord) (*DispatchResult, error) {
	ctx, span := dispatcherTracer.Start(ctx, "whatsapp.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("crmgw.to", to))

	target, err := d.resolver.Resolve(ctx, to)
	if err != nil {
		d.metrics.ObserveSend("unresolved")
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("crmgw.resolved_phone", target.Phone), attribute.Bool("crmgw.group", target.IsGroup))

	// Pacing delay: a bounded random wait local to this request, so bursts
	// of sends do not trip provider-side abuse throttling.
	if err := d.wait(ctx, d.pacingDelay()); err != nil {
		return nil, fmt.Errorf("whatsapp: pacing wait: %w", err)
	}

	result, err := send(ctx, target)
	if err != nil {
		d.metrics.ObserveSend("failed")
		span.RecordError(err)
		return nil, err
	}

	conv, lead, err := d.threadFor(ctx, target, to)
	if err != nil {
		// The provider accepted the message; surface the bookkeeping
		// failure rather than pretending the send failed.
		d.metrics.ObserveSend("unrecorded")
		span.RecordError(err)
		return nil, err
	}

	record.Provider = ProviderName
	record.ProviderMessageID = result.MessageID
	record.ProviderPayload = result.Raw
	record.SentStatus = conversations.StatusSent
	msgID, err := d.convs.AppendMessage(ctx, conv.ID, record)
	if err != nil {
		d.metrics.ObserveSend("unrecorded")
		span.RecordError(err)
		return nil, err
	}

	if d.audit != nil && lead != nil {
		if err := d.audit.Record(ctx, audit.Event{
			LeadID: lead.ID,
			Source: ProviderName,
			Kind:   audit.KindMessageSent,
			Detail: truncateDetail(preview),
		}); err != nil {
			d.logger.Warn("failed to record send audit entry", "error", err, "lead_id", lead.ID)
		}
	}

	d.metrics.ObserveSend("sent")
	d.logger.Info("message dispatched",
		"conversation_id", conv.ID,
		"provider_message_id", result.MessageID,
		"phone", target.Phone,
		"group", target.IsGroup,
	)
	return &DispatchResult{
		MessageID:         msgID,
		ConversationID:    conv.ID,
		ProviderMessageID: result.MessageID,
		Phone:             target.Phone,
	}, nil
}

// threadFor finds or creates the conversation (and, for direct targets, the
// lead) behind a resolved destination. When resolution corrected the number,
// the lead's stored phone is fixed up opportunistically.
func (d *Dispatcher) threadFor(ctx context.Context, target Target, original string) (*conversations.Conversation, *leads.Lead, error) {
	if target.IsGroup {
		conv, err := d.convs.FindOrCreate(ctx, conversations.ThreadKey{
			Channel:          conversations.ChannelWhatsApp,
			IsGroup:          true,
			ExternalThreadID: target.Phone,
		})
		return conv, nil, err
	}

	normalized := "+" + target.Phone
	lead, err := d.leads.GetByNormalizedPhone(ctx, normalized)
	if errors.Is(err, leads.ErrLeadNotFound) {
		// Resolution may have filled in an area code; the originating lead
		// is then still stored under the uncorrected number.
		if asEntered := phone.Normalize(original); asEntered != "" && asEntered != normalized {
			if stale, staleErr := d.leads.GetByNormalizedPhone(ctx, asEntered); staleErr == nil {
				if updErr := d.leads.UpdatePhone(ctx, stale.ID, target.Phone, normalized); updErr != nil {
					d.logger.Warn("failed to store corrected phone", "error", updErr, "lead_id", stale.ID)
				}
				lead, err = stale, nil
			}
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, leads.ErrLeadNotFound):
		// First contact is outbound: identity is only the resolved phone.
		lead, err = d.leads.Create(ctx, &leads.CreateLeadRequest{
			Name:            normalized,
			Phone:           target.Phone,
			PhoneNormalized: normalized,
			Origin:          leads.OriginChat,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp: create lead for outbound: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("whatsapp: lookup lead: %w", err)
	}

	conv, err := d.convs.FindOrCreate(ctx, conversations.ThreadKey{
		LeadID:  &lead.ID,
		Channel: conversations.ChannelWhatsApp,
	})
	return conv, lead, err
}

func (d *Dispatcher) pacingDelay() time.Duration {
	if d.pacingMax <= d.pacingMin {
		return d.pacingMin
	}
	return d.pacingMin + time.Duration(rand.Int63n(int64(d.pacingMax-d.pacingMin)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncateDetail(s string) string {
	runes := []rune(s)
	if len(runes) > 160 {
		return string(runes[:160])
	}
	return s
}
