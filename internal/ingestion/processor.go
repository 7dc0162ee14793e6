package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imoveisdaher/crm-gateway/internal/audit"
	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/internal/phone"
	"github.com/imoveisdaher/crm-gateway/internal/properties"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

var processorTracer = otel.Tracer("crmgw.internal.ingestion.processor")

// Item outcomes. Rejected items are bad payloads and never reach the store;
// partial items have a persisted lead but no thread; failed items hit a
// store error before the lead was durable and are worth redelivering.
const (
	StateLogged   = "logged"
	StateRejected = "rejected"
	StatePartial  = "partial"
	StateFailed   = "failed"
)

// ConversationStore is the threading surface the processor hands off to.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, key conversations.ThreadKey) (*conversations.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, msg conversations.MessageRecord) (uuid.UUID, error)
}

// LeadNotifier is told about brand-new leads after they are fully ingested.
type LeadNotifier interface {
	NotifyNewLead(ctx context.Context, lead *leads.Lead, source string)
}

// ItemResult is the per-item outcome of a webhook batch.
type ItemResult struct {
	State  string
	LeadID uuid.UUID
	Err    error
}

// Processor runs webhook payloads through validation, deduplication,
// persistence and threading.
type Processor struct {
	leads    leads.Repository
	props    properties.Finder
	convs    ConversationStore
	audit    *audit.Recorder
	notifier LeadNotifier
	metrics  *metrics.GatewayMetrics
	logger   *logging.Logger
}

func NewProcessor(leadsRepo leads.Repository, props properties.Finder, convs ConversationStore, auditRec *audit.Recorder, notifier LeadNotifier, m *metrics.GatewayMetrics, logger *logging.Logger) *Processor {
	if leadsRepo == nil {
		panic("ingestion: leads repository required")
	}
	if convs == nil {
		panic("ingestion: conversation store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		leads:    leadsRepo,
		props:    props,
		convs:    convs,
		audit:    auditRec,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithComponent("ingestion"),
	}
}

// Process runs every item of a webhook body through the pipeline. One item's
// failure never aborts its siblings; the caller gets one result per item.
func (p *Processor) Process(ctx context.Context, source string, body []byte) ([]ItemResult, error) {
	ctx, span := processorTracer.Start(ctx, "ingestion.process")
	defer span.End()
	span.SetAttributes(attribute.String("crmgw.source", source))

	parsed, err := ParseItems(source, body)
	if err != nil {
		p.metrics.ObserveLead(source, StateRejected)
		return nil, err
	}
	span.SetAttributes(attribute.Int("crmgw.items", len(parsed)))

	results := make([]ItemResult, 0, len(parsed))
	for i, elem := range parsed {
		var result ItemResult
		if elem.Err != nil {
			result = ItemResult{State: StateRejected, Err: elem.Err}
		} else {
			result = p.processItem(ctx, source, elem.Item)
		}
		if result.Err != nil && result.State != StatePartial {
			p.logger.Warn("ingestion item failed",
				"source", source,
				"item", i,
				"state", result.State,
				"error", result.Err,
			)
		}
		p.metrics.ObserveLead(source, result.State)
		results = append(results, result)
	}
	return results, nil
}

func (p *Processor) processItem(ctx context.Context, source string, item Item) ItemResult {
	lead, created, err := p.persistLead(ctx, source, item)
	if err != nil {
		if errors.Is(err, leads.ErrInvalidName) || errors.Is(err, leads.ErrMissingContact) {
			return ItemResult{State: StateRejected, Err: err}
		}
		// Anything else is the store misbehaving, not the payload. The
		// portal must redeliver this one.
		return ItemResult{State: StateFailed, Err: fmt.Errorf("ingestion: persist lead: %w", err)}
	}

	// The lead is durable from here on. Threading failures degrade to a
	// partial ingest instead of rolling it back.
	if err := p.threadItem(ctx, source, lead, item); err != nil {
		p.logger.Warn("lead persisted but threading failed",
			"source", source,
			"lead_id", lead.ID,
			"error", err,
		)
		p.recordAudit(ctx, lead.ID, source, audit.KindPartialIngest, err.Error())
		return ItemResult{State: StatePartial, LeadID: lead.ID, Err: err}
	}

	kind := audit.KindLeadUpdated
	if created {
		kind = audit.KindLeadCreated
	}
	p.recordAudit(ctx, lead.ID, source, kind, item.Message)

	if created && p.notifier != nil {
		p.notifier.NotifyNewLead(ctx, lead, source)
	}
	return ItemResult{State: StateLogged, LeadID: lead.ID}
}

// persistLead finds the lead for the item's normalized phone and updates it,
// or creates a new one. The bool reports creation.
func (p *Processor) persistLead(ctx context.Context, source string, item Item) (*leads.Lead, bool, error) {
	req := &leads.CreateLeadRequest{
		Name:            item.Name,
		Phone:           item.Phone,
		PhoneNormalized: phone.Normalize(item.Phone),
		Email:           item.Email,
		Origin:          source,
		Notes:           itemNote(source, item),
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	propertyID := p.resolveProperty(ctx, item.PropertyCode)
	req.PropertyID = propertyID

	if req.PhoneNormalized != "" {
		existing, err := p.leads.GetByNormalizedPhone(ctx, req.PhoneNormalized)
		switch {
		case err == nil:
			return existing, false, p.updateLead(ctx, existing, source, item, propertyID)
		case errors.Is(err, leads.ErrLeadNotFound):
		default:
			return nil, false, err
		}
	}

	lead, err := p.leads.Create(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return lead, true, nil
}

func (p *Processor) updateLead(ctx context.Context, lead *leads.Lead, source string, item Item, propertyID *uuid.UUID) error {
	if propertyID != nil && (lead.PropertyID == nil || *lead.PropertyID != *propertyID) {
		if err := p.leads.AttachProperty(ctx, lead.ID, *propertyID); err != nil {
			return err
		}
		lead.PropertyID = propertyID
	}
	return p.leads.AppendNote(ctx, lead.ID, itemNote(source, item))
}

// resolveProperty maps a listing code to a known property. An unmatched code
// is expected (portals keep sending retired listings) and leaves the
// reference empty.
func (p *Processor) resolveProperty(ctx context.Context, code string) *uuid.UUID {
	if code == "" || p.props == nil {
		return nil
	}
	prop, err := p.props.FindByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, properties.ErrPropertyNotFound) {
			p.logger.Warn("property lookup failed", "code", code, "error", err)
		}
		return nil
	}
	return &prop.ID
}

func (p *Processor) threadItem(ctx context.Context, source string, lead *leads.Lead, item Item) error {
	conv, err := p.convs.FindOrCreate(ctx, conversations.ThreadKey{
		LeadID:  &lead.ID,
		Channel: source,
	})
	if err != nil {
		return fmt.Errorf("find conversation: %w", err)
	}
	if item.Message == "" {
		return nil
	}
	_, err = p.convs.AppendMessage(ctx, conv.ID, conversations.MessageRecord{
		Direction:   conversations.DirectionInbound,
		Content:     item.Message,
		MessageType: "text",
		Provider:    source,
		SentStatus:  conversations.StatusDelivered,
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (p *Processor) recordAudit(ctx context.Context, leadID uuid.UUID, source, kind, detail string) {
	if p.audit == nil {
		return
	}
	evt := audit.Event{
		LeadID: leadID,
		Source: source,
		Kind:   kind,
		Detail: detail,
		At:     time.Now().UTC(),
	}
	if err := p.audit.Record(ctx, evt); err != nil {
		p.logger.Warn("failed to record audit entry", "lead_id", leadID, "error", err)
	}
}

func itemNote(source string, item Item) string {
	note := "[" + source + "]"
	if item.PropertyCode != "" {
		note += " " + item.PropertyCode
	}
	if item.Message != "" {
		note += " " + item.Message
	}
	return note
}
