package whatsapp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

const maxWebhookBody = 1 << 20

var webhookTracer = otel.Tracer("crmgw.internal.whatsapp.webhook")

// WebhookStore is the conversation bookkeeping the inbound webhook needs.
type WebhookStore interface {
	FindOrCreate(ctx context.Context, key conversations.ThreadKey) (*conversations.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uuid.UUID, msg conversations.MessageRecord) (uuid.UUID, error)
	HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error)
	UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error
}

// WebhookHandler ingests provider callbacks: new inbound messages and
// delivery acknowledgements for messages we sent.
type WebhookHandler struct {
	store   WebhookStore
	leads   leads.Repository
	secret  string
	metrics *metrics.GatewayMetrics
	logger  *logging.Logger
}

func NewWebhookHandler(store WebhookStore, leadsRepo leads.Repository, secret string, m *metrics.GatewayMetrics, logger *logging.Logger) *WebhookHandler {
	if store == nil {
		panic("whatsapp: webhook store required")
	}
	if leadsRepo == nil {
		panic("whatsapp: leads repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		store:   store,
		leads:   leadsRepo,
		secret:  secret,
		metrics: m,
		logger:  logger.WithComponent("whatsapp_webhook"),
	}
}

// webhookEvent covers the subset of provider callback fields we act on. The
// message id arrives as a bare string on message events and as an object with
// a _serialized field on acks, so it is decoded lazily.
type webhookEvent struct {
	Event      string          `json:"event"`
	Session    string          `json:"session"`
	ID         json.RawMessage `json:"id"`
	From       string          `json:"from"`
	ChatID     string          `json:"chatId"`
	Body       string          `json:"body"`
	Caption    string          `json:"caption"`
	Type       string          `json:"type"`
	MimeType   string          `json:"mimetype"`
	IsGroupMsg bool            `json:"isGroupMsg"`
	FromMe     bool            `json:"fromMe"`
	NotifyName string          `json:"notifyName"`
	Ack        int             `json:"ack"`
	Sender     struct {
		PushName string `json:"pushname"`
	} `json:"sender"`
}

// Receive handles POST /webhooks/whatsapp. The provider retries on non-2xx,
// so events we cannot act on (unknown types, duplicates, our own echoes) are
// acknowledged rather than rejected.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		token := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx, span := webhookTracer.Start(r.Context(), "whatsapp.webhook_receive")
	defer span.End()
	span.SetAttributes(attribute.String("crmgw.event", event.Event))

	switch event.Event {
	case "onmessage":
		err = h.handleMessage(ctx, &event, body)
	case "onack":
		err = h.handleAck(ctx, &event)
	default:
		// Presence, status and qr events are noise for this gateway.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("webhook processing failed", "error", err, "event", event.Event)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleMessage(ctx context.Context, event *webhookEvent, raw []byte) error {
	if event.FromMe {
		// Echoes of our own sends are already recorded by the dispatcher.
		return nil
	}
	providerID := decodeEventID(event.ID)
	if providerID != "" {
		seen, err := h.store.HasProviderMessage(ctx, providerID)
		if err != nil {
			return err
		}
		if seen {
			h.logger.Debug("duplicate inbound message ignored", "provider_message_id", providerID)
			return nil
		}
	}

	conv, err := h.threadForInbound(ctx, event)
	if err != nil {
		return err
	}

	content := event.Body
	if event.Caption != "" {
		content = event.Caption
	}
	record := conversations.MessageRecord{
		Direction:         conversations.DirectionInbound,
		Content:           content,
		MimeType:          event.MimeType,
		MessageType:       inboundMessageType(event.Type),
		Provider:          ProviderName,
		ProviderMessageID: providerID,
		ProviderPayload:   raw,
		SentStatus:        conversations.StatusDelivered,
	}
	if _, err := h.store.AppendMessage(ctx, conv.ID, record); err != nil {
		return err
	}
	h.logger.Info("inbound message recorded",
		"conversation_id", conv.ID,
		"provider_message_id", providerID,
		"group", conv.IsGroup,
	)
	return nil
}

func (h *WebhookHandler) threadForInbound(ctx context.Context, event *webhookEvent) (*conversations.Conversation, error) {
	chatID := event.ChatID
	if chatID == "" {
		chatID = event.From
	}
	if event.IsGroupMsg || strings.HasSuffix(chatID, GroupSuffix) {
		return h.store.FindOrCreate(ctx, conversations.ThreadKey{
			Channel:          conversations.ChannelWhatsApp,
			IsGroup:          true,
			ExternalThreadID: chatID,
		})
	}

	digits, _, _ := strings.Cut(event.From, "@")
	normalized := "+" + digits
	lead, err := h.leads.GetByNormalizedPhone(ctx, normalized)
	if errors.Is(err, leads.ErrLeadNotFound) {
		name := strings.TrimSpace(event.NotifyName)
		if name == "" {
			name = strings.TrimSpace(event.Sender.PushName)
		}
		if name == "" {
			name = normalized
		}
		lead, err = h.leads.Create(ctx, &leads.CreateLeadRequest{
			Name:            name,
			Phone:           digits,
			PhoneNormalized: normalized,
			Origin:          leads.OriginChat,
		})
	}
	if err != nil {
		return nil, err
	}
	return h.store.FindOrCreate(ctx, conversations.ThreadKey{
		LeadID:  &lead.ID,
		Channel: conversations.ChannelWhatsApp,
	})
}

func (h *WebhookHandler) handleAck(ctx context.Context, event *webhookEvent) error {
	providerID := decodeEventID(event.ID)
	if providerID == "" {
		return nil
	}
	status := ackStatus(event.Ack)
	if status == "" {
		return nil
	}
	if err := h.store.UpdateMessageStatus(ctx, providerID, status); err != nil {
		if errors.Is(err, conversations.ErrConversationNotFound) {
			// Acks can arrive for messages sent outside this gateway.
			h.logger.Debug("ack for unknown message ignored", "provider_message_id", providerID)
			return nil
		}
		return err
	}
	return nil
}

// ackStatus maps provider ack levels onto stored delivery statuses. Levels
// past "read" (voice note played) carry no extra information for us.
func ackStatus(ack int) string {
	switch ack {
	case -1:
		return conversations.StatusFailed
	case 1:
		return conversations.StatusSent
	case 2:
		return conversations.StatusDelivered
	case 3, 4:
		return conversations.StatusRead
	default:
		return ""
	}
}

func inboundMessageType(providerType string) string {
	switch providerType {
	case "", "chat":
		return "text"
	case "ptt":
		return "audio"
	default:
		return providerType
	}
}

// decodeEventID accepts both id encodings the provider uses: a bare string
// and an object carrying _serialized.
func decodeEventID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Serialized
	}
	return ""
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}
