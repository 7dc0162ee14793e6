package conversations

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channels a conversation can live on.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelInternal = "internal"
	ChannelEmail    = "email"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Delivery statuses, in progression order. A message moves forward through
// these or drops to failed; it never moves backwards.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Conversation is a thread between the business and one counterparty on one
// channel. Group threads are keyed by external thread id instead of lead.
type Conversation struct {
	ID                 uuid.UUID  `json:"id"`
	LeadID             *uuid.UUID `json:"lead_id,omitempty"`
	Channel            string     `json:"channel"`
	IsGroup            bool       `json:"is_group"`
	ExternalThreadID   string     `json:"external_thread_id,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview"`
	UnreadCount        int        `json:"unread_count"`
	Archived           bool       `json:"archived"`
}

// ThreadKey identifies the conversation a message belongs to.
type ThreadKey struct {
	LeadID           *uuid.UUID
	Channel          string
	IsGroup          bool
	ExternalThreadID string
}

// MessageRecord is one unit of communication inside a conversation.
type MessageRecord struct {
	ID                uuid.UUID       `json:"id"`
	ConversationID    uuid.UUID       `json:"conversation_id"`
	Direction         string          `json:"direction"`
	Content           string          `json:"content"`
	MediaURL          string          `json:"media_url,omitempty"`
	MimeType          string          `json:"mime_type,omitempty"`
	MessageType       string          `json:"message_type"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ProviderPayload   json.RawMessage `json:"provider_payload,omitempty"`
	SentStatus        string          `json:"sent_status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// statusRank orders delivery statuses so bookkeeping only moves forward.
func statusRank(status string) int {
	switch status {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}
