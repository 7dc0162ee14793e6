package leads

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lead origins, matching the webhook source tags.
const (
	OriginPortalA = "portal-a"
	OriginPortalB = "portal-b"
	OriginWebForm = "web-form"
	OriginManual  = "manual"
	OriginChat    = "chat"
)

// StatusFirstContact is the pipeline status assigned to freshly ingested leads.
const StatusFirstContact = "first_contact"

// Lead represents a prospective client captured by the gateway.
type Lead struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	PhoneNormalized string     `json:"phone_normalized"`
	Email           string     `json:"email"`
	Origin          string     `json:"origin"`
	PropertyID      *uuid.UUID `json:"property_id,omitempty"`
	Notes           string     `json:"notes"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateLeadRequest carries the fields needed to persist a new lead.
type CreateLeadRequest struct {
	Name            string
	Phone           string
	PhoneNormalized string
	Email           string
	Origin          string
	PropertyID      *uuid.UUID
	Notes           string
}

// Validate checks the request before any write happens.
func (r *CreateLeadRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidName
	}
	if r.Phone == "" && r.Email == "" {
		return ErrMissingContact
	}
	return nil
}
