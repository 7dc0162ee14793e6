package leads

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for lead storage.
type Repository interface {
	Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Lead, error)
	GetByNormalizedPhone(ctx context.Context, normalized string) (*Lead, error)
	AppendNote(ctx context.Context, id uuid.UUID, note string) error
	AttachProperty(ctx context.Context, id uuid.UUID, propertyID uuid.UUID) error
	UpdatePhone(ctx context.Context, id uuid.UUID, phone, normalized string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}
