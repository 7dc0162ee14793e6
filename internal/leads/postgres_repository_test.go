package leads

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestCreateLead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	now := time.Now()
	mock.ExpectQuery("INSERT INTO leads").
		WithArgs(pgxmock.AnyArg(), "Ana", "21988887777", "+5521988887777", "", OriginPortalA, (*uuid.UUID)(nil), "Interested in AP01", StatusFirstContact).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	lead, err := repo.Create(context.Background(), &CreateLeadRequest{
		Name:            "Ana",
		Phone:           "21988887777",
		PhoneNormalized: "+5521988887777",
		Origin:          OriginPortalA,
		Notes:           "Interested in AP01",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lead.Status != StatusFirstContact {
		t.Fatalf("expected first_contact status, got %s", lead.Status)
	}
	if lead.ID == uuid.Nil {
		t.Fatal("expected generated id")
	}
}

func TestCreateLeadRejectsMissingName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	if _, err := repo.Create(context.Background(), &CreateLeadRequest{Phone: "21988887777"}); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := repo.Create(context.Background(), &CreateLeadRequest{Name: "Ana"}); err != ErrMissingContact {
		t.Fatalf("expected ErrMissingContact, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no queries expected: %v", err)
	}
}

func TestGetByNormalizedPhone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	id := uuid.New()
	normalized := "+5521988887777"
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM leads WHERE phone_normalized").
		WithArgs(normalized).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "phone", "phone_normalized", "email", "origin", "property_id", "notes", "status", "created_at", "updated_at",
		}).AddRow(id, "Ana", "21988887777", &normalized, "", OriginPortalA, (*uuid.UUID)(nil), "", StatusFirstContact, now, now))

	lead, err := repo.GetByNormalizedPhone(context.Background(), normalized)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if lead.ID != id || lead.PhoneNormalized != normalized {
		t.Fatalf("unexpected lead: %+v", lead)
	}
}

func TestGetByNormalizedPhoneEmptyInput(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	if _, err := repo.GetByNormalizedPhone(context.Background(), ""); err != ErrLeadNotFound {
		t.Fatalf("expected ErrLeadNotFound for empty phone, got %v", err)
	}
}

func TestAppendNoteAndAttachProperty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	id := uuid.New()
	propertyID := uuid.New()

	mock.ExpectExec("UPDATE leads").
		WithArgs(id, "also asked about AP02").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := repo.AppendNote(context.Background(), id, "also asked about AP02"); err != nil {
		t.Fatalf("append note: %v", err)
	}

	mock.ExpectExec("UPDATE leads").
		WithArgs(id, propertyID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := repo.AttachProperty(context.Background(), id, propertyID); err != nil {
		t.Fatalf("attach property: %v", err)
	}
}

func TestUpdatePhone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	repo := &PostgresRepository{pool: mock}
	id := uuid.New()
	mock.ExpectExec("UPDATE leads").
		WithArgs(id, "5521988887777", "+5521988887777").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := repo.UpdatePhone(context.Background(), id, "5521988887777", "+5521988887777"); err != nil {
		t.Fatalf("update phone: %v", err)
	}
}
