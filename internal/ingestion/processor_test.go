package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/imoveisdaher/crm-gateway/internal/audit"
	"github.com/imoveisdaher/crm-gateway/internal/conversations"
	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/internal/properties"
)

type fakeLeadsRepo struct {
	byPhone   map[string]*leads.Lead
	created   int
	notes     map[uuid.UUID][]string
	attached  map[uuid.UUID]uuid.UUID
	createErr error
}

func newFakeLeadsRepo() *fakeLeadsRepo {
	return &fakeLeadsRepo{
		byPhone:  make(map[string]*leads.Lead),
		notes:    make(map[uuid.UUID][]string),
		attached: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeLeadsRepo) Create(ctx context.Context, req *leads.CreateLeadRequest) (*leads.Lead, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lead := &leads.Lead{
		ID:              uuid.New(),
		Name:            req.Name,
		Phone:           req.Phone,
		PhoneNormalized: req.PhoneNormalized,
		Email:           req.Email,
		Origin:          req.Origin,
		PropertyID:      req.PropertyID,
		Notes:           req.Notes,
		Status:          leads.StatusFirstContact,
	}
	if req.PhoneNormalized != "" {
		f.byPhone[req.PhoneNormalized] = lead
	}
	f.created++
	return lead, nil
}

func (f *fakeLeadsRepo) GetByID(ctx context.Context, id uuid.UUID) (*leads.Lead, error) {
	for _, lead := range f.byPhone {
		if lead.ID == id {
			return lead, nil
		}
	}
	return nil, leads.ErrLeadNotFound
}

func (f *fakeLeadsRepo) GetByNormalizedPhone(ctx context.Context, normalized string) (*leads.Lead, error) {
	if lead, ok := f.byPhone[normalized]; ok {
		return lead, nil
	}
	return nil, leads.ErrLeadNotFound
}

func (f *fakeLeadsRepo) AppendNote(ctx context.Context, id uuid.UUID, note string) error {
	f.notes[id] = append(f.notes[id], note)
	return nil
}

func (f *fakeLeadsRepo) AttachProperty(ctx context.Context, id uuid.UUID, propertyID uuid.UUID) error {
	f.attached[id] = propertyID
	return nil
}

func (f *fakeLeadsRepo) UpdatePhone(ctx context.Context, id uuid.UUID, phone, normalized string) error {
	return nil
}

func (f *fakeLeadsRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	return nil
}

type fakeConvStore struct {
	conversations map[string]*conversations.Conversation
	appended      []conversations.MessageRecord
	findErr       error
	appendErr     error
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{conversations: make(map[string]*conversations.Conversation)}
}

func (f *fakeConvStore) FindOrCreate(ctx context.Context, key conversations.ThreadKey) (*conversations.Conversation, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	mapKey := key.Channel
	if key.LeadID != nil {
		mapKey += "|" + key.LeadID.String()
	}
	if conv, ok := f.conversations[mapKey]; ok {
		return conv, nil
	}
	conv := &conversations.Conversation{ID: uuid.New(), LeadID: key.LeadID, Channel: key.Channel}
	f.conversations[mapKey] = conv
	return conv, nil
}

func (f *fakeConvStore) AppendMessage(ctx context.Context, conversationID uuid.UUID, msg conversations.MessageRecord) (uuid.UUID, error) {
	if f.appendErr != nil {
		return uuid.Nil, f.appendErr
	}
	f.appended = append(f.appended, msg)
	return uuid.New(), nil
}

type fakeFinder struct {
	byCode map[string]*properties.Property
}

func (f *fakeFinder) FindByCode(ctx context.Context, code string) (*properties.Property, error) {
	if prop, ok := f.byCode[code]; ok {
		return prop, nil
	}
	return nil, properties.ErrPropertyNotFound
}

func auditRecorder(t *testing.T) (*audit.Recorder, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	return audit.NewRecorder(mock, nil), mock
}

func expectAuditInsert(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("INSERT INTO lead_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestProcessPortalAWebhookCreatesEverything(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	prop := &properties.Property{ID: uuid.New(), RefCode: "AP0001"}
	finder := &fakeFinder{byCode: map[string]*properties.Property{"AP0001": prop}}
	recorder, mock := auditRecorder(t)
	expectAuditInsert(mock)

	p := NewProcessor(repo, finder, convs, recorder, nil, nil, nil)
	body := `{"name":"Ana","phone":"21988887777","message":"Interested in AP0001"}`
	results, err := p.Process(context.Background(), SourcePortalA, []byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].State != StateLogged {
		t.Fatalf("unexpected results: %+v", results)
	}

	lead, ok := repo.byPhone["+5521988887777"]
	if !ok {
		t.Fatal("expected lead keyed by normalized phone")
	}
	if lead.Name != "Ana" || lead.Origin != SourcePortalA || lead.Status != leads.StatusFirstContact {
		t.Fatalf("unexpected lead: %+v", lead)
	}
	if lead.PropertyID == nil || *lead.PropertyID != prop.ID {
		t.Fatalf("expected property attached, got %v", lead.PropertyID)
	}

	conv, ok := convs.conversations[SourcePortalA+"|"+lead.ID.String()]
	if !ok {
		t.Fatal("expected conversation on the source channel")
	}
	if conv.Channel != SourcePortalA {
		t.Fatalf("unexpected channel %q", conv.Channel)
	}
	if len(convs.appended) != 1 {
		t.Fatalf("expected one inbound message, got %d", len(convs.appended))
	}
	msg := convs.appended[0]
	if msg.Direction != conversations.DirectionInbound || msg.Content != "Interested in AP0001" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("audit entry missing: %v", err)
	}
}

func TestProcessSecondWebhookUpdatesExistingLead(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	propA := &properties.Property{ID: uuid.New(), RefCode: "AP0001"}
	propB := &properties.Property{ID: uuid.New(), RefCode: "CA0002"}
	finder := &fakeFinder{byCode: map[string]*properties.Property{"AP0001": propA, "CA0002": propB}}

	p := NewProcessor(repo, finder, convs, nil, nil, nil, nil)
	first := `{"name":"Ana","phone":"21988887777","message":"Code: AP0001"}`
	if _, err := p.Process(context.Background(), SourcePortalA, []byte(first)); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	second := `{"name":"Ana Souza","phone":"+55 21 98888-7777","email":"ana@example.com","message":"Code: CA0002","property_code":""}`
	results, err := p.Process(context.Background(), SourceWebForm, []byte(second))
	if err != nil {
		t.Fatalf("second webhook: %v", err)
	}
	if results[0].State != StateLogged {
		t.Fatalf("unexpected state %q", results[0].State)
	}

	if repo.created != 1 {
		t.Fatalf("expected one lead, got %d", repo.created)
	}
	lead := repo.byPhone["+5521988887777"]
	if results[0].LeadID != lead.ID {
		t.Fatal("second webhook must resolve to the existing lead")
	}
	notes := repo.notes[lead.ID]
	if len(notes) != 1 || !strings.Contains(notes[0], "CA0002") {
		t.Fatalf("expected appended note with new code, got %v", notes)
	}
	if repo.attached[lead.ID] != propB.ID {
		t.Fatal("expected property reference moved to the newly cited listing")
	}
}

func TestProcessLateCodeAttachesProperty(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	prop := &properties.Property{ID: uuid.New(), RefCode: "AP0001"}
	finder := &fakeFinder{byCode: map[string]*properties.Property{"AP0001": prop}}

	p := NewProcessor(repo, finder, convs, nil, nil, nil, nil)
	first := `{"name":"Ana","phone":"21988887777","message":"oi"}`
	if _, err := p.Process(context.Background(), SourcePortalA, []byte(first)); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	second := `{"name":"Ana","phone":"21988887777","message":"Code: AP0001"}`
	if _, err := p.Process(context.Background(), SourcePortalA, []byte(second)); err != nil {
		t.Fatalf("second webhook: %v", err)
	}

	lead := repo.byPhone["+5521988887777"]
	if repo.attached[lead.ID] != prop.ID {
		t.Fatal("expected property attached when resolved on a later webhook")
	}
}

func TestProcessRejectsMissingName(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	p := NewProcessor(repo, nil, convs, nil, nil, nil, nil)

	results, err := p.Process(context.Background(), SourceWebForm, []byte(`{"phone":"21988887777"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if results[0].State != StateRejected {
		t.Fatalf("expected rejection, got %+v", results[0])
	}
	if repo.created != 0 || len(convs.appended) != 0 {
		t.Fatal("rejected items must not write anything")
	}
}

func TestProcessStoreOutageIsFailed(t *testing.T) {
	repo := newFakeLeadsRepo()
	repo.createErr = errors.New("connection refused")
	convs := newFakeConvStore()
	p := NewProcessor(repo, nil, convs, nil, nil, nil, nil)

	results, err := p.Process(context.Background(), SourceWebForm, []byte(`{"name":"Ana","phone":"21988887777","message":"oi"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// A store outage is not the payload's fault; it must not look like a
	// rejection, so the caller can ask the portal to redeliver.
	if results[0].State != StateFailed {
		t.Fatalf("expected failed, got %+v", results[0])
	}
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "persist lead") {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if len(convs.appended) != 0 {
		t.Fatal("failed items must not thread anything")
	}
}

func TestProcessThreadingFailureIsPartial(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	convs.findErr = errors.New("connection reset")
	recorder, mock := auditRecorder(t)
	expectAuditInsert(mock)

	p := NewProcessor(repo, nil, convs, recorder, nil, nil, nil)
	results, err := p.Process(context.Background(), SourceWebForm, []byte(`{"name":"Ana","phone":"21988887777","message":"oi"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if results[0].State != StatePartial {
		t.Fatalf("expected partial, got %+v", results[0])
	}
	if repo.created != 1 {
		t.Fatal("lead must survive a threading failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("partial ingest audit entry missing: %v", err)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	p := NewProcessor(repo, nil, convs, nil, nil, nil, nil)

	body := `[
		{"name":"","phone":"21988887777"},
		{"name":"Bruno","phone":"11977776666","message":"oi"}
	]`
	results, err := p.Process(context.Background(), SourceWebForm, []byte(body))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].State != StateRejected || results[1].State != StateLogged {
		t.Fatalf("unexpected states: %+v", results)
	}
	if repo.created != 1 {
		t.Fatalf("expected only the valid item persisted, got %d", repo.created)
	}
}

func TestProcessBatchIsolatesDecodeFailure(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	p := NewProcessor(repo, nil, convs, nil, nil, nil, nil)

	body := `[
		{"name":"Ana","phone":"21988887777","message":"oi"},
		{"name":123}
	]`
	results, err := p.Process(context.Background(), SourceWebForm, []byte(body))
	if err != nil {
		t.Fatalf("one undecodable element must not abort the batch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].State != StateLogged {
		t.Fatalf("valid sibling must be ingested, got %+v", results[0])
	}
	if results[1].State != StateRejected || results[1].Err == nil {
		t.Fatalf("undecodable element must be rejected in place, got %+v", results[1])
	}
	if repo.created != 1 {
		t.Fatalf("expected the valid item persisted, got %d", repo.created)
	}
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyNewLead(ctx context.Context, lead *leads.Lead, source string) {
	f.notified = append(f.notified, lead.Name+"|"+source)
}

func TestProcessNotifiesOnlyNewLeads(t *testing.T) {
	repo := newFakeLeadsRepo()
	convs := newFakeConvStore()
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, nil, convs, nil, notifier, nil, nil)

	body := `{"name":"Ana","phone":"21988887777","message":"oi"}`
	if _, err := p.Process(context.Background(), SourceWebForm, []byte(body)); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	if _, err := p.Process(context.Background(), SourceWebForm, []byte(body)); err != nil {
		t.Fatalf("second webhook: %v", err)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected one notification, got %v", notifier.notified)
	}
}
