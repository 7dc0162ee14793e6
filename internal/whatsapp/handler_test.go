package whatsapp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeTextDispatcher struct {
	textReqs  []OutboundText
	mediaReqs []OutboundMedia
	result    *DispatchResult
	err       error
}

func (f *fakeTextDispatcher) SendText(ctx context.Context, req OutboundText) (*DispatchResult, error) {
	f.textReqs = append(f.textReqs, req)
	return f.result, f.err
}

func (f *fakeTextDispatcher) SendMedia(ctx context.Context, req OutboundMedia) (*DispatchResult, error) {
	f.mediaReqs = append(f.mediaReqs, req)
	return f.result, f.err
}

func postSend(h *SendHandler, body string) (*httptest.ResponseRecorder, sendResponse) {
	req := httptest.NewRequest("POST", "/api/whatsapp/send", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)
	var resp sendResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestSendHandlerText(t *testing.T) {
	d := &fakeTextDispatcher{result: &DispatchResult{
		MessageID:         uuid.New(),
		ProviderMessageID: "MSG1",
		Phone:             "5521988887777",
	}}
	h := NewSendHandler(d, nil)

	rec, resp := postSend(h, `{"phone":"988887777","message":"Olá"}`)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.MessageID != "MSG1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Phone != "5521988887777" {
		t.Fatalf("response must echo the resolved phone, got %q", resp.Phone)
	}
	if len(d.textReqs) != 1 || d.textReqs[0].Body != "Olá" {
		t.Fatalf("unexpected dispatch: %+v", d.textReqs)
	}
}

func TestSendHandlerMedia(t *testing.T) {
	d := &fakeTextDispatcher{result: &DispatchResult{ProviderMessageID: "FILE1", Phone: "5521988887777"}}
	h := NewSendHandler(d, nil)

	rec, _ := postSend(h, `{"phone":"21988887777","mediaUrl":"https://cdn.example.com/a.pdf","mediaType":"document","mimeType":"application/pdf","caption":"planta"}`)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(d.mediaReqs) != 1 {
		t.Fatalf("expected media dispatch, got %+v", d.textReqs)
	}
	if d.mediaReqs[0].MessageType != "document" || d.mediaReqs[0].Caption != "planta" {
		t.Fatalf("unexpected media request: %+v", d.mediaReqs[0])
	}
}

func TestSendHandlerValidation(t *testing.T) {
	h := NewSendHandler(&fakeTextDispatcher{}, nil)

	for name, body := range map[string]string{
		"bad json":      `{`,
		"missing phone": `{"message":"oi"}`,
		"no payload":    `{"phone":"21988887777"}`,
	} {
		rec, resp := postSend(h, body)
		if rec.Code != 400 {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		if resp.Success {
			t.Fatalf("%s: expected failure response", name)
		}
	}
}

func TestSendHandlerUnresolved(t *testing.T) {
	h := NewSendHandler(&fakeTextDispatcher{err: ErrAddresseeUnresolved}, nil)

	rec, resp := postSend(h, `{"phone":"12345","message":"oi"}`)
	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendHandlerProviderRejection(t *testing.T) {
	h := NewSendHandler(&fakeTextDispatcher{err: &DeliveryError{StatusCode: 400, Detail: "session not connected"}}, nil)

	rec, resp := postSend(h, `{"phone":"21988887777","message":"oi"}`)
	if rec.Code != 502 {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(resp.Error, "session not connected") {
		t.Fatalf("provider detail missing from error: %q", resp.Error)
	}
}
