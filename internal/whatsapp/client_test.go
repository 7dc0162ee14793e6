package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientCheckNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/api/main/check-number-status/5521988887777" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"response": map[string]any{
				"numberExists": true,
				"id":           map[string]any{"_serialized": "5521988887777@c.us"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "main", "tok", nil)
	status, err := client.CheckNumber(context.Background(), "5521988887777")
	if err != nil {
		t.Fatalf("check number: %v", err)
	}
	if !status.Exists || status.JID != "5521988887777@c.us" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClientCheckNumberNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "success",
			"response": map[string]any{"numberExists": false},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "main", "tok", nil)
	status, err := client.CheckNumber(context.Background(), "5521900000000")
	if err != nil {
		t.Fatalf("check number: %v", err)
	}
	if status.Exists {
		t.Fatal("expected number to not exist")
	}
}

func TestClientSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/main/send-message" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["phone"] != "5521988887777" || body["message"] != "hello" {
			t.Fatalf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "success",
			"response": []map[string]any{{"id": "true_5521988887777@c.us_ABC123"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "main", "tok", nil)
	result, err := client.SendText(context.Background(), TextSend{Phone: "5521988887777", Message: "hello"})
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if result.MessageID != "true_5521988887777@c.us_ABC123" {
		t.Fatalf("unexpected message id %q", result.MessageID)
	}
}

func TestClientSendTextProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "session not connected"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "main", "tok", nil)
	_, err := client.SendText(context.Background(), TextSend{Phone: "5521988887777", Message: "hello"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !IsDeliveryFailed(err) {
		t.Fatalf("expected DeliveryError, got %T", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.Detail != "session not connected" {
		t.Fatalf("expected provider detail, got %+v", de)
	}
}

func TestClientSendFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/main/send-file" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["path"] != "https://cdn.example.com/plan.pdf" || body["caption"] != "floor plan" {
			t.Fatalf("unexpected body: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "success",
			"response": map[string]any{"id": "true_5521988887777@c.us_FILE1"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "main", "tok", nil)
	result, err := client.SendFile(context.Background(), FileSend{
		Phone:   "5521988887777",
		URL:     "https://cdn.example.com/plan.pdf",
		Caption: "floor plan",
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if result.MessageID != "true_5521988887777@c.us_FILE1" {
		t.Fatalf("unexpected message id %q", result.MessageID)
	}
}

func TestClientValidation(t *testing.T) {
	client := NewClient("http://localhost:0", "main", "tok", nil)
	if _, err := client.SendText(context.Background(), TextSend{Message: "hi"}); err == nil {
		t.Fatal("expected error for missing phone")
	}
	if _, err := client.SendText(context.Background(), TextSend{Phone: "5521988887777"}); err == nil {
		t.Fatal("expected error for missing message")
	}
	if _, err := client.SendFile(context.Background(), FileSend{Phone: "5521988887777"}); err == nil {
		t.Fatal("expected error for missing media url")
	}
}
