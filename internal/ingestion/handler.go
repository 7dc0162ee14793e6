package ingestion

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/imoveisdaher/crm-gateway/internal/observability/metrics"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

const maxWebhookBody = 1 << 20

// Handler terminates the lead capture webhooks.
type Handler struct {
	processor *Processor
	dedup     *Deduplicator
	secret    string
	metrics   *metrics.GatewayMetrics
	logger    *logging.Logger
}

func NewHandler(processor *Processor, dedup *Deduplicator, secret string, m *metrics.GatewayMetrics, logger *logging.Logger) *Handler {
	if processor == nil {
		panic("ingestion: processor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		processor: processor,
		dedup:     dedup,
		secret:    secret,
		metrics:   m,
		logger:    logger.WithComponent("capture_lead"),
	}
}

type captureResponse struct {
	Success bool            `json:"success"`
	LeadID  string          `json:"lead_id,omitempty"`
	Error   string          `json:"error,omitempty"`
	Results []captureResult `json:"results,omitempty"`
}

type captureResult struct {
	Success bool   `json:"success"`
	LeadID  string `json:"lead_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CaptureLead handles POST /capture-lead?source={portal-a|portal-b|web-form}.
// Portal sources must present the shared secret; the site form is exempt.
func (h *Handler) CaptureLead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	source := r.URL.Query().Get("source")
	if !KnownSource(source) {
		writeCapture(w, http.StatusBadRequest, captureResponse{Success: false, Error: "unknown source"})
		return
	}
	if ExternalSource(source) && h.secret != "" {
		token := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			writeCapture(w, http.StatusUnauthorized, captureResponse{Success: false, Error: "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeCapture(w, http.StatusBadRequest, captureResponse{Success: false, Error: "unreadable body"})
		return
	}
	defer r.Body.Close()

	if h.dedup.Seen(r.Context(), source, body) {
		h.logger.Info("duplicate webhook delivery ignored", "source", source)
		writeCapture(w, http.StatusOK, captureResponse{Success: true})
		return
	}

	results, err := h.processor.Process(r.Context(), source, body)
	h.metrics.ObserveWebhookLatency(source, time.Since(start).Seconds())
	if err != nil {
		h.logger.Warn("webhook payload rejected", "source", source, "error", err)
		writeCapture(w, http.StatusBadRequest, captureResponse{Success: false, Error: err.Error()})
		return
	}

	// A failed item never became durable. Release the dedup key and answer
	// 5xx so the portal redelivers; already-logged siblings merge by phone
	// on the retry.
	if anyFailed(results) {
		h.dedup.Forget(r.Context(), source, body)
	}

	if len(results) == 1 {
		writeCapture(w, singleStatus(results[0]), singleResponse(results[0]))
		return
	}

	resp := captureResponse{Success: true}
	status := http.StatusOK
	for _, result := range results {
		item := captureResult{Success: itemOK(result)}
		if result.LeadID != uuid.Nil {
			item.LeadID = result.LeadID.String()
		}
		if result.Err != nil {
			item.Error = result.Err.Error()
		}
		if !item.Success {
			resp.Success = false
		}
		if result.State == StateFailed {
			status = http.StatusInternalServerError
		}
		resp.Results = append(resp.Results, item)
	}
	// Rejected items alone keep the batch at 200 so the portal does not
	// redeliver the whole batch over a bad row it will never fix.
	writeCapture(w, status, resp)
}

func anyFailed(results []ItemResult) bool {
	for _, result := range results {
		if result.State == StateFailed {
			return true
		}
	}
	return false
}

func itemOK(result ItemResult) bool {
	return result.State != StateRejected && result.State != StateFailed
}

func singleStatus(result ItemResult) int {
	switch result.State {
	case StateRejected:
		return http.StatusBadRequest
	case StateFailed:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func singleResponse(result ItemResult) captureResponse {
	resp := captureResponse{Success: itemOK(result)}
	if result.LeadID != uuid.Nil {
		resp.LeadID = result.LeadID.String()
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func writeCapture(w http.ResponseWriter, status int, resp captureResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
