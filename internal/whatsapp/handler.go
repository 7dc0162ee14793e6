package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// TextDispatcher is the outbound surface exposed over HTTP.
type TextDispatcher interface {
	SendText(ctx context.Context, req OutboundText) (*DispatchResult, error)
	SendMedia(ctx context.Context, req OutboundMedia) (*DispatchResult, error)
}

// SendHandler exposes the authenticated outbound send endpoint.
type SendHandler struct {
	dispatcher TextDispatcher
	logger     *logging.Logger
}

func NewSendHandler(dispatcher TextDispatcher, logger *logging.Logger) *SendHandler {
	if dispatcher == nil {
		panic("whatsapp: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SendHandler{dispatcher: dispatcher, logger: logger.WithComponent("whatsapp_send")}
}

type sendRequest struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	MimeType  string `json:"mimeType"`
	Filename  string `json:"filename"`
	Caption   string `json:"caption"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	// Phone echoes the resolved destination, which may differ from the
	// request when resolution filled in a missing area code.
	Phone string `json:"phone,omitempty"`
	Error string `json:"error,omitempty"`
}

// Send handles POST /api/whatsapp/send. A request carries either a text
// message or a media url; media wins when both are present.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSendError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		writeSendError(w, http.StatusBadRequest, "phone required")
		return
	}
	if strings.TrimSpace(req.Message) == "" && strings.TrimSpace(req.MediaURL) == "" {
		writeSendError(w, http.StatusBadRequest, "message or mediaUrl required")
		return
	}

	var (
		result *DispatchResult
		err    error
	)
	if strings.TrimSpace(req.MediaURL) != "" {
		result, err = h.dispatcher.SendMedia(r.Context(), OutboundMedia{
			To:          req.Phone,
			MediaURL:    req.MediaURL,
			MimeType:    req.MimeType,
			MessageType: req.MediaType,
			Filename:    req.Filename,
			Caption:     req.Caption,
		})
	} else {
		result, err = h.dispatcher.SendText(r.Context(), OutboundText{To: req.Phone, Body: req.Message})
	}
	if err != nil {
		status, msg := sendErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("outbound send failed", "error", err, "phone", req.Phone)
		} else {
			h.logger.Warn("outbound send rejected", "error", err, "phone", req.Phone)
		}
		writeSendError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Success:   true,
		MessageID: result.ProviderMessageID,
		Phone:     result.Phone,
	})
}

func sendErrorStatus(err error) (int, string) {
	if errors.Is(err, ErrAddresseeUnresolved) {
		return http.StatusUnprocessableEntity, "addressee could not be resolved to an active account"
	}
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return http.StatusBadGateway, "provider rejected the message: " + deliveryErr.Detail
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "send timed out"
	}
	return http.StatusInternalServerError, "failed to send message"
}

func writeSendError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, sendResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
