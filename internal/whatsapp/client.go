package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

var clientTracer = otel.Tracer("crmgw.internal.whatsapp.client")

// NumberStatus is the result of an existence-check probe.
type NumberStatus struct {
	Exists bool
	// JID is the provider-internal key for the subscriber, e.g.
	// "5521988887777@c.us".
	JID string
}

// SendResult carries the provider's identifier for a dispatched message.
type SendResult struct {
	MessageID string
	Raw       json.RawMessage
}

// TextSend is a plain text dispatch.
type TextSend struct {
	Phone   string
	IsGroup bool
	Message string
}

// FileSend is a media dispatch by URL.
type FileSend struct {
	Phone    string
	IsGroup  bool
	URL      string
	Filename string
	MimeType string
	Caption  string
}

// Client talks to a WPPConnect-style WhatsApp HTTP API.
type Client struct {
	baseURL    string
	session    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient builds a provider client. The session names the connected device
// on the provider side.
func NewClient(baseURL, session, token string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL: baseURL,
		session: session,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ NumberProber = (*Client)(nil)
var _ Sender = (*Client)(nil)

// CheckNumber probes whether the given number has an active account. A single
// attempt: the resolver treats transport failures as non-existence for the
// candidate and moves on.
func (c *Client) CheckNumber(ctx context.Context, phone string) (NumberStatus, error) {
	if c.baseURL == "" {
		return NumberStatus{}, errors.New("whatsapp: base url missing")
	}
	ctx, span := clientTracer.Start(ctx, "whatsapp.check_number")
	defer span.End()
	span.SetAttributes(attribute.String("crmgw.phone", phone))

	endpoint := fmt.Sprintf("%s/api/%s/check-number-status/%s", c.baseURL, c.session, url.PathEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return NumberStatus{}, fmt.Errorf("whatsapp: build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return NumberStatus{}, fmt.Errorf("whatsapp: probe call: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("whatsapp: probe status %d", resp.StatusCode)
		span.RecordError(err)
		return NumberStatus{}, err
	}

	var parsed struct {
		Response struct {
			NumberExists bool `json:"numberExists"`
			ID           struct {
				Serialized string `json:"_serialized"`
			} `json:"id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		return NumberStatus{}, fmt.Errorf("whatsapp: decode probe response: %w", err)
	}
	return NumberStatus{
		Exists: parsed.Response.NumberExists,
		JID:    parsed.Response.ID.Serialized,
	}, nil
}

// SendText dispatches one text message, retrying transient transport errors.
func (c *Client) SendText(ctx context.Context, msg TextSend) (SendResult, error) {
	if msg.Phone == "" {
		return SendResult{}, errors.New("whatsapp: phone required")
	}
	if msg.Message == "" {
		return SendResult{}, errors.New("whatsapp: message required")
	}
	payload := map[string]interface{}{
		"phone":   msg.Phone,
		"message": msg.Message,
		"isGroup": msg.IsGroup,
	}
	return c.send(ctx, "send-message", payload, msg.Phone)
}

// SendFile dispatches a media message by URL.
func (c *Client) SendFile(ctx context.Context, msg FileSend) (SendResult, error) {
	if msg.Phone == "" {
		return SendResult{}, errors.New("whatsapp: phone required")
	}
	if msg.URL == "" {
		return SendResult{}, errors.New("whatsapp: media url required")
	}
	payload := map[string]interface{}{
		"phone":   msg.Phone,
		"path":    msg.URL,
		"isGroup": msg.IsGroup,
	}
	if msg.Filename != "" {
		payload["filename"] = msg.Filename
	}
	if msg.Caption != "" {
		payload["caption"] = msg.Caption
	}
	return c.send(ctx, "send-file", payload, msg.Phone)
}

func (c *Client) send(ctx context.Context, action string, payload map[string]interface{}, phone string) (SendResult, error) {
	if c.baseURL == "" {
		return SendResult{}, errors.New("whatsapp: base url missing")
	}
	ctx, span := clientTracer.Start(ctx, "whatsapp."+action)
	defer span.End()
	span.SetAttributes(attribute.String("crmgw.phone", phone))

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("whatsapp: marshal %s payload: %w", action, err)
	}
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, c.session, action)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 16384))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result := SendResult{Raw: body, MessageID: parseMessageID(body)}
				c.logger.Info("whatsapp message sent", "action", action, "phone", phone, "provider_message_id", result.MessageID)
				return result, nil
			}
			detail := providerErrorDetail(body)
			lastErr = &DeliveryError{StatusCode: resp.StatusCode, Detail: detail}
			// Provider rejections are final; only transport errors and
			// gateway-side 5xx are worth another attempt.
			if resp.StatusCode < 500 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		c.logger.Error("whatsapp send failed", "action", action, "phone", phone, "error", lastErr)
	}
	if lastErr == nil {
		lastErr = &DeliveryError{Detail: "no attempt made"}
	}
	if !IsDeliveryFailed(lastErr) {
		lastErr = &DeliveryError{Detail: lastErr.Error()}
	}
	return SendResult{}, lastErr
}

// parseMessageID digs the provider message id out of the send response. The
// provider answers with either a single object or a one-element array.
func parseMessageID(body []byte) string {
	var single struct {
		Response struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &single); err == nil && single.Response.ID != "" {
		return single.Response.ID
	}
	var batch struct {
		Response []struct {
			ID string `json:"id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Response) > 0 {
		return batch.Response[0].ID
	}
	return ""
}

func providerErrorDetail(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
