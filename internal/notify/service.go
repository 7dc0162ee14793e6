package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/imoveisdaher/crm-gateway/internal/leads"
	"github.com/imoveisdaher/crm-gateway/pkg/logging"
)

// Service emails the agents when the gateway captures a new lead.
// Notification failures are logged, never surfaced: losing an email must not
// fail the webhook that carried the lead.
type Service struct {
	email      EmailSender
	recipients []string
	consoleURL string
	logger     *logging.Logger
}

// NewService builds the notifier. consoleURL, when set, is the public base
// URL of the admin console and turns each email into a deep link to the
// lead's activity page.
func NewService(email EmailSender, recipients []string, consoleURL string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		recipients: recipients,
		consoleURL: strings.TrimRight(consoleURL, "/"),
		logger:     logger.WithComponent("notify"),
	}
}

// NotifyNewLead emails every configured recipient about a freshly ingested
// lead.
func (s *Service) NotifyNewLead(ctx context.Context, lead *leads.Lead, source string) {
	if s == nil || s.email == nil || len(s.recipients) == 0 {
		return
	}

	subject := fmt.Sprintf("Novo lead - %s", lead.Name)
	body := fmt.Sprintf(`Um novo lead chegou pelo canal %s.

Nome: %s
Telefone: %s
Email: %s
Mensagem: %s
`, source, lead.Name, lead.Phone, lead.Email, lead.Notes)
	if s.consoleURL != "" {
		body += fmt.Sprintf("\nAcompanhe: %s/admin/leads/%s/activity\n", s.consoleURL, lead.ID)
	}

	for _, recipient := range s.recipients {
		msg := EmailMessage{
			To:      recipient,
			Subject: subject,
			Body:    body,
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("failed to send new lead email", "error", err, "to", recipient, "lead_id", lead.ID)
			continue
		}
		s.logger.Info("new lead email sent", "to", recipient, "lead_id", lead.ID, "source", source)
	}
}
