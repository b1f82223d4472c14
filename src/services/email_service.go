package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/username/tradevault/backend/src/config"
	"github.com/username/tradevault/backend/src/logger"
)

// EmailService notifies users when an import parks at a human gate: the
// review gate (AI-proposed mapping awaiting approval) or the broker
// selection gate (unknown format, no hint).
type EmailService interface {
	SendReviewRequiredEmail(toEmail, filename, batchID string) error
	SendBrokerSelectionEmail(toEmail, filename, batchID string) error
}

func NewEmailService() EmailService {
	if config.Cfg == nil {
		slog.Error("Configuration (config.Cfg) is nil. Email service will default to mock.")
		return &MockEmailService{}
	}

	provider := strings.ToLower(config.Cfg.EmailServiceProvider)
	logger.L.Info("Initializing email service", "provider", provider)

	switch provider {
	case "mailgun":
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" || config.Cfg.SenderEmail == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, or SenderEmail missing). Falling back to MockEmailService.")
			return &MockEmailService{ReviewBaseURL: config.Cfg.ReviewNotificationBaseURL}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunEmailService{
			mg:            mg,
			senderEmail:   config.Cfg.SenderEmail,
			senderName:    config.Cfg.SenderName,
			reviewBaseURL: config.Cfg.ReviewNotificationBaseURL,
		}
	default:
		logger.L.Info("Defaulting to MockEmailService.")
		return &MockEmailService{ReviewBaseURL: config.Cfg.ReviewNotificationBaseURL}
	}
}

type MailgunEmailService struct {
	mg            mailgun.Mailgun
	senderEmail   string
	senderName    string
	reviewBaseURL string
}

func (s *MailgunEmailService) SendReviewRequiredEmail(toEmail, filename, batchID string) error {
	from := fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	subject := "Your import needs a quick review"
	reviewLink := fmt.Sprintf("%s/%s/review", s.reviewBaseURL, batchID)

	plainTextBody := fmt.Sprintf(`Hi,

We couldn't recognize the format of %s automatically, so we prepared a
suggested column mapping for you. Please review and confirm it before we
import any trades:
%s

Nothing is imported until you approve the mapping.

Thanks,
The TradeVault Team`, filename, reviewLink)

	return s.send(from, subject, plainTextBody, toEmail)
}

func (s *MailgunEmailService) SendBrokerSelectionEmail(toEmail, filename, batchID string) error {
	from := fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	subject := "Tell us which broker this file came from"
	selectLink := fmt.Sprintf("%s/%s/select-broker", s.reviewBaseURL, batchID)

	plainTextBody := fmt.Sprintf(`Hi,

We couldn't tell which broker exported %s. Pick the broker below and we'll
take it from there:
%s

Thanks,
The TradeVault Team`, filename, selectLink)

	return s.send(from, subject, plainTextBody, toEmail)
}

func (s *MailgunEmailService) send(from, subject, body, recipient string) error {
	message := s.mg.NewMessage(from, subject, body, recipient)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()
	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		logger.L.Error("Failed to send email via Mailgun", "error", err, "to", recipient, "mailgunResp", resp, "mailgunId", id)
		return fmt.Errorf("mailgun send failed: %w. Response: %s", err, resp)
	}
	logger.L.Info("Email sent successfully via Mailgun", "to", recipient, "id", id)
	return nil
}

// MockEmailService logs instead of sending. Used in development and tests.
type MockEmailService struct {
	ReviewBaseURL string
}

func (s *MockEmailService) SendReviewRequiredEmail(toEmail, filename, batchID string) error {
	logger.L.Info("MOCK: review required email",
		"to", toEmail, "filename", filename, "link", fmt.Sprintf("%s/%s/review", s.ReviewBaseURL, batchID))
	return nil
}

func (s *MockEmailService) SendBrokerSelectionEmail(toEmail, filename, batchID string) error {
	logger.L.Info("MOCK: broker selection email",
		"to", toEmail, "filename", filename, "link", fmt.Sprintf("%s/%s/select-broker", s.ReviewBaseURL, batchID))
	return nil
}
