package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// Mailer sends composed messages. *gomail.Dialer satisfies it.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SendRecorder stores the send record the follow-up ladder watches.
// *services.FollowupService satisfies it.
type SendRecorder interface {
	RecordEmailSend(ctx context.Context, customerID uint, progressID, actionID *uint, messageID, subject string) (*models.EmailSend, error)
}

type EmailConfig struct {
	FromEmail      string
	FromName       string
	TrackingURL    string
	TrackingSecret string
	MaxRetries     int
}

type EmailChannel struct {
	Mailer   Mailer
	Recorder SendRecorder
	Config   EmailConfig
	Logger   *logrus.Logger
	// Backoff between attempts; defaults to attempt² seconds
	Backoff func(attempt int) time.Duration
}

func NewEmailChannel(mailer Mailer, recorder SendRecorder, cfg EmailConfig, logger *logrus.Logger) *EmailChannel {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &EmailChannel{
		Mailer:   mailer,
		Recorder: recorder,
		Config:   cfg,
		Logger:   logger,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}
}

// NewSMTPDialer builds the gomail dialer from SMTP settings
func NewSMTPDialer(host string, port int, username, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

func (e *EmailChannel) Deliver(ctx context.Context, customer *models.Customer, action *models.TimelineAction, content *models.MessageTemplate, progressID uint) (services.ActionOutcome, error) {
	if err := checkmail.ValidateFormat(customer.Email); err != nil {
		return services.ActionOutcome{Status: services.OutcomeSuppressed, Error: "invalid email address"}, nil
	}

	data := newRenderData(customer)
	subject, err := renderText("subject", content.Subject, data)
	if err != nil {
		return services.ActionOutcome{}, fmt.Errorf("error rendering subject: %w", err)
	}
	html, err := renderHTML("body", content.HTMLContent, data)
	if err != nil {
		return services.ActionOutcome{}, fmt.Errorf("error rendering body: %w", err)
	}

	messageID := uuid.New().String()
	if e.Config.TrackingURL != "" {
		html = utils.InjectTracking(html, e.Config.TrackingURL, e.Config.TrackingSecret, messageID)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(e.Config.FromEmail, e.Config.FromName))
	m.SetHeader("To", customer.Email)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, mailDomain(e.Config.FromEmail)))
	m.SetHeader("X-Campaign-ID", action.CampaignID)
	if content.TextContent != "" {
		text, err := renderText("text", content.TextContent, data)
		if err != nil {
			return services.ActionOutcome{}, fmt.Errorf("error rendering text body: %w", err)
		}
		m.SetBody("text/plain", text)
		m.AddAlternative("text/html", html)
	} else {
		m.SetBody("text/html", html)
	}

	if err := e.send(ctx, m); err != nil {
		return services.ActionOutcome{ExternalID: messageID}, err
	}

	if e.Recorder != nil {
		actionID := action.ID
		var progress *uint
		if progressID != 0 {
			progress = &progressID
		}
		if _, err := e.Recorder.RecordEmailSend(ctx, customer.ID, progress, &actionID, messageID, subject); err != nil {
			// the mail left already; losing the record only costs the follow-up
			utils.LogError("email_send_record", err, map[string]interface{}{
				"customer_id": customer.ID,
				"message_id":  messageID,
			})
		}
	}

	e.Logger.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"action_id":   action.ID,
		"message_id":  messageID,
	}).Info("Email sent")

	return services.ActionOutcome{Status: services.OutcomeSent, ExternalID: messageID}, nil
}

func (e *EmailChannel) send(ctx context.Context, m *gomail.Message) error {
	var lastError error
	for attempt := 1; attempt <= e.Config.MaxRetries; attempt++ {
		if attempt > 1 && e.Backoff != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Backoff(attempt)):
			}
		}

		err := e.Mailer.DialAndSend(m)
		if err == nil {
			return nil
		}
		lastError = err
		if !isTemporaryError(err) {
			break
		}
	}
	return fmt.Errorf("send failed: %w", lastError)
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{"try again", "temporary", "421", "450", "451", "452", "connection reset", "timeout"} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

func mailDomain(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
