package channel

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/circuitbreaker"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

type EmailSender struct {
	from     string
	dialer   Dialer
	cb       *circuitbreaker.CircuitBreaker
	renderer *Renderer
	logger   *logger.Logger
}

func NewEmailSender(cfg SMTPConfig, renderer *Renderer, log *logger.Logger) *EmailSender {
	return NewEmailSenderWithDialer(cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), renderer, log)
}

func NewEmailSenderWithDialer(from string, d Dialer, renderer *Renderer, log *logger.Logger) *EmailSender {
	if log == nil {
		log = logger.NewNop()
	}
	return &EmailSender{
		from:     from,
		dialer:   d,
		cb:       newBreaker("email-provider"),
		renderer: renderer,
		logger:   log.With("channel", string(model.ChannelEmail)),
	}
}

func (s *EmailSender) Channel() model.Channel {
	return model.ChannelEmail
}

// Send hands the message to the SMTP relay. gomail has no context support,
// so the dial runs in its own goroutine and ctx only bounds the wait.
func (s *EmailSender) Send(ctx context.Context, task *model.NotificationTask) (*Receipt, error) {
	if task.Recipient == "" {
		return nil, ErrNoRecipient
	}
	msg, err := s.renderer.Render(task)
	if err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("<%s@booking-notifier>", uuid.New().String())
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", task.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Notification-ID", task.ID.String())
	m.SetBody("text/plain", msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- s.cb.Execute(func() error {
			return classifySMTP(s.dialer.DialAndSend(m))
		})
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			s.logger.Error(err, "smtp send failed", "notification_id", task.ID.String())
			return nil, err
		}
	}
	return &Receipt{ProviderMessageID: messageID}, nil
}

// SMTP 5xx replies are permanent rejections.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return &ProviderError{
			Channel:    model.ChannelEmail,
			StatusCode: tp.Code,
			Message:    tp.Msg,
			Retryable:  tp.Code < 500,
		}
	}
	return fmt.Errorf("smtp: %w", err)
}
