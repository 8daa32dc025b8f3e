package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwalitptl/booking-notifier/internal/model"
	"github.com/jwalitptl/booking-notifier/pkg/circuitbreaker"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type providerRequest struct {
	To         string `json:"to"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	TemplateID string `json:"template_id"`
	Reference  string `json:"reference"`
}

type providerResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// HTTPSender posts messages to a JSON provider API. SMS, push and call
// providers share the same contract: POST {base}/messages with a bearer token.
type HTTPSender struct {
	channel  model.Channel
	cfg      HTTPConfig
	client   *http.Client
	cb       *circuitbreaker.CircuitBreaker
	renderer *Renderer
	logger   *logger.Logger
}

func NewHTTPSender(ch model.Channel, cfg HTTPConfig, renderer *Renderer, log *logger.Logger) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPSender{
		channel:  ch,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		cb:       newBreaker(string(ch) + "-provider"),
		renderer: renderer,
		logger:   log.With("channel", string(ch)),
	}
}

func (s *HTTPSender) Channel() model.Channel {
	return s.channel
}

func (s *HTTPSender) Send(ctx context.Context, task *model.NotificationTask) (*Receipt, error) {
	if task.Recipient == "" {
		return nil, ErrNoRecipient
	}
	msg, err := s.renderer.Render(task)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(providerRequest{
		To:         task.Recipient,
		Subject:    msg.Subject,
		Body:       msg.Body,
		TemplateID: task.TemplateID,
		Reference:  task.ID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var receipt *Receipt
	start := time.Now()
	err = s.cb.Execute(func() error {
		r, err := s.post(ctx, payload)
		receipt = r
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		s.logger.Warn("provider circuit open, skipping send", "notification_id", task.ID.String())
		return nil, err
	}
	if err != nil {
		s.logger.Error(err, "provider send failed",
			"notification_id", task.ID.String(),
			"duration", time.Since(start).String())
		return nil, err
	}

	s.logger.Debug("provider accepted message",
		"notification_id", task.ID.String(),
		"provider_message_id", receipt.ProviderMessageID,
		"duration", time.Since(start).String())
	return receipt, nil
}

func (s *HTTPSender) post(ctx context.Context, payload []byte) (*Receipt, error) {
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out providerResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &ProviderError{
			Channel:    s.channel,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
	if out.ID == "" {
		return nil, &ProviderError{Channel: s.channel, StatusCode: resp.StatusCode, Message: "response carried no message id", Retryable: true}
	}
	return &Receipt{ProviderMessageID: out.ID}, nil
}

// 4xx means the request itself is wrong, except timeouts and throttling.
func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}
