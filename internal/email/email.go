// Package email sends transactional account email through a pluggable
// sender: an HTTP mail API, SMTP, or the log for local development.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Message is one outgoing email. At least one of HTML and Text is set.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Result reports delivery. Senders never return Go errors; failures are
// carried in Error with Success false.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts a failed Result into an error.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("email not sent")
	}
	return errors.New(r.Error)
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
}

func failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// HTTPSender posts messages to a Resend-compatible JSON API.
type HTTPSender struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

// NewHTTPSender creates a sender for the API at url.
func NewHTTPSender(url, apiKey, from string) *HTTPSender {
	return &HTTPSender{
		url:    url,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) Result {
	body, err := json.Marshal(apiRequest{From: s.from, To: []string{msg.To}, Subject: msg.Subject, HTML: msg.HTML, Text: msg.Text})
	if err != nil {
		return failed("encode email: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return failed("email request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return failed("email send: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Message != "" {
			return failed("email api returned %d: %s", resp.StatusCode, parsed.Message)
		}
		return failed("email api returned %d", resp.StatusCode)
	}
	return Result{Success: true, ID: parsed.ID}
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a development sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("email")}
}

func (s *LogSender) Send(_ context.Context, msg Message) Result {
	s.logger.Info("email (not delivered)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
	)
	return Result{Success: true, ID: "log"}
}
