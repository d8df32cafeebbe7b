package alert

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

	tele "gopkg.in/telebot.v4"

	"deliveryd/pkg/logx"
)

// LogSink writes alerts to the structured log.
type LogSink struct{ Log logx.Logger }

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{logx.String("kind", a.Kind), logx.String("title", a.Title), logx.String("text", a.Text)}
	switch a.Severity {
	case Critical:
		s.Log.Error("ALERT", fields...)
	case Warning:
		s.Log.Warn("ALERT", fields...)
	default:
		s.Log.Info("ALERT", fields...)
	}
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

// TelegramSink posts alerts to an operator chat (or forum topic).
type TelegramSink struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	// Send-only: Offline skips getMe and no poller is started.
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, Format(a), &tele.SendOptions{
			ThreadID:              s.thread,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	// telebot has no per-call context; the client timeout bounds the call.
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebhookSink posts alerts as JSON, e.g. to an incident tool.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (*WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook status %d: %q", resp.StatusCode, string(b))
	}
	return nil
}

type filtered struct {
	Sink
	min Severity
}

func (f filtered) Send(ctx context.Context, a Alert) error {
	if a.Severity < f.min {
		return nil
	}
	return f.Sink.Send(ctx, a)
}

// MinSeverity wraps s so alerts below min are skipped for that sink only.
func MinSeverity(s Sink, min Severity) Sink {
	if min <= Info {
		return s
	}
	return filtered{Sink: s, min: min}
}
