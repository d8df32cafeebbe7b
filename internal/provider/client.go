package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Message is one template send.
type Message struct {
	PhoneNumberID string
	To            string
	Template      string
	Language      string
	Params        []string
}

// Sender is the provider send API.
type Sender interface {
	SendTemplate(ctx context.Context, m Message) (messageID string, err error)
}

type Config struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	Timeout     time.Duration
	// CountryCode is prefixed to national numbers, e.g. "91".
	CountryCode string
}

// Client talks to a Cloud-API shaped messaging endpoint:
// POST {base}/{version}/{phone_number_id}/messages.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   languageTag `json:"language"`
	Components []component `json:"components,omitempty"`
}

type languageTag struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) url(phoneNumberID string) string {
	if c.cfg.APIVersion == "" {
		return fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, phoneNumberID)
	}
	return fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, phoneNumberID)
}

// SendTemplate sends m and returns the provider message id. Errors unwrap to
// the delivery send classes.
func (c *Client) SendTemplate(ctx context.Context, m Message) (string, error) {
	to, err := NormalizePhone(m.To, c.cfg.CountryCode)
	if err != nil {
		return "", err
	}
	body := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template: templatePayload{
			Name:     m.Template,
			Language: languageTag{Code: m.Language},
		},
	}
	if len(m.Params) > 0 {
		params := make([]parameter, len(m.Params))
		for i, p := range m.Params {
			params[i] = parameter{Type: "text", Text: p}
		}
		body.Template.Components = []component{{Type: "body", Parameters: params}}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(m.PhoneNumberID), bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", wrapTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", wrapTransport(err)
	}

	var sr sendResponse
	decodeErr := json.Unmarshal(raw, &sr)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return "", fmt.Errorf("decode provider response: %w body=%q", decodeErr, truncate(raw))
		}
		if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
			return "", fmt.Errorf("missing message id in provider response body=%q", truncate(raw))
		}
		return sr.Messages[0].ID, nil
	}

	pe := NewError(0, resp.StatusCode, http.StatusText(resp.StatusCode))
	if decodeErr == nil && sr.Error != nil {
		pe = NewError(sr.Error.Code, resp.StatusCode, sr.Error.Message)
		pe.Subcode = sr.Error.ErrorSubcode
	}
	pe.RetryIn = parseRetryAfter(resp.Header.Get("Retry-After"))
	return "", pe
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
