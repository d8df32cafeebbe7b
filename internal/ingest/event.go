package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deliveryd/internal/delivery"
)

// Event is one provider status callback.
type Event struct {
	MessageID     string    `json:"message_id"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Recipient     string    `json:"recipient,omitempty"`
	PhoneNumberID string    `json:"phone_number_id,omitempty"`
	ErrorCode     int       `json:"error_code,omitempty"`
	ErrorTitle    string    `json:"error_title,omitempty"`
}

// State maps the provider status onto the job state machine.
func (e Event) State() (delivery.State, bool) {
	switch strings.ToLower(e.Status) {
	case "sent":
		return delivery.StateSent, true
	case "delivered":
		return delivery.StateDelivered, true
	case "read":
		return delivery.StateRead, true
	case "failed", "undelivered":
		return delivery.StateFailed, true
	}
	return "", false
}

// Key identifies an event for replay suppression.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.MessageID, strings.ToLower(e.Status), e.ErrorCode)
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code    int    `json:"code"`
						Title   string `json:"title"`
						Message string `json:"message"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParsePayload extracts status events from a webhook body. Message
// notifications without statuses yield no events.
func ParsePayload(body []byte) ([]Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	var out []Event
	for _, en := range p.Entry {
		for _, ch := range en.Changes {
			for _, st := range ch.Value.Statuses {
				if st.ID == "" {
					continue
				}
				ev := Event{
					MessageID:     st.ID,
					Status:        st.Status,
					Recipient:     st.RecipientID,
					PhoneNumberID: ch.Value.Metadata.PhoneNumberID,
				}
				if sec, err := strconv.ParseInt(st.Timestamp, 10, 64); err == nil && sec > 0 {
					ev.Timestamp = time.Unix(sec, 0).UTC()
				}
				if len(st.Errors) > 0 {
					ev.ErrorCode = st.Errors[0].Code
					ev.ErrorTitle = st.Errors[0].Title
				}
				out = append(out, ev)
			}
		}
	}
	return out, nil
}
