package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxPayloadSize is the largest payload accepted by devices. The provider API
// itself takes 4096 bytes but older iOS releases drop anything above 2048.
const MaxPayloadSize = 2048

const ellipsis = "..."

// Options describes a notification before it is validated.
type Options struct {
	// Token is the device token. Device is accepted as an alias.
	Token  string
	Device string

	Alert            string
	Title            string
	Badge            *int
	Sound            string
	Category         string
	ContentAvailable bool
	CustomData       map[string]any

	Topic      string
	Priority   int
	Expiry     time.Time
	CollapseID string

	// ID is the caller supplied identifier; a UUID is generated when empty.
	ID string

	// Dottize trims an oversized alert at a word boundary instead of failing.
	Dottize bool
}

// Notification is a single addressed push message.
type Notification struct {
	Token            string         `json:"token"`
	Alert            string         `json:"alert,omitempty"`
	Title            string         `json:"title,omitempty"`
	Badge            *int           `json:"badge,omitempty"`
	Sound            string         `json:"sound,omitempty"`
	Category         string         `json:"category,omitempty"`
	ContentAvailable bool           `json:"content_available,omitempty"`
	CustomData       map[string]any `json:"custom_data,omitempty"`

	Topic      string    `json:"topic,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`
	CollapseID string    `json:"collapse_id,omitempty"`

	// ID never changes after construction and is sent as the apns-id header.
	ID string `json:"id"`
	// CorrelationID is the live key used to match a response to this
	// notification. It is replaced by the stream id on every delivery attempt.
	CorrelationID string `json:"correlation_id"`

	StatusCode   int        `json:"status_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
}

// NewNotification validates opts and builds a notification whose payload fits
// MaxPayloadSize.
func NewNotification(opts Options) (*Notification, error) {
	token := opts.Token
	if token == "" {
		token = opts.Device
	}
	if strings.TrimSpace(token) == "" {
		return nil, &ValidationError{Field: "token", Err: ErrInvalidToken}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	n := &Notification{
		Token:            token,
		Title:            opts.Title,
		Badge:            opts.Badge,
		Sound:            opts.Sound,
		Category:         opts.Category,
		ContentAvailable: opts.ContentAvailable,
		CustomData:       opts.CustomData,
		Topic:            opts.Topic,
		Priority:         opts.Priority,
		Expiry:           opts.Expiry,
		CollapseID:       opts.CollapseID,
		ID:               id,
		CorrelationID:    id,
	}
	if err := n.fitAlert(opts.Alert, opts.Dottize); err != nil {
		return nil, err
	}
	return n, nil
}

// Payload returns the push payload: custom data at the top level plus the
// "aps" dictionary.
func (n *Notification) Payload() map[string]any {
	payload := make(map[string]any, len(n.CustomData)+1)
	for k, v := range n.CustomData {
		payload[k] = v
	}

	aps := make(map[string]any)
	if existing, ok := payload["aps"].(map[string]any); ok {
		for k, v := range existing {
			aps[k] = v
		}
	}
	if alert := n.alertValue(); alert != nil {
		aps["alert"] = alert
	}
	if n.Badge != nil {
		aps["badge"] = *n.Badge
	}
	if n.Sound != "" {
		aps["sound"] = n.Sound
	}
	if n.Category != "" {
		aps["category"] = n.Category
	}
	if n.ContentAvailable {
		aps["content-available"] = 1
	}
	payload["aps"] = aps
	return payload
}

// PayloadJSON encodes Payload.
func (n *Notification) PayloadJSON() ([]byte, error) {
	return json.Marshal(n.Payload())
}

func (n *Notification) alertValue() any {
	if n.Title == "" {
		if n.Alert == "" {
			return nil
		}
		return n.Alert
	}
	alert := map[string]string{"title": n.Title}
	if n.Alert != "" {
		alert["body"] = n.Alert
	}
	return alert
}

// MarkSent records the time the gateway accepted the notification.
func (n *Notification) MarkSent() {
	now := time.Now()
	n.SentAt = &now
}

// MarkUnsent clears SentAt.
func (n *Notification) MarkUnsent() {
	n.SentAt = nil
}

// Sent reports whether the gateway accepted the notification.
func (n *Notification) Sent() bool {
	return n.SentAt != nil
}

func (n *Notification) payloadSize() (int, error) {
	body, err := n.PayloadJSON()
	if err != nil {
		return 0, err
	}
	return len(body), nil
}

// fitAlert sets the alert, shrinking it until the payload fits.
func (n *Notification) fitAlert(alert string, dottize bool) error {
	n.Alert = alert
	size, err := n.payloadSize()
	if err != nil {
		return err
	}
	if size <= MaxPayloadSize {
		return nil
	}
	if alert == "" || !dottize {
		return &PayloadTooLargeError{Size: size, Limit: MaxPayloadSize}
	}

	// First guess: drop as many bytes of alert as the payload overflows by.
	limit := 0
	if avail := len(alert) - (size - MaxPayloadSize); avail > 0 {
		limit = utf8.RuneCountInString(alert[:avail])
	}
	for {
		n.Alert = Dottize(alert, limit)
		if size, err = n.payloadSize(); err != nil {
			return err
		}
		if size <= MaxPayloadSize {
			return nil
		}
		// Escaped or multibyte characters cost more than one byte each.
		if limit <= len(ellipsis) {
			n.Alert = alert
			return &PayloadTooLargeError{Size: size, Limit: MaxPayloadSize}
		}
		limit -= size - MaxPayloadSize
	}
}

// Dottize shortens text to at most limit characters, ellipsis included. The
// cut falls on the last whitespace inside the kept prefix so words stay whole;
// a prefix without whitespace is cut hard.
func Dottize(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	keep := limit - len(ellipsis)
	if keep <= 0 {
		return ellipsis
	}

	cut := keep
	for i := keep - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + ellipsis
}
