package models

import "time"

// MessageEnvelope is the payload produced by the API gateway and consumed by the push service.
type MessageEnvelope struct {
	RequestID         string                 `json:"request_id"`
	CorrelationID     string                 `json:"correlation_id"`
	CreatedAt         time.Time              `json:"created_at"`
	Channel           string                 `json:"channel"`
	User              User                   `json:"user"`
	Template          Template               `json:"template"`
	Variables         map[string]interface{} `json:"variables"`
	APNs              APNsOptions            `json:"apns"`
	ProviderOverrides map[string]interface{} `json:"provider_overrides,omitempty"`
	RetryCount        int                    `json:"retry_count"`
}

type User struct {
	ID         string      `json:"id"`
	Locale     string      `json:"locale"`
	PushTokens []PushToken `json:"push_tokens"`
}

type Template struct {
	Slug    string `json:"slug"`
	Locale  string `json:"locale"`
	Version int    `json:"version"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// APNsOptions carries the aps fields and request headers the caller may set.
type APNsOptions struct {
	Badge            *int   `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	Category         string `json:"category,omitempty"`
	ContentAvailable bool   `json:"content_available,omitempty"`
	Topic            string `json:"topic,omitempty"`
	Priority         int    `json:"priority,omitempty"`
	CollapseID       string `json:"collapse_id,omitempty"`
	// TTL is converted to an absolute apns-expiration when set.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// RenderedTemplate is the final text after template substitution.
type RenderedTemplate struct {
	Title string
	Body  string
}
