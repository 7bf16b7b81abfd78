package models

import "strings"

// PushToken is a user device that can receive push notifications.
type PushToken struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	Provider string `json:"provider,omitempty"`
}

// DeliversViaAPNs reports whether the token is addressed through the Apple
// gateway. Tokens with an explicit provider win over the platform guess.
func (t PushToken) DeliversViaAPNs() bool {
	if t.Provider != "" {
		return strings.EqualFold(t.Provider, "apns")
	}
	switch strings.ToLower(t.Platform) {
	case "ios", "ipados", "macos", "watchos", "tvos":
		return true
	default:
		return false
	}
}
