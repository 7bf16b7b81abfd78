package models

import "net/http"

// PushResult captures the delivery outcome per device token.
type PushResult struct {
	Token          string `json:"token"`
	Status         string `json:"status"`
	NotificationID string `json:"notification_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

const (
	// ResultDelivered indicates the gateway accepted the notification.
	ResultDelivered = "delivered"
	// ResultFailed indicates the gateway rejected the notification.
	ResultFailed = "failed"
)

// Reasons the gateway reports for tokens that will never accept another push.
const (
	ReasonBadDeviceToken         = "BadDeviceToken"
	ReasonUnregistered           = "Unregistered"
	ReasonDeviceTokenNotForTopic = "DeviceTokenNotForTopic"
)

// gatewayStatusText mirrors the provider API documentation for each status.
var gatewayStatusText = map[int]string{
	http.StatusOK:                    "Success",
	http.StatusBadRequest:            "Bad request",
	http.StatusForbidden:             "There was an error with the certificate",
	http.StatusNotFound:              "The request contained a bad :path value",
	http.StatusMethodNotAllowed:      "The request used a bad :method value. Only POST requests are supported",
	http.StatusGone:                  "The device token is no longer active for the topic",
	http.StatusRequestEntityTooLarge: "The notification payload was too large",
	http.StatusTooManyRequests:       "The server received too many requests for the same device token",
	http.StatusInternalServerError:   "Internal server error",
	http.StatusServiceUnavailable:    "The server is shutting down and unavailable",
}

// GatewayStatusText describes a gateway response status. Unknown codes fall
// back to the generic HTTP reason phrase.
func GatewayStatusText(code int) string {
	if text, ok := gatewayStatusText[code]; ok {
		return text
	}
	return http.StatusText(code)
}

// IsTokenFatal reports whether a gateway reason means the token should not be
// used again.
func IsTokenFatal(reason string) bool {
	switch reason {
	case ReasonBadDeviceToken, ReasonUnregistered, ReasonDeviceTokenNotForTopic:
		return true
	default:
		return false
	}
}
