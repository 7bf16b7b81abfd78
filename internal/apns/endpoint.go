package apns

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Gateway presets.
const (
	DevelopmentGateway = "https://api.development.push.apple.com:443"
	ProductionGateway  = "https://api.push.apple.com:443"
	// MockGateway is a plain-text local gateway used for testing.
	MockGateway = "apn://127.0.0.1:2195"
)

// Endpoint addresses a gateway.
type Endpoint struct {
	Host string
	Port string
	// TLS is false only for local test gateways speaking HTTP/2 without TLS.
	TLS bool
}

// ParseEndpoint accepts https:// URIs for TLS gateways and apn:// or http://
// URIs for plain-text ones. A bare host:port is treated as TLS.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("apns: empty gateway uri")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("apns: parse gateway uri: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("apns: gateway uri %q has no host", raw)
	}

	ep := Endpoint{Host: u.Hostname(), Port: u.Port()}
	switch u.Scheme {
	case "https":
		ep.TLS = true
		if ep.Port == "" {
			ep.Port = "443"
		}
	case "apn", "http":
		if ep.Port == "" {
			ep.Port = "2195"
		}
	default:
		return Endpoint{}, fmt.Errorf("apns: unsupported gateway scheme %q", u.Scheme)
	}
	return ep, nil
}

func mustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// Development returns the sandbox gateway.
func Development() Endpoint { return mustParseEndpoint(DevelopmentGateway) }

// Production returns the production gateway.
func Production() Endpoint { return mustParseEndpoint(ProductionGateway) }

// Mock returns the local plain-text gateway.
func Mock() Endpoint { return mustParseEndpoint(MockGateway) }

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Scheme is the :scheme pseudo header value used on requests.
func (e Endpoint) Scheme() string {
	if e.TLS {
		return "https"
	}
	return "http"
}

func (e Endpoint) String() string {
	return e.Scheme() + "://" + e.Address()
}
