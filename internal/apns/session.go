package apns

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

const defaultDialTimeout = 10 * time.Second

type sessionConfig struct {
	tlsConfig      *tls.Config
	dialTimeout    time.Duration
	channelFactory ChannelFactory
	logger         *slog.Logger
}

// SessionOption customises OpenSession.
type SessionOption func(*sessionConfig)

// WithTLSConfig sets the base TLS configuration, e.g. custom root CAs.
func WithTLSConfig(cfg *tls.Config) SessionOption {
	return func(c *sessionConfig) { c.tlsConfig = cfg }
}

// WithDialTimeout bounds the connect and handshake.
func WithDialTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.dialTimeout = d }
}

// WithChannelFactory replaces the network channel.
func WithChannelFactory(f ChannelFactory) SessionOption {
	return func(c *sessionConfig) { c.channelFactory = f }
}

// WithSessionLogger sets the logger used for connection events.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// Session is one gateway connection: a SecureChannel plus the Transport
// running over it. Callers must Close it on every path.
type Session struct {
	endpoint  Endpoint
	channel   SecureChannel
	transport Transport
	logger    *slog.Logger
}

// OpenSession connects to the gateway and starts HTTP/2 on the connection.
// Any failure is returned as a *ConnectionError; nothing is retried here.
func OpenSession(ctx context.Context, endpoint Endpoint, cred *Credential, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{
		dialTimeout:    defaultDialTimeout,
		channelFactory: NewChannel,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialCtx := ctx
	if cfg.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()
	}

	channel := cfg.channelFactory(endpoint, cred, cfg.tlsConfig)
	if err := channel.Connect(dialCtx); err != nil {
		_ = channel.Close()
		return nil, &ConnectionError{Address: endpoint.Address(), Err: err}
	}

	transport := newFramerTransport(frameWriter{ch: channel})
	if err := transport.Start(); err != nil {
		_ = channel.Close()
		return nil, &ConnectionError{Address: endpoint.Address(), Err: err}
	}

	cfg.logger.Debug("gateway session opened", slog.String("endpoint", endpoint.String()))
	return &Session{
		endpoint:  endpoint,
		channel:   channel,
		transport: transport,
		logger:    cfg.logger,
	}, nil
}

// Endpoint returns the gateway the session is connected to.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// IsOpen reports whether both the channel and the transport are live.
func (s *Session) IsOpen() bool {
	return s != nil && s.channel != nil && s.transport != nil && !s.channel.Closed()
}

// IsClosed is the negation of IsOpen.
func (s *Session) IsClosed() bool {
	return !s.IsOpen()
}

// Close releases the channel and transport. It is safe to call repeatedly.
func (s *Session) Close() error {
	if s == nil || s.channel == nil {
		return nil
	}
	err := s.channel.Close()
	s.channel = nil
	s.transport = nil
	s.logger.Debug("gateway session closed", slog.String("endpoint", s.endpoint.String()))
	return err
}
