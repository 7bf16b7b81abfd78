package apns

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// SecureChannel is the ordered byte stream a session runs HTTP/2 over.
// Read honours SetReadDeadline so the delivery loop can poll without blocking
// forever.
type SecureChannel interface {
	Connect(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	SetReadDeadline(t time.Time) error
	Close() error
	Closed() bool
}

// ChannelFactory builds the channel for a session.
type ChannelFactory func(endpoint Endpoint, cred *Credential, tlsConfig *tls.Config) SecureChannel

type netChannel struct {
	endpoint  Endpoint
	tlsConfig *tls.Config
	dialer    *net.Dialer

	conn net.Conn
	w    *bufio.Writer
}

// NewChannel returns a TLS channel for TLS endpoints and a plain TCP channel
// otherwise. tlsConfig may be nil; the credential and ALPN are layered on top.
func NewChannel(endpoint Endpoint, cred *Credential, tlsConfig *tls.Config) SecureChannel {
	ch := &netChannel{
		endpoint: endpoint,
		dialer:   &net.Dialer{KeepAlive: 30 * time.Second},
	}
	if endpoint.TLS {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = endpoint.Host
		}
		cfg.NextProtos = []string{"h2"}
		if cred != nil {
			cfg.Certificates = []tls.Certificate{cred.Certificate}
		}
		ch.tlsConfig = cfg
	}
	return ch
}

func (c *netChannel) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	if c.tlsConfig == nil {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.endpoint.Address())
		if err != nil {
			return err
		}
		c.attach(conn)
		return nil
	}

	d := &tls.Dialer{NetDialer: c.dialer, Config: c.tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", c.endpoint.Address())
	if err != nil {
		return err
	}
	if proto := conn.(*tls.Conn).ConnectionState().NegotiatedProtocol; proto != "h2" {
		_ = conn.Close()
		return fmt.Errorf("gateway negotiated %q instead of h2", proto)
	}
	c.attach(conn)
	return nil
}

func (c *netChannel) attach(conn net.Conn) {
	c.conn = conn
	c.w = bufio.NewWriter(conn)
}

func (c *netChannel) Read(p []byte) (int, error) {
	if c.conn == nil {
		return 0, net.ErrClosed
	}
	return c.conn.Read(p)
}

func (c *netChannel) Write(p []byte) (int, error) {
	if c.conn == nil {
		return 0, net.ErrClosed
	}
	return c.w.Write(p)
}

func (c *netChannel) Flush() error {
	if c.conn == nil {
		return net.ErrClosed
	}
	return c.w.Flush()
}

func (c *netChannel) SetReadDeadline(t time.Time) error {
	if c.conn == nil {
		return net.ErrClosed
	}
	return c.conn.SetReadDeadline(t)
}

func (c *netChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.w = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *netChannel) Closed() bool {
	return c.conn == nil
}

// frameWriter pushes every frame the transport produces straight to the wire.
type frameWriter struct {
	ch SecureChannel
}

func (w frameWriter) Write(p []byte) (int, error) {
	n, err := w.ch.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.ch.Flush()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
