package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/retry"
)

// DefaultGroupSize stays well below the concurrent stream limit gateways
// advertise.
const DefaultGroupSize = 500

// ReasonConnectionFailed marks notifications of a group whose session could
// not be opened.
const ReasonConnectionFailed = "ConnectionFailed"

// Client pushes arbitrarily large batches, one group per session.
type Client struct {
	endpoint    Endpoint
	credential  *Credential
	groupSize   int
	engine      *Engine
	retryCfg    retry.Config
	sessionOpts []SessionOption
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// ClientOption customises NewClient.
type ClientOption func(*Client)

// WithGroupSize overrides DefaultGroupSize.
func WithGroupSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.groupSize = n
		}
	}
}

// WithConnectRetry retries opening a group's session. Notifications are never
// re-sent on another connection.
func WithConnectRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithSessionOptions is passed to every OpenSession call.
func WithSessionOptions(opts ...SessionOption) ClientOption {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithMetrics records group and notification outcomes.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithReportUnanswered controls whether streams that never completed are
// reported as failures.
func WithReportUnanswered(report bool) ClientOption {
	return func(c *Client) { c.engine.reportUnanswered = report }
}

// WithPollInterval sets how long a single read waits before polling again.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.engine.pollInterval = d
		}
	}
}

func NewClient(endpoint Endpoint, cred *Credential, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint:   endpoint,
		credential: cred,
		groupSize:  DefaultGroupSize,
		engine:     NewEngine(logger, true),
		retryCfg:   retry.Config{MaxAttempts: 1},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retryCfg.Retryable = func(err error) bool { return errors.Is(err, ErrConnection) }
	c.sessionOpts = append([]SessionOption{WithSessionLogger(logger)}, c.sessionOpts...)
	return c
}

// Endpoint returns the gateway the client pushes to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Enqueue pushes notifications in groups, sequentially, and returns every
// rejected notification: completion order inside a group, groups in
// submission order. A group that fails to connect or ends early does not stop
// the next one; those errors are joined into the returned error.
func (c *Client) Enqueue(ctx context.Context, notifications []*models.Notification) ([]*models.Notification, error) {
	var (
		failed []*models.Notification
		errs   []error
	)
	for start, group := 0, 0; start < len(notifications); start, group = start+c.groupSize, group+1 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		end := min(start+c.groupSize, len(notifications))

		groupFailed, err := c.pushGroup(ctx, group, notifications[start:end])
		failed = append(failed, groupFailed...)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", group, err))
		}
	}
	return failed, errors.Join(errs...)
}

func (c *Client) pushGroup(ctx context.Context, index int, group []*models.Notification) ([]*models.Notification, error) {
	started := time.Now()
	log := c.logger.With(slog.Int("group", index), slog.Int("size", len(group)))

	var session *Session
	retryCfg := c.retryCfg
	retryCfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("gateway connect failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}
	err := retry.Do(ctx, retryCfg, func() error {
		s, err := OpenSession(ctx, c.endpoint, c.credential, c.sessionOpts...)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		c.metrics.IncConnectionErrors()
		log.Error("gateway session unavailable", slog.Any("error", err))
		for _, n := range group {
			n.StatusCode = 0
			n.ErrorMessage = ReasonConnectionFailed
			n.MarkUnsent()
			c.metrics.IncFailed(ReasonConnectionFailed)
		}
		return group, err
	}
	defer session.Close()

	failed, err := c.engine.Push(ctx, session, group)
	c.metrics.ObserveGroup(time.Since(started))
	for _, n := range failed {
		c.metrics.IncFailed(n.ErrorMessage)
	}
	sent := 0
	for _, n := range group {
		if n.Sent() {
			sent++
		}
	}
	c.metrics.AddDelivered(sent)

	if err != nil {
		log.Warn("group ended before every response arrived",
			slog.Int("failed", len(failed)),
			slog.Any("error", err),
		)
		return failed, err
	}
	log.Info("group pushed",
		slog.Int("failed", len(failed)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return failed, nil
}
