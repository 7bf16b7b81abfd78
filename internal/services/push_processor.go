package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/apns"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/metrics"
)

// ErrNoTokens is returned when an envelope has no deliverable APNs token.
var ErrNoTokens = errors.New("no valid push tokens")

// RetryableError marks a failure where nothing reached the gateway, so the
// envelope can be redelivered without duplicating notifications.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a *RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

type PushProcessor struct {
	templates *TemplateClient
	deliverer Deliverer
	cache     TokenCache
	metrics   *metrics.Metrics
	logger    *slog.Logger
	topic     string

	// pushTimeout bounds one Enqueue so a silent gateway cannot stall a worker.
	pushTimeout time.Duration
}

func NewPushProcessor(
	templates *TemplateClient,
	deliverer Deliverer,
	cache TokenCache,
	metrics *metrics.Metrics,
	logger *slog.Logger,
	topic string,
	pushTimeout time.Duration,
) *PushProcessor {
	return &PushProcessor{
		templates:   templates,
		deliverer:   deliverer,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		topic:       topic,
		pushTimeout: pushTimeout,
	}
}

// Process renders the envelope's template and pushes it to every APNs token of
// the user. Per-token gateway rejections are reported in the results, not as
// an error.
func (p *PushProcessor) Process(ctx context.Context, envelope *models.MessageEnvelope) ([]models.PushResult, error) {
	if envelope.Channel != "push" {
		return nil, fmt.Errorf("unexpected channel %s", envelope.Channel)
	}
	p.metrics.IncConsumed()
	log := p.logger.With(slog.String("request_id", envelope.RequestID))

	tokens, err := p.activeTokens(ctx, envelope.User.PushTokens)
	if err != nil {
		log.Error("failed to filter tokens", slog.Any("error", err))
		return nil, &RetryableError{Err: err}
	}
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}

	tpl, err := p.templates.Fetch(ctx, envelope.Template.Slug, localeFromEnvelope(envelope))
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, err
		}
		return nil, &RetryableError{Err: err}
	}
	alert := RenderAlert(tpl, envelope.Variables)

	notifications := make([]*models.Notification, 0, len(tokens))
	for _, token := range tokens {
		n, err := models.NewNotification(p.options(envelope, token, alert))
		if err != nil {
			log.Warn("skipping token", slog.String("token", token), slog.Any("error", err))
			continue
		}
		notifications = append(notifications, n)
	}
	if len(notifications) == 0 {
		return nil, ErrNoTokens
	}

	pushCtx := ctx
	if p.pushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, p.pushTimeout)
		defer cancel()
	}
	failed, sendErr := p.deliverer.Enqueue(pushCtx, notifications)
	p.suppressDeadTokens(ctx, failed)

	results := make([]models.PushResult, 0, len(notifications))
	sent := 0
	for _, n := range notifications {
		res := models.PushResult{Token: n.Token, NotificationID: n.ID, Status: models.ResultDelivered}
		if n.Sent() {
			sent++
		} else {
			res.Status = models.ResultFailed
			res.Reason = n.ErrorMessage
		}
		results = append(results, res)
	}

	log.Info("envelope pushed",
		slog.Int("tokens", len(notifications)),
		slog.Int("delivered", sent),
		slog.Int("failed", len(failed)),
	)
	if sendErr != nil {
		if sent == 0 && errors.Is(sendErr, apns.ErrConnection) {
			return results, &RetryableError{Err: sendErr}
		}
		return results, sendErr
	}
	return results, nil
}

func (p *PushProcessor) options(envelope *models.MessageEnvelope, token string, alert models.RenderedTemplate) models.Options {
	custom := map[string]interface{}{"request_id": envelope.RequestID}
	if overrides := providerOverrides(envelope.ProviderOverrides, "apns"); overrides != nil {
		mergeMaps(custom, overrides)
	}

	opts := models.Options{
		Token:            token,
		Title:            alert.Title,
		Alert:            alert.Body,
		Badge:            envelope.APNs.Badge,
		Sound:            envelope.APNs.Sound,
		Category:         envelope.APNs.Category,
		ContentAvailable: envelope.APNs.ContentAvailable,
		CustomData:       custom,
		Topic:            envelope.APNs.Topic,
		Priority:         envelope.APNs.Priority,
		CollapseID:       envelope.APNs.CollapseID,
		Dottize:          true,
	}
	if opts.Topic == "" {
		opts.Topic = p.topic
	}
	if envelope.APNs.TTLSeconds > 0 {
		opts.Expiry = time.Now().Add(time.Duration(envelope.APNs.TTLSeconds) * time.Second)
	}
	return opts
}

func (p *PushProcessor) activeTokens(ctx context.Context, tokens []models.PushToken) ([]string, error) {
	seen := make(map[string]struct{}, len(tokens))
	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		value := strings.TrimSpace(token.Token)
		if value == "" || !token.DeliversViaAPNs() {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		filtered = append(filtered, value)
	}
	if p.cache == nil || len(filtered) == 0 {
		return filtered, nil
	}
	return p.cache.FilterSuppressed(ctx, filtered)
}

func (p *PushProcessor) suppressDeadTokens(ctx context.Context, failed []*models.Notification) {
	if p.cache == nil {
		return
	}
	for _, n := range failed {
		if !models.IsTokenFatal(n.ErrorMessage) {
			continue
		}
		if err := p.cache.SuppressToken(ctx, n.Token, n.ErrorMessage); err != nil {
			p.logger.Warn("failed to suppress token", slog.String("token", n.Token), slog.Any("error", err))
			continue
		}
		p.metrics.IncSuppressed()
	}
}

func providerOverrides(overrides map[string]interface{}, key string) map[string]interface{} {
	if overrides == nil {
		return nil
	}
	if raw, ok := overrides[key]; ok {
		if cast, ok := raw.(map[string]interface{}); ok {
			return cast
		}
	}
	return nil
}

func mergeMaps(dst map[string]interface{}, src map[string]interface{}) {
	for key, value := range src {
		if nestedSrc, ok := value.(map[string]interface{}); ok {
			if nestedDst, ok := dst[key].(map[string]interface{}); ok {
				mergeMaps(nestedDst, nestedSrc)
				continue
			}
		}
		dst[key] = value
	}
}

func localeFromEnvelope(envelope *models.MessageEnvelope) string {
	if envelope.Template.Locale != "" {
		return envelope.Template.Locale
	}
	return envelope.User.Locale
}
