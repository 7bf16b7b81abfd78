package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/retry"
)

const defaultLocale = "en"

// ErrTemplateNotFound is returned when no active template exists for a slug.
var ErrTemplateNotFound = errors.New("template not found")

type tplResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Data    *tplDTO `json:"data"`
	Error   string  `json:"error"`
}

type tplDTO struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateClient fetches alert templates from the template service.
// Transport errors and non-404 failures are retried per retryCfg.
type TemplateClient struct {
	baseURL  string
	client   *http.Client
	retryCfg retry.Config
}

func NewTemplateClient(baseURL string, timeout time.Duration, retryCfg retry.Config) *TemplateClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retryCfg.Retryable = func(err error) bool {
		return !errors.Is(err, ErrTemplateNotFound) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}
	return &TemplateClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		retryCfg: retryCfg,
	}
}

// Fetch returns the active template for slug in locale, falling back to the
// default locale when the requested one does not exist.
func (c *TemplateClient) Fetch(ctx context.Context, slug, locale string) (*models.Template, error) {
	if locale == "" {
		locale = defaultLocale
	}
	tpl, err := c.fetchWithRetry(ctx, slug, locale)
	if errors.Is(err, ErrTemplateNotFound) && locale != defaultLocale {
		return c.fetchWithRetry(ctx, slug, defaultLocale)
	}
	return tpl, err
}

func (c *TemplateClient) fetchWithRetry(ctx context.Context, slug, locale string) (*models.Template, error) {
	var tpl *models.Template
	err := retry.Do(ctx, c.retryCfg, func() error {
		var err error
		tpl, err = c.fetch(ctx, slug, locale)
		return err
	})
	return tpl, err
}

func (c *TemplateClient) fetch(ctx context.Context, slug, locale string) (*models.Template, error) {
	path := fmt.Sprintf("%s/v1/templates/%s/active?locale=%s",
		c.baseURL,
		url.PathEscape(slug),
		url.QueryEscape(locale),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s (%s)", ErrTemplateNotFound, slug, locale)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("template service returned %d", resp.StatusCode)
	}

	var envelope tplResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.Success || envelope.Data == nil {
		return nil, fmt.Errorf("template service error: %s", envelope.Message)
	}

	return &models.Template{
		Slug:    slug,
		Locale:  locale,
		Version: envelope.Data.Version,
		Subject: envelope.Data.Subject,
		Body:    envelope.Data.Body,
	}, nil
}
