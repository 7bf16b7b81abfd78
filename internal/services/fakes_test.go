package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
)

// fakeDeliverer accepts every notification except those whose token is
// scripted to fail.
type fakeDeliverer struct {
	reasons map[string]string
	err     error

	// sendNothing leaves every notification unsent, as a failed connect does.
	sendNothing bool

	mu  sync.Mutex
	got []*models.Notification
}

func (d *fakeDeliverer) Enqueue(_ context.Context, ns []*models.Notification) ([]*models.Notification, error) {
	d.mu.Lock()
	d.got = append(d.got, ns...)
	d.mu.Unlock()

	var failed []*models.Notification
	for _, n := range ns {
		if d.sendNothing {
			n.ErrorMessage = "ConnectionFailed"
			failed = append(failed, n)
			continue
		}
		if reason, ok := d.reasons[n.Token]; ok {
			n.StatusCode = http.StatusBadRequest
			n.ErrorMessage = reason
			failed = append(failed, n)
			continue
		}
		n.StatusCode = http.StatusOK
		n.MarkSent()
	}
	return failed, d.err
}

type fakeCache struct {
	suppressed map[string]string
	filterErr  error
}

func newFakeCache(tokens ...string) *fakeCache {
	c := &fakeCache{suppressed: map[string]string{}}
	for _, token := range tokens {
		c.suppressed[token] = "preexisting"
	}
	return c
}

func (c *fakeCache) FilterSuppressed(_ context.Context, tokens []string) ([]string, error) {
	if c.filterErr != nil {
		return nil, c.filterErr
	}
	var out []string
	for _, token := range tokens {
		if _, ok := c.suppressed[token]; !ok {
			out = append(out, token)
		}
	}
	return out, nil
}

func (c *fakeCache) SuppressToken(_ context.Context, token, reason string) error {
	c.suppressed[token] = reason
	return nil
}

type storedStatus struct {
	status   string
	provider string
	detail   string
}

// fakeStatusStore keeps the latest row per request and can be told to fail.
type fakeStatusStore struct {
	rows   map[string]storedStatus
	writes int
	err    error
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{rows: map[string]storedStatus{}}
}

func (f *fakeStatusStore) UpdateStatus(_ context.Context, requestID, status, provider, detail string) error {
	f.writes++
	if f.err != nil {
		return f.err
	}
	f.rows[requestID] = storedStatus{status: status, provider: provider, detail: detail}
	return nil
}

// templateServer serves one template per slug in English only. Slug
// "broken" answers 500.
func templateServer(t *testing.T, templates map[string]tplDTO) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/templates/"), "/active")
		if slug == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		tpl, ok := templates[slug]
		if !ok || r.URL.Query().Get("locale") != "en" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(tplResponse{Success: false, Message: "not found"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tplResponse{Success: true, Data: &tpl})
	}))
	t.Cleanup(srv.Close)
	return srv
}
