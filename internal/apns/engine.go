package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
)

const (
	// ReasonUnanswered marks notifications whose stream never completed.
	ReasonUnanswered = "Unanswered"

	defaultPollInterval = 100 * time.Millisecond
	readBufferSize      = 16 << 10
)

// Engine sends a group of notifications over one session and collects the
// ones the gateway rejected.
type Engine struct {
	logger *slog.Logger
	// reportUnanswered turns streams left open by an early loop exit into
	// failures instead of leaving them indeterminate.
	reportUnanswered bool
	pollInterval     time.Duration
}

func NewEngine(logger *slog.Logger, reportUnanswered bool) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:           logger,
		reportUnanswered: reportUnanswered,
		pollInterval:     defaultPollInterval,
	}
}

// streamState tracks one notification's exchange.
type streamState struct {
	n      *models.Notification
	status int
	failed bool
	body   bytes.Buffer
	done   bool
}

// delivery holds everything one Push call mutates.
type delivery struct {
	logger *slog.Logger

	// streams correlates stream ids to notifications.
	streams  map[uint32]*streamState
	order    []*streamState
	counter  int
	failures []*models.Notification
}

// Push opens a stream per notification, in order, and reads until every
// stream has completed. The returned slice lists rejected notifications in
// completion order. A non-nil error means the loop ended early; the failures
// gathered up to that point are still returned.
func (e *Engine) Push(ctx context.Context, session *Session, notifications []*models.Notification) ([]*models.Notification, error) {
	if len(notifications) == 0 {
		return nil, nil
	}
	d := &delivery{
		logger:  e.logger,
		streams: make(map[uint32]*streamState, len(notifications)),
		order:   make([]*streamState, 0, len(notifications)),
	}
	if !session.IsOpen() {
		if e.reportUnanswered {
			d.failUnanswered(notifications)
		}
		return d.failures, ErrSessionClosed
	}

	var err error
	for _, n := range notifications {
		if err = d.send(session, n); err != nil {
			_ = session.channel.Close()
			err = fmt.Errorf("apns: send stream: %w", err)
			break
		}
	}
	if err == nil {
		err = e.readLoop(ctx, session, d)
	}

	if err != nil && e.reportUnanswered {
		d.failUnanswered(notifications)
	}
	return d.failures, err
}

func (d *delivery) send(session *Session, n *models.Notification) error {
	body, err := n.PayloadJSON()
	if err != nil {
		return err
	}

	// Handlers run only during Feed, after id has been assigned.
	var id uint32
	id, err = session.transport.NewStream(StreamHandlers{
		Headers: func(status int, _ http.Header, endStream bool) { d.onHeaders(id, status, endStream) },
		Data:    func(data []byte, endStream bool) { d.onData(id, data, endStream) },
		Reset:   func(code http2.ErrCode) { d.onReset(id, code) },
	})
	if err != nil {
		return err
	}
	st := &streamState{n: n}

	// The gateway does not echo our identifier on failure, so the stream id
	// is the only key responses can be matched on.
	n.CorrelationID = strconv.FormatUint(uint64(id), 10)
	d.streams[id] = st
	d.order = append(d.order, st)

	if err := session.transport.SendHeaders(id, requestHeaders(session.endpoint, n, len(body)), false); err != nil {
		return err
	}
	return session.transport.SendData(id, body, true)
}

func requestHeaders(ep Endpoint, n *models.Notification, contentLength int) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: http.MethodPost},
		{Name: ":scheme", Value: ep.Scheme()},
		{Name: ":authority", Value: ep.Host},
		{Name: ":path", Value: "/3/device/" + n.Token},
		{Name: "content-type", Value: "application/json"},
		{Name: "content-length", Value: strconv.Itoa(contentLength)},
		{Name: "apns-id", Value: n.ID},
	}
	if n.Topic != "" {
		fields = append(fields, hpack.HeaderField{Name: "apns-topic", Value: n.Topic})
	}
	if n.Priority != 0 {
		fields = append(fields, hpack.HeaderField{Name: "apns-priority", Value: strconv.Itoa(n.Priority)})
	}
	if !n.Expiry.IsZero() {
		fields = append(fields, hpack.HeaderField{Name: "apns-expiration", Value: strconv.FormatInt(n.Expiry.Unix(), 10)})
	}
	if n.CollapseID != "" {
		fields = append(fields, hpack.HeaderField{Name: "apns-collapse-id", Value: n.CollapseID})
	}
	return fields
}

func (d *delivery) onHeaders(id uint32, status int, endStream bool) {
	st, ok := d.streams[id]
	if !ok || st.done {
		return
	}
	st.status = status
	if status == http.StatusOK {
		st.n.StatusCode = status
		st.n.MarkSent()
		d.complete(st)
		return
	}
	st.failed = true
	if endStream {
		d.fail(st, "")
	}
}

func (d *delivery) onData(id uint32, data []byte, endStream bool) {
	st, ok := d.streams[id]
	if !ok || st.done || !st.failed {
		return
	}
	st.body.Write(data)
	if !endStream {
		return
	}

	var resp struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(st.body.Bytes(), &resp); err != nil {
		d.logger.Warn("unreadable gateway error body",
			slog.String("correlation_id", st.n.CorrelationID),
			slog.Int("status", st.status),
			slog.Any("error", err),
		)
	}
	d.fail(st, resp.Reason)
}

func (d *delivery) onReset(id uint32, code http2.ErrCode) {
	st, ok := d.streams[id]
	if !ok || st.done {
		return
	}
	d.fail(st, code.String())
}

func (d *delivery) fail(st *streamState, reason string) {
	if reason == "" {
		reason = models.GatewayStatusText(st.status)
	}
	st.n.StatusCode = st.status
	st.n.ErrorMessage = reason
	st.n.MarkUnsent()
	d.failures = append(d.failures, st.n)
	d.logger.Debug("notification rejected",
		slog.String("token", st.n.Token),
		slog.String("correlation_id", st.n.CorrelationID),
		slog.Int("status", st.status),
		slog.String("reason", reason),
	)
	d.complete(st)
}

func (d *delivery) complete(st *streamState) {
	st.done = true
	d.counter++
}

// failUnanswered reports every notification whose stream did not complete,
// in submission order. Notifications that never got a stream are included.
func (d *delivery) failUnanswered(notifications []*models.Notification) {
	opened := make(map[*models.Notification]*streamState, len(d.order))
	for _, st := range d.order {
		opened[st.n] = st
	}
	for _, n := range notifications {
		st, ok := opened[n]
		if ok && st.done {
			continue
		}
		if !ok {
			st = &streamState{n: n}
		}
		st.failed = true
		d.fail(st, ReasonUnanswered)
	}
}

// readLoop polls the channel and feeds the transport until every stream sent
// in this call has completed.
func (e *Engine) readLoop(ctx context.Context, session *Session, d *delivery) error {
	ch := session.channel
	buf := make([]byte, readBufferSize)
	expected := len(d.order)

	for d.counter < expected {
		if err := ctx.Err(); err != nil {
			_ = ch.Close()
			return err
		}
		if ch.Closed() {
			return ErrChannelClosed
		}

		if err := ch.SetReadDeadline(time.Now().Add(e.pollInterval)); err != nil {
			_ = ch.Close()
			return err
		}
		n, err := ch.Read(buf)
		if n > 0 {
			if ferr := session.transport.Feed(buf[:n]); ferr != nil {
				e.logger.Warn("closing gateway channel after decode failure", slog.Any("error", ferr))
				_ = ch.Close()
				return ferr
			}
			if d.counter >= expected {
				return nil
			}
		}
		if err == nil || isTimeout(err) {
			continue
		}

		_ = ch.Close()
		if errors.Is(err, io.EOF) {
			return ErrChannelClosed
		}
		return fmt.Errorf("apns: read: %w", err)
	}
	return nil
}
