package apns

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
)

// reply scripts the gateway's answer for one device token. The zero value
// accepts the notification.
type reply struct {
	status int
	reason string
	delay  time.Duration

	// hang never answers; the handler returns once the client goes away.
	hang bool
}

type receivedRequest struct {
	token      string
	apnsID     string
	topic      string
	remoteAddr string
	payload    map[string]any
}

// testGateway is an in-process HTTP/2 gateway speaking h2c on loopback.
type testGateway struct {
	t        *testing.T
	ln       net.Listener
	srv      *http2.Server
	accepted atomic.Int32

	mu       sync.Mutex
	replies  map[string]reply
	received []receivedRequest
	conns    []net.Conn
}

func newTestGateway(t *testing.T, replies map[string]reply) *testGateway {
	t.Helper()
	return newLimitedGateway(t, replies, 1000)
}

// newLimitedGateway advertises maxStreams as SETTINGS_MAX_CONCURRENT_STREAMS
// and refuses streams beyond it.
func newLimitedGateway(t *testing.T, replies map[string]reply, maxStreams uint32) *testGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	if replies == nil {
		replies = map[string]reply{}
	}
	g := &testGateway{
		t:       t,
		ln:      ln,
		srv:     &http2.Server{MaxConcurrentStreams: maxStreams},
		replies: replies,
	}
	go g.serve()
	t.Cleanup(g.close)
	return g
}

func (g *testGateway) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.accepted.Add(1)
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		go g.srv.ServeConn(conn, &http2.ServeConnOpts{Handler: http.HandlerFunc(g.handle)})
	}
}

func (g *testGateway) close() {
	_ = g.ln.Close()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.Close()
	}
}

func (g *testGateway) endpoint() Endpoint {
	addr := g.ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: strconv.Itoa(addr.Port)}
}

func (g *testGateway) handle(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/3/device/")
	body, _ := io.ReadAll(r.Body)

	req := receivedRequest{
		token:      token,
		apnsID:     r.Header.Get("apns-id"),
		topic:      r.Header.Get("apns-topic"),
		remoteAddr: r.RemoteAddr,
	}
	_ = json.Unmarshal(body, &req.payload)

	g.mu.Lock()
	g.received = append(g.received, req)
	rep := g.replies[token]
	g.mu.Unlock()

	if rep.hang {
		<-r.Context().Done()
		return
	}
	if rep.delay > 0 {
		time.Sleep(rep.delay)
	}
	if rep.status == 0 || rep.status == http.StatusOK {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	if rep.reason != "" {
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": rep.reason})
	}
}

func (g *testGateway) requests() []receivedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]receivedRequest(nil), g.received...)
}

// requestsPerConnection counts requests by client address, in order of the
// first request seen on each connection.
func (g *testGateway) requestsPerConnection() []int {
	var (
		order  []string
		counts = map[string]int{}
	)
	for _, r := range g.requests() {
		if _, ok := counts[r.remoteAddr]; !ok {
			order = append(order, r.remoteAddr)
		}
		counts[r.remoteAddr]++
	}
	out := make([]int, 0, len(order))
	for _, addr := range order {
		out = append(out, counts[addr])
	}
	return out
}

// rawGateway accepts connections and answers with fixed bytes instead of
// HTTP/2.
func rawGateway(t *testing.T, response []byte) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() {
				_, _ = conn.Write(response)
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: strconv.Itoa(addr.Port)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNotifications(t *testing.T, tokens ...string) []*models.Notification {
	t.Helper()
	out := make([]*models.Notification, 0, len(tokens))
	for _, token := range tokens {
		n, err := models.NewNotification(models.Options{
			Token: token,
			Alert: "hello " + token,
			Topic: "com.example.app",
		})
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func tokenRange(prefix string, count int) []string {
	tokens := make([]string, count)
	for i := range tokens {
		tokens[i] = prefix + strconv.Itoa(i)
	}
	return tokens
}

func tokensOf(ns []*models.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Token)
	}
	return out
}
