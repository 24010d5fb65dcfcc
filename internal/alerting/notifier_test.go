package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() Alert {
	return Alert{
		Severity:  SeverityCritical,
		Component: "risk",
		Category:  "tier_critical",
		Message:   "sentinel entered CRITICAL",
		Fields:    map[string]string{"health": "35"},
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), testAlert()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "[Kerne CRITICAL] risk/tier_critical")
	assert.Contains(t, received["text"], "health: 35")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.Error(t, notifier.Notify(context.Background(), testAlert()))
}

func TestTelegramNotifierHidesToken(t *testing.T) {
	notifier := NewTelegramNotifier("secret-token", "chat", "http://127.0.0.1:1", 200*time.Millisecond, testLogger())
	err := notifier.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSNotifierSubject(t *testing.T) {
	pub := &recordingPublisher{}
	n := newNATSNotifier(pub, "")

	require.NoError(t, n.Notify(context.Background(), testAlert()))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "kerne.alerts.critical", pub.subjects[0])

	var got Alert
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "tier_critical", got.Category)

	custom := newNATSNotifier(pub, "ops.kerne.")
	assert.Equal(t, "ops.kerne.warning", custom.Subject(SeverityWarning))
}

type stubNotifier struct {
	name  string
	err   error
	calls int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(context.Context, Alert) error {
	s.calls++
	return s.err
}

func TestMultiContinuesPastFailure(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("boom")}
	good := &stubNotifier{name: "good"}
	m := Multi{bad, good}

	err := m.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "bad:"))
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, "bad,good", m.Name())
}

func TestDispatcherCooldownMemory(t *testing.T) {
	n := &stubNotifier{name: "stub"}
	d := NewDispatcher(n, NewMemoryDedup(time.Minute), time.Minute, testLogger())
	ctx := context.Background()

	assert.True(t, d.Send(ctx, testAlert()))
	assert.False(t, d.Send(ctx, testAlert()))

	other := testAlert()
	other.Category = "zero_anomaly"
	assert.True(t, d.Send(ctx, other))

	d.Resolve(ctx, "risk", "tier_critical")
	assert.True(t, d.Send(ctx, testAlert()))
	assert.Equal(t, 3, n.calls)
}

func TestDispatcherCooldownRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	dedup, err := NewRedisDedup("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer dedup.Close()

	n := &stubNotifier{name: "stub"}
	d := NewDispatcher(n, dedup, time.Hour, testLogger())
	ctx := context.Background()

	assert.True(t, d.Send(ctx, testAlert()))
	assert.False(t, d.Send(ctx, testAlert()))
	assert.True(t, mr.Exists("kerne:alert:risk:tier_critical"))

	mr.FastForward(2 * time.Hour)
	assert.True(t, d.Send(ctx, testAlert()))
	assert.Equal(t, 2, n.calls)
}

func TestDispatcherSendsWhenDedupFails(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	dedup, err := NewRedisDedup("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer dedup.Close()
	mr.Close()

	n := &stubNotifier{name: "stub"}
	d := NewDispatcher(n, dedup, time.Hour, testLogger())
	assert.True(t, d.Send(context.Background(), testAlert()))
}

func TestDispatcherNilSafe(t *testing.T) {
	var d *Dispatcher
	assert.False(t, d.Send(context.Background(), testAlert()))
	d.Resolve(context.Background(), "a", "b")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
