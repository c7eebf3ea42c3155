package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"

	"argus/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMessage(channel core.NotificationChannel) *Message {
	return &Message{
		Channel:  channel,
		Title:    "high request rate",
		Body:     "api_requests > 100 (observed 150)",
		Severity: core.SeverityHigh,
	}
}

func TestNotifier_DashboardPublishesOnBus(t *testing.T) {
	bus := core.NewEventBus(zap.NewNop().Sugar())
	var received atomic.Value
	bus.Subscribe(core.TopicDashboardUpdated, func(payload interface{}) {
		received.Store(payload)
	})

	n := NewNotifier(Config{}, bus, zap.NewNop().Sugar())
	require.NoError(t, n.Dispatch(context.Background(), testMessage(core.ChannelDashboard)))

	msg, ok := received.Load().(*Message)
	require.True(t, ok)
	assert.Equal(t, "high request rate", msg.Title)
}

func TestNotifier_WebhookDelivery(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Webhook: WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
	}}, core.NewEventBus(nil), zap.NewNop().Sugar())

	require.NoError(t, n.Dispatch(context.Background(), testMessage(core.ChannelWebhook)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
}

func TestNotifier_WebhookFailureTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(Config{Webhook: WebhookConfig{Enabled: true, URL: srv.URL}},
		core.NewEventBus(nil), zap.NewNop().Sugar())

	ctx := context.Background()
	msg := testMessage(core.ChannelWebhook)
	for i := 0; i < 3; i++ {
		assert.Error(t, n.Dispatch(ctx, msg))
	}
	// Breaker is now open; delivery is rejected without a request
	err := n.Dispatch(ctx, msg)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
}

func TestNotifier_EmailUsesConfiguredRecipients(t *testing.T) {
	var sentTo []string
	n := NewNotifier(Config{Email: EmailConfig{
		Enabled:     true,
		Host:        "mail.example.com",
		Port:        587,
		FromAddress: "argus@example.com",
		ToAddresses: []string{"ops@example.com"},
	}}, core.NewEventBus(nil), zap.NewNop().Sugar())
	n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentTo = to
		assert.Equal(t, "mail.example.com:587", addr)
		assert.Contains(t, string(msg), "Subject: [high] high request rate")
		return nil
	}

	require.NoError(t, n.Dispatch(context.Background(), testMessage(core.ChannelEmail)))
	assert.Equal(t, []string{"ops@example.com"}, sentTo)

	// Explicit recipients override the configured defaults
	msg := testMessage(core.ChannelEmail)
	msg.Recipients = []string{"oncall@example.com"}
	require.NoError(t, n.Dispatch(context.Background(), msg))
	assert.Equal(t, []string{"oncall@example.com"}, sentTo)
}

func TestNotifier_EmailFailure(t *testing.T) {
	n := NewNotifier(Config{Email: EmailConfig{
		Enabled:     true,
		Host:        "mail.example.com",
		Port:        587,
		FromAddress: "argus@example.com",
		ToAddresses: []string{"ops@example.com"},
	}}, core.NewEventBus(nil), zap.NewNop().Sugar())
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	assert.Error(t, n.Dispatch(context.Background(), testMessage(core.ChannelEmail)))
}

func TestNotifier_UnknownChannel(t *testing.T) {
	n := NewNotifier(Config{}, core.NewEventBus(nil), zap.NewNop().Sugar())
	assert.Error(t, n.Dispatch(context.Background(), testMessage("pager")))
	assert.Error(t, n.Dispatch(context.Background(), nil))
}
