package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher delivers one notification to one channel. Delivery is
// fire-and-forget from the caller's point of view: the returned error is
// for the dispatcher's own bookkeeping (circuit breakers, metrics), and
// triggering paths must not fail on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}

// Message is one notification to deliver
type Message struct {
	Channel    core.NotificationChannel `json:"channel"`
	Recipients []string                 `json:"recipients,omitempty"`
	Title      string                   `json:"title"`
	Body       string                   `json:"body"`
	Severity   core.Severity            `json:"severity"`
	// Payload carries the structured trigger context sent to webhooks
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// EmailConfig configures the SMTP channel
type EmailConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	FromAddress string   `mapstructure:"from_address"`
	ToAddresses []string `mapstructure:"to_addresses"`
}

// WebhookConfig configures the webhook channel
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	// RatePerMinute caps outbound webhook deliveries; 0 means 60/min
	RatePerMinute int `mapstructure:"rate_per_minute"`
}

// Config holds all channel configurations
type Config struct {
	Email   EmailConfig   `mapstructure:"email"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// Notifier dispatches notifications to email, webhook and dashboard
// channels. Each remote channel is guarded by its own circuit breaker so
// a failing downstream stops being called after repeated failures.
type Notifier struct {
	config  Config
	bus     *core.EventBus
	logger  *zap.SugaredLogger
	client  *http.Client
	limiter *rate.Limiter

	cbMu     sync.Mutex
	breakers map[string]*core.CircuitBreaker

	// sendMail is swappable in tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier creates a notifier
func NewNotifier(config Config, bus *core.EventBus, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	perMinute := config.Webhook.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Notifier{
		config:   config,
		bus:      bus,
		logger:   logger,
		client:   &http.Client{Timeout: core.HTTPClientTimeout},
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		breakers: make(map[string]*core.CircuitBreaker),
		sendMail: smtp.SendMail,
	}
}

func (n *Notifier) breaker(key string) *core.CircuitBreaker {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	cb, ok := n.breakers[key]
	if !ok {
		cb = core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
		n.breakers[key] = cb
	}
	return cb
}

// Dispatch routes one message to its channel. The dashboard channel is a
// bus publish and never fails; remote channels run behind their circuit
// breakers and record delivery failures as metrics.
func (n *Notifier) Dispatch(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot dispatch nil message")
	}
	switch msg.Channel {
	case core.ChannelDashboard:
		n.bus.Publish(core.TopicDashboardUpdated, msg)
		return nil
	case core.ChannelEmail:
		return n.guarded(ctx, "email:"+n.config.Email.Host, msg, n.sendEmail)
	case core.ChannelWebhook:
		return n.guarded(ctx, "webhook:"+n.config.Webhook.URL, msg, n.sendWebhook)
	default:
		return fmt.Errorf("unknown notification channel: %s", msg.Channel)
	}
}

func (n *Notifier) guarded(ctx context.Context, key string, msg *Message, send func(context.Context, *Message) error) error {
	cb := n.breaker(key)
	if err := cb.Allow(); err != nil {
		n.logger.Warnw("Circuit breaker open, dropping notification",
			"channel", msg.Channel, "key", key)
		metrics.NotificationFailures.WithLabelValues(string(msg.Channel)).Inc()
		return err
	}
	if err := send(ctx, msg); err != nil {
		cb.RecordFailure()
		metrics.NotificationFailures.WithLabelValues(string(msg.Channel)).Inc()
		n.logger.Errorw("Failed to deliver notification",
			"channel", msg.Channel, "title", msg.Title, "error", err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (n *Notifier) sendEmail(_ context.Context, msg *Message) error {
	cfg := n.config.Email
	if !cfg.Enabled {
		return fmt.Errorf("email channel is disabled")
	}
	recipients := msg.Recipients
	if len(recipients) == 0 {
		recipients = cfg.ToAddresses
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for email notification")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", cfg.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", msg.Severity, msg.Title)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := n.sendMail(addr, auth, cfg.FromAddress, recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func (n *Notifier) sendWebhook(ctx context.Context, msg *Message) error {
	cfg := n.config.Webhook
	if !cfg.Enabled {
		return fmt.Errorf("webhook channel is disabled")
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook URL is not configured")
	}

	// Bound the wait so a saturated limiter cannot hold the caller forever
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("webhook rate limit wait: %w", err)
	}

	payload := map[string]interface{}{
		"title":     msg.Title,
		"body":      msg.Body,
		"severity":  string(msg.Severity),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range msg.Payload {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
