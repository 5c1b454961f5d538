package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"
	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/logger"
	"go.uber.org/zap"
)

// HTTPSMSProvider posts SMS messages to a JSON gateway
type HTTPSMSProvider struct {
	client *resty.Client
	url    string
	sender string
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// NewHTTPSMSProvider creates an SMS provider for the configured gateway
func NewHTTPSMSProvider(cfg config.NotificationConfig) *HTTPSMSProvider {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if cfg.SMSAPIKey != "" {
		client.SetAuthToken(cfg.SMSAPIKey)
	}

	return &HTTPSMSProvider{
		client: client,
		url:    cfg.SMSGatewayURL,
		sender: cfg.SMSSender,
	}
}

// Send delivers the notification body as a text message
func (p *HTTPSMSProvider) Send(ctx context.Context, notification *Notification) error {
	if notification.Phone == "" {
		return fmt.Errorf("no phone number provided")
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(smsRequest{
			To:      notification.Phone,
			Message: notification.Body,
			Sender:  p.sender,
		}).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode())
	}
	return nil
}

// Close releases idle gateway connections
func (p *HTTPSMSProvider) Close() {
	p.client.GetClient().CloseIdleConnections()
}

// MQTTPushProvider publishes push notifications to per-user MQTT topics
// that the mobile app subscribes to.
type MQTTPushProvider struct {
	client mqtt.Client
}

type pushPayload struct {
	ID       string         `json:"id"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Priority Priority       `json:"priority"`
	Data     map[string]any `json:"data,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// NewMQTTPushProvider connects to the configured broker
func NewMQTTPushProvider(cfg config.NotificationConfig) (*MQTTPushProvider, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPushProvider{client: client}, nil
}

// PushTopic is the topic a user's devices subscribe to
func PushTopic(notification *Notification) string {
	return fmt.Sprintf("healthnexus/users/%s/notifications", notification.RecipientID)
}

func encodePush(notification *Notification) ([]byte, error) {
	return json.Marshal(pushPayload{
		ID:       notification.ID,
		Subject:  notification.Subject,
		Body:     notification.Body,
		Priority: notification.Priority,
		Data:     notification.Data,
		SentAt:   time.Now().UTC(),
	})
}

// Send publishes with QoS 1
func (p *MQTTPushProvider) Send(ctx context.Context, notification *Notification) error {
	payload, err := encodePush(notification)
	if err != nil {
		return err
	}

	token := p.client.Publish(PushTopic(notification), 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", PushTopic(notification), token.Error())
	}
	return nil
}

// IsConnected reports the broker connection state
func (p *MQTTPushProvider) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker
func (p *MQTTPushProvider) Close() {
	p.client.Disconnect(250)
}

// LogProvider logs notifications instead of sending them (development)
type LogProvider struct {
	channel Channel
	log     *zap.Logger
}

// NewLogProvider creates a logging provider for a channel
func NewLogProvider(channel Channel, log *zap.Logger) *LogProvider {
	return &LogProvider{channel: channel, log: log}
}

func (p *LogProvider) Send(ctx context.Context, notification *Notification) error {
	p.log.Info("notification",
		zap.String("channel", string(p.channel)),
		zap.String("notification_id", notification.ID),
		zap.String("recipient_id", notification.RecipientID.String()),
		zap.String("phone", logger.MaskPhone(notification.Phone)),
		zap.String("subject", notification.Subject),
	)
	return nil
}

// MockProvider records notifications; used in tests
type MockProvider struct {
	mu         sync.RWMutex
	sent       []*Notification
	attempts   int
	failOnSend bool
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Send(ctx context.Context, notification *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.failOnSend {
		return fmt.Errorf("mock send failure")
	}
	p.sent = append(p.sent, notification)
	return nil
}

// SetFailOnSend sets whether Send should fail
func (p *MockProvider) SetFailOnSend(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOnSend = fail
}

// Sent returns the delivered notifications
func (p *MockProvider) Sent() []*Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Notification(nil), p.sent...)
}

// Attempts returns how many times Send was called
func (p *MockProvider) Attempts() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.attempts
}
