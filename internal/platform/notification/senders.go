package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// payload is what leaves the process on every channel.
type payload struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	RecipientType string      `json:"recipient_type"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	Event         interface{} `json:"event"`
}

func payloadOf(n *Notification) payload {
	return payload{
		ID:            n.ID.String(),
		Type:          string(n.Type),
		RecipientType: string(n.RecipientType),
		Subject:       n.Subject,
		Body:          n.Body,
		Event:         n.Event,
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// HTTPSender posts notifications to a downstream notification service.
// Retries belong to the Dispatcher, so the client makes a single attempt.
type HTTPSender struct {
	client *resty.Client
	path   string
}

func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPSender{client: client, path: "/notifications"}
}

func (s *HTTPSender) Channel() string { return "http" }

func (s *HTTPSender) Send(ctx context.Context, n *Notification) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", n.ID.String()).
		SetBody(payloadOf(n)).
		Post(s.path)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post notification: status %d", resp.StatusCode())
	}
	return nil
}

// ---------------------------------------------------------------------------
// MQTT
// ---------------------------------------------------------------------------

// Publisher is the slice of an MQTT client the sender needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSender fans notifications out to ward displays and pagers on
// <prefix>/notifications/<recipient_type>.
type MQTTSender struct {
	pub    Publisher
	prefix string
	qos    byte
}

func NewMQTTSender(pub Publisher, topicPrefix string) *MQTTSender {
	if topicPrefix == "" {
		topicPrefix = "bedflow"
	}
	return &MQTTSender{pub: pub, prefix: strings.TrimRight(topicPrefix, "/"), qos: 1}
}

func (s *MQTTSender) Channel() string { return "mqtt" }

func (s *MQTTSender) Topic(n *Notification) string {
	return s.prefix + "/notifications/" + strings.ToLower(string(n.RecipientType))
}

func (s *MQTTSender) Send(_ context.Context, n *Notification) error {
	raw, err := json.Marshal(payloadOf(n))
	if err != nil {
		return err
	}
	return s.pub.Publish(s.Topic(n), s.qos, false, raw)
}

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// MQTTClient wraps a paho client with blocking, time-limited calls.
type MQTTClient struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewMQTTClient(cfg MQTTConfig, logger zerolog.Logger) (*MQTTClient, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	log := logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("mqtt connected")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return &MQTTClient{client: client, timeout: cfg.ConnectTimeout}, nil
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTClient) IsConnected() bool { return c.client.IsConnected() }

func (c *MQTTClient) Disconnect() { c.client.Disconnect(250) }

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogSender writes notifications to the service log. It is the channel of
// last resort when no downstream is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification_log").Logger()}
}

func (s *LogSender) Channel() string { return "log" }

func (s *LogSender) Send(_ context.Context, n *Notification) error {
	s.logger.Info().
		Str("notification_id", n.ID.String()).
		Str("type", string(n.Type)).
		Str("recipient_type", string(n.RecipientType)).
		Str("admission_id", n.Event.AdmissionID.String()).
		Msg(n.Subject)
	return nil
}
