// Package notify publishes series changes to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cyp0633/eventseries/series"
)

// Options configure the broker connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// sender is the part of mqtt.Client the publisher needs.
type sender interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher implements series.Publisher. Changes go to
// <prefix>/<tenant>/series/<series slug>/<change type>.
type Publisher struct {
	client sender
	prefix string
	qos    byte
	logger *slog.Logger
	close  func()
}

// Connect dials the broker and returns a ready publisher.
func Connect(opts Options) (*Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.BrokerURL)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.OnConnect = func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", opts.BrokerURL)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	}

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p := newPublisher(client, opts.TopicPrefix, opts.QoS, logger)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

func newPublisher(client sender, prefix string, qos byte, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "eventseries"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), qos: qos, logger: logger}
}

// Topic returns the topic a change is published on.
func (p *Publisher) Topic(c series.Change) string {
	return fmt.Sprintf("%s/%s/series/%s/%s", p.prefix, c.TenantID, c.SeriesSlug, c.Type)
}

func (p *Publisher) Publish(ctx context.Context, c series.Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}

	topic := p.Topic(c)
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	p.logger.Debug("published change", "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}

var _ series.Publisher = (*Publisher)(nil)
