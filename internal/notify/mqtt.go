package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTTransport publishes alert payloads with QoS 1. The client reconnects on
// its own; publishes made while disconnected fail and are logged by the
// notifier.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
}

func NewMQTTTransport(opts MQTTOptions) (*MQTTTransport, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	if opts.ClientID != "" {
		co.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTTTransport{client: client, topic: opts.Topic}, nil
}

func (t *MQTTTransport) Do(ctx context.Context, req Request) (*Response, error) {
	data, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	token := t.client.Publish(t.topic, 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &Response{}, nil
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
