package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultTopicPrefix    = "relays"
	defaultConnectTimeout = 10 * time.Second
)

// MQTTOptions configures the MQTT driver.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
}

// Command is the payload published to a relay's command topic.
type Command struct {
	Pin   int    `json:"pin"`
	State string `json:"state"`
	TS    string `json:"ts"`
}

// CommandTopic returns <prefix>/<device_id>/relay/<pin>/set.
func CommandTopic(prefix, deviceID string, pin int) string {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return fmt.Sprintf("%s/%s/relay/%d/set", prefix, deviceID, pin)
}

// FormatCommand encodes the command payload for pin.
func FormatCommand(pin int, on bool, at time.Time) ([]byte, error) {
	state := "off"
	if on {
		state = "on"
	}
	return json.Marshal(Command{Pin: pin, State: state, TS: at.UTC().Format(time.RFC3339)})
}

// MQTT publishes relay commands that devices subscribe to. Retained messages let
// a device that reconnects pick up its last commanded state.
type MQTT struct {
	client paho.Client
	prefix string
	qos    byte
	retain bool
	now    func() time.Time
	logger *zap.Logger
}

// NewMQTT connects to the broker.
func NewMQTT(opts MQTTOptions, logger *zap.Logger) (*MQTT, error) {
	if opts.Broker == "" {
		return nil, errors.New("actuator: mqtt broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "relay-billing"
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("mqtt connected", zap.String("broker", opts.Broker))
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, errors.New("actuator: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("actuator: connect to broker: %w", err)
	}

	return newMQTT(client, opts, logger), nil
}

func newMQTT(client paho.Client, opts MQTTOptions, logger *zap.Logger) *MQTT {
	qos := opts.QoS
	if qos > 2 {
		qos = 1
	}
	return &MQTT{
		client: client,
		prefix: opts.TopicPrefix,
		qos:    qos,
		retain: opts.Retained,
		now:    time.Now,
		logger: logger,
	}
}

// SetRelay publishes the command and waits for the broker to acknowledge it.
func (m *MQTT) SetRelay(ctx context.Context, deviceID string, pin int, on bool) error {
	payload, err := FormatCommand(pin, on, m.now())
	if err != nil {
		return fmt.Errorf("format command: %w", err)
	}

	topic := CommandTopic(m.prefix, deviceID, pin)
	token := m.client.Publish(topic, m.qos, m.retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.logger.Debug("relay command published", zap.String("topic", topic), zap.Bool("on", on))
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(1000)
	return nil
}
