package ducobox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/shimmeringbee/logwrap"
)

const (
	mqttConnectAttempts = 5
	mqttRetryDelay      = 2 * time.Second
	mqttTokenTimeout    = 10 * time.Second
)

// MQTTClient is a Publisher backed by paho.
type MQTTClient struct {
	client mqtt.Client
	qos    byte
	status string
	log    logwrap.Logger

	mu   sync.Mutex
	subs map[string]func(topic string, payload []byte)
}

// ConnectMQTT dials the broker, retrying a few times before giving up. The
// connection publishes online/offline to <topic_prefix>/status.
func ConnectMQTT(ctx context.Context, cfg BridgeConfig, logger logwrap.Logger) (*MQTTClient, error) {
	mc := &MQTTClient{
		qos:    cfg.QoS,
		status: cfg.TopicPrefix + "/status",
		log:    logger,
		subs:   make(map[string]func(string, []byte)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("ducohome-" + uuid.NewString())
	opts.SetAutoReconnect(true)
	// Command handlers publish state and wait on the token.
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(mqttTokenTimeout)
	opts.SetWill(mc.status, payloadOffline, cfg.QoS, true)
	opts.OnConnect = func(client mqtt.Client) {
		client.Publish(mc.status, mc.qos, true, payloadOnline)
		mc.resubscribeAll()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		mc.log.LogWarn(context.Background(), "MQTT connection lost.", logwrap.Err(err))
	}
	mc.client = mqtt.NewClient(opts)

	err := retry.Do(
		func() error {
			return awaitToken(ctx, mc.client.Connect())
		},
		retry.Context(ctx),
		retry.Attempts(mqttConnectAttempts),
		retry.Delay(mqttRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.LogWarn(ctx, "MQTT connect failed, retrying.", logwrap.Datum("attempt", n+1), logwrap.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}
	logger.LogInfo(ctx, "Connected to MQTT broker.", logwrap.Datum("broker", cfg.Broker))
	return mc, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	return awaitToken(ctx, c.client.Publish(topic, c.qos, retained, payload))
}

func (c *MQTTClient) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return awaitToken(ctx, c.client.Subscribe(topic, c.qos, c.callback(handler)))
}

func (c *MQTTClient) callback(handler func(string, []byte)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *MQTTClient) resubscribeAll() {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		c.client.Subscribe(topic, c.qos, c.callback(handler))
	}
}

// Close announces offline and disconnects.
func (c *MQTTClient) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), mqttTokenTimeout)
	defer cancel()
	_ = awaitToken(ctx, c.client.Publish(c.status, c.qos, true, payloadOffline))
	c.client.Disconnect(250)
}

func awaitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTokenTimeout):
		return fmt.Errorf("mqtt operation timed out")
	}
}
