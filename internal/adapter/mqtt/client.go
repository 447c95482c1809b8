// Package mqtt implements the MQTT ingest side of the pipeline: a
// managed broker connection, topic-to-device routing with wildcard
// support, and per-device payload decoding.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// subscribeTimeout bounds local broker operations.
const subscribeTimeout = 10 * time.Second

// defaultMaxTrackedTopics bounds the per-topic message counters when the
// configuration leaves the limit unset.
const defaultMaxTrackedTopics = 1000

// untrackedTopic aggregates message counts for topics beyond the
// tracking limit, so a hostile topic spread cannot grow the map.
const untrackedTopic = "(untracked)"

// ClientConfig contains broker connection settings.
type ClientConfig struct {
	BrokerHost        string
	BrokerPort        int
	ClientID          string
	Username          string
	Password          string
	UseTLS            bool
	AllowInvalidCerts bool
	KeepAlive         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnect      int // consecutive reconnect attempts before giving up; 0 retries forever
	MaxTrackedTopics  int // per-topic counter bound; 0 selects the default
	CleanSession      bool
	QoS               byte
}

// MessageHandler receives each inbound message. Panics inside the
// handler are recovered and logged; they never terminate the client.
type MessageHandler func(topic string, payload []byte, qos byte, retained bool, receivedAt time.Time)

// Client owns a single managed MQTT connection with auto-reconnect and
// resubscription on reconnect.
type Client struct {
	config ClientConfig
	client paho.Client
	logger zerolog.Logger

	handler   MessageHandler
	handlerMu sync.RWMutex

	subs   map[string]byte
	subsMu sync.Mutex

	topics   map[string]uint64
	topicsMu sync.Mutex

	connected  atomic.Bool
	received   atomic.Uint64
	reconnects atomic.Int64
}

// NewClient creates the client. No connection is made until Start.
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	if config.MaxTrackedTopics <= 0 {
		config.MaxTrackedTopics = defaultMaxTrackedTopics
	}
	c := &Client{
		config: config,
		logger: logger.With().Str("component", "mqtt-client").Logger(),
		subs:   make(map[string]byte),
		topics: make(map[string]uint64),
	}

	scheme := "tcp"
	if config.UseTLS {
		scheme = "ssl"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", scheme, config.BrokerHost, config.BrokerPort)

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(config.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetMaxReconnectInterval(config.ReconnectDelay * 4).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting).
		SetOnConnectHandler(c.onConnect).
		SetDefaultPublishHandler(c.onMessage)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	if config.UseTLS {
		// Strict certificate validation is the default; the insecure
		// flag exists for non-production brokers only.
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: config.AllowInvalidCerts,
		})
	}

	c.client = paho.NewClient(opts)
	return c
}

// SetHandler sets the inbound-message callback.
func (c *Client) SetHandler(handler MessageHandler) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Start connects to the broker.
func (c *Client) Start() error {
	c.logger.Info().
		Str("broker", c.config.BrokerHost).
		Int("port", c.config.BrokerPort).
		Str("client_id", c.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("broker connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("broker connection failed: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight messages a short
// grace period.
func (c *Client) Stop() {
	c.client.Disconnect(5000)
	c.connected.Store(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// Subscribe subscribes to the given topic filters. Filters are retained
// and re-applied on every reconnect.
func (c *Client) Subscribe(filters map[string]byte) error {
	if len(filters) == 0 {
		return nil
	}

	c.subsMu.Lock()
	for topic, qos := range filters {
		c.subs[topic] = qos
	}
	c.subsMu.Unlock()

	token := c.client.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe failed: %w", token.Error())
	}

	topics := make([]string, 0, len(filters))
	for topic := range filters {
		topics = append(topics, topic)
	}
	c.logger.Info().Strs("topics", topics).Msg("Subscribed to topics")
	return nil
}

// IsConnected reports the current broker connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client.IsConnected()
}

// MessagesReceived returns the total inbound message count.
func (c *Client) MessagesReceived() uint64 {
	return c.received.Load()
}

// TopicStats returns a snapshot of per-topic message counts. Topics past
// the tracking limit are aggregated under "(untracked)".
func (c *Client) TopicStats() map[string]uint64 {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	stats := make(map[string]uint64, len(c.topics))
	for topic, n := range c.topics {
		stats[topic] = n
	}
	return stats
}

func (c *Client) trackTopic(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	if _, ok := c.topics[topic]; !ok && len(c.topics) >= c.config.MaxTrackedTopics {
		topic = untrackedTopic
	}
	c.topics[topic]++
}

func (c *Client) onConnect(client paho.Client) {
	c.connected.Store(true)
	c.reconnects.Store(0)
	c.logger.Info().Msg("Connected to MQTT broker")

	c.subsMu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for topic, qos := range c.subs {
		filters[topic] = qos
	}
	c.subsMu.Unlock()

	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, nil)
	if token.WaitTimeout(subscribeTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to resubscribe after reconnect")
	}
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn().Err(err).Msg("Connection to MQTT broker lost")
}

func (c *Client) onReconnecting(client paho.Client, _ *paho.ClientOptions) {
	if !c.reconnectExhausted() {
		c.logger.Info().
			Int64("attempt", c.reconnects.Load()).
			Msg("Reconnecting to MQTT broker")
		return
	}
	c.logger.Error().
		Int("max_reconnect_attempts", c.config.MaxReconnect).
		Msg("Reconnect attempts exhausted, giving up on MQTT broker")
	client.Disconnect(0)
}

// reconnectExhausted counts one reconnect attempt and reports whether the
// configured limit has been passed. A limit of 0 never exhausts. The
// counter resets on every successful connect.
func (c *Client) reconnectExhausted() bool {
	attempts := c.reconnects.Add(1)
	return c.config.MaxReconnect > 0 && attempts > int64(c.config.MaxReconnect)
}

func (c *Client) onMessage(client paho.Client, msg paho.Message) {
	receivedAt := time.Now().UTC()
	c.received.Add(1)
	c.trackTopic(msg.Topic())

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()

	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("topic", msg.Topic()).
				Interface("panic", r).
				Msg("Recovered panic in message handler")
		}
	}()

	handler(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained(), receivedAt)
}
