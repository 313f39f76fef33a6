// Package mqtt wraps the Paho client into a broker handle the rest of the
// gateway treats as always available. It tracks connection health, routes
// inbound messages to per-topic handlers, resubscribes after every
// reconnect and backs up undeliverable publishes for later redelivery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wiogate/internal/backup"
	"wiogate/internal/metrics"
	"wiogate/pkg/types"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QoS levels.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
	ExactlyOnce byte = 2
)

const (
	defaultHandlerQoS = AtLeastOnce
	resendQoS         = ExactlyOnce
	disconnectQuiesce = 250
)

var (
	// ErrDeliveryFailed is returned when a publish did not reach the broker.
	ErrDeliveryFailed = errors.New("mqtt delivery failed")
	// ErrBrokerUnavailable is the cause when the broker is disconnected or stale.
	ErrBrokerUnavailable = errors.New("mqtt broker unavailable")
	// ErrPublishTimeout is the cause when the broker did not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	// ErrNotConnected is returned by operations issued before Connect.
	ErrNotConnected = errors.New("mqtt client not connected")
)

// transport is the part of the Paho client the wrapper uses.
type transport interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	IsConnectionOpen() bool
}

// Client is a shared broker handle. All methods are safe for concurrent use.
type Client struct {
	config  *types.MQTTConfig
	store   backup.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	conn     transport
	dial     func(*paho.ClientOptions) transport
	handlers *handlerRegistry
	state    *stateTracker
	events   chan event

	passes    *errgroup.Group
	loops     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
}

// NewClient creates a client. Nothing touches the network until Connect.
func NewClient(config *types.MQTTConfig, store backup.Store, logger *zap.Logger, m *metrics.Metrics) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	passes := &errgroup.Group{}
	limit := config.Backup.MaxPasses
	if limit < 1 {
		limit = 1
	}
	passes.SetLimit(limit)

	backlog := config.Client.EventBacklog
	if backlog < 1 {
		backlog = 250
	}

	return &Client{
		config:   config,
		store:    store,
		log:      logger.Named("mqtt"),
		metrics:  m,
		dial:     func(opts *paho.ClientOptions) transport { return paho.NewClient(opts) },
		handlers: newHandlerRegistry(),
		state:    newStateTracker(config.StatusTimeout, time.Now),
		events:   make(chan event, backlog),
		passes:   passes,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect opens the broker session, starts the event and resend loops and
// waits until the broker acknowledges the connection or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	opts, err := c.clientOptions()
	if err != nil {
		return err
	}

	c.conn = c.dial(opts)
	c.start()

	url := c.brokerURL()
	c.log.Info("Connecting to MQTT broker", zap.String("broker", url), zap.Bool("tls", c.config.Broker.UseTLS))

	token := c.conn.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", url, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", url, err)
	}

	c.log.Info("Successfully connected to MQTT broker")
	return nil
}

// start launches the background loops once.
func (c *Client) start() {
	c.startOnce.Do(func() {
		c.loops.Add(2)
		go func() {
			defer c.loops.Done()
			c.eventLoop()
		}()
		go func() {
			defer c.loops.Done()
			c.resendLoop()
		}()
	})
}

func (c *Client) brokerURL() string {
	scheme := "tcp"
	if c.config.Broker.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.config.Broker.Host, c.config.Broker.Port)
}

func (c *Client) clientOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.brokerURL())

	clientID := c.config.Client.ClientID
	if strings.Contains(clientID, "{random}") {
		clientID = strings.ReplaceAll(clientID, "{random}", uuid.NewString()[:8])
	}
	opts.SetClientID(clientID)

	if c.config.Auth.Username != "" {
		opts.SetUsername(c.config.Auth.Username)
		opts.SetPassword(c.config.Auth.Password)
	}

	if c.config.Broker.UseTLS {
		tlsConfig, err := newTLSConfig(c.config.TLS.CACert, c.config.TLS.ClientCert, c.config.TLS.ClientKey, c.config.Broker.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to build MQTT TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetKeepAlive(c.config.Client.KeepAlive)
	opts.SetCleanSession(false)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	opts.SetDefaultPublishHandler(c.onMessage)

	return opts, nil
}

// AddTopicHandler routes messages on topic to handler. The last
// registration for a topic wins.
func (c *Client) AddTopicHandler(topic string, handler Handler) {
	c.handlers.set(topic, handler, defaultHandlerQoS)
	c.log.Debug("Registered topic handler", zap.String("topic", topic))
}

// Subscribe subscribes to topic and waits for the broker's answer.
// Subscribing twice is harmless.
func (c *Client) Subscribe(topic string, qos byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.handlers.setQoS(topic, qos)

	token := c.conn.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(c.config.Client.PublishWait) {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	c.log.Info("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", qos))
	return nil
}

// Publish serializes payload and sends it. Strings and byte slices go out
// verbatim, anything else is JSON encoded. When delivery fails and
// allowBackup is set the message is written to the backup store for the
// resend loop. The returned error wraps ErrDeliveryFailed in both cases.
func (c *Client) Publish(topic string, payload any, qos byte, allowBackup bool) error {
	body, err := encodePayload(payload)
	if err != nil {
		c.metrics.PublishResult("invalid")
		return fmt.Errorf("failed to serialize payload for topic %s: %w", topic, err)
	}

	var cause error
	if st := c.State(); !st.Usable() {
		cause = fmt.Errorf("%w: %s", ErrBrokerUnavailable, st)
	} else {
		cause = c.send(topic, qos, body)
	}
	if cause == nil {
		c.metrics.PublishResult("ok")
		return nil
	}

	if !allowBackup {
		c.metrics.PublishResult("failed")
		c.log.Warn("Publish failed", zap.String("topic", topic), zap.Error(cause))
		return fmt.Errorf("%w: topic %s: %w", ErrDeliveryFailed, topic, cause)
	}

	name, err := c.store.Save(types.BackupRecord{Topic: topic, Payload: string(body)})
	if err != nil {
		c.metrics.PublishResult("failed")
		c.metrics.BackupResult("error")
		c.log.Error("Publish failed and backup could not be written",
			zap.String("topic", topic), zap.NamedError("cause", cause), zap.Error(err))
		return fmt.Errorf("%w: topic %s: %w (backup failed: %v)", ErrDeliveryFailed, topic, cause, err)
	}

	c.metrics.PublishResult("backed_up")
	c.metrics.BackupResult("ok")
	c.log.Warn("Publish failed, message backed up",
		zap.String("topic", topic), zap.String("file", name), zap.Error(cause))
	return fmt.Errorf("%w: topic %s (backed up as %s): %w", ErrDeliveryFailed, topic, name, cause)
}

// send publishes and waits for the broker acknowledgement.
func (c *Client) send(topic string, qos byte, body []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	token := c.conn.Publish(topic, qos, false, body)
	if !token.WaitTimeout(c.config.Client.PublishWait) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	c.state.touch()
	return nil
}

// State returns the current broker state. An open session counts as
// liveness, so an idle but healthy broker never turns stale.
func (c *Client) State() ConnState {
	c.observe()
	st := c.state.snapshot()
	c.metrics.SetBrokerState(int(st.Kind))
	return st
}

// observe refreshes liveness while Paho reports the session open. Paho
// drops the session when keep-alive pings go unanswered, so an open
// session means the broker answered within the keep-alive window.
func (c *Client) observe() {
	if c.conn != nil && c.conn.IsConnectionOpen() {
		c.state.touch()
	}
}

// Close stops both loops, waits for running resend passes and disconnects.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.loops.Wait()
		c.passes.Wait()
		if c.conn != nil {
			c.log.Info("Disconnecting from MQTT broker")
			c.conn.Disconnect(disconnectQuiesce)
		}
	})
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
