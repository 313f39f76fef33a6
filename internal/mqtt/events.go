package mqtt

import (
	"errors"
	"io"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventConnAck eventKind = iota
	eventPublish
	eventError
)

type event struct {
	kind    eventKind
	topic   string
	payload []byte
	err     error
	lost    bool
}

var unreachableMarkers = []string{
	"network is unreachable",
	"connection refused",
	"no route to host",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"pingresp not received",
}

// isUnreachable reports whether err means the broker cannot be reached.
func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range unreachableMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Paho callbacks only enqueue; the event loop does the work.

func (c *Client) onConnect(_ paho.Client) {
	c.push(event{kind: eventConnAck})
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.push(event{kind: eventError, err: err, lost: true})
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.log.Debug("Reconnecting to MQTT broker")
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.push(event{kind: eventPublish, topic: msg.Topic(), payload: msg.Payload()})
}

func (c *Client) push(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// eventLoop is the single consumer of transport events.
func (c *Client) eventLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Client) handleEvent(ev event) {
	switch ev.kind {
	case eventConnAck:
		c.state.connected()
		c.State()
		c.log.Info("Connection established with broker")
		c.resubscribe()

	case eventPublish:
		c.state.touch()
		handler, ok := c.handlers.get(ev.topic)
		c.metrics.InboundMessage(ev.topic, ok)
		if !ok {
			c.log.Debug("No handler for topic, dropping message", zap.String("topic", ev.topic))
			return
		}
		handler.Handle(ev.payload)

	case eventError:
		c.log.Error("MQTT connection error", zap.Error(ev.err), zap.Bool("connection_lost", ev.lost))
		if ev.lost || isUnreachable(ev.err) {
			if c.state.lost() {
				c.State()
				c.log.Warn("Connection lost with broker")
			}
		}
	}
}

// resubscribe re-issues a subscription for every registered topic without
// waiting for the answers.
func (c *Client) resubscribe() {
	for topic, qos := range c.handlers.snapshot() {
		token := c.conn.Subscribe(topic, qos, nil)
		go func(topic string) {
			select {
			case <-token.Done():
			case <-c.ctx.Done():
				return
			}
			if err := token.Error(); err != nil {
				c.log.Error("Failed to resubscribe", zap.String("topic", topic), zap.Error(err))
				return
			}
			c.log.Debug("Resubscribed", zap.String("topic", topic))
		}(topic)
	}
}
