// Package session bridges dashboard WebSocket connections to the hub
// registry. Each connection runs a reader and a writer; whichever stops
// first tears the session down exactly once.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wiogate/internal/hub"
	"wiogate/internal/metrics"
	"wiogate/internal/mqtt"
	"wiogate/pkg/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle position of a session.
type State int32

const (
	Connecting State = iota
	Joined
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Socket is the part of *websocket.Conn a session uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Registry is where sessions join and leave workspaces.
type Registry interface {
	AddClient(workspaceIDs []string, client *hub.Client)
	RemoveClient(workspaceIDs []string, client *hub.Client)
}

// Publisher forwards dashboard control requests to the broker.
type Publisher interface {
	Publish(topic string, payload any, qos byte, allowBackup bool) error
}

// Options tunes socket timing and buffering.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// Ack answers a dashboard control frame.
type Ack struct {
	Request  string `json:"request"`
	DeviceID string `json:"deviceId,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Session is one authenticated dashboard connection.
type Session struct {
	conn       Socket
	client     *hub.Client
	workspaces []string
	registry   Registry
	publisher  Publisher
	opts       Options
	log        *zap.Logger
	metrics    *metrics.Metrics

	state     atomic.Int32
	closeOnce sync.Once
}

// New prepares a session for workspaces. Nothing is registered until Run.
func New(conn Socket, workspaces []string, registry Registry, publisher Publisher, opts Options, logger *zap.Logger, m *metrics.Metrics) *Session {
	opts = opts.withDefaults()
	client := hub.NewClient(opts.SendBuffer)
	return &Session{
		conn:       conn,
		client:     client,
		workspaces: workspaces,
		registry:   registry,
		publisher:  publisher,
		opts:       opts,
		log:        logger.Named("session").With(zap.String("client", client.ID())),
		metrics:    m,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run joins the workspaces and blocks until both loops have stopped.
func (s *Session) Run() {
	s.registry.AddClient(s.workspaces, s.client)
	s.state.Store(int32(Joined))
	s.metrics.ClientJoined()
	s.log.Info("Dashboard connected", zap.Strings("workspaces", s.workspaces))

	s.state.Store(int32(Active))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
		s.Close()
	}()

	s.readLoop()
	s.Close()
	wg.Wait()
}

// Close tears the session down. Only the first call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))
		s.registry.RemoveClient(s.workspaces, s.client)
		s.client.Close()
		if err := s.conn.Close(); err != nil {
			s.log.Debug("Error closing socket", zap.Error(err))
		}
		s.state.Store(int32(Closed))
		s.metrics.ClientLeft()
		s.log.Info("Dashboard disconnected")
	})
}

func (s *Session) readLoop() {
	extend := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	}
	_ = extend()
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Socket read error", zap.Error(err))
			} else {
				s.log.Debug("Socket closed", zap.Error(err))
			}
			return
		}
		_ = extend()
		s.handleFrame(data)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.client.Messages():
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, []byte(msg)); err != nil {
				s.log.Warn("Socket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// handleFrame processes one inbound frame. Malformed frames are logged and
// ignored.
func (s *Session) handleFrame(data []byte) {
	var frame types.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warn("Ignoring malformed frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case types.FrameRealtimeData:
		s.handleRealtime(frame.Message)
	case types.FramePing:
		s.reply(types.EnvelopePong, nil)
	default:
		s.log.Debug("Ignoring frame", zap.String("type", frame.Type))
	}
}

func (s *Session) handleRealtime(raw json.RawMessage) {
	ctl, err := decodeRealtimeControl(raw)
	if err != nil {
		s.log.Warn("Ignoring realtime request", zap.Error(err))
		return
	}

	ack := Ack{Request: types.FrameRealtimeData, DeviceID: ctl.DeviceID, OK: true}
	if err := s.publisher.Publish(types.TopicRealtimeControl, ctl, mqtt.ExactlyOnce, false); err != nil {
		s.log.Warn("Failed to forward realtime request", zap.String("device", ctl.DeviceID), zap.Error(err))
		ack.OK = false
		ack.Error = err.Error()
	}
	s.reply(types.EnvelopeAck, ack)
}

func (s *Session) reply(kind string, payload any) {
	env := types.Envelope{Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.log.Error("Failed to encode reply", zap.Error(err))
			return
		}
		env.Data = string(data)
	}
	msg, err := json.Marshal(env)
	if err != nil {
		s.log.Error("Failed to encode envelope", zap.Error(err))
		return
	}
	if err := s.client.Enqueue(string(msg)); err != nil {
		s.log.Debug("Dropping reply", zap.Error(err))
	}
}

var errMissingDevice = errors.New("deviceId is required")

// decodeRealtimeControl accepts the request as an object or as a JSON
// string holding the object.
func decodeRealtimeControl(raw json.RawMessage) (types.RealtimeControl, error) {
	var ctl types.RealtimeControl
	if len(raw) == 0 {
		return ctl, errMissingDevice
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return ctl, fmt.Errorf("invalid realtime request: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, &ctl); err != nil {
		return ctl, fmt.Errorf("invalid realtime request: %w", err)
	}
	if ctl.DeviceID == "" {
		return ctl, errMissingDevice
	}
	return ctl, nil
}
