// Package server exposes a conversation over a WebSocket endpoint. Each
// accepted connection gets its own model stream and session; events relay in
// both directions unchanged, so a browser or embedded device can speak the
// wire protocol directly without linking the engine.
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/shared"
	"github.com/voxstream/duplex/tools"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// StateUpdateFunc observes stateUpdate events from the downstream client.
// The event is still forwarded upstream after the callback returns.
type StateUpdateFunc func(state map[string]any)

type Options struct {
	AllowedOrigins []string
	// AllowEmptyOrigin admits non-browser clients that send no Origin header.
	AllowEmptyOrigin bool
	WriteTimeout     time.Duration
	ReadLimit        int64
	Stream           *duplex.StreamOptions
	ToolTimeout      time.Duration
}

// Bridge is an http.Handler that upgrades to WebSocket and relays session
// events between the downstream client and the model stream. Tools registered
// on the registry execute server-side; everything else passes through.
type Bridge struct {
	logger   shared.LoggerAdapter
	dial     duplex.DialConfig
	registry *tools.Registry
	opts     Options
	upgrader websocket.Upgrader

	mu            sync.Mutex
	onStateUpdate StateUpdateFunc
}

func NewBridge(logger shared.LoggerAdapter, dial duplex.DialConfig, registry *tools.Registry, opts Options) (*Bridge, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if dial.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	b := &Bridge{
		logger:   logger,
		dial:     dial,
		registry: registry,
		opts:     opts,
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin,
	}
	return b, nil
}

// OnStateUpdate installs the stateUpdate observer. Safe to call before
// serving begins.
func (b *Bridge) OnStateUpdate(fn StateUpdateFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateUpdate = fn
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return b.opts.AllowEmptyOrigin
	}
	for _, allowed := range b.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("ws: upgrade error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(b.opts.ReadLimit)

	client := &clientConn{conn: conn, timeout: b.opts.WriteTimeout}

	stream, err := duplex.DialModelStream(r.Context(), b.logger, b.dial)
	if err != nil {
		b.logger.Error("ws: dialing model stream", err)
		client.writeError("transportError", "upstream unavailable")
		return
	}
	manager, err := duplex.NewStreamManager(r.Context(), b.logger, stream, b.opts.Stream)
	if err != nil {
		b.logger.Error("ws: creating stream manager", err)
		if cerr := stream.Close(); cerr != nil {
			b.logger.Debug("ws: closing stream", zap.Error(cerr))
		}
		return
	}
	processor, err := tools.NewProcessor(b.logger, b.registry, manager, b.opts.ToolTimeout)
	if err != nil {
		b.logger.Error("ws: creating tool processor", err)
		return
	}
	handlers := []duplex.Handler{
		processor.HandleServerEvent,
		func(event *duplex.ServerEvent) {
			data, err := event.MarshalJSON()
			if err != nil {
				b.logger.Error("ws: encoding server event", err, zap.String("type", string(event.Type)))
				return
			}
			if err := client.write(data); err != nil {
				b.logger.Warn("ws: client write error", zap.Error(err))
			}
		},
	}
	for _, handler := range handlers {
		if err := manager.RegisterHandler(handler); err != nil {
			b.logger.Error("ws: registering handler", err)
			return
		}
	}
	if err := manager.Start(); err != nil {
		b.logger.Error("ws: starting stream manager", err)
		return
	}
	b.logger.Info("ws: client session open",
		zap.String("session", manager.Session().ID()),
		zap.String("remote", r.RemoteAddr),
	)

	b.readLoop(client, manager)

	if err := manager.Close(); err != nil && !errors.Is(err, shared.ErrStreamNotRunning) {
		b.logger.Debug("ws: closing stream manager", zap.Error(err))
	}
	processor.Wait()
	b.logger.Info("ws: client session closed", zap.String("session", manager.Session().ID()))
}

func (b *Bridge) readLoop(client *clientConn, manager *duplex.StreamManager) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Error("ws: read error", err)
			}
			return
		}
		event := new(duplex.ClientEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			b.logger.Warn("ws: malformed client event", zap.Error(err))
			client.writeError("protocolError", "malformed event: "+err.Error())
			continue
		}
		if p, ok := event.Param.(*duplex.ClientEventParamStateUpdate); ok {
			b.mu.Lock()
			fn := b.onStateUpdate
			b.mu.Unlock()
			if fn != nil {
				fn(p.State)
			}
		}
		switch err := manager.Send(event); {
		case err == nil:
		case errors.Is(err, shared.ErrQueueFull):
			b.logger.Warn("ws: outbound queue full, dropping client event", zap.String("type", string(event.Type)))
			client.writeError("backpressure", "event dropped, slow down")
		case errors.Is(err, shared.ErrQueueClosed):
			return
		default:
			b.logger.Error("ws: forwarding client event", err)
			return
		}
		if event.Type == duplex.ClientEventTypeSessionEnd {
			return
		}
	}
}

// clientConn serializes writes to one downstream connection.
type clientConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *clientConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) writeError(code, message string) {
	event := &duplex.ServerEvent{
		Type:  duplex.ServerEventTypeError,
		Param: &duplex.ServerEventParamError{Code: code, Message: message},
	}
	data, err := event.MarshalJSON()
	if err != nil {
		return
	}
	_ = c.write(data)
}
