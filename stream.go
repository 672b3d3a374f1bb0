package duplex

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxstream/duplex/shared"
	"go.uber.org/zap"
)

// Handler receives inbound events. Handlers run synchronously on the receiver
// goroutine, in strict receipt order; they must not block on long work.
type Handler func(event *ServerEvent)

type StreamOptions struct {
	// QueueSize bounds the outbound event queue.
	QueueSize int
	// CloseWait bounds how long a user-initiated Close waits for the final
	// model response. Ignored when a configuration switch requested the close.
	CloseWait time.Duration
}

const (
	defaultQueueSize = 256
	defaultCloseWait = 2 * time.Second
)

// StreamManager owns one live duplex connection and the session it carries.
// A single sender goroutine drains the outbound queue in FIFO order; a single
// receiver goroutine decodes inbound events, applies them to the session
// state machine, and dispatches to handlers. The outbound queue is the only
// state shared with producer tasks.
type StreamManager struct {
	logger  shared.LoggerAdapter
	stream  ModelStream
	session *Session

	queueSize int
	closeWait time.Duration

	mu       sync.Mutex
	handlers []Handler
	running  bool

	out     chan *ClientEvent
	outMu   sync.Mutex
	closing bool

	switchRequested atomic.Bool
	finalResponse   chan struct{}
	finalOnce       sync.Once
	failOnce        sync.Once

	ctx        context.Context
	cancel     context.CancelCauseFunc
	senderDone chan struct{}
	recvDone   chan struct{}
}

func NewStreamManager(ctx context.Context, logger shared.LoggerAdapter, stream ModelStream, opts *StreamOptions) (*StreamManager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if stream == nil {
		return nil, shared.ErrNoTransport
	}
	queueSize := defaultQueueSize
	closeWait := defaultCloseWait
	if opts != nil {
		if opts.QueueSize > 0 {
			queueSize = opts.QueueSize
		}
		if opts.CloseWait > 0 {
			closeWait = opts.CloseWait
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &StreamManager{
		logger:        logger,
		stream:        stream,
		session:       NewSession(),
		queueSize:     queueSize,
		closeWait:     closeWait,
		out:           make(chan *ClientEvent, queueSize),
		finalResponse: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		senderDone:    make(chan struct{}),
		recvDone:      make(chan struct{}),
	}, nil
}

func (m *StreamManager) Session() *Session {
	return m.session
}

func (m *StreamManager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// RegisterHandler adds an inbound event handler. Must be called before Start.
func (m *StreamManager) RegisterHandler(handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return shared.ErrStreamAlreadyRunning
	}
	if handler == nil {
		return shared.ErrNoEventHandler
	}
	m.handlers = append(m.handlers, handler)
	return nil
}

func (m *StreamManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return shared.ErrStreamAlreadyRunning
	}
	if len(m.handlers) == 0 {
		return shared.ErrNoEventHandler
	}
	m.running = true
	go m.senderLoop()
	go m.receiverLoop()
	m.logger.Info("stream manager started", zap.String("session", m.session.ID()))
	return nil
}

// Send enqueues an outbound event. It never blocks: a full queue fails with
// ErrQueueFull, and any send after shutdown begins fails with ErrQueueClosed.
func (m *StreamManager) Send(event *ClientEvent) error {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if m.closing {
		return shared.ErrQueueClosed
	}
	select {
	case m.out <- event:
		return nil
	default:
		return shared.ErrQueueFull
	}
}

// RequestSwitch flags the next Close as switch-triggered, so teardown skips
// waiting for a final model response.
func (m *StreamManager) RequestSwitch() {
	m.switchRequested.Store(true)
}

// Close ends the session: it emits promptEnd/sessionEnd if those scopes are
// still open, flushes the outbound queue, then stops both the sender and the
// receiver. No inbound dispatch happens after Close returns.
func (m *StreamManager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return shared.ErrStreamNotRunning
	}
	m.mu.Unlock()

	m.outMu.Lock()
	if m.closing {
		m.outMu.Unlock()
		<-m.ctx.Done()
		return nil
	}
	m.closing = true
	switch m.session.State() {
	case StatePromptOpen:
		for _, id := range m.session.LocalOpenContentIDs() {
			m.enqueueFinal(&ClientEvent{
				Type:  ClientEventTypeContentEnd,
				Param: &ClientEventParamContentEnd{PromptName: m.session.PromptName(), ContentName: id},
			})
		}
		m.enqueueFinal(&ClientEvent{
			Type:  ClientEventTypePromptEnd,
			Param: &ClientEventParamPromptEnd{PromptName: m.session.PromptName()},
		})
		fallthrough
	case StateSessionOpen, StatePromptClosed:
		m.enqueueFinal(&ClientEvent{
			Type:  ClientEventTypeSessionEnd,
			Param: &ClientEventParamSessionEnd{},
		})
	}
	close(m.out)
	m.outMu.Unlock()

	// The sender must drain the whole queue onto the wire before the
	// transport goes away, or the teardown events above are lost.
	<-m.senderDone

	if !m.switchRequested.Load() {
		select {
		case <-m.finalResponse:
		case <-time.After(m.closeWait):
			m.logger.Debug("close timed out waiting for final model response")
		case <-m.ctx.Done():
		}
	}

	if err := m.stream.Close(); err != nil {
		m.logger.Error("closing model stream", err)
	}
	<-m.recvDone
	m.cancel(errors.New("stream manager closed"))

	reason := CloseReasonClientEnd
	if m.switchRequested.Load() {
		reason = CloseReasonSwitch
	}
	if m.session.State() != StateSessionClosed {
		m.session.ForceClose(reason)
	}
	m.logger.Info("stream manager closed", zap.String("session", m.session.ID()), zap.String("reason", string(reason)))
	return nil
}

// enqueueFinal places a synthesized teardown event on the queue; called with
// outMu held. A full queue waits for the sender to make room, so sessionEnd
// always goes out; it gives up only when the sender has already died or the
// queue stalls past closeWait.
func (m *StreamManager) enqueueFinal(event *ClientEvent) {
	select {
	case m.out <- event:
	case <-m.ctx.Done():
		m.logger.Warn("sender gone, dropping teardown event", zap.String("type", string(event.Type)))
	case <-time.After(m.closeWait):
		m.logger.Warn("outbound queue stalled, dropping teardown event", zap.String("type", string(event.Type)))
	}
}

func (m *StreamManager) senderLoop() {
	defer close(m.senderDone)
	for event := range m.out {
		if err := m.applyOutbound(event); err != nil {
			m.fail(fmt.Errorf("outbound %s: %w", event.Type, err))
			return
		}
		data, err := event.MarshalJSON()
		if err != nil {
			m.fail(fmt.Errorf("encoding %s: %w", event.Type, err))
			return
		}
		if err := m.stream.Send(data); err != nil {
			m.fail(err)
			return
		}
		m.logger.Trace("sent event", zap.String("type", string(event.Type)))
	}
}

func (m *StreamManager) receiverLoop() {
	defer close(m.recvDone)
	for {
		data, err := m.stream.Recv()
		if err != nil {
			m.outMu.Lock()
			closing := m.closing
			m.outMu.Unlock()
			if closing {
				m.signalFinalResponse()
				return
			}
			m.fail(err)
			return
		}
		event := new(ServerEvent)
		if err := event.UnmarshalJSON(data); err != nil {
			m.fail(fmt.Errorf("%w: %s", shared.ErrMalformedEvent, err))
			return
		}
		if err := m.applyInbound(event); err != nil {
			m.fail(fmt.Errorf("inbound %s: %w", event.Type, err))
			return
		}
		m.dispatch(event)
	}
}

// applyOutbound reflects a client event in the session state machine before
// it goes on the wire.
func (m *StreamManager) applyOutbound(event *ClientEvent) error {
	switch p := event.Param.(type) {
	case *ClientEventParamSessionStart:
		return m.session.OpenSession(SessionConfig{
			MaxTokens:   p.MaxTokens,
			TopP:        p.TopP,
			Temperature: p.Temperature,
		})
	case *ClientEventParamPromptStart:
		return m.session.OpenPrompt(p.PromptName)
	case *ClientEventParamContentStart:
		return m.session.OpenContent(p.ContentName, ContentType(p.Type), Role(p.Role))
	case *ClientEventParamAudioInput:
		raw, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return fmt.Errorf("%w: bad audio payload: %s", shared.ErrMalformedEvent, err)
		}
		return m.session.AppendChunk(p.ContentName, raw)
	case *ClientEventParamTextInput:
		return m.session.AppendChunk(p.ContentName, []byte(p.Content))
	case *ClientEventParamToolResult:
		return m.session.AppendChunk(p.ContentName, []byte(p.Content))
	case *ClientEventParamContentEnd:
		return m.session.CloseContent(p.ContentName)
	case *ClientEventParamPromptEnd:
		// Tolerate the synthesized duplicate from Close racing with an
		// explicit promptEnd still in the queue.
		if m.session.State() != StatePromptOpen {
			return nil
		}
		return m.session.ClosePrompt()
	case *ClientEventParamSessionEnd:
		if m.session.State() == StateSessionClosed {
			return nil
		}
		reason := CloseReasonClientEnd
		if m.switchRequested.Load() {
			reason = CloseReasonSwitch
		}
		return m.session.CloseSession(reason)
	}
	// interruption, stateUpdate: no lifecycle effect
	return nil
}

// applyInbound reflects a model event in the session state machine. A
// duplicate or unknown content id here means the upstream is malformed, which
// terminates the session.
func (m *StreamManager) applyInbound(event *ServerEvent) error {
	switch p := event.Param.(type) {
	case *ServerEventParamContentStart:
		return m.session.OpenRemoteContent(p.ContentId, ContentType(p.Type), Role(p.Role))
	case *ServerEventParamTextOutput:
		return m.session.AppendChunk(p.ContentId, []byte(p.Content))
	case *ServerEventParamAudioOutput:
		raw, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return fmt.Errorf("%w: bad audio payload: %s", shared.ErrMalformedEvent, err)
		}
		return m.session.AppendChunk(p.ContentId, raw)
	case *ServerEventParamToolUse:
		// Tool arguments stream as the block payload.
		return m.session.AppendChunk(p.ContentId, []byte(p.Input))
	case *ServerEventParamContentEnd:
		return m.session.CloseContent(p.ContentId)
	case *ServerEventParamCompletionEnd:
		m.signalFinalResponse()
	}
	return nil
}

func (m *StreamManager) dispatch(event *ServerEvent) {
	m.logger.Trace("received event", zap.String("type", string(event.Type)))
	for _, handler := range m.handlers {
		handler(event)
	}
}

func (m *StreamManager) signalFinalResponse() {
	m.finalOnce.Do(func() { close(m.finalResponse) })
}

// fail tears the session down exactly once on a session-terminating error.
// Handlers are notified with a final error event before teardown.
func (m *StreamManager) fail(err error) {
	m.failOnce.Do(func() {
		m.logger.Error("session-terminating failure", err, zap.String("session", m.session.ID()))
		reason := CloseReasonProtocolError
		if errors.Is(err, shared.ErrTransport) {
			reason = CloseReasonTransportError
		}
		m.session.ForceClose(reason)
		m.dispatch(&ServerEvent{
			Type: ServerEventTypeError,
			Param: &ServerEventParamError{
				Code:    string(reason),
				Message: err.Error(),
			},
		})
		m.outMu.Lock()
		if !m.closing {
			m.closing = true
			close(m.out)
		}
		m.outMu.Unlock()
		m.signalFinalResponse()
		if cerr := m.stream.Close(); cerr != nil {
			m.logger.Debug("closing model stream after failure", zap.Error(cerr))
		}
		m.cancel(err)
	})
}
