package duplex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
	"github.com/voxstream/duplex/shared"
	"go.uber.org/zap"
)

// ModelStream is the opaque bidirectional event stream to the remote model.
// It accepts serialized input events and yields serialized output events in
// order. Authentication and transport framing live behind this boundary.
type ModelStream interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeDeadline           = 10 * time.Second
)

type DialConfig struct {
	BaseURL string // HTTP endpoint hosting the session-create call
	APIKey  string
}

// sessionGrant is the response of the session-create handshake.
type sessionGrant struct {
	StreamURL string `json:"streamUrl"`
	Token     string `json:"token"`
}

// WSModelStream is a ModelStream over a websocket connection.
type WSModelStream struct {
	logger shared.LoggerAdapter
	conn   *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

var _ ModelStream = (*WSModelStream)(nil)

// DialModelStream performs the session-create handshake against the model
// endpoint, then dials the granted stream URL.
func DialModelStream(ctx context.Context, logger shared.LoggerAdapter, cfg DialConfig) (*WSModelStream, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	baseUrl, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	grant, err := createStreamSession(ctx, baseUrl, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating stream session: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+grant.Token)
	conn, resp, err := dialer.DialContext(ctx, grant.StreamURL, header)
	if err != nil {
		if resp != nil {
			logger.Error("dialing model stream", err, zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("dialing model stream: %w", err)
	}
	logger.Info("model stream connected", zap.String("url", grant.StreamURL))
	return &WSModelStream{logger: logger, conn: conn}, nil
}

func createStreamSession(ctx context.Context, baseUrl *url.URL, apiKey string) (*sessionGrant, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseUrl.JoinPath("/sessions").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	grant := new(sessionGrant)
	if err := sonic.Unmarshal(resp.Body(), grant); err != nil {
		return nil, fmt.Errorf("decoding session grant: %w", err)
	}
	if grant.StreamURL == "" {
		return nil, errors.New("session grant missing streamUrl")
	}
	return grant, nil
}

// NewWSModelStream wraps an already-established websocket connection. Used by
// tests and by callers that dial on their own terms.
func NewWSModelStream(logger shared.LoggerAdapter, conn *websocket.Conn) *WSModelStream {
	return &WSModelStream{logger: logger, conn: conn}
}

func (s *WSModelStream) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %s", shared.ErrTransport, err)
	}
	return nil
}

func (s *WSModelStream) Recv() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", shared.ErrTransport, err)
	}
	return data, nil
}

func (s *WSModelStream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}
