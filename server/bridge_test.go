package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/shared"
	"github.com/voxstream/duplex/tools"
)

// fakeModel is an upstream model endpoint: it grants stream sessions over
// HTTP, accepts the websocket dial, records every client event it receives
// and reacts through onEvent.
type fakeModel struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []*duplex.ClientEvent

	onEvent func(conn *modelConn, event *duplex.ClientEvent)
}

type modelConn struct {
	t    *testing.T
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *modelConn) send(event *duplex.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := event.MarshalJSON()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func newFakeModel(t *testing.T) *fakeModel {
	t.Helper()
	m := &fakeModel{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		grant := map[string]string{
			"streamUrl": "ws://" + r.Host + "/stream",
			"token":     "grant-token",
		}
		data, _ := sonic.Marshal(grant)
		w.Write(data)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer grant-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mc := &modelConn{t: t, conn: conn}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			event := new(duplex.ClientEvent)
			if err := event.UnmarshalJSON(data); err != nil {
				t.Errorf("model received malformed event: %v", err)
				return
			}
			m.mu.Lock()
			m.received = append(m.received, event)
			m.mu.Unlock()
			if m.onEvent != nil {
				m.onEvent(mc, event)
			}
		}
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeModel) receivedTypes() []duplex.ClientEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]duplex.ClientEventType, len(m.received))
	for i, event := range m.received {
		types[i] = event.Type
	}
	return types
}

func (m *fakeModel) eventsOfType(typ duplex.ClientEventType) []*duplex.ClientEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*duplex.ClientEvent
	for _, event := range m.received {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

func newTestBridge(t *testing.T, model *fakeModel, registry *tools.Registry) *websocket.Conn {
	t.Helper()
	bridge, err := NewBridge(shared.NewNopLogger(), duplex.DialConfig{
		BaseURL: model.srv.URL,
		APIKey:  "test-key",
	}, registry, Options{
		AllowEmptyOrigin: true,
		Stream:           &duplex.StreamOptions{CloseWait: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	return dialBridge(t, bridge)
}

func dialBridge(t *testing.T, bridge *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendClient(t *testing.T, conn *websocket.Conn, event *duplex.ClientEvent) {
	t.Helper()
	data, err := event.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readServer(t *testing.T, conn *websocket.Conn) *duplex.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event := new(duplex.ServerEvent)
	require.NoError(t, event.UnmarshalJSON(data))
	return event
}

func openClientSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypeSessionStart,
		Param: &duplex.ClientEventParamSessionStart{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7},
	})
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypePromptStart,
		Param: &duplex.ClientEventParamPromptStart{PromptName: "prompt_1"},
	})
}

func TestBridgeRelaysConversation(t *testing.T) {
	model := newFakeModel(t)
	model.onEvent = func(conn *modelConn, event *duplex.ClientEvent) {
		// A finished user turn triggers one scripted assistant turn.
		if event.Type != duplex.ClientEventTypeContentEnd {
			return
		}
		p := event.Param.(*duplex.ClientEventParamContentEnd)
		if p.ContentName != "content_1" {
			return
		}
		conn.send(&duplex.ServerEvent{
			Type:  duplex.ServerEventTypeCompletionStart,
			Param: &duplex.ServerEventParamCompletionStart{PromptName: "prompt_1", CompletionId: "compl_1"},
		})
		conn.send(&duplex.ServerEvent{
			Type: duplex.ServerEventTypeContentStart,
			Param: &duplex.ServerEventParamContentStart{
				PromptName: "prompt_1",
				ContentId:  "content_r1",
				Type:       string(duplex.ContentTypeText),
				Role:       string(duplex.RoleAssistant),
			},
		})
		conn.send(&duplex.ServerEvent{
			Type: duplex.ServerEventTypeTextOutput,
			Param: &duplex.ServerEventParamTextOutput{
				PromptName: "prompt_1",
				ContentId:  "content_r1",
				Content:    "Hello there.",
			},
		})
		conn.send(&duplex.ServerEvent{
			Type: duplex.ServerEventTypeContentEnd,
			Param: &duplex.ServerEventParamContentEnd{
				PromptName: "prompt_1",
				ContentId:  "content_r1",
				StopReason: "END_TURN",
			},
		})
		conn.send(&duplex.ServerEvent{
			Type:  duplex.ServerEventTypeCompletionEnd,
			Param: &duplex.ServerEventParamCompletionEnd{PromptName: "prompt_1", CompletionId: "compl_1"},
		})
	}

	conn := newTestBridge(t, model, nil)
	openClientSession(t, conn)
	sendClient(t, conn, &duplex.ClientEvent{
		Type: duplex.ClientEventTypeContentStart,
		Param: &duplex.ClientEventParamContentStart{
			PromptName:  "prompt_1",
			ContentName: "content_1",
			Type:        string(duplex.ContentTypeText),
			Role:        string(duplex.RoleUser),
		},
	})
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypeTextInput,
		Param: &duplex.ClientEventParamTextInput{PromptName: "prompt_1", ContentName: "content_1", Content: "Hi"},
	})
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypeContentEnd,
		Param: &duplex.ClientEventParamContentEnd{PromptName: "prompt_1", ContentName: "content_1"},
	})

	wantTypes := []duplex.ServerEventType{
		duplex.ServerEventTypeCompletionStart,
		duplex.ServerEventTypeContentStart,
		duplex.ServerEventTypeTextOutput,
		duplex.ServerEventTypeContentEnd,
		duplex.ServerEventTypeCompletionEnd,
	}
	for _, want := range wantTypes {
		event := readServer(t, conn)
		assert.Equal(t, want, event.Type)
		if want == duplex.ServerEventTypeTextOutput {
			assert.Equal(t, "Hello there.", event.Param.(*duplex.ServerEventParamTextOutput).Content)
		}
	}

	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypePromptEnd,
		Param: &duplex.ClientEventParamPromptEnd{PromptName: "prompt_1"},
	})
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypeSessionEnd,
		Param: &duplex.ClientEventParamSessionEnd{},
	})

	require.Eventually(t, func() bool {
		types := model.receivedTypes()
		return len(types) > 0 && types[len(types)-1] == duplex.ClientEventTypeSessionEnd
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeExecutesToolsServerSide(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register("get_time", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"time": "12:00"}, nil
	}))

	model := newFakeModel(t)
	model.onEvent = func(conn *modelConn, event *duplex.ClientEvent) {
		switch p := event.Param.(type) {
		case *duplex.ClientEventParamPromptStart:
			conn.send(&duplex.ServerEvent{
				Type:  duplex.ServerEventTypeCompletionStart,
				Param: &duplex.ServerEventParamCompletionStart{PromptName: p.PromptName, CompletionId: "compl_1"},
			})
			conn.send(&duplex.ServerEvent{
				Type: duplex.ServerEventTypeContentStart,
				Param: &duplex.ServerEventParamContentStart{
					PromptName: p.PromptName,
					ContentId:  "content_t1",
					Type:       string(duplex.ContentTypeTool),
					Role:       string(duplex.RoleTool),
				},
			})
			conn.send(&duplex.ServerEvent{
				Type: duplex.ServerEventTypeToolUse,
				Param: &duplex.ServerEventParamToolUse{
					PromptName: p.PromptName,
					ContentId:  "content_t1",
					ToolName:   "get_time",
					ToolUseId:  "tu_1",
					Input:      "{}",
				},
			})
			conn.send(&duplex.ServerEvent{
				Type: duplex.ServerEventTypeContentEnd,
				Param: &duplex.ServerEventParamContentEnd{
					PromptName: p.PromptName,
					ContentId:  "content_t1",
					StopReason: "TOOL_USE",
				},
			})
		case *duplex.ClientEventParamToolResult:
			// The executed result coming back closes the loop.
			conn.send(&duplex.ServerEvent{
				Type:  duplex.ServerEventTypeCompletionEnd,
				Param: &duplex.ServerEventParamCompletionEnd{PromptName: p.PromptName, CompletionId: "compl_1"},
			})
		}
	}

	conn := newTestBridge(t, model, registry)
	openClientSession(t, conn)

	// The invocation is still relayed downstream so the client can observe it.
	for {
		event := readServer(t, conn)
		if event.Type == duplex.ServerEventTypeCompletionEnd {
			break
		}
	}

	results := model.eventsOfType(duplex.ClientEventTypeToolResult)
	require.Len(t, results, 1)
	result := results[0].Param.(*duplex.ClientEventParamToolResult)
	assert.Equal(t, "tu_1", result.ContentName)
	assert.Equal(t, tools.StatusSuccess, result.Status)

	var payload map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(result.Content), &payload))
	assert.Equal(t, "12:00", payload["time"])

	starts := model.eventsOfType(duplex.ClientEventTypeContentStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "tu_1", starts[0].Param.(*duplex.ClientEventParamContentStart).ContentName)
}

func TestBridgeStateUpdateCallback(t *testing.T) {
	model := newFakeModel(t)
	bridge, err := NewBridge(shared.NewNopLogger(), duplex.DialConfig{
		BaseURL: model.srv.URL,
		APIKey:  "test-key",
	}, nil, Options{
		AllowEmptyOrigin: true,
		Stream:           &duplex.StreamOptions{CloseWait: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var states []map[string]any
	bridge.OnStateUpdate(func(state map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	conn := dialBridge(t, bridge)
	openClientSession(t, conn)
	sendClient(t, conn, &duplex.ClientEvent{
		Type:  duplex.ClientEventTypeStateUpdate,
		Param: &duplex.ClientEventParamStateUpdate{State: map[string]any{"mood": "curious"}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "curious", states[0]["mood"])
	mu.Unlock()

	// The event is observed, not consumed.
	require.Eventually(t, func() bool {
		return len(model.eventsOfType(duplex.ClientEventTypeStateUpdate)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeRejectsMalformedEvent(t *testing.T) {
	model := newFakeModel(t)
	conn := newTestBridge(t, model, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an event")))
	event := readServer(t, conn)
	require.Equal(t, duplex.ServerEventTypeError, event.Type)
	assert.Equal(t, "protocolError", event.Param.(*duplex.ServerEventParamError).Code)

	// The connection survives a malformed frame.
	openClientSession(t, conn)
	require.Eventually(t, func() bool {
		return len(model.eventsOfType(duplex.ClientEventTypePromptStart)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeUpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	bridge, err := NewBridge(shared.NewNopLogger(), duplex.DialConfig{
		BaseURL: upstream.URL,
		APIKey:  "test-key",
	}, nil, Options{AllowEmptyOrigin: true})
	require.NoError(t, err)

	conn := dialBridge(t, bridge)
	event := readServer(t, conn)
	require.Equal(t, duplex.ServerEventTypeError, event.Type)
	assert.Equal(t, "transportError", event.Param.(*duplex.ServerEventParamError).Code)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
