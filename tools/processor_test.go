package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/shared"
)

type recordingSender struct {
	mu     sync.Mutex
	events []*duplex.ClientEvent
}

func (r *recordingSender) Send(event *duplex.ClientEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) snapshot() []*duplex.ClientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*duplex.ClientEvent, len(r.events))
	copy(out, r.events)
	return out
}

func invocation(toolName, toolUseId, input string) *duplex.ServerEventParamToolUse {
	return &duplex.ServerEventParamToolUse{
		PromptName: "prompt_1",
		ContentId:  "content_5",
		ToolName:   toolName,
		ToolUseId:  toolUseId,
		Input:      input,
	}
}

// resultBlock asserts the three-event TOOL content block shape and returns
// the decoded result payload and status.
func resultBlock(t *testing.T, events []*duplex.ClientEvent, toolUseId string) (map[string]any, string) {
	t.Helper()
	require.Len(t, events, 3)

	start := events[0].Param.(*duplex.ClientEventParamContentStart)
	assert.Equal(t, duplex.ClientEventTypeContentStart, events[0].Type)
	assert.Equal(t, "prompt_1", start.PromptName)
	assert.Equal(t, toolUseId, start.ContentName)
	assert.Equal(t, string(duplex.ContentTypeTool), start.Type)
	assert.Equal(t, string(duplex.RoleTool), start.Role)

	result := events[1].Param.(*duplex.ClientEventParamToolResult)
	assert.Equal(t, duplex.ClientEventTypeToolResult, events[1].Type)
	assert.Equal(t, toolUseId, result.ContentName)

	end := events[2].Param.(*duplex.ClientEventParamContentEnd)
	assert.Equal(t, duplex.ClientEventTypeContentEnd, events[2].Type)
	assert.Equal(t, toolUseId, end.ContentName)

	var payload map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(result.Content), &payload))
	return payload, result.Status
}

func newTestProcessor(t *testing.T, reg *Registry, sender Sender, timeout time.Duration) *Processor {
	t.Helper()
	p, err := NewProcessor(shared.NewNopLogger(), reg, sender, timeout)
	require.NoError(t, err)
	return p
}

func TestProcessorSuccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_weather", weatherSchema(), func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"forecast": "sunny", "city": args["city"]}, nil
	}))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, 0)

	p.Invoke(context.Background(), invocation("get_weather", "tu_1", `{"city":"Lisbon"}`))
	p.Wait()

	payload, status := resultBlock(t, sender.snapshot(), "tu_1")
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, "sunny", payload["forecast"])
	assert.Equal(t, "Lisbon", payload["city"])
}

func TestProcessorHandlerError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("flaky", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("backend unavailable")
	}))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, 0)

	p.Invoke(context.Background(), invocation("flaky", "tu_1", `{}`))
	p.Wait()

	payload, status := resultBlock(t, sender.snapshot(), "tu_1")
	assert.Equal(t, StatusError, status)
	assert.Contains(t, payload["error"], "backend unavailable")
}

func TestProcessorUnknownTool(t *testing.T) {
	sender := &recordingSender{}
	p := newTestProcessor(t, NewRegistry(), sender, 0)

	p.Invoke(context.Background(), invocation("get_stock_price", "tu_1", `{}`))
	p.Wait()

	payload, status := resultBlock(t, sender.snapshot(), "tu_1")
	assert.Equal(t, StatusError, status)
	assert.Contains(t, payload["error"], shared.ErrUnknownTool.Error())
}

func TestProcessorInvalidInput(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("get_weather", weatherSchema(), echoHandler))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, 0)

	tests := []struct {
		name  string
		input string
	}{
		{name: "unparsable json", input: `{"city":`},
		{name: "schema violation", input: `{"city":42}`},
		{name: "missing required", input: `{}`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(rune('a' + i))
			p.Invoke(context.Background(), invocation("get_weather", "tu_"+id, tt.input))
			p.Wait()
		})
	}

	events := sender.snapshot()
	require.Len(t, events, 9)
	for i := 0; i < 3; i++ {
		_, status := resultBlock(t, events[i*3:i*3+3], "tu_"+string(rune('a'+i)))
		assert.Equal(t, StatusError, status)
	}
}

func TestProcessorTimeout(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	require.NoError(t, reg.Register("slow", nil, func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return "done", nil
	}))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, 20*time.Millisecond)

	p.Invoke(context.Background(), invocation("slow", "tu_1", `{}`))
	p.Wait()
	close(release)

	payload, status := resultBlock(t, sender.snapshot(), "tu_1")
	assert.Equal(t, StatusError, status)
	assert.Contains(t, payload["error"], shared.ErrToolTimeout.Error())
}

func TestProcessorDuplicateInvocationDropped(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, reg.Register("blocking", nil, func(ctx context.Context, args map[string]any) (any, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	}))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, time.Second)

	inv := invocation("blocking", "tu_1", `{}`)
	p.Invoke(context.Background(), inv)
	<-started
	p.Invoke(context.Background(), inv) // same id, still in flight

	close(release)
	p.Wait()

	// Exactly one execution ran and emitted one result block.
	require.Len(t, started, 0)
	_, status := resultBlock(t, sender.snapshot(), "tu_1")
	assert.Equal(t, StatusSuccess, status)
}

func TestProcessorParallelInvocations(t *testing.T) {
	reg := NewRegistry()
	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	require.NoError(t, reg.Register("blocking", nil, func(ctx context.Context, args map[string]any) (any, error) {
		entered.Done()
		<-release
		return "ok", nil
	}))
	sender := &recordingSender{}
	p := newTestProcessor(t, reg, sender, time.Second)

	p.Invoke(context.Background(), invocation("blocking", "tu_1", `{}`))
	p.Invoke(context.Background(), invocation("blocking", "tu_2", `{}`))

	// Both executions must be in flight at once; entered.Wait hangs otherwise.
	waited := make(chan struct{})
	go func() { entered.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("invocations did not run in parallel")
	}
	close(release)
	p.Wait()

	assert.Len(t, sender.snapshot(), 6)
}

func TestProcessorIgnoresOtherServerEvents(t *testing.T) {
	sender := &recordingSender{}
	p := newTestProcessor(t, NewRegistry(), sender, 0)

	p.HandleServerEvent(&duplex.ServerEvent{
		Type:  duplex.ServerEventTypeTextOutput,
		Param: &duplex.ServerEventParamTextOutput{PromptName: "prompt_1", ContentId: "content_1", Content: "hi"},
	})
	p.Wait()
	assert.Empty(t, sender.snapshot())
}
