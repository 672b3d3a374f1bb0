package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/shared"
	"go.uber.org/zap"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// DefaultTimeout bounds one tool execution end to end.
	DefaultTimeout = 10 * time.Second
)

// Sender is the outbound half of the stream manager.
type Sender interface {
	Send(event *duplex.ClientEvent) error
}

// Processor executes toolUse invocations against the registry and emits the
// correlated toolResult content block. Execution is always offloaded to its
// own goroutine so a slow handler never stalls the receiver; at most one
// execution runs per invocation id, while distinct ids run in parallel.
// Handler failures and timeouts become error-shaped results, never transport
// failures.
type Processor struct {
	logger  shared.LoggerAdapter
	reg     *Registry
	sender  Sender
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewProcessor(logger shared.LoggerAdapter, reg *Registry, sender Sender, timeout time.Duration) (*Processor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Processor{
		logger:   logger,
		reg:      reg,
		sender:   sender,
		timeout:  timeout,
		inflight: map[string]struct{}{},
	}, nil
}

// HandleServerEvent picks toolUse events off the inbound stream. Register it
// as a stream manager handler.
func (p *Processor) HandleServerEvent(event *duplex.ServerEvent) {
	param, ok := event.Param.(*duplex.ServerEventParamToolUse)
	if !ok {
		return
	}
	p.Invoke(context.Background(), param)
}

// Invoke starts one tool execution. It returns immediately; the result event
// is emitted asynchronously.
func (p *Processor) Invoke(ctx context.Context, inv *duplex.ServerEventParamToolUse) {
	p.mu.Lock()
	if _, busy := p.inflight[inv.ToolUseId]; busy {
		p.mu.Unlock()
		p.logger.Warn("duplicate tool invocation dropped",
			zap.String("toolUseId", inv.ToolUseId),
			zap.String("toolName", inv.ToolName),
		)
		return
	}
	p.inflight[inv.ToolUseId] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, inv.ToolUseId)
			p.mu.Unlock()
		}()
		result, status := p.execute(ctx, inv)
		p.emitResult(inv, result, status)
	}()
}

func (p *Processor) execute(ctx context.Context, inv *duplex.ServerEventParamToolUse) (result any, status string) {
	tool, ok := p.reg.Lookup(inv.ToolName)
	if !ok {
		p.logger.Warn("unknown tool invoked", zap.String("toolName", inv.ToolName))
		return errorPayload(shared.ErrUnknownTool), StatusError
	}

	var args map[string]any
	if inv.Input != "" {
		if err := sonic.Unmarshal([]byte(inv.Input), &args); err != nil {
			p.logger.Error("parsing tool input", err, zap.String("toolUseId", inv.ToolUseId))
			return errorPayload(shared.ErrToolInvalidInput), StatusError
		}
	}
	if err := tool.Validate(args); err != nil {
		p.logger.Error("validating tool input", err, zap.String("toolUseId", inv.ToolUseId))
		return errorPayload(err), StatusError
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(ctx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		p.logger.Warn("tool execution timed out",
			zap.String("toolName", inv.ToolName),
			zap.String("toolUseId", inv.ToolUseId),
			zap.Duration("timeout", p.timeout),
		)
		return errorPayload(shared.ErrToolTimeout), StatusError
	case out := <-done:
		if out.err != nil {
			p.logger.Error("tool execution failed", out.err,
				zap.String("toolName", inv.ToolName),
				zap.String("toolUseId", inv.ToolUseId),
			)
			return errorPayload(out.err), StatusError
		}
		return out.result, StatusSuccess
	}
}

// emitResult sends the result as a TOOL content block correlated by the
// invocation id: contentStart, toolResult, contentEnd.
func (p *Processor) emitResult(inv *duplex.ServerEventParamToolUse, result any, status string) {
	content, err := sonic.Marshal(result)
	if err != nil {
		p.logger.Error("encoding tool result", err, zap.String("toolUseId", inv.ToolUseId))
		content, _ = sonic.Marshal(errorPayload(err))
		status = StatusError
	}

	events := []*duplex.ClientEvent{
		{
			Type: duplex.ClientEventTypeContentStart,
			Param: &duplex.ClientEventParamContentStart{
				PromptName:  inv.PromptName,
				ContentName: inv.ToolUseId,
				Type:        string(duplex.ContentTypeTool),
				Role:        string(duplex.RoleTool),
			},
		},
		{
			Type: duplex.ClientEventTypeToolResult,
			Param: &duplex.ClientEventParamToolResult{
				PromptName:  inv.PromptName,
				ContentName: inv.ToolUseId,
				Content:     string(content),
				Status:      status,
			},
		},
		{
			Type: duplex.ClientEventTypeContentEnd,
			Param: &duplex.ClientEventParamContentEnd{
				PromptName:  inv.PromptName,
				ContentName: inv.ToolUseId,
			},
		},
	}
	for _, event := range events {
		if err := p.sender.Send(event); err != nil {
			p.logger.Error("emitting tool result", err,
				zap.String("toolUseId", inv.ToolUseId),
				zap.String("type", string(event.Type)),
			)
			return
		}
	}
}

// Wait blocks until every in-flight execution has finished. Used during
// shutdown and by tests.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func errorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
