package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voxstream/duplex/shared"
	"github.com/voxstream/duplex/tools"
	"go.uber.org/zap"
)

// SwitchToolName is the registry entry the model invokes to hand the
// conversation to another agent.
const SwitchToolName = "switch_agent"

// SwitchController moves a running conversation between agent configurations.
// Switches are serialized: a request made while one is in flight waits its
// turn instead of interleaving. The transcript carries over to the new
// session so the next agent has the full conversation context.
type SwitchController struct {
	logger  shared.LoggerAdapter
	agent   *Agent
	configs map[string]*Config

	// switchMu queues concurrent switch requests.
	switchMu sync.Mutex
}

func NewSwitchController(logger shared.LoggerAdapter, agent *Agent, configs []*Config) (*SwitchController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if agent == nil {
		return nil, fmt.Errorf("no agent provided")
	}
	if len(configs) == 0 {
		return nil, shared.ErrNoConfig
	}
	byName := make(map[string]*Config, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		byName[cfg.Name] = cfg
	}
	return &SwitchController{
		logger:  logger,
		agent:   agent,
		configs: byName,
	}, nil
}

// Names lists the switchable agent configurations, sorted.
func (c *SwitchController) Names() []string {
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Switch tears the current session down and opens a new one under the named
// configuration, replaying the transcript. Blocks while an earlier switch is
// still in flight.
func (c *SwitchController) Switch(ctx context.Context, name string) error {
	cfg, ok := c.configs[name]
	if !ok {
		return fmt.Errorf("agent %q: %w", name, shared.ErrUnknownAgent)
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.agent.switchTo(ctx, cfg)
}

// BindTool registers the switch tool on reg. The handler acknowledges the
// invocation immediately; the actual switch starts once the result has been
// delivered, since the old session must carry the tool result before it is
// torn down.
func (c *SwitchController) BindTool(reg *tools.Registry) error {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agentName": map[string]any{
				"type":        "string",
				"description": "Name of the agent configuration to switch to",
			},
		},
		"required": []any{"agentName"},
	}
	return reg.Register(SwitchToolName, schema, func(ctx context.Context, args map[string]any) (any, error) {
		name, _ := args["agentName"].(string)
		if _, ok := c.configs[name]; !ok {
			return nil, fmt.Errorf("agent %q: %w", name, shared.ErrUnknownAgent)
		}
		go c.switchAfterResult(name)
		return map[string]any{"status": "switching", "agent": name}, nil
	})
}

// switchAfterResult waits for the invoking tool execution to finish emitting
// its result, then performs the switch.
func (c *SwitchController) switchAfterResult(name string) {
	c.agent.mu.Lock()
	processor := c.agent.processor
	c.agent.mu.Unlock()
	if processor != nil {
		processor.Wait()
	}
	if err := c.Switch(context.Background(), name); err != nil {
		c.logger.Error("agent switch failed", err, zap.String("agent", name))
	}
}
