package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/audio"
	"github.com/voxstream/duplex/shared"
	"github.com/voxstream/duplex/tools"
	"go.uber.org/zap"
)

// Options tune the wiring around one agent. Zero values fall back to the
// package defaults.
type Options struct {
	Audio       audio.Config
	Stream      *duplex.StreamOptions
	ToolTimeout time.Duration
	// Source overrides the capture device, mainly for tests. When nil the
	// default microphone is opened on Spawn.
	Source audio.Source
	// DisablePlayback skips opening the speaker on Spawn.
	DisablePlayback bool
}

// Agent runs one conversation: it owns the model stream, the session state,
// the audio pipeline and the tool processor, and rebuilds all of them when
// the switch controller installs a new configuration.
type Agent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	dial     duplex.DialConfig
	registry *tools.Registry
	opts     Options

	mu           sync.Mutex
	cfg          *Config
	manager      *duplex.StreamManager
	pipeline     *audio.Pipeline
	processor    *tools.Processor
	source       audio.Source
	ownedSource  *audio.CaptureDevice
	stopPlayback func() error
	promptName   string
	done         chan struct{}
	spawned      bool
}

func NewAgent(logger shared.LoggerAdapter, printer *shared.Printer, dial duplex.DialConfig, cfg *Config, registry *tools.Registry, opts Options) (*Agent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if opts.Audio.InputSampleRate == 0 {
		opts.Audio = audio.DefaultConfig()
	}
	return &Agent{
		logger:   logger,
		printer:  printer,
		dial:     dial,
		registry: registry,
		opts:     opts,
		cfg:      cfg,
		source:   opts.Source,
		done:     make(chan struct{}),
	}, nil
}

// Spawn dials the model stream, opens the session and starts capture and
// playback. The returned channel closes when the conversation ends for any
// reason.
func (a *Agent) Spawn(ctx context.Context) (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spawned {
		return nil, shared.ErrStreamAlreadyRunning
	}
	a.logger.Info("spawning agent", zap.String("agent", a.cfg.Name))
	if err := a.printer.Writeln("🤖 Spawning agent "+a.cfg.Name+"...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	if err := a.printer.Writeln("📋 Agent Config\n", 0); err != nil {
		a.logger.Error("printing agent config message", err)
	}
	yamlBytes, err := yaml.Marshal(a.cfg)
	if err != nil {
		a.logger.Error("marshaling agent config to yaml", err)
		return nil, err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing agent config", err)
		return nil, err
	}

	if a.source == nil {
		if err := a.printer.Writeln("\n🎤 Accessing microphone...", 0); err != nil {
			a.logger.Error("printing microphone access message", err)
		}
		device, err := audio.NewCaptureDevice(a.logger, a.opts.Audio)
		if err != nil {
			a.logger.Error("opening capture device", err)
			if perr := a.printer.Writeln("❌ Unable to access microphone. Please ensure it is connected and permitted.\n", 0); perr != nil {
				a.logger.Error("printing microphone failure message", perr)
			}
			return nil, err
		}
		a.ownedSource = device
		a.source = device
		if err := a.printer.Writeln("✅ Microphone access granted.\n", 0); err != nil {
			a.logger.Error("printing microphone success message", err)
		}
	}

	stream, err := a.dialWithRetry(ctx)
	if err != nil {
		a.logger.Error("dialing model stream", err)
		return nil, err
	}
	if err := a.attach(ctx, stream, nil); err != nil {
		if cerr := stream.Close(); cerr != nil {
			a.logger.Debug("closing stream after failed attach", zap.Error(cerr))
		}
		return nil, err
	}
	a.spawned = true
	if err := a.printer.Writeln("🔈 Session open. Speak whenever you like.\n", 0); err != nil {
		a.logger.Error("printing session open message", err)
	}
	return a.done, nil
}

// attach builds the manager, pipeline and processor around an already-dialed
// stream and opens the conversation, replaying history when present. Caller
// holds a.mu.
func (a *Agent) attach(ctx context.Context, stream duplex.ModelStream, history []duplex.TranscriptTurn) error {
	manager, err := duplex.NewStreamManager(ctx, a.logger, stream, a.opts.Stream)
	if err != nil {
		return err
	}
	pipeline, err := audio.NewPipeline(a.logger, a.opts.Audio, a.source, manager)
	if err != nil {
		return err
	}
	processor, err := tools.NewProcessor(a.logger, a.registry, manager, a.opts.ToolTimeout)
	if err != nil {
		return err
	}
	for _, handler := range []duplex.Handler{
		pipeline.HandleServerEvent,
		processor.HandleServerEvent,
		a.handleServerEvent,
	} {
		if err := manager.RegisterHandler(handler); err != nil {
			return err
		}
	}
	if err := manager.Start(); err != nil {
		return err
	}

	promptName := shared.NewPromptID()
	audioBlock, err := a.openConversation(manager, promptName, history)
	if err != nil {
		if cerr := manager.Close(); cerr != nil {
			a.logger.Debug("closing manager after failed open", zap.Error(cerr))
		}
		return err
	}
	pipeline.BindContent(promptName, audioBlock)

	a.manager = manager
	a.pipeline = pipeline
	a.processor = processor
	a.promptName = promptName

	if !a.opts.DisablePlayback {
		stop, err := audio.StartPlayback(a.logger, a.opts.Audio, pipeline.PlaybackBuffer())
		if err != nil {
			return err
		}
		a.stopPlayback = stop
	}
	go func() {
		if err := pipeline.CaptureLoop(ctx); err != nil {
			a.logger.Error("capture loop stopped", err)
		}
	}()
	go a.watch(manager)
	return nil
}

// openConversation emits the session-opening event sequence: sessionStart,
// promptStart with the tool roster, the system prompt, any replayed history
// turns, then the live audio block.
func (a *Agent) openConversation(manager *duplex.StreamManager, promptName string, history []duplex.TranscriptTurn) (string, error) {
	send := manager.Send
	if err := send(&duplex.ClientEvent{
		Type: duplex.ClientEventTypeSessionStart,
		Param: &duplex.ClientEventParamSessionStart{
			MaxTokens:   a.cfg.MaxTokens,
			TopP:        a.cfg.TopP,
			Temperature: a.cfg.Temperature,
		},
	}); err != nil {
		return "", err
	}
	if err := send(&duplex.ClientEvent{
		Type: duplex.ClientEventTypePromptStart,
		Param: &duplex.ClientEventParamPromptStart{
			PromptName:        promptName,
			Voice:             a.cfg.Voice,
			ToolConfiguration: a.registry.Configuration(),
		},
	}); err != nil {
		return "", err
	}
	if err := a.sendTextBlock(send, promptName, duplex.RoleSystem, a.cfg.SystemPrompt); err != nil {
		return "", err
	}
	for _, turn := range history {
		// The previous session's system prompt is superseded, not replayed.
		if turn.Role == duplex.RoleSystem {
			continue
		}
		if err := a.sendTextBlock(send, promptName, turn.Role, turn.Text); err != nil {
			return "", err
		}
	}
	audioBlock := shared.NewContentID()
	if err := send(&duplex.ClientEvent{
		Type: duplex.ClientEventTypeContentStart,
		Param: &duplex.ClientEventParamContentStart{
			PromptName:  promptName,
			ContentName: audioBlock,
			Type:        string(duplex.ContentTypeAudio),
			Role:        string(duplex.RoleUser),
		},
	}); err != nil {
		return "", err
	}
	return audioBlock, nil
}

func (a *Agent) sendTextBlock(send func(*duplex.ClientEvent) error, promptName string, role duplex.Role, text string) error {
	id := shared.NewContentID()
	events := []*duplex.ClientEvent{
		{
			Type: duplex.ClientEventTypeContentStart,
			Param: &duplex.ClientEventParamContentStart{
				PromptName:  promptName,
				ContentName: id,
				Type:        string(duplex.ContentTypeText),
				Role:        string(role),
			},
		},
		{
			Type: duplex.ClientEventTypeTextInput,
			Param: &duplex.ClientEventParamTextInput{
				PromptName:  promptName,
				ContentName: id,
				Content:     text,
			},
		},
		{
			Type:  duplex.ClientEventTypeContentEnd,
			Param: &duplex.ClientEventParamContentEnd{PromptName: promptName, ContentName: id},
		},
	}
	for _, event := range events {
		if err := send(event); err != nil {
			return err
		}
	}
	return nil
}

// handleServerEvent prints model text and surfaces terminal errors.
func (a *Agent) handleServerEvent(event *duplex.ServerEvent) {
	switch p := event.Param.(type) {
	case *duplex.ServerEventParamTextOutput:
		if err := a.printer.Write(p.Content, 1); err != nil {
			a.logger.Error("printing model text", err)
		}
	case *duplex.ServerEventParamCompletionEnd:
		if err := a.printer.Writeln("", 0); err != nil {
			a.logger.Error("printing turn separator", err)
		}
	case *duplex.ServerEventParamUsage:
		a.logger.Debug("usage",
			zap.Int("inputTokens", p.InputTokens),
			zap.Int("outputTokens", p.OutputTokens),
		)
	case *duplex.ServerEventParamError:
		a.logger.Error("model stream error", errors.New(p.Message), zap.String("code", p.Code))
		if err := a.printer.Writeln("\n❌ Session error: "+p.Message+"\n", 0); err != nil {
			a.logger.Error("printing session error", err)
		}
	}
}

// watch closes the done channel when the manager it was started for ends,
// unless a switch has already replaced it.
func (a *Agent) watch(manager *duplex.StreamManager) {
	<-manager.Done()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manager != manager {
		return
	}
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// BargeIn interrupts current playback. Wire it to whatever signals user
// speech, a key press in the CLI for instance.
func (a *Agent) BargeIn() {
	a.mu.Lock()
	pipeline := a.pipeline
	a.mu.Unlock()
	if pipeline != nil {
		pipeline.BargeIn()
	}
}

func (a *Agent) Transcript() []duplex.TranscriptTurn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manager == nil {
		return nil
	}
	return a.manager.Session().Transcript()
}

func (a *Agent) ConfigName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Name
}

// switchTo tears the live session down and opens a new one with cfg,
// replaying the accumulated transcript. A teardown failure is fatal to the
// switch and leaves the agent stopped.
func (a *Agent) switchTo(ctx context.Context, cfg *Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.manager == nil {
		return shared.ErrStreamNotRunning
	}
	a.logger.Info("switching agent",
		zap.String("from", a.cfg.Name),
		zap.String("to", cfg.Name),
	)
	if err := a.printer.Writeln("\n🔄 Switching to agent "+cfg.Name+"...\n", 0); err != nil {
		a.logger.Error("printing switch message", err)
	}

	a.pipeline.Pause()
	a.manager.RequestSwitch()
	history := a.manager.Session().Transcript()
	if err := a.teardown(); err != nil {
		a.logger.Error("tearing down for switch", err)
		a.failDone()
		return err
	}

	stream, err := a.dialWithRetry(ctx)
	if err != nil {
		a.logger.Error("dialing model stream for switch", err)
		a.failDone()
		return err
	}
	a.cfg = cfg
	if err := a.attach(ctx, stream, history); err != nil {
		if cerr := stream.Close(); cerr != nil {
			a.logger.Debug("closing stream after failed switch attach", zap.Error(cerr))
		}
		a.failDone()
		return err
	}
	a.logger.Info("agent switch complete", zap.String("agent", cfg.Name))
	return nil
}

// dialWithRetry re-dials the model endpoint on transient failures. The
// stream manager never retries a broken connection; that call sits here.
func (a *Agent) dialWithRetry(ctx context.Context) (*duplex.WSModelStream, error) {
	var stream *duplex.WSModelStream
	err := shared.Retry(ctx, shared.BackoffQuick, func(ctx context.Context, attempt int) error {
		s, err := duplex.DialModelStream(ctx, a.logger, a.dial)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("model dial failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})
	return stream, err
}

// teardown stops the live wiring. Caller holds a.mu.
func (a *Agent) teardown() error {
	var firstErr error
	if err := a.manager.Close(); err != nil && !errors.Is(err, shared.ErrStreamNotRunning) {
		firstErr = err
	}
	if err := a.pipeline.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.stopPlayback != nil {
		if err := a.stopPlayback(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.stopPlayback = nil
	}
	a.processor.Wait()
	a.manager = nil
	a.pipeline = nil
	a.processor = nil
	return firstErr
}

func (a *Agent) failDone() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// Close ends the conversation and releases the capture device.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	if a.manager != nil {
		a.pipeline.Pause()
		firstErr = a.teardown()
	}
	if a.ownedSource != nil {
		if err := a.ownedSource.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.ownedSource = nil
	}
	a.failDone()
	return firstErr
}
