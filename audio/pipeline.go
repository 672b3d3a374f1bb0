package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxstream/duplex"
	"github.com/voxstream/duplex/shared"
	"go.uber.org/zap"
)

// Source yields captured PCM frames of fixed duration. ReadFrame blocks on
// device I/O and honors ctx cancellation.
type Source interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// Sender is the outbound half of the stream manager.
type Sender interface {
	Send(event *duplex.ClientEvent) error
}

type Config struct {
	InputSampleRate  int           // Hz, capture side
	OutputSampleRate int           // Hz, playback side
	Channels         int           // mono throughout
	FrameDuration    time.Duration // capture framing
	BufferSeconds    int           // playback buffer cap
}

func DefaultConfig() Config {
	return Config{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		Channels:         1,
		FrameDuration:    20 * time.Millisecond,
		BufferSeconds:    10,
	}
}

// FrameBytes is the byte size of one PCM frame (16-bit samples).
func FrameBytes(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds()*float64(rate)) * channels * 2
}

// Pipeline connects a capture source and a playback buffer to the stream
// manager. The capture loop wraps frames as audioInput chunks on the bound
// content block; playback feeds the FrameBuffer that the device player reads.
// BargeIn is the only cancellation primitive: it drops all buffered playback
// and poisons the interrupted output block so its stragglers never render.
type Pipeline struct {
	logger shared.LoggerAdapter
	cfg    Config
	src    Source
	buf    *FrameBuffer
	sender Sender

	capturing atomic.Bool
	seq       atomic.Int64

	mu            sync.Mutex
	promptName    string
	contentName   string
	currentOutput string
	interrupted   map[string]struct{}
}

func NewPipeline(logger shared.LoggerAdapter, cfg Config, src Source, sender Sender) (*Pipeline, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 || cfg.Channels <= 0 {
		return nil, errors.New("invalid audio config")
	}
	return &Pipeline{
		logger:      logger,
		cfg:         cfg,
		src:         src,
		buf:         NewFrameBuffer(cfg.BufferSeconds * cfg.OutputSampleRate * cfg.Channels * 2),
		sender:      sender,
		interrupted: map[string]struct{}{},
	}, nil
}

// PlaybackBuffer exposes the buffer the device player should read from.
func (p *Pipeline) PlaybackBuffer() *FrameBuffer {
	return p.buf
}

// BindContent attaches subsequent captured frames to an open AUDIO content
// block and resets the frame sequence counter.
func (p *Pipeline) BindContent(promptName, contentName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptName = promptName
	p.contentName = contentName
	p.seq.Store(0)
}

// Pause stops handing captured frames to the sender. The device keeps
// running so Resume is immediate.
func (p *Pipeline) Pause() {
	p.capturing.Store(false)
}

func (p *Pipeline) Resume() {
	p.capturing.Store(true)
}

// CaptureLoop reads fixed-duration frames from the source until ctx is
// cancelled or the source fails. Run it on its own goroutine.
func (p *Pipeline) CaptureLoop(ctx context.Context) error {
	if p.src == nil {
		return errors.New("no capture source")
	}
	p.capturing.Store(true)
	for {
		frame, err := p.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !p.capturing.Load() {
			continue
		}
		p.mu.Lock()
		promptName, contentName := p.promptName, p.contentName
		p.mu.Unlock()
		if contentName == "" {
			continue
		}
		seq := int(p.seq.Add(1)) - 1
		err = p.sender.Send(&duplex.ClientEvent{
			Type: duplex.ClientEventTypeAudioInput,
			Param: &duplex.ClientEventParamAudioInput{
				PromptName:  promptName,
				ContentName: contentName,
				Content:     base64.StdEncoding.EncodeToString(frame),
				Sequence:    seq,
			},
		})
		switch {
		case errors.Is(err, shared.ErrQueueClosed):
			return nil
		case errors.Is(err, shared.ErrQueueFull):
			p.logger.Warn("outbound queue full, dropping capture frame", zap.Int("sequence", seq))
		case err != nil:
			return err
		}
	}
}

// HandleServerEvent routes model audio to the playback buffer. Register it as
// a stream manager handler.
func (p *Pipeline) HandleServerEvent(event *duplex.ServerEvent) {
	switch param := event.Param.(type) {
	case *duplex.ServerEventParamContentStart:
		if duplex.ContentType(param.Type) == duplex.ContentTypeAudio {
			p.mu.Lock()
			p.currentOutput = param.ContentId
			p.mu.Unlock()
		}
	case *duplex.ServerEventParamAudioOutput:
		p.mu.Lock()
		_, dead := p.interrupted[param.ContentId]
		p.mu.Unlock()
		if dead {
			// Straggler from an interrupted turn.
			return
		}
		raw, err := base64.StdEncoding.DecodeString(param.Content)
		if err != nil {
			p.logger.Error("decoding audio output", err, zap.String("contentId", param.ContentId))
			return
		}
		if dropped := p.buf.Write(raw); dropped > 0 {
			p.logger.Warn("playback buffer dropped audio", zap.Int("droppedBytes", dropped))
		}
	case *duplex.ServerEventParamContentEnd:
		p.mu.Lock()
		if p.currentOutput == param.ContentId {
			p.currentOutput = ""
		}
		delete(p.interrupted, param.ContentId)
		p.mu.Unlock()
	case *duplex.ServerEventParamCompletionEnd:
		// A finished generation emits no more frames; poison left by blocks
		// the model never closed is stale from here on.
		p.mu.Lock()
		p.currentOutput = ""
		p.interrupted = map[string]struct{}{}
		p.mu.Unlock()
	}
}

// BargeIn discards all buffered playback, poisons the in-progress output
// block so late frames are dropped, and signals the interruption to the
// model. Playback of later turns resumes without touching the device.
func (p *Pipeline) BargeIn() {
	p.mu.Lock()
	promptName := p.promptName
	if p.currentOutput != "" {
		p.interrupted[p.currentOutput] = struct{}{}
	}
	p.mu.Unlock()

	dropped := p.buf.Flush()
	p.logger.Info("barge-in", zap.Int("droppedBytes", dropped))

	if promptName == "" {
		return
	}
	err := p.sender.Send(&duplex.ClientEvent{
		Type:  duplex.ClientEventTypeInterruption,
		Param: &duplex.ClientEventParamInterruption{PromptName: promptName},
	})
	if err != nil && !errors.Is(err, shared.ErrQueueClosed) {
		p.logger.Error("sending interruption event", err)
	}
}

// Close releases the playback buffer. Blocked device readers drain and see
// io.EOF.
func (p *Pipeline) Close() error {
	p.capturing.Store(false)
	return p.buf.Close()
}
