package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/voxstream/duplex/shared"
	"go.uber.org/zap"
)

// CaptureDevice is a malgo-backed Source producing fixed-duration frames
// from the default capture device.
type CaptureDevice struct {
	logger shared.LoggerAdapter
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan []byte
}

const captureQueueDepth = 64

func NewCaptureDevice(logger shared.LoggerAdapter, cfg Config) (*CaptureDevice, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Trace("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	cd := &CaptureDevice{
		logger: logger,
		ctx:    mctx,
		frames: make(chan []byte, captureQueueDepth),
	}

	frameSize := FrameBytes(cfg.FrameDuration, cfg.InputSampleRate, cfg.Channels)
	pending := make([]byte, 0, frameSize)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.InputSampleRate)

	onFrames := func(pOutput, pInput []byte, frameCount uint32) {
		pending = append(pending, pInput...)
		for len(pending) >= frameSize {
			frame := make([]byte, frameSize)
			copy(frame, pending[:frameSize])
			pending = pending[frameSize:]
			select {
			case cd.frames <- frame:
			default:
				// Consumer stalled; drop rather than block the device thread.
			}
		}
	}

	cd.device, err = malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onFrames,
	})
	if err != nil {
		_ = mctx.Uninit()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := cd.device.Start(); err != nil {
		cd.device.Uninit()
		_ = mctx.Uninit()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	logger.Info("capture device started",
		zap.Int("sampleRate", cfg.InputSampleRate),
		zap.Int("channels", cfg.Channels),
		zap.Duration("frameDuration", cfg.FrameDuration),
	)
	return cd, nil
}

var _ Source = (*CaptureDevice)(nil)

func (cd *CaptureDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-cd.frames:
		return frame, nil
	}
}

func (cd *CaptureDevice) Close() error {
	cd.device.Uninit()
	return cd.ctx.Uninit()
}

// StartPlayback opens the default output device and streams the pipeline's
// playback buffer through it. The returned stop function closes the player;
// the device is opened once per process, not per turn.
func StartPlayback(logger shared.LoggerAdapter, cfg Config, buf *FrameBuffer) (stop func() error, err error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.OutputSampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing playback context: %w", err)
	}
	<-ready
	player := otoCtx.NewPlayer(buf)
	player.Play()
	logger.Info("playback device started",
		zap.Int("sampleRate", cfg.OutputSampleRate),
		zap.Int("channels", cfg.Channels),
	)
	return player.Close, nil
}
