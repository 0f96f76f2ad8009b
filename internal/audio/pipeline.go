package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCapture wraps every device open or read failure.
	ErrCapture = errors.New("audio capture failed")
	// ErrNotRecording is returned by Stop outside a session.
	ErrNotRecording = errors.New("audio pipeline not recording")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("audio pipeline closed")
)

// Device is a source of fixed-size mono float32 frames. cb runs on a thread owned by
// the device and must not block.
type Device interface {
	Open(sampleRate, frameSize int, cb func([]float32)) error
	Close() error
}

type Options struct {
	SampleRate int
	FrameSize  int
	PrerollMS  int
	MaxSeconds int
}

// Pipeline keeps a capture stream warm, buffering recent frames as pre-roll, and
// records between Start and Stop.
type Pipeline struct {
	dev  Device
	opts Options
	log  *slog.Logger

	// life serializes Prime, Start, Stop and Shutdown so device calls never run
	// under mu, which the frame callback takes.
	life sync.Mutex

	mu        sync.Mutex
	ring      *Ring
	active    []float32
	limit     int
	primed    bool
	recording bool
	capped    bool
	closed    bool
	dropped   int

	autoStop chan struct{}

	meter   *levelMeter
	levelMu sync.Mutex
	level   Level
}

func NewPipeline(dev Device, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := 0
	if opts.MaxSeconds > 0 {
		limit = opts.MaxSeconds * opts.SampleRate
	}
	return &Pipeline{
		dev:      dev,
		opts:     opts,
		log:      log.With(slog.String("component", "audio")),
		ring:     NewRing(RingCapacity(opts.PrerollMS, opts.SampleRate, opts.FrameSize), opts.FrameSize),
		limit:    limit,
		autoStop: make(chan struct{}, 1),
		meter:    newLevelMeter(opts.SampleRate),
	}
}

// Prime opens the capture stream. Frames feed the pre-roll ring until Start.
func (p *Pipeline) Prime() error {
	p.life.Lock()
	defer p.life.Unlock()
	return p.primeLocked()
}

func (p *Pipeline) primeLocked() error {
	p.mu.Lock()
	closed, primed := p.closed, p.primed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", ErrCapture, ErrClosed)
	}
	if primed {
		return nil
	}
	if err := p.dev.Open(p.opts.SampleRate, p.opts.FrameSize, p.onFrame); err != nil {
		return fmt.Errorf("%w: open device: %w", ErrCapture, err)
	}
	p.mu.Lock()
	p.primed = true
	p.mu.Unlock()
	p.log.Info("capture stream primed",
		slog.Int("sample_rate", p.opts.SampleRate),
		slog.Int("frame_size", p.opts.FrameSize),
		slog.Int("preroll_frames", p.ring.Cap()))
	return nil
}

// Start begins a session. The active buffer is seeded with the pre-roll frames,
// oldest first, and the ring is cleared.
func (p *Pipeline) Start() error {
	p.life.Lock()
	defer p.life.Unlock()
	if err := p.primeLocked(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recording {
		return nil
	}
	size := p.ring.Samples() + p.opts.SampleRate*5
	if p.limit > 0 && size > p.limit {
		size = p.limit
	}
	p.active = p.ring.AppendTo(make([]float32, 0, size))
	if p.limit > 0 && len(p.active) > p.limit {
		p.active = p.active[:p.limit]
	}
	p.ring.Reset()
	p.recording = true
	p.capped = false
	p.dropped = 0
	select {
	case <-p.autoStop:
	default:
	}
	return nil
}

// Stop ends the session and hands over the recorded samples. The stream stays open
// and frames feed the ring again.
func (p *Pipeline) Stop() ([]float32, error) {
	p.life.Lock()
	defer p.life.Unlock()

	p.mu.Lock()
	if !p.recording {
		p.mu.Unlock()
		return nil, ErrNotRecording
	}
	samples := p.active
	dropped := p.dropped
	p.active = nil
	p.recording = false
	p.mu.Unlock()

	p.levelMu.Lock()
	p.level = Level{}
	p.levelMu.Unlock()

	if dropped > 0 {
		p.log.Warn("recording reached duration cap", slog.Int("dropped_samples", dropped))
	}
	return samples, nil
}

// Shutdown closes the stream. The pipeline cannot be primed again.
func (p *Pipeline) Shutdown() error {
	p.life.Lock()
	defer p.life.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	primed := p.primed
	p.primed = false
	p.recording = false
	p.active = nil
	p.mu.Unlock()

	if !primed {
		return nil
	}
	if err := p.dev.Close(); err != nil {
		return fmt.Errorf("%w: close device: %w", ErrCapture, err)
	}
	p.log.Info("capture stream closed")
	return nil
}

// AutoStop receives once per session when the recording reaches the duration cap.
func (p *Pipeline) AutoStop() <-chan struct{} { return p.autoStop }

// Level returns the most recent frame level.
func (p *Pipeline) Level() Level {
	p.levelMu.Lock()
	defer p.levelMu.Unlock()
	return p.level
}

func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

func (p *Pipeline) Primed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primed
}

func (p *Pipeline) SampleRate() int { return p.opts.SampleRate }

// Duration converts a sample count at the pipeline rate to time.
func (p *Pipeline) Duration(samples int) time.Duration {
	if p.opts.SampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(p.opts.SampleRate)
}

// onFrame is the device callback.
func (p *Pipeline) onFrame(frame []float32) {
	p.mu.Lock()
	recording := p.recording
	if !recording {
		p.ring.Push(frame)
	} else {
		room := len(frame)
		if p.limit > 0 {
			room = p.limit - len(p.active)
		}
		switch {
		case room >= len(frame):
			p.active = append(p.active, frame...)
		case room > 0:
			p.active = append(p.active, frame[:room]...)
			p.dropped += len(frame) - room
		default:
			p.dropped += len(frame)
		}
		if p.limit > 0 && len(p.active) >= p.limit && !p.capped {
			p.capped = true
			select {
			case p.autoStop <- struct{}{}:
			default:
			}
		}
	}
	p.mu.Unlock()

	if recording {
		lvl := p.meter.Measure(frame)
		p.levelMu.Lock()
		p.level = lvl
		p.levelMu.Unlock()
	}
}
