package stt

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var (
	// ErrEngineLoad marks a model that could not be loaded. It stays in effect until a
	// successful Reload.
	ErrEngineLoad = errors.New("speech engine load failed")
	// ErrTranscriptionTimeout is returned when the whole multi-chunk call exceeds its
	// deadline. No partial text accompanies it.
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrEmptyAudio           = errors.New("no audio to transcribe")
)

// DefaultSampleRate is the rate whisper models consume.
const DefaultSampleRate = config.EngineSampleRate

// LoadOptions are handed to a Backend when a model is built.
type LoadOptions struct {
	Model     string
	ModelPath string
	Threads   int
	Device    Device
}

// RunOptions are set explicitly on every call; engines must not fall back to their
// own language or translation defaults.
type RunOptions struct {
	Translate  bool
	Language   string
	Threads    int
	SampleRate int
}

func defaultRunOptions(threads, sampleRate int) RunOptions {
	return RunOptions{Translate: false, Language: "auto", Threads: threads, SampleRate: sampleRate}
}

// Backend builds models for one engine family.
type Backend interface {
	Name() string
	// Accelerators lists the concrete accelerator indices the backend can use.
	Accelerators() []int
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// Model is a loaded engine instance. Run is never called concurrently.
type Model interface {
	Run(ctx context.Context, samples []float32, opts RunOptions) ([]string, error)
	Close() error
}

// Request is one transcription of a finished recording.
type Request struct {
	SessionID  string
	Samples    []float32
	SampleRate int
}

// Result holds the per-chunk texts in order and their space-joined form.
type Result struct {
	Text     string
	Segments []string
	Chunks   int
	Audio    time.Duration
	Elapsed  time.Duration
	Device   Device
}

// Description reports what is loaded.
type Description struct {
	Backend      string        `json:"backend"`
	Model        string        `json:"model"`
	ModelPath    string        `json:"model_path"`
	Device       string        `json:"device"`
	Threads      int           `json:"threads"`
	Loaded       bool          `json:"loaded"`
	LoadDuration time.Duration `json:"load_duration"`
	Error        string        `json:"error,omitempty"`
}

// Transcriber is what the daemon depends on.
type Transcriber interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, req Request) (Result, error)
	Reload(ctx context.Context, model string) error
	Describe() Description
	LoadErr() error
}
