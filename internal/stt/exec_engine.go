package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs a whisper.cpp command line binary per chunk.
type ExecBackend struct {
	command []string
	log     *slog.Logger
}

// whisperCppOutput is the -oj file layout.
type whisperCppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

// NewExecBackend parses command with shell quoting. An empty command or "auto"
// searches the usual whisper.cpp binary names.
func NewExecBackend(command string, log *slog.Logger) (*ExecBackend, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 || args[0] == "auto" {
		bin := findWhisperBinary()
		if bin == "" {
			return nil, errors.New("whisper.cpp binary not found")
		}
		if len(args) == 0 {
			args = []string{bin}
		} else {
			args[0] = bin
		}
	}
	return &ExecBackend{command: args, log: log.With(slog.String("component", "stt-exec"))}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

// Accelerators is empty: the binary cannot be asked which devices it sees, so exec
// deployments list them in engine.accelerators.
func (b *ExecBackend) Accelerators() []int { return nil }

func (b *ExecBackend) Load(_ context.Context, opts LoadOptions) (Model, error) {
	if _, err := exec.LookPath(b.command[0]); err != nil {
		return nil, fmt.Errorf("stt command: %w", err)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model not found: %w", err)
	}
	return &execModel{backend: b, opts: opts}, nil
}

type execModel struct {
	backend *ExecBackend
	opts    LoadOptions
}

func (m *execModel) Run(ctx context.Context, samples []float32, ro RunOptions) ([]string, error) {
	dir, err := os.MkdirTemp("", "dictate_stt_*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rate := ro.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	wavPath := filepath.Join(dir, "chunk.wav")
	if err := writeSamplesToWav(wavPath, samples, rate); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, "chunk")

	args := append([]string{}, m.backend.command[1:]...)
	args = append(args, m.args(wavPath, prefix, ro)...)

	command := exec.CommandContext(ctx, m.backend.command[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("read stt output: %w", err)
	}
	return decodeWhisperOutput(data)
}

func (m *execModel) args(wavPath, prefix string, ro RunOptions) []string {
	args := []string{
		"-m", m.opts.ModelPath,
		"-f", wavPath,
		"-l", ro.Language,
		"-oj",
		"-of", prefix,
		"--no-prints",
	}
	if ro.Translate {
		args = append(args, "-tr")
	}
	if ro.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(ro.Threads))
	}
	if m.opts.Device.IsCPU() {
		args = append(args, "-ng")
	} else {
		args = append(args, "-dev", strconv.Itoa(m.opts.Device.Index))
	}
	return args
}

func (m *execModel) Close() error { return nil }

func decodeWhisperOutput(data []byte) ([]string, error) {
	var out whisperCppOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	segments := make([]string, 0, len(out.Transcription))
	for _, seg := range out.Transcription {
		segments = append(segments, seg.Text)
	}
	return segments, nil
}

func writeSamplesToWav(path string, samples []float32, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func findWhisperBinary() string {
	for _, name := range []string{"whisper-cli", "whisper-cpp", "whisper", "main"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	home, _ := os.UserHomeDir()
	for _, dir := range []string{"/opt/homebrew/bin", "/usr/local/bin", filepath.Join(home, ".local", "bin")} {
		for _, name := range []string{"whisper-cli", "whisper-cpp"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
