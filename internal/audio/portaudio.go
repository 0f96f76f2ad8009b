package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures mono float32 frames through PortAudio. An empty Name
// selects the default input device; otherwise the first input whose name contains
// Name (case-insensitive) is used.
type PortAudioDevice struct {
	Name string

	mu     sync.Mutex
	stream *portaudio.Stream
}

func (d *PortAudioDevice) Open(sampleRate, frameSize int, cb func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return errors.New("device already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init failed: %w", err)
	}
	dev, err := d.inputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Channels = 0
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = frameSize

	stream, err := portaudio.OpenStream(params, func(in []float32) { cb(in) })
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start stream failed: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil
	err := errors.Join(stream.Stop(), stream.Close())
	return errors.Join(err, portaudio.Terminate())
}

func (d *PortAudioDevice) inputDevice() (*portaudio.DeviceInfo, error) {
	if strings.TrimSpace(d.Name) == "" || strings.EqualFold(d.Name, "default") {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	want := strings.ToLower(d.Name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", d.Name)
}

// InputDevice describes one capture device.
type InputDevice struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"default_sample_rate"`
	Default    bool    `json:"default"`
}

// ListInputDevices enumerates devices with at least one input channel.
func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init failed: %w", ErrCapture, err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", ErrCapture, err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}
	var out []InputDevice
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, InputDevice{
			Index:      i,
			Name:       dev.Name,
			Channels:   dev.MaxInputChannels,
			SampleRate: dev.DefaultSampleRate,
			Default:    dev.Name == defaultName,
		})
	}
	return out, nil
}
