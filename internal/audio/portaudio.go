package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// pollInterval bounds how long Read sleeps between availability checks.
const pollInterval = 5 * time.Millisecond

// PortAudioBackend captures through PortAudio's blocking read API.
type PortAudioBackend struct {
	mu sync.Mutex
	// index of the last enumeration, keyed by device id
	devices map[string]*portaudio.DeviceInfo
}

// NewPortAudio initializes PortAudio and returns a Backend over it. Close
// must be called to terminate the library.
func NewPortAudio() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioBackend{devices: make(map[string]*portaudio.DeviceInfo)}, nil
}

func (p *PortAudioBackend) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	index := make(map[string]*portaudio.DeviceInfo, len(devices))
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		hostAPI := ""
		if d.HostApi != nil {
			hostAPI = d.HostApi.Name
		}
		index[DeviceID(hostAPI, d.Name)] = d
		result = append(result, DeviceInfo{
			HostAPI:          hostAPI,
			Name:             d.Name,
			MaxInputChannels: d.MaxInputChannels,
			SampleRate:       d.DefaultSampleRate,
		})
	}
	p.mu.Lock()
	p.devices = index
	p.mu.Unlock()
	return result, nil
}

func (p *PortAudioBackend) Open(dev Device, framesPerRead int) (Handle, error) {
	p.mu.Lock()
	info, ok := p.devices[dev.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, dev.ID)
	}

	// Open stream: native rate and channel count, float32, blocking I/O
	buffer := make([]float32, framesPerRead*dev.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: dev.Channels,
			Latency:  info.DefaultHighInputLatency,
		},
		SampleRate:      float64(dev.SampleRate),
		FramesPerBuffer: framesPerRead,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, dev.ID, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, dev.ID, err)
	}

	return &portAudioHandle{
		stream:   stream,
		buffer:   buffer,
		frames:   framesPerRead,
		channels: dev.Channels,
	}, nil
}

func (p *PortAudioBackend) Close() error {
	return portaudio.Terminate()
}

type portAudioHandle struct {
	stream   *portaudio.Stream
	buffer   []float32
	frames   int
	channels int
}

// Read waits for a full buffer. Silent WASAPI loopback streams deliver
// nothing at all, so a plain stream.Read could block forever and stop would
// never be observed.
func (h *portAudioHandle) Read(buf []float32, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		avail, err := h.stream.AvailableToRead()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrReadFailure, err)
		}
		if avail >= h.frames {
			break
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(pollInterval)
	}

	if err := h.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return 0, fmt.Errorf("%w: %v", ErrReadFailure, err)
	}
	n := copy(buf, h.buffer)
	clear(h.buffer)
	return n / h.channels, nil
}

func (h *portAudioHandle) Close() error {
	defer clear(h.buffer)
	if err := h.stream.Stop(); err != nil {
		h.stream.Close()
		return err
	}
	return h.stream.Close()
}
