package audio

import (
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned when the OS refuses to open a device.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrReadFailure marks a failed blocking read on an open device.
	ErrReadFailure = errors.New("audio read failure")
	// ErrNoDeviceAvailable means a session cannot start because no device could be captured.
	ErrNoDeviceAvailable = errors.New("no audio device available")
	// ErrAlreadyCapturing is returned when Start is called for a different device set mid-session.
	ErrAlreadyCapturing = errors.New("already capturing a different device set")
)

// Device describes a loopback-capable output device
type Device struct {
	ID         string
	Name       string
	SampleRate int
	Channels   int
}

// Backend is the OS loopback capture API
type Backend interface {
	Devices() ([]DeviceInfo, error)
	Open(dev Device, framesPerRead int) (Handle, error)
}

// Handle is an open capture stream. Read blocks until framesPerRead frames
// are available or timeout elapses, and may return fewer frames (including
// zero) than requested. Samples are interleaved float32.
type Handle interface {
	Read(buf []float32, timeout time.Duration) (int, error)
	Close() error
}

// DeviceInfo is the raw host description used for loopback filtering.
type DeviceInfo struct {
	HostAPI          string
	Name             string
	MaxInputChannels int
	SampleRate       float64
}

// Frame is one blocking read worth of raw audio from a single device.
type Frame struct {
	DeviceID   string
	Samples    []float32 // interleaved
	SampleRate int
	Channels   int
	CapturedAt time.Time
}

// Release zeroes and drops the raw samples.
func (f *Frame) Release() {
	clear(f.Samples)
	f.Samples = nil
}

// Chunk is a fixed-duration window of mono audio at the canonical rate.
type Chunk struct {
	DeviceID   string
	Samples    []float32
	SampleRate int
	StartedAt  time.Time
}

// Duration of the audio still held by the chunk.
func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Release zeroes the sample buffer and drops the reference to it. It is safe
// to call more than once.
func (c *Chunk) Release() {
	clear(c.Samples)
	c.Samples = nil
}
