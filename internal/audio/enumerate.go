package audio

import (
	"fmt"
	"math"
	"strings"
)

// loopbackMarkers are name fragments used by hosts that expose output
// mixes as capture sources (WASAPI loopback, PulseAudio monitors, virtual
// cables on macOS).
var loopbackMarkers = []string{
	"loopback",
	"monitor of",
	".monitor",
	"stereo mix",
	"what u hear",
	"blackhole",
}

// Enumerator lists loopback-capable devices. Every call is a fresh snapshot;
// nothing is rescanned in the background.
type Enumerator struct {
	backend Backend
}

// NewEnumerator returns an Enumerator listing the loopback devices of backend.
func NewEnumerator(backend Backend) *Enumerator {
	return &Enumerator{backend: backend}
}

// Devices returns the currently active loopback-capable devices. An empty
// result is not an error.
func (e *Enumerator) Devices() ([]Device, error) {
	infos, err := e.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	result := make([]Device, 0, len(infos))
	for _, info := range infos {
		if !isLoopbackCandidate(info) {
			continue
		}
		result = append(result, Device{
			ID:         DeviceID(info.HostAPI, info.Name),
			Name:       info.Name,
			SampleRate: int(math.Round(info.SampleRate)),
			Channels:   info.MaxInputChannels,
		})
	}
	return result, nil
}

// Lookup resolves ids against a fresh enumeration. Ids that are not
// currently present are returned in missing.
func (e *Enumerator) Lookup(ids []string) (found []Device, missing []string, err error) {
	devices, err := e.Devices()
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			found = append(found, d)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// DeviceID builds the stable identifier for a host device. PortAudio indexes
// change between initialisations, names do not.
func DeviceID(hostAPI, name string) string {
	return hostAPI + ":" + name
}

func isLoopbackCandidate(info DeviceInfo) bool {
	if info.MaxInputChannels <= 0 || info.SampleRate <= 0 {
		return false
	}
	name := strings.ToLower(info.Name)
	for _, marker := range loopbackMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
