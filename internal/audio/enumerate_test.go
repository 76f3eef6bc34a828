package audio

import "testing"

func TestEnumeratorFiltersLoopbackDevices(t *testing.T) {
	backend := newFakeBackend(
		DeviceInfo{HostAPI: "Windows WASAPI", Name: "Speakers (Realtek) [Loopback]", MaxInputChannels: 2, SampleRate: 48000},
		DeviceInfo{HostAPI: "Windows WASAPI", Name: "Microphone (USB)", MaxInputChannels: 1, SampleRate: 44100},
		DeviceInfo{HostAPI: "ALSA", Name: "Monitor of Built-in Audio", MaxInputChannels: 2, SampleRate: 44100},
		DeviceInfo{HostAPI: "Core Audio", Name: "BlackHole 2ch", MaxInputChannels: 0, SampleRate: 48000},
		DeviceInfo{HostAPI: "Core Audio", Name: "Stereo Mix", MaxInputChannels: 2, SampleRate: 0},
	)

	devices, err := NewEnumerator(backend).Devices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 loopback devices, got %d: %+v", len(devices), devices)
	}

	want := Device{
		ID:         "Windows WASAPI:Speakers (Realtek) [Loopback]",
		Name:       "Speakers (Realtek) [Loopback]",
		SampleRate: 48000,
		Channels:   2,
	}
	if devices[0] != want {
		t.Errorf("expected %+v, got %+v", want, devices[0])
	}
	if devices[1].ID != "ALSA:Monitor of Built-in Audio" {
		t.Errorf("unexpected second device %q", devices[1].ID)
	}
}

func TestEnumeratorEmptyIsNotAnError(t *testing.T) {
	backend := newFakeBackend(
		DeviceInfo{HostAPI: "ALSA", Name: "USB Microphone", MaxInputChannels: 1, SampleRate: 16000},
	)

	devices, err := NewEnumerator(backend).Devices()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected no devices, got %d", len(devices))
	}
}

func TestEnumeratorLookup(t *testing.T) {
	backend := newFakeBackend(loopbackInfo("Speakers", 48000, 2))

	found, missing, err := NewEnumerator(backend).Lookup([]string{"Test:Speakers [Loopback]", "Test:Gone"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].SampleRate != 48000 {
		t.Errorf("unexpected found devices %+v", found)
	}
	if len(missing) != 1 || missing[0] != "Test:Gone" {
		t.Errorf("unexpected missing ids %v", missing)
	}
}
