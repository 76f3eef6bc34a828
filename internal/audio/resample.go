package audio

import "math"

// CanonicalRate is the sample rate the recognizer expects.
const CanonicalRate = 16000

// ResampledLength is the exact number of output samples Resample produces
// for n input samples.
func ResampledLength(n, from, to int) int {
	if from <= 0 || to <= 0 || n <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * float64(to) / float64(from)))
}

// Resample converts mono samples between rates with linear interpolation.
// The output length is always ResampledLength(len(in), from, to), so results
// are reproducible independent of the interpolation kernel.
func Resample(in []float32, from, to int) []float32 {
	n := ResampledLength(len(in), from, to)
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	if from == to {
		copy(out, in)
		return out
	}

	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// downmixInterleaved averages interleaved channels into a new mono slice.
func downmixInterleaved(in []float32, channels, frames int) []float32 {
	if channels <= 1 {
		out := make([]float32, frames)
		copy(out, in)
		return out
	}

	out := make([]float32, frames)
	div := float32(channels)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for ch := 0; ch < channels; ch++ {
			sum += in[base+ch]
		}
		out[f] = sum / div
	}
	return out
}

// toCanonical downmixes and resamples a frame. The frame itself is not
// modified; the caller releases it.
func toCanonical(f *Frame, rate int) []float32 {
	channels := max(f.Channels, 1)
	frames := len(f.Samples) / channels
	mono := downmixInterleaved(f.Samples, channels, frames)
	if f.SampleRate == rate {
		return mono
	}
	out := Resample(mono, f.SampleRate, rate)
	clear(mono)
	return out
}
