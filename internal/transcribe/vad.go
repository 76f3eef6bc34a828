package transcribe

import (
	"math"
	"time"
)

const vadWindow = 30 * time.Millisecond

// EnergyVAD flags speech when enough short windows exceed an RMS threshold.
type EnergyVAD struct {
	// Threshold is the RMS level (full scale 1.0) a window must reach.
	Threshold float64
	// MinSpeech is how much loud audio a chunk needs in total.
	MinSpeech time.Duration
}

func NewEnergyVAD(threshold float64, minSpeech time.Duration) *EnergyVAD {
	return &EnergyVAD{Threshold: threshold, MinSpeech: minSpeech}
}

func (v *EnergyVAD) HasSpeech(samples []float32, sampleRate int) bool {
	if sampleRate <= 0 || len(samples) == 0 {
		return false
	}
	window := max(1, int(int64(sampleRate)*int64(vadWindow)/int64(time.Second)))
	needed := max(1, int(math.Ceil(float64(v.MinSpeech)/float64(vadWindow))))

	loud := 0
	for start := 0; start < len(samples); start += window {
		end := min(start+window, len(samples))
		if rms(samples[start:end]) >= v.Threshold {
			loud++
			if loud >= needed {
				return true
			}
		}
	}
	return false
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
