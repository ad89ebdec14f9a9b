package vad

import (
	"fmt"
	"math"
)

// preset holds the classifier thresholds for one aggressiveness level.
// Higher levels demand more energy over the noise floor and a lower
// zero-crossing rate, trading recall for precision.
type preset struct {
	energyFloor float64 // absolute minimum RMS energy for speech
	noiseMult   float64 // required margin over the adaptive noise floor
	zcrMax      float64 // frames crossing zero more often than this are noise
}

var presets = [4]preset{
	0: {energyFloor: 0.005, noiseMult: 2.0, zcrMax: 0.60},
	1: {energyFloor: 0.0075, noiseMult: 2.5, zcrMax: 0.55},
	2: {energyFloor: 0.01, noiseMult: 3.0, zcrMax: 0.50},
	3: {energyFloor: 0.02, noiseMult: 4.0, zcrMax: 0.40},
}

const (
	// initialNoiseFloor seeds the background estimate low so quiet rooms do
	// not start deaf.
	initialNoiseFloor = 0.001

	// noiseSmoothing is the exponential smoothing factor for the noise
	// estimate.
	noiseSmoothing = 0.1
)

// Detector labels PCM frames as speech or silence. It combines RMS energy
// against an adaptive noise floor with a zero-crossing-rate cap that rejects
// broadband noise (HVAC hiss, bag rustling) carrying speech-level energy.
//
// A Detector is stateful: silent frames feed the noise-floor estimate. Use
// a fresh Detector per chunk so results depend only on that chunk's samples.
// Not safe for concurrent use.
type Detector struct {
	preset     preset
	noiseFloor float64
	threshold  float64
}

// NewDetector returns a Detector with the given aggressiveness, 0 (most
// permissive) to 3 (most strict).
func NewDetector(aggressiveness int) (*Detector, error) {
	if aggressiveness < 0 || aggressiveness >= len(presets) {
		return nil, fmt.Errorf("vad: aggressiveness %d out of range [0, 3]", aggressiveness)
	}
	p := presets[aggressiveness]
	return &Detector{
		preset:     p,
		noiseFloor: initialNoiseFloor,
		threshold:  p.energyFloor,
	}, nil
}

// IsSpeech classifies one frame. Silent frames well below the threshold are
// folded into the noise estimate, so the threshold follows slow changes in
// room noise; frames near the threshold are excluded from the estimate
// because they may be quiet speech.
func (d *Detector) IsSpeech(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}

	energy := rmsEnergy(frame)
	speech := energy >= d.threshold && zeroCrossingRate(frame) <= d.preset.zcrMax

	if !speech && energy < d.threshold*2 {
		d.noiseFloor = noiseSmoothing*energy + (1-noiseSmoothing)*d.noiseFloor
		d.threshold = max(d.noiseFloor*d.preset.noiseMult, d.preset.energyFloor)
	}
	return speech
}

// rmsEnergy returns the root mean square of the frame with samples
// normalised to [-1, 1].
func rmsEnergy(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// zeroCrossingRate returns the fraction of adjacent sample pairs whose
// signs differ. Voiced speech sits well below 0.5; fricatives and hiss
// above.
func zeroCrossingRate(frame []int16) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}
