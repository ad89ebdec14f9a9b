// Package audio decodes the Ogg/Opus chunk files recorded at points of sale
// into PCM suitable for voice-activity analysis. It demuxes the Ogg container
// ([ParseOggOpus]), decodes the Opus packets ([DecodeMono]), and provides the
// PCM helpers used to normalise arbitrary recorder output to mono at the
// analysis rate.
package audio

// StereoToMono downmixes interleaved stereo PCM to mono by averaging each
// L+R pair. A trailing unpaired sample is dropped.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// ResampleMono resamples mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match (or either is non-positive) the input is
// returned unchanged. Linear interpolation is plenty for VAD: the energy and
// zero-crossing features it feeds are robust to the slight high-frequency
// roll-off.
func ResampleMono(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}

	dstSamples := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < len(pcm) {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
