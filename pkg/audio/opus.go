package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// decodeRate is the rate the Opus decoder runs at. Opus always codes the
	// full 48 kHz band internally, so decoding at 48 kHz loses nothing
	// regardless of the recorder's capture rate.
	decodeRate = 48000

	// maxFrameSamples is the largest legal Opus frame: 120 ms at 48 kHz.
	maxFrameSamples = 5760
)

// DecodeMono decodes a complete Ogg/Opus chunk file into mono PCM at
// targetRate. Stereo streams are downmixed after decoding. Pre-skip samples
// and any encoder padding past the final granule position are removed, so
// the result covers exactly the recorded interval.
func DecodeMono(data []byte, targetRate int) ([]int16, error) {
	stream, err := ParseOggOpus(data)
	if err != nil {
		return nil, err
	}

	dec, err := gopus.NewDecoder(decodeRate, stream.Head.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	channels := stream.Head.Channels
	var pcm []int16
	for i, pkt := range stream.Packets {
		out, err := dec.Decode(pkt, maxFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("audio: decode opus packet %d: %w", i, err)
		}
		pcm = append(pcm, out...)
	}

	// Drop the encoder priming samples.
	perChannel := len(pcm) / channels
	skip := min(stream.Head.PreSkip, perChannel)
	pcm = pcm[skip*channels:]
	perChannel -= skip

	// The final granule position is the stream length at 48 kHz including
	// pre-skip; anything decoded past it is padding from the last frame.
	if fg := stream.FinalGranule; fg >= 0 {
		if want := fg - int64(stream.Head.PreSkip); want >= 0 && want < int64(perChannel) {
			pcm = pcm[:int(want)*channels]
		}
	}

	if channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono(pcm, decodeRate, targetRate), nil
}
