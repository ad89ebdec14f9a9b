package audio

import (
	"encoding/binary"
	"fmt"
)

// Ogg page constants (RFC 3533).
const (
	oggHeaderSize = 27 // fixed header bytes before the segment table

	// header_type flags
	oggContinuation = 0x01
	oggBOS          = 0x02
)

// noGranule marks a page on which no packet completes.
const noGranule = ^uint64(0)

// OpusHead holds the fields of the Opus identification header (RFC 7845).
type OpusHead struct {
	// Version is the encapsulation version; the upper nibble must be zero.
	Version uint8

	// Channels is the stream channel count (1 or 2 for mapping family 0).
	Channels int

	// PreSkip is the number of samples at 48 kHz to discard from the start
	// of the decoder output. Encoders use it to hide their priming lookahead.
	PreSkip int

	// InputSampleRate is the original capture rate. Informational only: Opus
	// itself always codes the full 48 kHz band.
	InputSampleRate int

	// OutputGain is a Q7.8 dB gain the player should apply. Recorder output
	// leaves it at zero; VAD ignores it either way.
	OutputGain int16

	// MappingFamily describes the channel layout. Only family 0 (mono or
	// standard stereo) is supported.
	MappingFamily uint8
}

// OggOpus is a demuxed Ogg/Opus stream: the identification header plus the
// raw Opus audio packets in stream order.
type OggOpus struct {
	Head OpusHead

	// Packets holds the audio data packets; the OpusHead and OpusTags
	// header packets are consumed during parsing.
	Packets [][]byte

	// FinalGranule is the granule position of the last page that completed
	// a packet: the total stream length in samples at 48 kHz, including
	// pre-skip. -1 when the stream carries no absolute position.
	FinalGranule int64
}

// oggCRCTable is the lookup table for the Ogg page checksum: CRC-32 with
// polynomial 0x04c11db7, zero initial value, no final inversion, MSB first.
var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// oggPageCRC computes the checksum of a complete page, treating the CRC
// field (bytes 22-25) as zero, as required for both generation and
// verification.
func oggPageCRC(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// ParseOggOpus demuxes a complete in-memory Ogg/Opus file. Every page is
// CRC-checked; packets spanning page boundaries are reassembled. The first
// two packets must be the OpusHead and OpusTags headers. Chained or
// multiplexed Ogg streams are rejected.
func ParseOggOpus(data []byte) (*OggOpus, error) {
	var (
		packets      [][]byte
		partial      []byte
		open         bool // a packet is still accumulating across pages
		serial       uint32
		haveSerial   bool
		finalGranule = int64(-1)
		offset       int
	)

	for offset < len(data) {
		if len(data)-offset < oggHeaderSize {
			return nil, fmt.Errorf("audio: ogg: truncated page header at offset %d", offset)
		}
		page := data[offset:]

		if string(page[:4]) != "OggS" {
			return nil, fmt.Errorf("audio: ogg: bad capture pattern at offset %d", offset)
		}
		if page[4] != 0 {
			return nil, fmt.Errorf("audio: ogg: unsupported page version %d", page[4])
		}

		headerType := page[5]
		granule := binary.LittleEndian.Uint64(page[6:14])
		pageSerial := binary.LittleEndian.Uint32(page[14:18])
		seq := binary.LittleEndian.Uint32(page[18:22])
		wantCRC := binary.LittleEndian.Uint32(page[22:26])
		nsegs := int(page[26])

		if len(page) < oggHeaderSize+nsegs {
			return nil, fmt.Errorf("audio: ogg: truncated segment table on page %d", seq)
		}
		table := page[oggHeaderSize : oggHeaderSize+nsegs]

		payloadLen := 0
		for _, lace := range table {
			payloadLen += int(lace)
		}
		pageLen := oggHeaderSize + nsegs + payloadLen
		if len(page) < pageLen {
			return nil, fmt.Errorf("audio: ogg: truncated payload on page %d", seq)
		}

		if got := oggPageCRC(page[:pageLen]); got != wantCRC {
			return nil, fmt.Errorf("audio: ogg: checksum mismatch on page %d", seq)
		}

		if !haveSerial {
			if headerType&oggBOS == 0 {
				return nil, fmt.Errorf("audio: ogg: stream does not start with a beginning-of-stream page")
			}
			serial = pageSerial
			haveSerial = true
		} else if pageSerial != serial {
			return nil, fmt.Errorf("audio: ogg: multiplexed streams are not supported (serial %d and %d)", serial, pageSerial)
		}

		if cont := headerType&oggContinuation != 0; cont != open {
			if cont {
				return nil, fmt.Errorf("audio: ogg: continuation page %d without a pending packet", seq)
			}
			return nil, fmt.Errorf("audio: ogg: packet truncated before page %d", seq)
		}

		pos := oggHeaderSize + nsegs
		for _, lace := range table {
			partial = append(partial, page[pos:pos+int(lace)]...)
			pos += int(lace)
			if lace < 255 {
				packets = append(packets, partial)
				partial = nil
				open = false
			} else {
				open = true
			}
		}

		if granule != noGranule {
			finalGranule = int64(granule)
		}
		offset += pageLen
	}

	if open {
		return nil, fmt.Errorf("audio: ogg: stream ends mid-packet")
	}
	if len(packets) < 2 {
		return nil, fmt.Errorf("audio: ogg: stream has %d packets, need OpusHead and OpusTags", len(packets))
	}

	head, err := parseOpusHead(packets[0])
	if err != nil {
		return nil, err
	}
	if len(packets[1]) < 8 || string(packets[1][:8]) != "OpusTags" {
		return nil, fmt.Errorf("audio: ogg: second packet is not an OpusTags header")
	}

	// Drop zero-length packets: they carry no audio and would trip the
	// decoder.
	audio := make([][]byte, 0, len(packets)-2)
	for _, pkt := range packets[2:] {
		if len(pkt) > 0 {
			audio = append(audio, pkt)
		}
	}

	return &OggOpus{
		Head:         head,
		Packets:      audio,
		FinalGranule: finalGranule,
	}, nil
}

// parseOpusHead decodes and validates the OpusHead identification packet.
func parseOpusHead(pkt []byte) (OpusHead, error) {
	if len(pkt) < 19 || string(pkt[:8]) != "OpusHead" {
		return OpusHead{}, fmt.Errorf("audio: ogg: first packet is not an OpusHead header")
	}
	h := OpusHead{
		Version:         pkt[8],
		Channels:        int(pkt[9]),
		PreSkip:         int(binary.LittleEndian.Uint16(pkt[10:12])),
		InputSampleRate: int(binary.LittleEndian.Uint32(pkt[12:16])),
		OutputGain:      int16(binary.LittleEndian.Uint16(pkt[16:18])),
		MappingFamily:   pkt[18],
	}
	if h.Version>>4 != 0 {
		return OpusHead{}, fmt.Errorf("audio: ogg: unsupported OpusHead version %d", h.Version)
	}
	if h.MappingFamily != 0 {
		return OpusHead{}, fmt.Errorf("audio: ogg: unsupported channel mapping family %d", h.MappingFamily)
	}
	if h.Channels < 1 || h.Channels > 2 {
		return OpusHead{}, fmt.Errorf("audio: ogg: unsupported channel count %d", h.Channels)
	}
	return h, nil
}
