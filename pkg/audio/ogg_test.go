package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const testSerial = 0x1badcafe

// buildPage assembles one Ogg page with a valid checksum. laces is the raw
// segment table; payload length must equal the lacing total.
func buildPage(headerType byte, granule uint64, serial, seq uint32, laces, payload []byte) []byte {
	page := make([]byte, 0, oggHeaderSize+len(laces)+len(payload))
	page = append(page, "OggS"...)
	page = append(page, 0, headerType)
	page = binary.LittleEndian.AppendUint64(page, granule)
	page = binary.LittleEndian.AppendUint32(page, serial)
	page = binary.LittleEndian.AppendUint32(page, seq)
	page = binary.LittleEndian.AppendUint32(page, 0) // CRC patched below
	page = append(page, byte(len(laces)))
	page = append(page, laces...)
	page = append(page, payload...)
	binary.LittleEndian.PutUint32(page[22:26], oggPageCRC(page))
	return page
}

// lacesFor returns the segment table for whole packets of the given sizes.
func lacesFor(sizes ...int) []byte {
	var laces []byte
	for _, n := range sizes {
		for n >= 255 {
			laces = append(laces, 255)
			n -= 255
		}
		laces = append(laces, byte(n))
	}
	return laces
}

func opusHeadPacket(channels, preSkip int) []byte {
	pkt := make([]byte, 19)
	copy(pkt, "OpusHead")
	pkt[8] = 1
	pkt[9] = byte(channels)
	binary.LittleEndian.PutUint16(pkt[10:12], uint16(preSkip))
	binary.LittleEndian.PutUint32(pkt[12:16], 48000)
	return pkt
}

func opusTagsPacket() []byte {
	pkt := append([]byte("OpusTags"), 0, 0, 0, 0) // vendor string length 0
	return append(pkt, 0, 0, 0, 0)                // comment count 0
}

// buildStream assembles head and tags pages followed by one audio page
// holding all given packets, with the final granule position set.
func buildStream(channels, preSkip int, finalGranule uint64, audioPackets ...[]byte) []byte {
	head := opusHeadPacket(channels, preSkip)
	tags := opusTagsPacket()

	var buf bytes.Buffer
	buf.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(head)), head))
	buf.Write(buildPage(0, 0, testSerial, 1, lacesFor(len(tags)), tags))

	if len(audioPackets) > 0 {
		sizes := make([]int, len(audioPackets))
		var payload []byte
		for i, pkt := range audioPackets {
			sizes[i] = len(pkt)
			payload = append(payload, pkt...)
		}
		buf.Write(buildPage(0x04, finalGranule, testSerial, 2, lacesFor(sizes...), payload))
	}
	return buf.Bytes()
}

func TestParseOggOpus_SinglePacket(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAA}, 50)
	data := buildStream(1, 312, 1272, audio)

	got, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus: %v", err)
	}

	if got.Head.Channels != 1 {
		t.Errorf("channels = %d, want 1", got.Head.Channels)
	}
	if got.Head.PreSkip != 312 {
		t.Errorf("pre-skip = %d, want 312", got.Head.PreSkip)
	}
	if got.Head.InputSampleRate != 48000 {
		t.Errorf("input rate = %d, want 48000", got.Head.InputSampleRate)
	}
	if got.FinalGranule != 1272 {
		t.Errorf("final granule = %d, want 1272", got.FinalGranule)
	}
	if len(got.Packets) != 1 || !bytes.Equal(got.Packets[0], audio) {
		t.Errorf("packets = %v, want one 50-byte packet", got.Packets)
	}
}

func TestParseOggOpus_StereoHead(t *testing.T) {
	data := buildStream(2, 0, 0)

	got, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus: %v", err)
	}
	if got.Head.Channels != 2 {
		t.Errorf("channels = %d, want 2", got.Head.Channels)
	}
	if len(got.Packets) != 0 {
		t.Errorf("packets = %d, want none", len(got.Packets))
	}
}

func TestParseOggOpus_PacketSpansPages(t *testing.T) {
	head := opusHeadPacket(1, 0)
	tags := opusTagsPacket()
	audio := bytes.Repeat([]byte{0x5C}, 300)

	var buf bytes.Buffer
	buf.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(head)), head))
	buf.Write(buildPage(0, 0, testSerial, 1, lacesFor(len(tags)), tags))
	// First 255 bytes on one page (lace 255 keeps the packet open), the
	// remaining 45 on a continuation page.
	buf.Write(buildPage(0, noGranule, testSerial, 2, []byte{255}, audio[:255]))
	buf.Write(buildPage(oggContinuation, 960, testSerial, 3, []byte{45}, audio[255:]))

	got, err := ParseOggOpus(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseOggOpus: %v", err)
	}
	if len(got.Packets) != 1 || !bytes.Equal(got.Packets[0], audio) {
		t.Fatalf("spanning packet not reassembled (got %d packets)", len(got.Packets))
	}
	if got.FinalGranule != 960 {
		t.Errorf("final granule = %d, want 960 (page without completed packet must not count)", got.FinalGranule)
	}
}

func TestParseOggOpus_ExactLaceBoundary(t *testing.T) {
	// A 255-byte packet needs a terminating zero lace on the same page.
	audio := bytes.Repeat([]byte{0x11}, 255)
	data := buildStream(1, 0, 960, audio)

	got, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus: %v", err)
	}
	if len(got.Packets) != 1 || len(got.Packets[0]) != 255 {
		t.Errorf("packets = %d, want one 255-byte packet", len(got.Packets))
	}
}

func TestParseOggOpus_DropsEmptyAudioPackets(t *testing.T) {
	data := buildStream(1, 0, 960, []byte{0xAA}, nil, []byte{0xBB})

	got, err := ParseOggOpus(data)
	if err != nil {
		t.Fatalf("ParseOggOpus: %v", err)
	}
	if len(got.Packets) != 2 {
		t.Errorf("packets = %d, want 2 (empty packet dropped)", len(got.Packets))
	}
}

func TestParseOggOpus_ChecksumMismatch(t *testing.T) {
	data := buildStream(1, 0, 960, []byte{0xAA, 0xBB})
	data[len(data)-1] ^= 0xFF

	if _, err := ParseOggOpus(data); err == nil {
		t.Fatal("corrupted page passed CRC verification")
	}
}

func TestParseOggOpus_Malformed(t *testing.T) {
	valid := buildStream(1, 0, 960, []byte{0xAA})

	badMagic := bytes.Clone(valid)
	copy(badMagic, "NotO")

	// The page version is checked before the checksum, so flipping it is
	// enough to trip the parser.
	badVersion := bytes.Clone(valid)
	badVersion[4] = 9

	headless := buildPage(oggBOS, 0, testSerial, 0, lacesFor(4), []byte("junk"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte("OggS")},
		{"bad capture pattern", badMagic},
		{"unsupported page version", badVersion},
		{"first packet not OpusHead", append(bytes.Clone(headless), buildPage(0, 0, testSerial, 1, lacesFor(4), []byte("more"))...)},
		{"missing OpusTags", buildPage(oggBOS, 0, testSerial, 0, lacesFor(19), opusHeadPacket(1, 0))},
		{"no BOS flag on first page", buildPage(0, 0, testSerial, 0, lacesFor(19), opusHeadPacket(1, 0))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseOggOpus(tc.data); err == nil {
				t.Error("malformed stream parsed without error")
			}
		})
	}
}

func TestParseOggOpus_UnsupportedHeads(t *testing.T) {
	badVersion := opusHeadPacket(1, 0)
	badVersion[8] = 0x20

	threeChannels := opusHeadPacket(3, 0)

	surround := opusHeadPacket(2, 0)
	surround[18] = 1 // mapping family 1

	for _, tc := range []struct {
		name string
		head []byte
	}{
		{"future version", badVersion},
		{"three channels", threeChannels},
		{"surround mapping", surround},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tags := opusTagsPacket()
			var buf bytes.Buffer
			buf.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(tc.head)), tc.head))
			buf.Write(buildPage(0, 0, testSerial, 1, lacesFor(len(tags)), tags))

			if _, err := ParseOggOpus(buf.Bytes()); err == nil {
				t.Error("unsupported head parsed without error")
			}
		})
	}
}

func TestParseOggOpus_ContinuationErrors(t *testing.T) {
	head := opusHeadPacket(1, 0)
	tags := opusTagsPacket()

	var orphan bytes.Buffer
	orphan.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(head)), head))
	orphan.Write(buildPage(0, 0, testSerial, 1, lacesFor(len(tags)), tags))
	orphan.Write(buildPage(oggContinuation, 960, testSerial, 2, []byte{10}, bytes.Repeat([]byte{1}, 10)))

	if _, err := ParseOggOpus(orphan.Bytes()); err == nil {
		t.Error("continuation page without pending packet parsed without error")
	}

	var torn bytes.Buffer
	torn.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(head)), head))
	torn.Write(buildPage(0, 0, testSerial, 1, lacesFor(len(tags)), tags))
	torn.Write(buildPage(0, noGranule, testSerial, 2, []byte{255}, bytes.Repeat([]byte{1}, 255)))

	if _, err := ParseOggOpus(torn.Bytes()); err == nil {
		t.Error("stream ending mid-packet parsed without error")
	}
}

func TestParseOggOpus_RejectsMultiplexedStreams(t *testing.T) {
	head := opusHeadPacket(1, 0)
	tags := opusTagsPacket()

	var buf bytes.Buffer
	buf.Write(buildPage(oggBOS, 0, testSerial, 0, lacesFor(len(head)), head))
	buf.Write(buildPage(0, 0, testSerial+1, 1, lacesFor(len(tags)), tags))

	if _, err := ParseOggOpus(buf.Bytes()); err == nil {
		t.Error("second serial accepted")
	}
}
