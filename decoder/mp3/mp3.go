// Package mp3 splits MPEG audio (MPEG-1, MPEG-2 and MPEG-2.5, layers I to III) into frames.
// ID3v2 tags at the start and an ID3v1 tag at the end of a file are skipped.
package mp3

import (
	"fmt"
	"io"

	"github.com/aposazhennikov/jukebox/decoder"
)

const (
	id3v2HeaderSize      = 10  // Size of ID3v2 header in bytes.
	id3v1TagSize         = 128 // Size of ID3v1 tag in bytes.
	id3v2SyncSafeShift21 = 21
	id3v2SyncSafeShift14 = 14
	id3v2SyncSafeShift7  = 7
	id3v2SyncSafeMask    = 0x7F
	frameHeaderSize      = 4
)

// MPEG versions as encoded in the header.
const (
	mpeg25 = 0
	mpeg2  = 2
	mpeg1  = 3
)

// Layers as encoded in the header.
const (
	layer3 = 1
	layer2 = 2
	layer1 = 3
)

// bitrateTable holds kbit/s per bitrate index (ISO 11172-3 / 13818-3).
var bitrateTable = map[[2]int][16]int{
	{mpeg1, layer1}: {0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
	{mpeg1, layer2}: {0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
	{mpeg1, layer3}: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	{mpeg2, layer1}: {0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
	{mpeg2, layer2}: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	{mpeg2, layer3}: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
}

var sampleRateTable = map[int][3]int{
	mpeg1:  {44100, 48000, 32000},
	mpeg2:  {22050, 24000, 16000},
	mpeg25: {11025, 12000, 8000},
}

// Decoder implements decoder.Decoder for MPEG audio.
type Decoder struct{}

// NewDecoder returns an MPEG audio frame splitter.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Name implements decoder.Decoder.
func (d *Decoder) Name() string {
	return "mp3"
}

// Decode implements decoder.Decoder.
func (d *Decoder) Decode(buf []byte) decoder.Stream {
	return &Stream{data: buf}
}

// Stream yields the frames of one MPEG audio buffer.
type Stream struct {
	data   []byte
	offset int
	err    error
}

// Next implements decoder.Stream.
func (s *Stream) Next() (decoder.Frame, error) {
	if s.err != nil {
		return decoder.Frame{}, s.err
	}
	for {
		rest := s.data[s.offset:]
		if len(rest) == 0 {
			s.err = io.EOF
			return decoder.Frame{}, s.err
		}

		switch {
		case hasPrefix(rest, "ID3"):
			size, err := id3v2Size(rest)
			if err != nil {
				return s.fail(err)
			}
			s.offset += size
		case hasPrefix(rest, "TAG"):
			if len(rest) > id3v1TagSize {
				return s.fail(decoder.ErrInvalidData)
			}
			s.offset = len(s.data)
		case rest[0] == 0xFF:
			frame, err := parseFrame(rest)
			if err != nil {
				return s.fail(err)
			}
			s.offset += len(frame.Data)
			return frame, nil
		default:
			return s.fail(decoder.ErrInvalidData)
		}
	}
}

func (s *Stream) fail(err error) (decoder.Frame, error) {
	s.err = fmt.Errorf("mp3 at offset %d: %w", s.offset, err)
	return decoder.Frame{}, s.err
}

func hasPrefix(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == prefix
}

// id3v2Size returns the full size of the ID3v2 tag at the start of b, header included.
func id3v2Size(b []byte) (int, error) {
	if len(b) < id3v2HeaderSize {
		return 0, decoder.ErrTruncated
	}
	size := int(b[6]&id3v2SyncSafeMask)<<id3v2SyncSafeShift21 |
		int(b[7]&id3v2SyncSafeMask)<<id3v2SyncSafeShift14 |
		int(b[8]&id3v2SyncSafeMask)<<id3v2SyncSafeShift7 |
		int(b[9]&id3v2SyncSafeMask)
	if size+id3v2HeaderSize > len(b) {
		return 0, decoder.ErrTruncated
	}
	return size + id3v2HeaderSize, nil
}

// Header describes one parsed MPEG audio frame header.
type Header struct {
	Version    int
	Layer      int
	Bitrate    int // kbit/s
	SampleRate int
	Samples    int
	Padding    bool
	Size       int // frame size in bytes, header included
}

// ParseHeader decodes the 4-byte frame header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < frameHeaderSize {
		return Header{}, decoder.ErrTruncated
	}
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return Header{}, decoder.ErrInvalidData
	}

	h := Header{
		Version: int(b[1]>>3) & 0x03,
		Layer:   int(b[1]>>1) & 0x03,
		Padding: b[2]&0x02 != 0,
	}
	rates, ok := sampleRateTable[h.Version]
	if !ok || h.Layer == 0 {
		return Header{}, decoder.ErrInvalidData
	}

	bitrateIdx := int(b[2] >> 4)
	rateIdx := int(b[2]>>2) & 0x03
	if rateIdx == 3 {
		return Header{}, decoder.ErrInvalidData
	}
	h.SampleRate = rates[rateIdx]

	tableVersion := h.Version
	if tableVersion == mpeg25 {
		tableVersion = mpeg2
	}
	h.Bitrate = bitrateTable[[2]int{tableVersion, h.Layer}][bitrateIdx]
	if h.Bitrate == 0 {
		// Free format and the forbidden index carry no usable frame length.
		return Header{}, decoder.ErrInvalidData
	}

	bps := h.Bitrate * 1000
	switch {
	case h.Layer == layer1:
		h.Samples = 384
		h.Size = 12 * bps / h.SampleRate
		if h.Padding {
			h.Size++
		}
		h.Size *= 4
	case h.Layer == layer3 && h.Version != mpeg1:
		h.Samples = 576
		h.Size = 72 * bps / h.SampleRate
		if h.Padding {
			h.Size++
		}
	default:
		h.Samples = 1152
		h.Size = 144 * bps / h.SampleRate
		if h.Padding {
			h.Size++
		}
	}
	if h.Size < frameHeaderSize {
		return Header{}, decoder.ErrInvalidData
	}
	return h, nil
}

func parseFrame(b []byte) (decoder.Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return decoder.Frame{}, err
	}
	if h.Size > len(b) {
		return decoder.Frame{}, decoder.ErrTruncated
	}
	return decoder.Frame{
		Data:       b[:h.Size:h.Size],
		Samples:    h.Samples,
		SampleRate: h.SampleRate,
	}, nil
}
