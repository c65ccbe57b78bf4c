// Package decoder defines the contracts between audio sources and the broadcast engine.
// A Decoder turns the raw bytes of a track into a Stream of timed frames; frames are
// forwarded to listeners untouched, so decoding here means splitting, not PCM synthesis.
package decoder

import (
	"errors"
	"time"
)

var (
	// ErrInvalidData is returned when the input does not start with a known frame or tag.
	ErrInvalidData = errors.New("invalid data")
	// ErrTruncated is returned when a frame header announces more bytes than remain.
	ErrTruncated = errors.New("truncated frame")
)

// Frame is one encoded audio frame together with its timing information.
type Frame struct {
	Data       []byte
	Samples    int
	SampleRate int
}

// Stream is a lazy, finite, non-restartable sequence of frames.
// Next returns io.EOF once the track is exhausted; any other error is a decode failure
// and the stream must not be used afterwards.
type Stream interface {
	Next() (Frame, error)
}

// Decoder builds a Stream over the raw bytes of one track.
type Decoder interface {
	Name() string
	Decode(buf []byte) Stream
}

// Titled is implemented by streams that know the name of the track they play.
type Titled interface {
	Title() string
}

// Timed is implemented by streams that know the length of their track.
type Timed interface {
	Duration() time.Duration
}
