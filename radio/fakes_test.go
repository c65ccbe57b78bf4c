package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aposazhennikov/jukebox/decoder"
)

const (
	mp3FrameSamples = 1152
	mp3SampleRate   = 44100
)

// fakeStream yields frames whose payload encodes the track number and frame index.
type fakeStream struct {
	track  int
	frames int
	rate   int
	pos    int
	err    error // returned instead of io.EOF once frames run out
	events *eventLog
}

func (s *fakeStream) Next() (decoder.Frame, error) {
	if s.pos >= s.frames {
		if s.err != nil {
			return decoder.Frame{}, s.err
		}
		return decoder.Frame{}, io.EOF
	}
	s.pos++
	s.events.add("frame")
	return decoder.Frame{
		Data:       []byte(fmt.Sprintf("t%d-f%d", s.track, s.pos)),
		Samples:    mp3FrameSamples,
		SampleRate: s.rate,
	}, nil
}

func (s *fakeStream) Title() string {
	return fmt.Sprintf("track-%d", s.track)
}

func (s *fakeStream) Duration() time.Duration {
	return time.Duration(s.frames*mp3FrameSamples) * time.Second / time.Duration(s.rate)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakePlaylist hands out numbered fakeStreams and records which operation was used.
type fakePlaylist struct {
	mu             sync.Mutex
	framesPerTrack int
	rate           int
	trackErr       error
	fetchErr       error
	tracks         int
	calls          map[string]int
	events         *eventLog
}

func newFakePlaylist(framesPerTrack int) *fakePlaylist {
	return &fakePlaylist{
		framesPerTrack: framesPerTrack,
		rate:           mp3SampleRate,
		calls:          make(map[string]int),
		events:         &eventLog{},
	}
}

func (p *fakePlaylist) stream(op string) (decoder.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[op]++
	p.events.add(op)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	p.tracks++
	return &fakeStream{
		track:  p.tracks,
		frames: p.framesPerTrack,
		rate:   p.rate,
		err:    p.trackErr,
		events: p.events,
	}, nil
}

func (p *fakePlaylist) Next(context.Context) (decoder.Stream, error) { return p.stream("next") }

func (p *fakePlaylist) Prev(context.Context) (decoder.Stream, error) { return p.stream("prev") }

func (p *fakePlaylist) Rewind(context.Context) (decoder.Stream, error) {
	return p.stream("rewind")
}

func (p *fakePlaylist) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

var errBrokenFrame = errors.New("broken frame")
