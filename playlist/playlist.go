// Package playlist implements the track-selection cursor a channel plays from.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aposazhennikov/jukebox/decoder"
	"github.com/aposazhennikov/jukebox/library"
	"github.com/aposazhennikov/jukebox/logger"
)

// maxHistorySize bounds the number of tracks Prev can walk back through.
const maxHistorySize = 100

// Library is the track source a Playlist selects from.
type Library interface {
	Tracks() []library.Track
	Random(ctx context.Context) (library.Track, decoder.Stream, error)
	Get(ctx context.Context, id string) (decoder.Stream, error)
}

// Playlist is a cursor over a Library. In shuffle mode Next picks a random track,
// otherwise it walks the library in order and wraps around.
//
// A Playlist is not safe for concurrent use; each channel owns its own copy.
type Playlist struct {
	library Library
	shuffle bool

	current string
	history []string

	logger *slog.Logger
}

// New creates a playlist over lib.
func New(lib Library, shuffle bool, log *slog.Logger) *Playlist {
	return &Playlist{
		library: lib,
		shuffle: shuffle,
		logger:  logger.WithComponent(log, "playlist"),
	}
}

// Clone returns an independent cursor over the same library, with no current track
// and an empty history.
func (p *Playlist) Clone() *Playlist {
	return &Playlist{
		library: p.library,
		shuffle: p.shuffle,
		logger:  p.logger,
	}
}

// Current returns the id of the track last handed out.
func (p *Playlist) Current() string {
	return p.current
}

// History returns the ids Prev would walk back through, oldest first.
func (p *Playlist) History() []string {
	return append([]string(nil), p.history...)
}

// Next selects the following track.
func (p *Playlist) Next(ctx context.Context) (decoder.Stream, error) {
	if p.shuffle {
		track, stream, err := p.library.Random(ctx)
		if err != nil {
			return nil, err
		}
		p.advanceTo(track.ID)
		return stream, nil
	}

	tracks := p.library.Tracks()
	if len(tracks) == 0 {
		return nil, library.ErrEmpty
	}
	next := 0
	for i, t := range tracks {
		if t.ID == p.current {
			next = (i + 1) % len(tracks)
			break
		}
	}

	stream, err := p.library.Get(ctx, tracks[next].ID)
	if err != nil {
		return nil, fmt.Errorf("next track: %w", err)
	}
	p.advanceTo(tracks[next].ID)
	return stream, nil
}

// Prev returns to the most recently played track, or behaves like Next when there is
// nothing to go back to.
func (p *Playlist) Prev(ctx context.Context) (decoder.Stream, error) {
	for len(p.history) > 0 {
		id := p.history[len(p.history)-1]
		p.history = p.history[:len(p.history)-1]

		stream, err := p.library.Get(ctx, id)
		if errors.Is(err, library.ErrNotFound) {
			p.logger.Info("Previous track no longer in library", slog.String("track", id))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("previous track: %w", err)
		}
		p.current = id
		return stream, nil
	}
	return p.Next(ctx)
}

// Rewind restarts the current track, or behaves like Next when there is none.
func (p *Playlist) Rewind(ctx context.Context) (decoder.Stream, error) {
	if p.current != "" {
		stream, err := p.library.Get(ctx, p.current)
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, library.ErrNotFound) {
			return nil, fmt.Errorf("rewind track: %w", err)
		}
		p.logger.Info("Current track no longer in library", slog.String("track", p.current))
	}
	return p.Next(ctx)
}

func (p *Playlist) advanceTo(id string) {
	if p.current != "" {
		p.history = append(p.history, p.current)
		if len(p.history) > maxHistorySize {
			p.history = p.history[len(p.history)-maxHistorySize:]
		}
	}
	p.current = id
}
