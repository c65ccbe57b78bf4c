// Package radio schedules channels and broadcasts their decoded frames to listeners.
//
// A Manager owns every Channel and drives them from a single goroutine: periodic ticks
// make each channel decode up to the scheduler time, and control commands are applied
// between ticks. Nothing else touches a Channel, so channels need no locking.
package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aposazhennikov/jukebox/audio"
	"github.com/aposazhennikov/jukebox/decoder"
	"github.com/aposazhennikov/jukebox/logger"
	sentryhelper "github.com/aposazhennikov/jukebox/sentry_helper"
)

// maxConsecutiveFailures bounds how many tracks in a row may end without producing a
// frame before the channel gives up for the current tick. A channel that gives up or
// cannot fetch a track skips its clocks to the tick target, so the silence is not
// decoded as a backlog once tracks play again.
const maxConsecutiveFailures = 5

// Playlist yields a fresh frame stream for the track it selects.
type Playlist interface {
	Next(ctx context.Context) (decoder.Stream, error)
	Prev(ctx context.Context) (decoder.Stream, error)
	Rewind(ctx context.Context) (decoder.Stream, error)
}

// ActionKind enumerates the control actions a channel accepts.
type ActionKind int

const (
	ActionRegister ActionKind = iota
	ActionNext
	ActionPrevious
	ActionRewind
)

func (k ActionKind) String() string {
	switch k {
	case ActionRegister:
		return "register"
	case ActionNext:
		return "next"
	case ActionPrevious:
		return "previous"
	case ActionRewind:
		return "rewind"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is one control action. Listener is only set for ActionRegister.
type Action struct {
	Kind     ActionKind
	Listener audio.ListenerRef
}

// Status is a point-in-time view of a channel.
type Status struct {
	Name      string        `json:"name"`
	Listeners int           `json:"listeners"`
	Paused    bool          `json:"paused"`
	Track     string        `json:"track"`
	Position  time.Duration `json:"-"`
	Seconds   float64       `json:"position_seconds"`
	// Duration is zero when the track length is unknown.
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
}

// Channel is one named playback session.
type Channel struct {
	name     string
	playlist Playlist

	stream     decoder.Stream
	track      string
	duration   time.Duration
	produced   bool
	stalled    bool
	clock      *Clock
	trackStart *Clock
	pausedAt   *time.Time

	listeners []audio.ListenerRef

	logger *slog.Logger
	// events carries no channel attribute; LogPlaybackEvent adds it.
	events *slog.Logger
	sentry *sentryhelper.SentryHelper
}

// NewChannel creates a paused channel whose clock starts at now.
func NewChannel(name string, playlist Playlist, now time.Time, log *slog.Logger, sentry *sentryhelper.SentryHelper) *Channel {
	if sentry == nil {
		sentry = sentryhelper.NewSentryHelper(false, log)
	}
	pausedAt := now
	base := logger.WithComponent(log, "channel")
	return &Channel{
		name:       name,
		playlist:   playlist,
		clock:      NewClock(now),
		trackStart: NewClock(now),
		pausedAt:   &pausedAt,
		logger:     logger.WithChannel(base, name),
		events:     base,
		sentry:     sentry,
	}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Register subscribes a listener. It receives frames from the next decode step onward.
func (c *Channel) Register(ref audio.ListenerRef) {
	c.listeners = append(c.listeners, ref)
}

// PlaybackTime returns the stream clock reading.
func (c *Channel) PlaybackTime() time.Time {
	return c.clock.Now()
}

// Paused reports whether the channel is idle for lack of listeners.
func (c *Channel) Paused() bool {
	return c.pausedAt != nil
}

// Status returns a snapshot of the channel.
func (c *Channel) Status() Status {
	position := c.clock.Sub(c.trackStart)
	return Status{
		Name:      c.name,
		Listeners: len(c.listeners),
		Paused:    c.Paused(),
		Track:     c.track,
		Position:  position,
		Seconds:   position.Seconds(),

		Duration:        c.duration,
		DurationSeconds: c.duration.Seconds(),
	}
}

// Advance decodes and broadcasts frames until the stream clock reaches target.
// A channel without listeners pauses instead; on resume both clocks are shifted by the
// time spent paused so no backlog is decoded.
func (c *Channel) Advance(ctx context.Context, target time.Time) {
	c.prune()
	channelListeners.WithLabelValues(c.name).Set(float64(len(c.listeners)))

	idle := len(c.listeners) == 0
	switch {
	case c.pausedAt == nil && idle:
		c.pausedAt = &target
		channelPaused.WithLabelValues(c.name).Set(1)
		c.logger.Info("Channel paused, no listeners left")
		return
	case idle:
		return
	case c.pausedAt != nil:
		epsilon := target.Sub(*c.pausedAt)
		c.trackStart.Resync(epsilon)
		c.clock.Resync(epsilon)
		c.pausedAt = nil
		channelPaused.WithLabelValues(c.name).Set(0)
		c.logger.Info("Channel resumed",
			slog.Int("listeners", len(c.listeners)),
			slog.Duration("paused_for", epsilon))
	}

	failures := 0
	for c.clock.Now().Before(target) {
		if ctx.Err() != nil {
			return
		}

		if c.stream == nil {
			if err := c.switchTrack(ctx, ActionNext); err != nil {
				c.stall(target, err)
				return
			}
		}

		frame, err := c.stream.Next()
		if err != nil {
			c.endTrack(err)
			if !c.produced {
				failures++
				if failures >= maxConsecutiveFailures {
					c.stall(target, fmt.Errorf("channel %s: %d tracks in a row without a playable frame", c.name, failures))
					return
				}
			}
			continue
		}

		if !c.produced {
			c.produced = true
			failures = 0
		}
		if c.stalled {
			c.stalled = false
			c.logger.Info("Channel recovered, playing again")
		}
		c.clock.AddFrame(frame.SampleRate, frame.Samples)
		for _, l := range c.listeners {
			l.Push(frame.Data)
		}
		framesBroadcast.WithLabelValues(c.name).Inc()
	}

	position := c.clock.Sub(c.trackStart)
	channelPosition.WithLabelValues(c.name).Set(position.Seconds())
	c.logger.Debug("Channel position",
		slog.Duration("position", position),
		slog.Int("listeners", len(c.listeners)))
}

// stall skips both clocks to target, leaving the track position unchanged. Only the first
// failure of an outage is reported; the rest are logged at debug level.
func (c *Channel) stall(target time.Time, err error) {
	if gap := target.Sub(c.clock.Now()); gap > 0 {
		c.clock.Resync(gap)
		c.trackStart.Resync(gap)
	}

	if c.stalled {
		c.logger.Debug("Channel still stalled", slog.String("error", err.Error()))
		return
	}
	c.stalled = true
	c.logger.Error("Channel stalled, no playable track", slog.String("error", err.Error()))
	c.sentry.CaptureChannelError(err, c.name, ActionNext.String())
}

// Apply performs a control action.
func (c *Channel) Apply(ctx context.Context, action Action) error {
	c.logger.Info("Channel action", slog.String("action", action.Kind.String()))

	switch action.Kind {
	case ActionRegister:
		c.Register(action.Listener)
		return nil
	case ActionNext, ActionPrevious, ActionRewind:
		if err := c.switchTrack(ctx, action.Kind); err != nil {
			c.sentry.CaptureChannelError(err, c.name, action.Kind.String())
			return err
		}
		return nil
	default:
		return fmt.Errorf("channel %s: unknown %s", c.name, action.Kind)
	}
}

func (c *Channel) switchTrack(ctx context.Context, kind ActionKind) error {
	var (
		stream decoder.Stream
		err    error
	)
	switch kind {
	case ActionPrevious:
		stream, err = c.playlist.Prev(ctx)
	case ActionRewind:
		stream, err = c.playlist.Rewind(ctx)
	default:
		stream, err = c.playlist.Next(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s track for channel %s: %w", kind, c.name, err)
	}

	c.stream = stream
	c.produced = false
	c.trackStart = c.clock.Clone()
	c.track = ""
	if titled, ok := stream.(decoder.Titled); ok {
		c.track = titled.Title()
	}
	c.duration = 0
	if timed, ok := stream.(decoder.Timed); ok {
		c.duration = timed.Duration()
	}

	tracksStarted.WithLabelValues(c.name).Inc()
	c.sentry.AddBreadcrumb("channel", "track started", map[string]interface{}{
		"channel": c.name,
		"track":   c.track,
		"action":  kind.String(),
	})
	logger.LogPlaybackEvent(c.events, slog.LevelInfo, "Track started", c.name, c.track,
		slog.String("action", kind.String()),
		slog.Duration("duration", c.duration))
	return nil
}

// endTrack drops the exhausted or broken stream. Decode errors are treated like the end
// of the track but reported.
func (c *Channel) endTrack(err error) {
	if !errors.Is(err, io.EOF) {
		decodeErrors.WithLabelValues(c.name).Inc()
		logger.LogPlaybackEvent(c.events, slog.LevelWarn, "Track ended with decode error", c.name, c.track,
			slog.String("error", err.Error()))
		c.sentry.CaptureChannelError(err, c.name, "decode")
	}
	c.stream = nil
}

// prune drops listeners whose transport side has gone away.
func (c *Channel) prune() {
	live := c.listeners[:0]
	for _, l := range c.listeners {
		if l.Active() {
			live = append(live, l)
		}
	}
	for i := len(live); i < len(c.listeners); i++ {
		c.listeners[i] = audio.ListenerRef{}
	}
	c.listeners = live
}
