package radio

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aposazhennikov/jukebox/logger"
	sentryhelper "github.com/aposazhennikov/jukebox/sentry_helper"
)

const (
	// TickPeriod is the interval at which every channel catches up its decode position.
	TickPeriod = 100 * time.Millisecond
	// InboxCapacity bounds the number of queued control commands.
	InboxCapacity = 128
)

var (
	// ErrClosed is returned by command handles once the scheduler loop has stopped.
	ErrClosed = errors.New("channel closed")
	// ErrAlreadyRunning is returned when Run is called on a manager that already ran.
	ErrAlreadyRunning = errors.New("manager already running")
)

// PlaylistFactory returns the playlist cursor for a newly created channel.
type PlaylistFactory func(channel string) Playlist

type message struct {
	name   string
	action Action
}

// Manager owns every channel and runs the scheduling loop.
type Manager struct {
	newPlaylist PlaylistFactory
	inbox       chan message
	done        chan struct{}
	running     atomic.Bool

	// channels is only touched by the Run goroutine.
	channels map[string]*Channel

	statusMutex sync.RWMutex
	status      map[string]Status

	now    func() time.Time
	logger *slog.Logger
	sentry *sentryhelper.SentryHelper
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and its channels.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithSentry sets the Sentry helper used to report channel failures.
func WithSentry(h *sentryhelper.SentryHelper) Option {
	return func(m *Manager) {
		m.sentry = h
	}
}

// WithClock replaces time.Now as the source of the first tick deadline and channel origins.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a scheduler. Channels are created lazily, on the first command that
// names them, each with its own playlist cursor from newPlaylist.
func NewManager(newPlaylist PlaylistFactory, opts ...Option) *Manager {
	m := &Manager{
		newPlaylist: newPlaylist,
		inbox:       make(chan message, InboxCapacity),
		done:        make(chan struct{}),
		channels:    make(map[string]*Channel),
		status:      make(map[string]Status),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.WithComponent(m.logger, "scheduler")
	if m.sentry == nil {
		m.sentry = sentryhelper.NewSentryHelper(false, m.logger)
	}
	return m
}

// Command returns a handle for enqueueing control actions.
func (m *Manager) Command() Command {
	return Command{inbox: m.inbox, done: m.done}
}

// Run executes the scheduling loop until ctx is done. Ticks are scheduled at fixed
// deadlines computed from the previous deadline, so a slow tick is followed by an
// immediate one instead of shifting the schedule.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	m.logger.Info("Scheduler started", slog.Duration("tick", TickPeriod))

	deadline := m.now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Scheduler stopped", slog.Int("channels", len(m.channels)))
			return ctx.Err()
		case <-timer.C:
			m.tick(ctx, deadline)
			deadline = deadline.Add(TickPeriod)
			timer.Reset(deadline.Sub(m.now()))
		case msg := <-m.inbox:
			m.dispatch(ctx, msg)
		}
	}
}

// Channels returns the statuses published after the last tick, sorted by name.
func (m *Manager) Channels() []Status {
	m.statusMutex.RLock()
	defer m.statusMutex.RUnlock()

	out := make([]Status, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) tick(ctx context.Context, deadline time.Time) {
	for _, ch := range m.channels {
		ch.Advance(ctx, deadline)
	}
	m.publish()
}

func (m *Manager) dispatch(ctx context.Context, msg message) {
	ch, ok := m.channels[msg.name]
	if !ok {
		ch = NewChannel(msg.name, m.newPlaylist(msg.name), m.now(), m.logger, m.sentry)
		m.channels[msg.name] = ch
		m.logger.Info("Channel created", slog.String("channel", msg.name))
	}

	if err := ch.Apply(ctx, msg.action); err != nil {
		m.logger.Error("Channel action failed",
			slog.String("channel", msg.name),
			slog.String("action", msg.action.Kind.String()),
			slog.String("error", err.Error()))
	}
	m.publishOne(ch)
}

func (m *Manager) publish() {
	m.statusMutex.Lock()
	defer m.statusMutex.Unlock()
	for name, ch := range m.channels {
		m.status[name] = ch.Status()
	}
}

func (m *Manager) publishOne(ch *Channel) {
	m.statusMutex.Lock()
	defer m.statusMutex.Unlock()
	m.status[ch.Name()] = ch.Status()
}
