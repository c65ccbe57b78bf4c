package radio

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/jukebox/audio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type factoryRecorder struct {
	mu        sync.Mutex
	names     []string
	playlists map[string]*fakePlaylist
}

func newFactoryRecorder() *factoryRecorder {
	return &factoryRecorder{playlists: make(map[string]*fakePlaylist)}
}

func (f *factoryRecorder) factory(name string) Playlist {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	pl := newFakePlaylist(100000)
	f.playlists[name] = pl
	return pl
}

func (f *factoryRecorder) created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

// startManager runs m until the test ends.
func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func TestManagerCreatesChannelsOnDemand(t *testing.T) {
	rec := newFactoryRecorder()
	m := NewManager(rec.factory)
	startManager(t, m)

	cmd := m.Command()
	ctx := context.Background()
	require.NoError(t, cmd.Next(ctx, "jazz"))
	require.NoError(t, cmd.Rewind(ctx, "jazz"))
	require.NoError(t, cmd.Previous(ctx, "ambient"))

	require.Eventually(t, func() bool {
		return len(m.Channels()) == 2
	}, time.Second, 10*time.Millisecond)

	statuses := m.Channels()
	assert.Equal(t, "ambient", statuses[0].Name)
	assert.Equal(t, "jazz", statuses[1].Name)
	assert.True(t, statuses[1].Paused)
	assert.Equal(t, []string{"jazz", "ambient"}, rec.created(), "one playlist per channel")
}

func TestManagerDeliversFramesToListeners(t *testing.T) {
	rec := newFactoryRecorder()
	m := NewManager(rec.factory)
	startManager(t, m)

	l := audio.NewListener()
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Command().Register(ctx, "radio", l))

	first, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1-f1", string(first))

	second, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1-f2", string(second))

	require.Eventually(t, func() bool {
		s := m.Channels()
		return len(s) == 1 && !s[0].Paused && s[0].Listeners == 1 && s[0].Track == "track-1"
	}, time.Second, 10*time.Millisecond)
}

func TestManagerPausesWhenListenerLeaves(t *testing.T) {
	m := NewManager(newFactoryRecorder().factory)
	startManager(t, m)

	l := audio.NewListener()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Command().Register(ctx, "radio", l))
	_, err := l.Next(ctx)
	require.NoError(t, err)

	l.Close()
	require.Eventually(t, func() bool {
		s := m.Channels()
		return len(s) == 1 && s[0].Paused && s[0].Listeners == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCommandAfterStopReturnsErrClosed(t *testing.T) {
	m := NewManager(newFactoryRecorder().factory)
	cmd := m.Command()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()
	require.NoError(t, cmd.Next(context.Background(), "radio"))

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	<-m.Done()

	assert.ErrorIs(t, cmd.Next(context.Background(), "radio"), ErrClosed)
	assert.ErrorIs(t, cmd.Register(context.Background(), "radio", audio.NewListener()), ErrClosed)
}

func TestZeroCommandIsClosed(t *testing.T) {
	var cmd Command
	assert.ErrorIs(t, cmd.Rewind(context.Background(), "radio"), ErrClosed)
}

func TestManagerRunsOnce(t *testing.T) {
	m := NewManager(newFactoryRecorder().factory)
	startManager(t, m)

	require.Eventually(t, func() bool {
		return m.running.Load()
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)
}

func TestCommandBlocksWhileInboxFull(t *testing.T) {
	m := NewManager(newFactoryRecorder().factory)
	cmd := m.Command()

	for i := 0; i < InboxCapacity; i++ {
		require.NoError(t, cmd.Next(context.Background(), "radio"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cmd.Next(ctx, "radio"), context.DeadlineExceeded)
}

func TestManagerTickCatchesUpToDeadline(t *testing.T) {
	m := NewManager(newFactoryRecorder().factory, WithClock(func() time.Time { return epoch }))
	l := audio.NewListener()
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, m.Command().Register(ctx, "radio", l))

	// Drive the loop by hand: dispatch the queued registration, then tick at fixed deadlines.
	m.dispatch(ctx, <-m.inbox)
	for i := 0; i <= 3; i++ {
		m.tick(ctx, epoch.Add(time.Duration(i)*TickPeriod))
	}

	assert.Equal(t, 12, l.Pending())
	assert.Equal(t, 313469*time.Microsecond, m.channels["radio"].PlaybackTime().Sub(epoch))
}

func TestManagerRunCatchesUpOnFixedDeadlines(t *testing.T) {
	// The scheduler starts at epoch, then the wall clock reads one second later: every
	// timer reset is negative until the deadlines have caught up.
	var calls atomic.Int32
	clock := func() time.Time {
		if calls.Add(1) == 1 {
			return epoch
		}
		return epoch.Add(time.Second)
	}
	m := NewManager(newFactoryRecorder().factory, WithClock(clock))
	l := audio.NewListener()
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Command().Register(ctx, "radio", l))
	go func() { _ = m.Run(ctx) }()

	// The track starts at the first tick the listener sees, epoch or epoch+100ms, so
	// catching up to epoch+1s plays at least 900ms. Real ticks alone would need nine
	// periods to get there.
	var st Status
	require.Eventually(t, func() bool {
		s := m.Channels()
		if len(s) != 1 {
			return false
		}
		st = s[0]
		return st.Position >= 900*time.Millisecond
	}, 500*time.Millisecond, time.Millisecond)

	frame := time.Duration(mp3FrameSamples) * time.Second / mp3SampleRate
	assert.Less(t, st.Position%TickPeriod, frame, "each tick stops within one frame of its deadline")
	assert.GreaterOrEqual(t, l.Pending(), 35)
}
