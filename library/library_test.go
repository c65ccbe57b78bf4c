package library

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/jukebox/decoder"
	"github.com/aposazhennikov/jukebox/decoder/mp3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mp3Frames builds n silent MPEG-1 Layer III frames (128 kbps, 44.1 kHz, 417 bytes each).
func mp3Frames(n int) []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	return bytes.Repeat(frame, n)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newTestLibrary(t *testing.T, dirs []string, opts ...Option) *File {
	t.Helper()
	opts = append([]Option{WithDurationFunc(nil)}, opts...)
	lib, err := New(dirs, mp3.NewDecoder(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, lib.Close()) })
	return lib
}

func countFrames(t *testing.T, s decoder.Stream) int {
	t.Helper()
	n := 0
	for {
		_, err := s.Next()
		if errors.Is(err, io.EOF) {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestLibraryIndexesSupportedFilesSorted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.mp3"), mp3Frames(2))
	writeFile(t, filepath.Join(dir, "a.MP3"), mp3Frames(1))
	writeFile(t, filepath.Join(dir, "nested", "c.mp3"), mp3Frames(3))
	writeFile(t, filepath.Join(dir, "cover.jpg"), []byte("jpeg"))

	lib := newTestLibrary(t, []string{dir})
	tracks := lib.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, "a", tracks[0].Name)
	assert.Equal(t, "b", tracks[1].Name)
	assert.Equal(t, "c", tracks[2].Name)
	assert.Equal(t, int64(417), tracks[0].Size)
}

func TestLibraryGetLoadsTitledStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")
	writeFile(t, path, mp3Frames(3))

	lib := newTestLibrary(t, []string{dir})
	stream, err := lib.Get(context.Background(), path)
	require.NoError(t, err)

	titled, ok := stream.(decoder.Titled)
	require.True(t, ok)
	assert.Equal(t, "song", titled.Title())
	assert.Equal(t, 3, countFrames(t, stream))
}

func TestLibraryGetUnknownTrack(t *testing.T) {
	lib := newTestLibrary(t, []string{t.TempDir()})
	_, err := lib.Get(context.Background(), "nope.mp3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLibraryGetDeletedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.mp3")
	writeFile(t, path, mp3Frames(1))
	lib := newTestLibrary(t, []string{dir})

	require.NoError(t, os.Remove(path))
	_, err := lib.Get(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLibraryRandom(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.mp3"), mp3Frames(1))
	writeFile(t, filepath.Join(dir, "two.mp3"), mp3Frames(2))
	lib := newTestLibrary(t, []string{dir})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		track, stream, err := lib.Random(context.Background())
		require.NoError(t, err)
		require.NotNil(t, stream)
		seen[track.Name] = true
	}
	assert.NotEmpty(t, seen)
	for name := range seen {
		assert.Contains(t, []string{"one", "two"}, name)
	}
}

func TestLibraryEmptyAndMissingDirectories(t *testing.T) {
	lib := newTestLibrary(t, []string{t.TempDir(), filepath.Join(t.TempDir(), "missing")})
	assert.Empty(t, lib.Tracks())

	_, _, err := lib.Random(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLibraryHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")
	writeFile(t, path, mp3Frames(1))
	lib := newTestLibrary(t, []string{dir})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lib.Get(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLibraryMultipleDirectories(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "x.mp3"), mp3Frames(1))
	writeFile(t, filepath.Join(second, "y.mp3"), mp3Frames(1))

	lib := newTestLibrary(t, []string{first, second})
	assert.Len(t, lib.Tracks(), 2)
}

func TestLibraryWatchReloadsOnNewFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.mp3"), mp3Frames(1))

	changed := make(chan struct{}, 8)
	lib := newTestLibrary(t, []string{dir}, WithWatch(true), WithOnChange(func() {
		changed <- struct{}{}
	}))
	require.Len(t, lib.Tracks(), 1)

	writeFile(t, filepath.Join(dir, "second.mp3"), mp3Frames(1))
	require.Eventually(t, func() bool {
		return len(lib.Tracks()) == 2
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("change callback not called")
	}
}

func TestLibraryMeasuresDurationWhenIndexing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")
	writeFile(t, path, mp3Frames(3))

	lib := newTestLibrary(t, []string{dir}, WithDurationFunc(MP3Duration))
	tracks := lib.Tracks()
	require.Len(t, tracks, 1)

	// 3 frames of 1152 samples at 44.1kHz.
	want := 3 * 1152 * time.Second / 44100
	assert.InDelta(t, float64(want), float64(tracks[0].Duration), float64(time.Millisecond))

	stream, err := lib.Get(context.Background(), path)
	require.NoError(t, err)
	timed, ok := stream.(decoder.Timed)
	require.True(t, ok)
	assert.Equal(t, tracks[0].Duration, timed.Duration())
}

func TestLibraryMeasuresOnlyChangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), mp3Frames(1))
	writeFile(t, filepath.Join(dir, "b.mp3"), mp3Frames(1))
	writeFile(t, filepath.Join(dir, "broken.mp3"), []byte("not audio"))

	var (
		mu    sync.Mutex
		calls = make(map[string]int)
	)
	measure := func(path string) (time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[filepath.Base(path)]++
		if filepath.Base(path) == "broken.mp3" {
			return 0, errors.New("no frame header")
		}
		return time.Minute, nil
	}
	count := func(name string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[name]
	}

	lib := newTestLibrary(t, []string{dir}, WithDurationFunc(measure))
	tracks := lib.Tracks()
	require.Len(t, tracks, 3)
	assert.Equal(t, time.Minute, tracks[0].Duration)
	assert.Zero(t, tracks[2].Duration, "unreadable files stay indexed without a duration")

	require.NoError(t, lib.Reload())
	assert.Equal(t, 1, count("a.mp3"))
	assert.Equal(t, 1, count("b.mp3"))

	writeFile(t, filepath.Join(dir, "b.mp3"), mp3Frames(2))
	require.NoError(t, lib.Reload())
	assert.Equal(t, 1, count("a.mp3"))
	assert.Equal(t, 2, count("b.mp3"))
}

func TestLibraryWatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "albums", "first.mp3"), mp3Frames(1))

	lib := newTestLibrary(t, []string{dir}, WithWatch(true))
	require.Len(t, lib.Tracks(), 1)

	writeFile(t, filepath.Join(dir, "albums", "second.mp3"), mp3Frames(1))
	require.Eventually(t, func() bool {
		return len(lib.Tracks()) == 2
	}, 2*time.Second, 20*time.Millisecond, "file added to an existing subdirectory")

	writeFile(t, filepath.Join(dir, "singles", "2024", "third.mp3"), mp3Frames(1))
	require.Eventually(t, func() bool {
		return len(lib.Tracks()) == 3
	}, 2*time.Second, 20*time.Millisecond, "file added under a new subdirectory")

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "albums")))
	require.Eventually(t, func() bool {
		return len(lib.Tracks()) == 1
	}, 2*time.Second, 20*time.Millisecond, "removed subdirectory")
}
