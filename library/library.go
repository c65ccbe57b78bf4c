// Package library indexes audio files on disk and loads them as frame streams.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/fsnotify/fsnotify"
	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/aposazhennikov/jukebox/decoder"
	"github.com/aposazhennikov/jukebox/logger"
	sentryhelper "github.com/aposazhennikov/jukebox/sentry_helper"
)

var (
	// ErrEmpty is returned when no playable file is indexed.
	ErrEmpty = errors.New("library is empty")
	// ErrNotFound is returned for an unknown track id.
	ErrNotFound = errors.New("track not found")
)

// Supported audio file formats.
var supportedExtensions = map[string]bool{
	".mp3": true,
}

// Track describes one indexed file. ID is stable across reloads as long as the file keeps its path.
type Track struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	// Duration is measured when the file is indexed, zero if it could not be read.
	Duration time.Duration `json:"duration"`
}

// DurationFunc measures the playing time of the file at path.
type DurationFunc func(path string) (time.Duration, error)

type measured struct {
	size     int64
	modTime  time.Time
	duration time.Duration
}

// File is a library backed by one or more directories.
type File struct {
	dirs    []string
	decoder decoder.Decoder

	mutex  sync.RWMutex
	tracks []Track
	byID   map[string]int

	// scan serializes reloads and guards durations.
	scan      sync.Mutex
	durations map[string]measured
	measure   DurationFunc

	watch    bool
	watcher  *fsnotify.Watcher
	onChange func()
	wg       sync.WaitGroup

	logger *slog.Logger
	sentry *sentryhelper.SentryHelper
}

// Option configures a File library.
type Option func(*File)

// WithLogger sets the library logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// WithSentry sets the helper used to report scan failures.
func WithSentry(h *sentryhelper.SentryHelper) Option {
	return func(f *File) { f.sentry = h }
}

// WithWatch enables reloading the index when files are added or removed.
func WithWatch(enabled bool) Option {
	return func(f *File) { f.watch = enabled }
}

// WithOnChange registers a callback run after every watch-triggered reload.
func WithOnChange(fn func()) Option {
	return func(f *File) { f.onChange = fn }
}

// WithDurationFunc replaces the function measuring track durations at index time.
// A nil fn leaves every duration at zero.
func WithDurationFunc(fn DurationFunc) Option {
	return func(f *File) { f.measure = fn }
}

// New indexes dirs and returns the library. Missing directories are logged and skipped.
// With watching enabled every indexed directory, nested ones included, is watched.
func New(dirs []string, dec decoder.Decoder, opts ...Option) (*File, error) {
	f := &File{
		dirs:      append([]string(nil), dirs...),
		decoder:   dec,
		byID:      make(map[string]int),
		durations: make(map[string]measured),
		measure:   MP3Duration,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logger.WithComponent(f.logger, "library")
	if f.sentry == nil {
		f.sentry = sentryhelper.NewSentryHelper(false, f.logger)
	}

	if f.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.sentry.CaptureError(err, "library", "watch")
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		f.watcher = watcher
	}

	if err := f.Reload(); err != nil {
		if f.watcher != nil {
			_ = f.watcher.Close()
		}
		return nil, err
	}

	if f.watcher != nil {
		f.wg.Add(1)
		go f.watchDirectories()
	}
	return f, nil
}

// Close stops the directory watcher.
func (f *File) Close() error {
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.wg.Wait()
	return err
}

// Reload rescans every directory. Durations are only measured again for files whose size
// or modification time changed.
func (f *File) Reload() error {
	f.scan.Lock()
	defer f.scan.Unlock()

	var tracks []Track
	durations := make(map[string]measured, len(f.durations))

	for _, dir := range f.dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("Audio directory does not exist", slog.String("directory", dir))
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				f.logger.Warn("Cannot access path", slog.String("path", path), slog.String("error", err.Error()))
				return nil
			}
			if d.IsDir() {
				f.watchDirectory(path)
				return nil
			}
			if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			m := f.duration(path, info)
			durations[path] = m
			tracks = append(tracks, Track{
				ID:       path,
				Name:     strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
				Path:     path,
				Size:     info.Size(),
				Duration: m.duration,
			})
			return nil
		})
		if err != nil {
			f.sentry.CaptureError(err, "library", "scan")
			return fmt.Errorf("scan %s: %w", dir, err)
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Path < tracks[j].Path })
	byID := make(map[string]int, len(tracks))
	for i, t := range tracks {
		byID[t.ID] = i
	}

	f.durations = durations
	f.mutex.Lock()
	f.tracks = tracks
	f.byID = byID
	f.mutex.Unlock()

	f.logger.Info("Library loaded",
		slog.Any("directories", f.dirs),
		slog.Int("tracks", len(tracks)))
	if len(tracks) == 0 {
		f.logger.Warn("No audio files found", slog.Any("directories", f.dirs))
	}
	return nil
}

// duration returns the cached measurement for path while the file is unchanged. Called
// with f.scan held.
func (f *File) duration(path string, info fs.FileInfo) measured {
	m, ok := f.durations[path]
	if ok && m.size == info.Size() && m.modTime.Equal(info.ModTime()) {
		return m
	}

	m = measured{size: info.Size(), modTime: info.ModTime()}
	if f.measure == nil {
		return m
	}
	d, err := f.measure(path)
	if err != nil {
		f.logger.Warn("Cannot measure track duration", slog.String("path", path), slog.String("error", err.Error()))
		return m
	}
	m.duration = d
	return m
}

// watchDirectory adds dir to the watcher. Adding a watched directory again is a no-op.
func (f *File) watchDirectory(dir string) {
	if f.watcher == nil {
		return
	}
	if err := f.watcher.Add(dir); err != nil {
		f.logger.Warn("Directory not watched", slog.String("directory", dir), slog.String("error", err.Error()))
	}
}

// Tracks returns a copy of the index, sorted by path.
func (f *File) Tracks() []Track {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	tracks := make([]Track, len(f.tracks))
	copy(tracks, f.tracks)
	return tracks
}

// Random loads a uniformly chosen track.
func (f *File) Random(ctx context.Context) (Track, decoder.Stream, error) {
	f.mutex.RLock()
	if len(f.tracks) == 0 {
		f.mutex.RUnlock()
		return Track{}, nil, ErrEmpty
	}
	track := f.tracks[rand.Intn(len(f.tracks))]
	f.mutex.RUnlock()

	stream, err := f.load(ctx, track)
	if err != nil {
		return Track{}, nil, err
	}
	return track, stream, nil
}

// Get loads the track with the given id.
func (f *File) Get(ctx context.Context, id string) (decoder.Stream, error) {
	f.mutex.RLock()
	i, ok := f.byID[id]
	var track Track
	if ok {
		track = f.tracks[i]
	}
	f.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return f.load(ctx, track)
}

func (f *File) load(ctx context.Context, track Track) (decoder.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(track.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", track.ID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", track.Path, err)
	}

	return &titledStream{
		Stream:   f.decoder.Decode(data),
		title:    track.Name,
		duration: track.Duration,
	}, nil
}

// MP3Duration measures an MP3 file with go-mp3, which walks the frame headers without
// decoding the audio.
func MP3Duration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	d, err := gomp3.NewDecoder(file)
	if err != nil {
		return 0, fmt.Errorf("open mp3 %s: %w", path, err)
	}
	// go-mp3 always produces 16-bit stereo PCM.
	samples := d.Length() / 4
	return beep.SampleRate(d.SampleRate()).D(int(samples)), nil
}

// relevant reports whether event can change the index: a supported file appearing or
// going away, a new directory, or a removed entry that may have been a directory.
func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	if supportedExtensions[ext] {
		return true
	}
	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		return err == nil && info.IsDir()
	}
	return ext == ""
}

func (f *File) watchDirectories() {
	defer f.wg.Done()

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}

			f.logger.Info("Change detected in library", slog.String("file", event.Name), slog.String("op", event.Op.String()))
			if err := f.Reload(); err != nil {
				f.logger.Error("Error reloading library", slog.String("error", err.Error()))
				continue
			}
			if f.onChange != nil {
				f.onChange()
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("fsnotify error", slog.String("error", err.Error()))
			f.sentry.CaptureError(err, "library", "watch")
		}
	}
}

type titledStream struct {
	decoder.Stream
	title    string
	duration time.Duration
}

func (s *titledStream) Title() string {
	return s.title
}

func (s *titledStream) Duration() time.Duration {
	return s.duration
}
