package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/aposazhennikov/jukebox/config"
	"github.com/aposazhennikov/jukebox/decoder/mp3"
	httpServer "github.com/aposazhennikov/jukebox/http"
	"github.com/aposazhennikov/jukebox/library"
	"github.com/aposazhennikov/jukebox/logger"
	"github.com/aposazhennikov/jukebox/playlist"
	"github.com/aposazhennikov/jukebox/radio"
	sentryhelper "github.com/aposazhennikov/jukebox/sentry_helper"
)

const release = "jukebox@1.0.0"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
		os.Exit(2)
	}

	log := logger.NewLogger(cfg.LoggerConfig())
	slog.SetDefault(log)
	logger.LogConfigEvent(log, slog.LevelInfo, "Configuration loaded",
		slog.Int("port", cfg.Port),
		slog.Any("audio_dirs", cfg.AudioDirs),
		slog.Any("channel_dirs", cfg.ChannelDirs),
		slog.String("default_channel", cfg.DefaultChannel),
		slog.Bool("shuffle", cfg.Shuffle),
		slog.Int("listener_max_pending", cfg.ListenerMaxPending))

	sentry, err := sentryhelper.Init(cfg.SentryDSN, cfg.Environment, release, log)
	if err != nil {
		log.Error("Sentry initialization failed, error reporting disabled", slog.String("error", err.Error()))
		sentry = sentryhelper.NewSentryHelper(false, log)
	}
	defer sentry.SafeFlush(2 * time.Second)

	if err := run(cfg, log, sentry); err != nil {
		log.Error("Server stopped with error", slog.String("error", err.Error()))
		sentry.CaptureError(err, "main", "run")
		sentry.SafeFlush(2 * time.Second)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger, sentry *sentryhelper.SentryHelper) error {
	dec := mp3.NewDecoder()
	libOpts := []library.Option{
		library.WithLogger(log),
		library.WithSentry(sentry),
		library.WithWatch(cfg.Watch),
	}

	shared, err := library.New(cfg.AudioDirs, dec, libOpts...)
	if err != nil {
		return fmt.Errorf("load library: %w", err)
	}
	libraries := []*library.File{shared}
	defer func() {
		for _, lib := range libraries {
			_ = lib.Close()
		}
	}()

	base := playlist.New(shared, cfg.Shuffle, log)
	dedicated := make(map[string]*playlist.Playlist, len(cfg.ChannelDirs))
	for name, dir := range cfg.ChannelDirs {
		lib, err := library.New([]string{dir}, dec, libOpts...)
		if err != nil {
			return fmt.Errorf("load library for channel %s: %w", name, err)
		}
		libraries = append(libraries, lib)
		dedicated[name] = playlist.New(lib, cfg.Shuffle, log)
	}

	newPlaylist := func(channel string) radio.Playlist {
		if p, ok := dedicated[channel]; ok {
			return p.Clone()
		}
		return base.Clone()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := radio.NewManager(newPlaylist, radio.WithLogger(log), radio.WithSentry(sentry))
	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	serverOpts := []httpServer.Option{
		httpServer.WithLogger(log),
		httpServer.WithSentry(sentry),
		httpServer.WithDefaultChannel(cfg.DefaultChannel),
		httpServer.WithListenerMaxPending(cfg.ListenerMaxPending),
	}
	for _, lib := range libraries {
		serverOpts = append(serverOpts, httpServer.WithReloader(lib))
	}
	server := httpServer.NewServer(manager, serverOpts...)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end when the process starts shutting down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server started", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received")
			done = true
		case err := <-serveErr:
			stop()
			<-manager.Done()
			return fmt.Errorf("http server: %w", err)
		case <-hup:
			log.Info("SIGHUP received, reloading libraries")
			for _, lib := range libraries {
				if err := lib.Reload(); err != nil {
					log.Error("Library reload failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	select {
	case <-manager.Done():
	case <-shutdownCtx.Done():
		log.Warn("Scheduler did not stop in time")
	}
	log.Info("Server stopped")
	return nil
}
