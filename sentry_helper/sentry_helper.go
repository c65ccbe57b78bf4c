// Package sentry_helper wraps optional Sentry reporting.
// A nil or disabled *SentryHelper silently drops everything.
package sentry_helper

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryHelper provides safe and optional Sentry operations.
type SentryHelper struct {
	enabled bool
	logger  *slog.Logger
}

// NewSentryHelper creates a new SentryHelper instance.
func NewSentryHelper(enabled bool, logger *slog.Logger) *SentryHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SentryHelper{
		enabled: enabled,
		logger:  logger,
	}
}

// Init initialises the Sentry SDK when dsn is set and returns a helper reporting to it.
// With an empty dsn the returned helper is disabled.
func Init(dsn, environment, release string, logger *slog.Logger) (*SentryHelper, error) {
	if dsn == "" {
		return NewSentryHelper(false, logger), nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return NewSentryHelper(false, logger), fmt.Errorf("sentry init: %w", err)
	}
	return NewSentryHelper(true, logger), nil
}

// IsEnabled returns whether Sentry is enabled.
func (h *SentryHelper) IsEnabled() bool {
	return h != nil && h.enabled
}

// CaptureExceptionWithContext captures an exception with tags and extra context.
func (h *SentryHelper) CaptureExceptionWithContext(err error, tags map[string]string, extra map[string]interface{}) {
	if !h.IsEnabled() || err == nil {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CaptureError captures an error tagged with the component and operation that failed.
func (h *SentryHelper) CaptureError(err error, component string, operation string) {
	h.CaptureExceptionWithContext(err, map[string]string{
		"component": component,
		"operation": operation,
	}, nil)
}

// CaptureChannelError captures an error raised while serving a channel.
func (h *SentryHelper) CaptureChannelError(err error, channel string, operation string) {
	h.CaptureExceptionWithContext(err, map[string]string{
		"component": "channel",
		"channel":   channel,
		"operation": operation,
	}, nil)
}

// AddBreadcrumb adds a breadcrumb to track the path to an error.
func (h *SentryHelper) AddBreadcrumb(category, message string, data map[string]interface{}) {
	if !h.IsEnabled() || message == "" {
		return
	}

	sentry.CurrentHub().AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Data:      data,
		Timestamp: time.Now(),
	}, nil)
}

// SafeFlush flushes buffered Sentry events, waiting at most timeout.
func (h *SentryHelper) SafeFlush(timeout time.Duration) {
	if !h.IsEnabled() {
		return
	}

	if !sentry.Flush(timeout) {
		h.logger.Warn("Sentry flush timeout", "timeout", timeout)
	}
}
