// Package errtrack reports failures to Sentry-compatible trackers.
package errtrack

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
)

// Reporter receives errors worth an operator's attention.
type Reporter interface {
	CaptureError(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// Options configures a Sentry reporter.
type Options struct {
	DSN         string
	Environment string
	Release     string
	Transport   sentry.Transport
	Logger      *zap.SugaredLogger
}

// Tracker sends events through a private hub. A Tracker built without a DSN
// only logs.
type Tracker struct {
	hub    *sentry.Hub
	logger *zap.SugaredLogger
}

// New builds a tracker. An empty DSN disables delivery.
func New(opts Options) (*Tracker, error) {
	logger := logging.OrNop(opts.Logger)
	if opts.DSN == "" {
		logger.Infow("error tracking disabled", "reason", "no dsn")
		return &Tracker{logger: logger}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		AttachStacktrace: true,
		Transport:        opts.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}
			event.Tags["service"] = "social-autopilot"
			return event
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "init sentry client")
	}
	logger.Infow("error tracking enabled", "environment", opts.Environment, "release", opts.Release)
	return &Tracker{hub: sentry.NewHub(client, sentry.NewScope()), logger: logger}, nil
}

// Enabled reports whether events are delivered.
func (t *Tracker) Enabled() bool {
	return t != nil && t.hub != nil
}

// CaptureError reports err with the given tags.
func (t *Tracker) CaptureError(err error, tags map[string]string) {
	if err == nil || !t.Enabled() {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(sentry.LevelError)
		t.hub.CaptureException(err)
	})
}

// Flush waits for buffered events.
func (t *Tracker) Flush(timeout time.Duration) bool {
	if !t.Enabled() {
		return true
	}
	return t.hub.Flush(timeout)
}

// Nop discards everything.
type Nop struct{}

func (Nop) CaptureError(error, map[string]string) {}
func (Nop) Flush(time.Duration) bool              { return true }
