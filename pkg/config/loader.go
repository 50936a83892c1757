package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tokenrelay/tokenrelay/pkg/logger"
	"github.com/tokenrelay/tokenrelay/pkg/tenant"
)

// Snapshot is the read-mostly state published by the loader: the tenant
// registry and the desired listen port. It is replaced wholesale on each
// successful reload, never mutated in place, so a request observes one
// consistent snapshot for its whole lifetime.
type Snapshot struct {
	Registry     *tenant.Registry
	Port         int
	SamplePeriod time.Duration
}

// RebindFunc is invoked with the desired listen port on every successful
// reload. The loader does not track whether a previous bind succeeded, so
// the callback owns the idempotence: rebinding to an already-bound port is
// a no-op, and a bind that failed earlier gets retried on the next change.
type RebindFunc func(port int)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRebind sets the callback invoked when the listen port changes.
func WithRebind(fn RebindFunc) LoaderOption {
	return func(l *Loader) {
		l.onRebind = fn
	}
}

// WithWatch enables filesystem-event triggering in addition to polling.
// Events only advance the poll schedule; the read/compare/decode path is
// identical either way.
func WithWatch(enabled bool) LoaderOption {
	return func(l *Loader) {
		l.watch = enabled
	}
}

// Loader polls the configuration file, detects changes by byte comparison,
// and publishes new snapshots. A transient read failure never removes a
// working registry.
type Loader struct {
	path     string
	onRebind RebindFunc
	watch    bool

	snapshot atomic.Pointer[Snapshot]

	// lastRaw and readFailed are only touched by LoadOnce and the Run loop,
	// which never execute concurrently.
	lastRaw    []byte
	readFailed bool
}

// NewLoader creates a loader for the configuration file at path.
func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{path: path}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Snapshot returns the current snapshot, or nil when no configuration has
// been loaded successfully yet.
func (l *Loader) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// LoadOnce performs one synchronous load. It is called before serving so the
// listener can bind to the configured port; reload semantics are the same as
// for a poll tick.
func (l *Loader) LoadOnce() error {
	l.poll()
	if l.snapshot.Load() == nil {
		return fmt.Errorf("no valid configuration loaded from %s", l.path)
	}
	return nil
}

// Run polls the configuration file until ctx is cancelled. One read is in
// flight at a time; if a read outlasts the poll interval the next tick is
// simply late. A sample period of zero suppresses the timer (watch events,
// when enabled, still trigger reloads).
func (l *Loader) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if l.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warnf("Config watcher unavailable, falling back to polling only: %v", err)
		} else {
			defer watcher.Close()
			// Watch the directory: editors replace config files rather
			// than writing them in place.
			if err := watcher.Add(filepath.Dir(l.path)); err != nil {
				logger.Warnf("Can't watch config directory: %v", err)
			} else {
				events = watcher.Events
				watchErrs = watcher.Errors
			}
		}
	}

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	var timerC <-chan time.Time
	arm := func() {
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if p := l.period(); p > 0 {
			timer.Reset(p)
			timerC = timer.C
		} else {
			timerC = nil
		}
	}
	arm()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timerC:
			timerC = nil

		case ev := <-events:
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

		case err := <-watchErrs:
			logger.Warnf("Config watcher error: %v", err)
			continue
		}

		l.poll()
		arm()
	}
}

func (l *Loader) period() time.Duration {
	if s := l.snapshot.Load(); s != nil {
		return s.SamplePeriod
	}
	return DefaultSamplePeriod * time.Second
}

// poll reads the configuration file and applies it when its contents
// changed. Read failures are logged once until the next successful read;
// decode failures leave the current snapshot in place.
func (l *Loader) poll() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !l.readFailed {
			logger.Warnf("Can't read config file %s: %v", l.path, err)
			l.readFailed = true
		}
		return
	}
	l.readFailed = false

	if l.lastRaw != nil && bytes.Equal(data, l.lastRaw) {
		return
	}
	l.lastRaw = data

	doc, err := Parse(data)
	if err != nil {
		logger.Errorf("Config decode error in %s: %v", l.path, err)
		return
	}
	l.apply(doc)
}

func (l *Loader) apply(doc *Document) {
	snap := &Snapshot{
		Registry:     tenant.Build(doc.Tenants),
		Port:         doc.Local.Port,
		SamplePeriod: time.Duration(doc.Local.SamplePeriod) * time.Second,
	}
	l.snapshot.Store(snap)
	logger.Infow("configuration loaded",
		"path", l.path,
		"tenants", snap.Registry.Len(),
		"port", snap.Port,
		"sample_period", snap.SamplePeriod,
	)

	if l.onRebind != nil {
		l.onRebind(snap.Port)
	}
}
