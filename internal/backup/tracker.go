package backup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultMaxAge       = 30 * time.Second
)

type Trigger int

const (
	TriggerRequest Trigger = iota
	TriggerScheduled
	TriggerUploadFailure
)

func (t Trigger) String() string {
	switch t {
	case TriggerRequest:
		return "request"
	case TriggerScheduled:
		return "scheduled"
	case TriggerUploadFailure:
		return "upload_failure"
	}
	return "unknown"
}

// Observation is emitted whenever the tracked version changes.
type Observation struct {
	Previous   *Version
	Current    *Version
	Trigger    Trigger
	ObservedAt time.Time
}

type TrackerOptions struct {
	// PollInterval drives Run. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// MaxAge bounds how long GetCurrentVersion serves a cached belief.
	MaxAge time.Duration
}

// Tracker holds this device's belief about the server's latest backup
// version. Checks may overlap; each one takes a sequence number when it is
// issued and a reply older than the last applied one is discarded, so the
// most recently issued check that succeeds wins.
type Tracker struct {
	source   VersionSource
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time

	issued atomic.Uint64

	mu        sync.Mutex
	applied   uint64
	known     bool
	current   *Version
	fetchedAt time.Time

	observers *listeners[Observation]
}

func NewTracker(source VersionSource, logger *slog.Logger, opts TrackerOptions) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Tracker{
		source:    source,
		logger:    logger,
		interval:  opts.PollInterval,
		maxAge:    opts.MaxAge,
		now:       time.Now,
		observers: newListeners[Observation]("backup version observation", logger),
	}
}

// Current returns the last applied belief. known is false until one check
// has succeeded.
func (t *Tracker) Current() (version *Version, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.clone(), t.known
}

// GetCurrentVersion serves the cached belief while it is fresh and checks
// the server otherwise.
func (t *Tracker) GetCurrentVersion(ctx context.Context) (*Version, error) {
	t.mu.Lock()
	if t.known && t.now().Sub(t.fetchedAt) < t.maxAge {
		v := t.current.clone()
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()
	return t.Check(ctx, TriggerRequest)
}

// Check asks the server for the latest version. On error the belief is
// left untouched and callers must treat the version as unknown.
func (t *Tracker) Check(ctx context.Context, trigger Trigger) (*Version, error) {
	seq := t.issued.Add(1)

	version, err := t.source.GetLatestVersion(ctx)
	if err != nil {
		t.logger.Debug("backup version check failed",
			"trigger", trigger,
			"seq", seq,
			"err", err,
		)
		return nil, err
	}

	t.mu.Lock()
	if seq < t.applied {
		current := t.current.clone()
		applied := t.applied
		t.mu.Unlock()
		t.logger.Debug("discarding out of order backup version reply",
			"seq", seq,
			"applied", applied,
		)
		return current, nil
	}

	previous, wasKnown := t.current, t.known
	t.applied = seq
	t.current = version.clone()
	t.known = true
	t.fetchedAt = t.now()

	// Published under t.mu so observers see changes in the order they
	// were applied. publish never blocks.
	if wasKnown && !SameVersion(previous, version) {
		t.logger.Info("backup version changed",
			"previous", versionLabel(previous),
			"current", versionLabel(version),
			"trigger", trigger,
		)
		t.observers.publish(Observation{
			Previous:   previous,
			Current:    version.clone(),
			Trigger:    trigger,
			ObservedAt: t.fetchedAt,
		})
	}
	t.mu.Unlock()
	return version.clone(), nil
}

// Observe returns a channel of version changes that is closed when ctx is
// done.
func (t *Tracker) Observe(ctx context.Context) <-chan Observation {
	ch, unsubscribe := t.observers.subscribe(8)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch
}

// Run checks the server every poll interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Check(ctx, TriggerScheduled); err != nil && ctx.Err() == nil {
				t.logger.Warn("scheduled backup version check failed", "err", err)
			}
		}
	}
}

func versionLabel(v *Version) string {
	if v == nil {
		return "none"
	}
	return string(v.ID)
}
