package backup

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"
)

const reportedMismatchCacheSize = 64

// Bridge turns a failed upload into a user-facing recovery method event.
// A mismatch is reported once and again only after what the server holds
// instead of the expected version has changed.
type Bridge struct {
	events     *Events
	logger     *slog.Logger
	wasTrusted func(id.KeyBackupVersion) bool

	mu sync.Mutex
	// reported maps an expected version to the observed version last
	// reported for it; "" stands for no backup.
	reported *lru.Cache[id.KeyBackupVersion, id.KeyBackupVersion]
}

// NewBridge reports removals only for versions wasTrusted accepts.
func NewBridge(events *Events, wasTrusted func(id.KeyBackupVersion) bool, logger *slog.Logger) *Bridge {
	reported, err := lru.New[id.KeyBackupVersion, id.KeyBackupVersion](reportedMismatchCacheSize)
	if err != nil {
		panic(err)
	}
	return &Bridge{
		events:     events,
		logger:     logger,
		wasTrusted: wasTrusted,
		reported:   reported,
	}
}

// OnUploadVersionMismatch is called after an upload against expected
// failed and the tracker saw observed (nil when the server has no
// backup). It returns whether an event was emitted.
func (b *Bridge) OnUploadVersionMismatch(expected Version, observed *Version) bool {
	var (
		ev         Event
		observedID id.KeyBackupVersion
	)

	switch {
	case observed == nil:
		if !b.wasTrusted(expected.ID) {
			b.logger.Debug("backup removed but was never trusted here", "expected", expected.ID)
			return false
		}
		ev = RecoveryMethodRemoved{Expected: expected}
	case observed.ID == expected.ID:
		return false
	default:
		observedID = observed.ID
		ev = NewRecoveryMethod{Expected: expected, Observed: *observed}
	}

	b.mu.Lock()
	if last, ok := b.reported.Get(expected.ID); ok && last == observedID {
		b.mu.Unlock()
		return false
	}
	b.reported.Add(expected.ID, observedID)
	b.mu.Unlock()

	b.logger.Info("key backup changed by another session",
		"expected", expected.ID,
		"observed", versionLabel(observed),
		"event", ev.Kind(),
	)
	b.events.Publish(ev)
	return true
}
