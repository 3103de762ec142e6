package backup

import (
	"log/slog"

	"maunium.net/go/mautrix/id"
)

type EventKind string

const (
	KindRecoveryMethodRemoved EventKind = "recovery_method_removed"
	KindNewRecoveryMethod     EventKind = "new_recovery_method"
	KindPassphraseRequired    EventKind = "passphrase_required"
	KindRecoveryKeyReady      EventKind = "recovery_key_ready"
	KindSetupCompleted        EventKind = "setup_completed"
	KindSetupFailed           EventKind = "setup_failed"
	KindDeleteCompleted       EventKind = "delete_completed"
	KindTrustChanged          EventKind = "trust_changed"
)

// Event is anything the lifecycle reports to the UI layer.
type Event interface {
	Kind() EventKind
}

// RecoveryMethodRemoved means a version this device trusted disappeared
// from the server without a replacement.
type RecoveryMethodRemoved struct {
	Expected Version
}

// NewRecoveryMethod means the server's backup was replaced by a version
// this device did not create.
type NewRecoveryMethod struct {
	Expected Version
	Observed Version
}

// PassphraseRequired asks the UI to prompt for the secret storage
// recovery key.
type PassphraseRequired struct{}

// RecoveryKeyReady carries a freshly generated recovery key so the UI can
// offer to copy or download it.
type RecoveryKeyReady struct {
	RecoveryKey string
}

type SetupCompleted struct {
	Version        Version
	NewRecoveryKey bool
}

type SetupFailed struct {
	Reason Reason
	Err    error
}

type DeleteCompleted struct {
	Version id.KeyBackupVersion
}

type TrustChanged struct {
	From    TrustState
	To      TrustState
	Version *Version
}

func (RecoveryMethodRemoved) Kind() EventKind { return KindRecoveryMethodRemoved }
func (NewRecoveryMethod) Kind() EventKind     { return KindNewRecoveryMethod }
func (PassphraseRequired) Kind() EventKind    { return KindPassphraseRequired }
func (RecoveryKeyReady) Kind() EventKind      { return KindRecoveryKeyReady }
func (SetupCompleted) Kind() EventKind        { return KindSetupCompleted }
func (SetupFailed) Kind() EventKind           { return KindSetupFailed }
func (DeleteCompleted) Kind() EventKind       { return KindDeleteCompleted }
func (TrustChanged) Kind() EventKind          { return KindTrustChanged }

// Events is the per-account event bus.
type Events struct {
	listeners *listeners[Event]
}

func NewEvents(logger *slog.Logger) *Events {
	return &Events{listeners: newListeners[Event]("backup event", logger)}
}

// Subscribe returns a channel of events and a function that closes it.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	return e.listeners.subscribe(buffer)
}

func (e *Events) Publish(ev Event) {
	e.listeners.publish(ev)
}

func (e *Events) Close() {
	e.listeners.closeAll()
}
