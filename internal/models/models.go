package models

import (
	"strings"
	"time"

	"github.com/arko-chat/arko-backup/internal/backup"
)

type LoginCredentials struct {
	Homeserver string `json:"homeserver"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id,omitempty"`
}

// HomeserverURL is Homeserver with https:// assumed when no scheme is given.
func (c LoginCredentials) HomeserverURL() string {
	if strings.HasPrefix(c.Homeserver, "http") {
		return c.Homeserver
	}
	return "https://" + c.Homeserver
}

type MatrixSession struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"-"`
	DeviceID    string `json:"device_id"`
}

type BackupVersion struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Count     int    `json:"count"`
	ETag      string `json:"etag,omitempty"`
	Label     string `json:"label"`
}

func NewBackupVersion(v *backup.Version) *BackupVersion {
	if v == nil {
		return nil
	}
	return &BackupVersion{
		Version:   string(v.ID),
		Algorithm: string(v.Algorithm),
		Count:     v.Count,
		ETag:      v.ETag,
		Label:     v.String(),
	}
}

type Capability struct {
	CrossSigning  bool     `json:"cross_signing"`
	Versions      []string `json:"versions,omitempty"`
	Authoritative bool     `json:"authoritative"`
}

type RecoveryKeyStatus struct {
	Available  bool      `json:"available"`
	Copied     bool      `json:"copied"`
	Downloaded bool      `json:"downloaded"`
	StoredAt   time.Time `json:"stored_at,omitzero"`
}

type BackupStatus struct {
	UserID             string            `json:"user_id"`
	Phase              string            `json:"phase"`
	Known              bool              `json:"known"`
	Trust              string            `json:"trust"`
	Version            *BackupVersion    `json:"version,omitempty"`
	SignatureValid     bool              `json:"signature_valid"`
	Prompt             string            `json:"prompt"`
	LastFailure        string            `json:"last_failure,omitempty"`
	LastFailureMessage string            `json:"last_failure_message,omitempty"`
	Capability         *Capability       `json:"capability,omitempty"`
	RecoveryKey        RecoveryKeyStatus `json:"recovery_key"`
}

func NewBackupStatus(userID string, st backup.Status) BackupStatus {
	out := BackupStatus{
		UserID:         userID,
		Phase:          st.Phase.String(),
		Known:          st.Known,
		Trust:          st.Trust.String(),
		Version:        NewBackupVersion(st.Version),
		SignatureValid: st.SignatureValid,
		Prompt:         st.Prompt().String(),
	}
	if st.LastFailure != backup.ReasonNone {
		out.LastFailure = st.LastFailure.String()
		out.LastFailureMessage = st.LastFailure.Message()
	}
	return out
}

// BackupEvent is the JSON pushed to the browser for a backup.Event.
type BackupEvent struct {
	Type        string         `json:"type"`
	Version     *BackupVersion `json:"version,omitempty"`
	Expected    *BackupVersion `json:"expected,omitempty"`
	Observed    *BackupVersion `json:"observed,omitempty"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Message     string         `json:"message,omitempty"`
	RecoveryKey string         `json:"recovery_key,omitempty"`
	NewKey      bool           `json:"new_recovery_key,omitempty"`
}

func NewBackupEvent(ev backup.Event) BackupEvent {
	out := BackupEvent{Type: string(ev.Kind())}
	switch e := ev.(type) {
	case backup.RecoveryMethodRemoved:
		out.Expected = NewBackupVersion(&e.Expected)
		out.Message = "Recovery Method Removed"
	case backup.NewRecoveryMethod:
		out.Expected = NewBackupVersion(&e.Expected)
		out.Observed = NewBackupVersion(&e.Observed)
		out.Message = "New Recovery Method"
	case backup.RecoveryKeyReady:
		out.RecoveryKey = e.RecoveryKey
	case backup.SetupCompleted:
		out.Version = NewBackupVersion(&e.Version)
		out.NewKey = e.NewRecoveryKey
	case backup.SetupFailed:
		out.Reason = e.Reason.String()
		out.Message = e.Reason.Message()
	case backup.DeleteCompleted:
		out.Version = &BackupVersion{Version: string(e.Version)}
	case backup.TrustChanged:
		out.From = e.From.String()
		out.To = e.To.String()
		out.Version = NewBackupVersion(e.Version)
	}
	return out
}
