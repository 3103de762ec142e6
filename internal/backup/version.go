package backup

import (
	"encoding/json"
	"fmt"

	megolmbackup "maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"
)

// AuthData is the public half of a backup version as published by its
// creator.
type AuthData = megolmbackup.MegolmAuthData

// Version is one generation of the server-held key backup. Versions are
// immutable; replacing a backup always yields a new ID.
type Version struct {
	ID        id.KeyBackupVersion   `json:"version"`
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  AuthData              `json:"auth_data"`
	Count     int                   `json:"count"`
	ETag      string                `json:"etag"`
}

func (v Version) String() string {
	return fmt.Sprintf("%s (Algorithm: %s)", v.ID, v.Algorithm)
}

func (v *Version) clone() *Version {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// SameVersion reports whether a and b name the same backup generation.
// Two absent versions are the same.
func SameVersion(a, b *Version) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

// SessionData is one already encrypted megolm session as stored in the
// backup.
type SessionData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeys groups session data by room and session.
type RoomKeys map[id.RoomID]map[id.SessionID]SessionData

func (k RoomKeys) Len() int {
	n := 0
	for _, sessions := range k {
		n += len(sessions)
	}
	return n
}
