package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Uploader sends session keys to the backup version this device trusts
// and hands version mismatches to the Bridge.
type Uploader struct {
	keys    KeyUploader
	tracker *Tracker
	bridge  *Bridge
	logger  *slog.Logger
}

func NewUploader(keys KeyUploader, tracker *Tracker, bridge *Bridge, logger *slog.Logger) *Uploader {
	return &Uploader{keys: keys, tracker: tracker, bridge: bridge, logger: logger}
}

func (u *Uploader) Upload(ctx context.Context, expected Version, keys RoomKeys) error {
	if current, known := u.tracker.Current(); known && !SameVersion(current, &expected) {
		u.bridge.OnUploadVersionMismatch(expected, current)
		return fmt.Errorf("upload to backup %s: %w", expected.ID, ErrVersionMismatch)
	}

	err := u.keys.UploadKeys(ctx, expected.ID, keys)
	if err == nil {
		u.logger.Debug("uploaded keys to backup", "version", expected.ID, "sessions", keys.Len())
		return nil
	}
	if !IsServerError(err, ErrCodeWrongRoomKeysVersion) && !IsServerError(err, ErrCodeNotFound) {
		return fmt.Errorf("upload to backup %s: %w", expected.ID, err)
	}

	observed, checkErr := u.tracker.Check(ctx, TriggerUploadFailure)
	if checkErr != nil {
		// Without a fresh answer there is nothing reliable to tell the user.
		u.logger.Warn("backup upload was rejected and the version check failed",
			"expected", expected.ID,
			"err", checkErr,
		)
		return fmt.Errorf("upload to backup %s: %w", expected.ID, errors.Join(err, checkErr))
	}
	if !SameVersion(observed, &expected) {
		u.bridge.OnUploadVersionMismatch(expected, observed)
	}
	return fmt.Errorf("upload to backup %s: %w", expected.ID, err)
}
