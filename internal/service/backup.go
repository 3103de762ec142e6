package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/skip2/go-qrcode"

	"github.com/arko-chat/arko-backup/internal/backup"
	"github.com/arko-chat/arko-backup/internal/matrix"
	"github.com/arko-chat/arko-backup/internal/models"
	"github.com/arko-chat/arko-backup/internal/ws"
)

var (
	ErrNoTrustedBackup = errors.New("no trusted key backup to upload to")
	ErrNoRecoveryKey   = errors.New("no recovery key is cached on this device")
)

const recoveryKeyQRSize = 256

type BackupService struct {
	matrix *matrix.Manager
	hub    *ws.Hub
	logger *slog.Logger
}

func NewBackupService(
	mgr *matrix.Manager,
	hub *ws.Hub,
	logger *slog.Logger,
) *BackupService {
	return &BackupService{
		matrix: mgr,
		hub:    hub,
		logger: logger,
	}
}

func (s *BackupService) Hub() *ws.Hub {
	return s.hub
}

func (s *BackupService) Login(
	ctx context.Context,
	creds models.LoginCredentials,
) (*models.MatrixSession, error) {
	return s.matrix.Login(ctx, creds)
}

func (s *BackupService) Logout(ctx context.Context, userID string) error {
	return s.matrix.Logout(ctx, userID)
}

// Status refreshes trust when the cached belief is stale. A network error
// is not fatal: the last known status is returned with Known unchanged.
func (s *BackupService) Status(
	ctx context.Context,
	userID string,
) (models.BackupStatus, error) {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return models.BackupStatus{}, err
	}

	ctrl := sess.Controller()
	st, err := ctrl.Refresh(ctx)
	if err != nil {
		s.logger.Debug("backup status refresh failed",
			"user", userID,
			"err", err,
		)
	}

	out := models.NewBackupStatus(userID, st)
	if capability, err := s.matrix.Capability(ctx, userID); err == nil {
		out.Capability = &models.Capability{
			CrossSigning:  capability.CrossSigning,
			Versions:      capability.Versions,
			Authoritative: capability.Authoritative,
		}
	}
	if secret, ok := ctrl.RecoveryKey(); ok {
		out.RecoveryKey = models.RecoveryKeyStatus{
			Available:  true,
			Copied:     secret.Copied,
			Downloaded: secret.Downloaded,
			StoredAt:   secret.StoredAt,
		}
	}
	return out, nil
}

// StartSetup launches the setup flow on the session's context and returns
// immediately. The outcome is delivered as an event.
func (s *BackupService) StartSetup(userID string) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	ctrl := sess.Controller()
	if ctrl.Status().Phase == backup.PhaseDeleting {
		return backup.ErrFlowInProgress
	}

	go func() {
		res, err := ctrl.StartSetup(sess.Context())
		if err != nil {
			s.logger.Warn("key backup setup did not start",
				"user", userID,
				"err", err,
			)
			s.pushError(userID, err)
			return
		}
		s.logger.Debug("key backup setup finished",
			"user", userID,
			"phase", res.Phase,
			"reason", res.Reason,
		)
	}()
	return nil
}

func (s *BackupService) SubmitRecoveryKey(
	ctx context.Context,
	userID string,
	recoveryKey string,
) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	return sess.Controller().SubmitPassphrase(ctx, recoveryKey)
}

func (s *BackupService) CancelSetup(userID string) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	sess.Controller().CancelSetup()
	return nil
}

func (s *BackupService) DeleteBackup(ctx context.Context, userID string) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	return sess.Controller().DeleteBackup(ctx)
}

func (s *BackupService) MarkRecoveryKeyCopied(userID string) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	if err := sess.Controller().MarkRecoveryKeyCopied(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoRecoveryKey, err)
	}
	return nil
}

// RecoveryKeyQR renders the cached recovery key as a PNG QR code and
// records that it was downloaded.
func (s *BackupService) RecoveryKeyQR(userID string) ([]byte, error) {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return nil, err
	}
	ctrl := sess.Controller()
	secret, ok := ctrl.RecoveryKey()
	if !ok {
		return nil, ErrNoRecoveryKey
	}

	png, err := qrcode.Encode(string(secret.Key), qrcode.Medium, recoveryKeyQRSize)
	if err != nil {
		return nil, fmt.Errorf("render recovery key: %w", err)
	}
	if err := ctrl.MarkRecoveryKeyDownloaded(); err != nil {
		s.logger.Warn("failed to record recovery key download",
			"user", userID,
			"err", err,
		)
	}
	return png, nil
}

// UploadKeys backs up already encrypted sessions to the version this
// device trusts.
func (s *BackupService) UploadKeys(
	ctx context.Context,
	userID string,
	keys backup.RoomKeys,
) error {
	sess, err := s.matrix.GetSession(userID)
	if err != nil {
		return err
	}
	st := sess.Controller().Status()
	if st.Trust != backup.TrustTrusted || st.Version == nil {
		return ErrNoTrustedBackup
	}
	return sess.Uploader().Upload(ctx, *st.Version, keys)
}

func (s *BackupService) pushError(userID string, err error) {
	payload, mErr := json.Marshal(models.BackupEvent{
		Type:    "error",
		Reason:  backup.ReasonOf(err).String(),
		Message: err.Error(),
	})
	if mErr != nil {
		return
	}
	s.hub.Push(userID, payload)
}
