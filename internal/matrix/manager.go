package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/arko-backup/internal/backup"
	"github.com/arko-chat/arko-backup/internal/credentials"
	"github.com/arko-chat/arko-backup/internal/models"
	"github.com/arko-chat/arko-backup/internal/secrets"
	"github.com/arko-chat/arko-backup/internal/ws"
)

var ErrNoClient = errors.New("no client for user")

const (
	SecretBackendKeyring = "keyring"
	SecretBackendBadger  = "badger"
	SecretBackendMemory  = "memory"
)

type ManagerConfig struct {
	DataDir       string
	SecretBackend string
	PollInterval  time.Duration
	HTTPClient    *http.Client
}

type Manager struct {
	// restoreMu serialises session replacement so a store is never open
	// twice.
	restoreMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*MatrixSession
	hub      *ws.Hub
	caps     *CapabilityCache
	logger   *slog.Logger
	cfg      ManagerConfig
}

func NewManager(hub *ws.Hub, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		sessions: make(map[string]*MatrixSession),
		hub:      hub,
		caps:     NewCapabilityCache(),
		logger:   logger,
		cfg:      cfg,
	}
}

func (m *Manager) HasSession(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[userID]
	return ok
}

func (m *Manager) GetSession(userID string) (*MatrixSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoClient
	}
	return sess, nil
}

// Users lists the accounts with a running session.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		users = append(users, userID)
	}
	return users
}

func (m *Manager) Capability(ctx context.Context, userID string) (ServerCapability, error) {
	sess, err := m.GetSession(userID)
	if err != nil {
		return ServerCapability{}, err
	}
	return m.caps.Lookup(ctx, sess.Client())
}

func (m *Manager) Login(
	ctx context.Context,
	creds models.LoginCredentials,
) (*models.MatrixSession, error) {
	homeserver := creds.HomeserverURL()

	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.Client = m.cfg.HTTPClient

	loginReq := &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: creds.Username,
		},
		Password:                 creds.Password,
		InitialDeviceDisplayName: "Arko Backup",
	}
	if creds.DeviceID != "" {
		loginReq.DeviceID = id.DeviceID(creds.DeviceID)
	}

	resp, err := client.Login(ctx, loginReq)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	session := &models.MatrixSession{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID.String(),
	}

	err = credentials.SaveAccount(credentials.Account{
		Homeserver:  session.Homeserver,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: session.AccessToken,
	})
	if err != nil {
		m.logger.Error("failed to store account in keyring",
			"user", session.UserID,
			"err", err,
		)
	}

	if err := m.RestoreSession(*session); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) RestoreAllSessions() {
	for _, userID := range credentials.Accounts() {
		acct, err := credentials.LoadAccount(userID)
		if err != nil {
			m.logger.Warn("skipping stored session",
				"user", userID,
				"err", err,
			)
			continue
		}

		err = m.RestoreSession(models.MatrixSession{
			Homeserver:  acct.Homeserver,
			UserID:      acct.UserID.String(),
			AccessToken: acct.AccessToken,
			DeviceID:    acct.DeviceID.String(),
		})
		if err != nil {
			m.logger.Error("failed to restore session",
				"user", userID,
				"err", err,
			)
		}
	}
}

// RestoreSession starts backup management for an already logged in
// device, replacing any session running for the same user. The replaced
// session's secret store carries over.
func (m *Manager) RestoreSession(sess models.MatrixSession) error {
	client, err := NewClient(
		sess.Homeserver,
		id.UserID(sess.UserID),
		id.DeviceID(sess.DeviceID),
		sess.AccessToken,
		m.cfg.HTTPClient,
		m.logger,
	)
	if err != nil {
		return err
	}

	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	m.mu.Lock()
	old := m.sessions[sess.UserID]
	delete(m.sessions, sess.UserID)
	m.mu.Unlock()

	var store *secrets.Store
	if old != nil {
		store = old.Detach()
	} else {
		store, err = m.openSecrets(sess.UserID)
		if err != nil {
			return fmt.Errorf("open secret store: %w", err)
		}
	}

	mSess := NewMatrixSession(client, store, m.cfg.PollInterval, m.logger)
	m.mu.Lock()
	m.sessions[sess.UserID] = mSess
	m.mu.Unlock()

	userID := sess.UserID
	mSess.Start(func(ev backup.Event) {
		m.pushEvent(userID, ev)
	})
	m.logger.Info("key backup session started",
		"user", userID,
		"device", sess.DeviceID,
	)
	return nil
}

func (m *Manager) openSecrets(userID string) (*secrets.Store, error) {
	var backend secrets.Backend
	switch m.cfg.SecretBackend {
	case SecretBackendMemory:
		backend = secrets.NewMemoryBackend()
	case SecretBackendBadger:
		dir := filepath.Join(m.cfg.DataDir, "secrets", url.PathEscape(userID))
		b, err := secrets.OpenBadger(dir, userID)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = secrets.NewKeyringBackend(userID)
	}
	return secrets.Open(backend, m.logger.With("user", userID))
}

func (m *Manager) pushEvent(userID string, ev backup.Event) {
	payload, err := json.Marshal(models.NewBackupEvent(ev))
	if err != nil {
		m.logger.Error("failed to encode backup event",
			"user", userID,
			"event", ev.Kind(),
			"err", err,
		)
		return
	}
	m.hub.Push(userID, payload)
}

func (m *Manager) Logout(ctx context.Context, userID string) error {
	m.restoreMu.Lock()
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if err := credentials.ForgetAccount(id.UserID(userID)); err != nil {
		m.logger.Warn("failed to remove stored account",
			"user", userID,
			"err", err,
		)
	}

	if !ok {
		m.restoreMu.Unlock()
		return nil
	}
	if err := sess.Secrets().Clear(); err != nil {
		m.logger.Warn("failed to clear cached secrets",
			"user", userID,
			"err", err,
		)
	}
	sess.Close()
	m.restoreMu.Unlock()

	if _, err := sess.Client().Mautrix().Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", backup.FromMatrixError(ctx, err))
	}
	return nil
}

func (m *Manager) Shutdown() {
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*MatrixSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
