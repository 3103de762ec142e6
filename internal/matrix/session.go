package matrix

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arko-chat/arko-backup/internal/backup"
	"github.com/arko-chat/arko-backup/internal/secrets"
	"github.com/arko-chat/arko-backup/internal/secretstorage"
)

// MatrixSession owns the key backup machinery of one logged in account.
// Nothing in it is shared between accounts.
type MatrixSession struct {
	id      string
	logger  *slog.Logger
	context context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	client     *Client
	secrets    *secrets.Store
	storage    *secretstorage.Storage
	events     *backup.Events
	tracker    *backup.Tracker
	controller *backup.Controller
	bridge     *backup.Bridge
	uploader   *backup.Uploader
}

func NewMatrixSession(
	client *Client,
	store *secrets.Store,
	pollInterval time.Duration,
	logger *slog.Logger,
) *MatrixSession {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With("user", client.UserID())

	events := backup.NewEvents(logger)
	tracker := backup.NewTracker(client, logger, backup.TrackerOptions{
		PollInterval: pollInterval,
	})
	storage := secretstorage.New(client.Mautrix(), logger)
	controller := backup.NewController(backup.ControllerConfig{
		UserID:  client.UserID(),
		API:     client,
		Storage: storage,
		Secrets: store,
		Crypto:  backup.MegolmCrypto{},
		Tracker: tracker,
		Events:  events,
		Logger:  logger,
	})
	bridge := backup.NewBridge(events, controller.WasTrusted, logger)

	return &MatrixSession{
		id:         string(client.UserID()),
		logger:     logger,
		context:    ctx,
		cancel:     cancel,
		client:     client,
		secrets:    store,
		storage:    storage,
		events:     events,
		tracker:    tracker,
		controller: controller,
		bridge:     bridge,
		uploader:   backup.NewUploader(client, tracker, bridge, logger),
	}
}

// Start begins polling the backup version and forwards every lifecycle
// event to onEvent until Close.
func (m *MatrixSession) Start(onEvent func(backup.Event)) {
	events, unsubscribe := m.events.Subscribe(32)
	observations := m.tracker.Observe(m.context)

	m.wg.Add(4)
	go func() {
		defer m.wg.Done()
		m.tracker.Run(m.context)
	}()
	go func() {
		defer m.wg.Done()
		for obs := range observations {
			m.controller.Reconcile(obs)
		}
	}()
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-m.context.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if onEvent != nil {
					onEvent(ev)
				}
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		if _, err := m.controller.Refresh(m.context); err != nil && m.context.Err() == nil {
			m.logger.Warn("initial key backup check failed", "err", err)
		}
	}()
}

func (m *MatrixSession) Context() context.Context       { return m.context }
func (m *MatrixSession) UserID() string                 { return m.id }
func (m *MatrixSession) Client() *Client                { return m.client }
func (m *MatrixSession) Secrets() *secrets.Store        { return m.secrets }
func (m *MatrixSession) Events() *backup.Events         { return m.events }
func (m *MatrixSession) Tracker() *backup.Tracker       { return m.tracker }
func (m *MatrixSession) Controller() *backup.Controller { return m.controller }
func (m *MatrixSession) Uploader() *backup.Uploader     { return m.uploader }

func (m *MatrixSession) stop() {
	m.controller.CancelSetup()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.events.Close()
}

func (m *MatrixSession) Close() {
	m.stop()
	if err := m.secrets.Close(); err != nil {
		m.logger.Error("failed to close secret store", "err", err)
	}
}

// Detach stops the session and hands its still open secret store to the
// caller, for a new session of the same account.
func (m *MatrixSession) Detach() *secrets.Store {
	m.stop()
	return m.secrets
}
