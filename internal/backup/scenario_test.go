package backup_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/arko-backup/internal/backup"
	"github.com/arko-chat/arko-backup/internal/matrix"
	"github.com/arko-chat/arko-backup/internal/secrets"
	"github.com/arko-chat/arko-backup/internal/secretstorage"
	"github.com/arko-chat/arko-backup/internal/testutil"
)

const alice = "@alice:example.org"

type device struct {
	*matrix.MatrixSession
	events <-chan backup.Event
}

func newDevice(t *testing.T, hs *testutil.Homeserver, deviceID string) *device {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	token := hs.Login(alice, deviceID)
	client, err := matrix.NewClient(hs.URL, alice, id.DeviceID(deviceID), token, hs.Client(), logger)
	require.NoError(t, err)
	store, err := secrets.Open(secrets.NewMemoryBackend(), logger)
	require.NoError(t, err)

	sess := matrix.NewMatrixSession(client, store, time.Hour, logger)
	events, unsubscribe := sess.Events().Subscribe(64)
	t.Cleanup(func() {
		unsubscribe()
		sess.Close()
	})
	return &device{MatrixSession: sess, events: events}
}

// waitFor drains events until one of the given kind arrives.
func (d *device) waitFor(t *testing.T, kind backup.EventKind) backup.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-d.events:
			require.True(t, ok, "event channel closed")
			if ev.Kind() == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// count drains buffered events and returns how many had the kind.
func (d *device) count(kind backup.EventKind) int {
	n := 0
	for {
		select {
		case ev := <-d.events:
			if ev.Kind() == kind {
				n++
			}
		case <-time.After(100 * time.Millisecond):
			return n
		}
	}
}

func (d *device) setup(t *testing.T) backup.Result {
	t.Helper()
	res, err := d.Controller().StartSetup(context.Background())
	require.NoError(t, err)
	return res
}

// setupWithRecoveryKey starts a setup that needs the recovery key and
// submits it once the flow asks.
func (d *device) setupWithRecoveryKey(t *testing.T, recoveryKey string) backup.Result {
	t.Helper()
	results := make(chan backup.Result, 1)
	go func() {
		res, err := d.Controller().StartSetup(context.Background())
		assert.NoError(t, err)
		results <- res
	}()
	d.waitFor(t, backup.KindPassphraseRequired)
	require.NoError(t, d.Controller().SubmitPassphrase(context.Background(), recoveryKey))

	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("setup did not finish")
	}
	return backup.Result{}
}

func sampleKeys() backup.RoomKeys {
	return backup.RoomKeys{
		"!room:example.org": {
			"session": {SessionData: []byte(`{"ciphertext":"abc"}`)},
		},
	}
}

func TestScenario_CreateBackup(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")

	res := a.setup(t)
	require.Equal(t, backup.PhaseTrusted, res.Phase, "err: %v", res.Err)
	require.NotNil(t, res.Version)
	assert.Equal(t, "1 (Algorithm: m.megolm_backup.v1.curve25519-aes-sha2)", res.Version.String())
	assert.NotEmpty(t, res.RecoveryKey)

	ready := a.waitFor(t, backup.KindRecoveryKeyReady).(backup.RecoveryKeyReady)
	assert.Equal(t, res.RecoveryKey, ready.RecoveryKey)
	changed := a.waitFor(t, backup.KindTrustChanged).(backup.TrustChanged)
	assert.Equal(t, backup.TrustAbsent, changed.From)
	assert.Equal(t, backup.TrustTrusted, changed.To)
	done := a.waitFor(t, backup.KindSetupCompleted).(backup.SetupCompleted)
	assert.True(t, done.NewRecoveryKey)

	st := a.Controller().Status()
	assert.Equal(t, backup.PhaseTrusted, st.Phase)
	assert.Equal(t, backup.TrustTrusted, st.Trust)
	assert.Equal(t, backup.PromptNone, st.Prompt())
	assert.Equal(t, []string{"1"}, hs.BackupVersions(alice))

	_, ok := hs.AccountData(alice, secrets.MegolmBackupKey)
	assert.True(t, ok, "backup key is kept in secret storage")
	assert.Equal(t, id.KeyBackupVersion("1"), a.Secrets().TrustedVersion())

	rk, ok := a.Controller().RecoveryKey()
	require.True(t, ok)
	assert.Equal(t, res.RecoveryKey, string(rk.Key))
}

func TestScenario_DeleteAndRecreateWithRecoveryKey(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	first := a.setup(t)
	require.Equal(t, backup.PhaseTrusted, first.Phase)

	require.NoError(t, a.Controller().DeleteBackup(context.Background()))
	deleted := a.waitFor(t, backup.KindDeleteCompleted).(backup.DeleteCompleted)
	assert.Equal(t, id.KeyBackupVersion("1"), deleted.Version)
	assert.Empty(t, hs.BackupVersions(alice))
	assert.Equal(t, backup.TrustAbsent, a.Controller().Status().Trust)
	assert.Equal(t, backup.PromptSetUp, a.Controller().Status().Prompt())

	res := a.setupWithRecoveryKey(t, first.RecoveryKey)
	require.Equal(t, backup.PhaseTrusted, res.Phase, "err: %v", res.Err)
	assert.Equal(t, id.KeyBackupVersion("2"), res.Version.ID)
	assert.Empty(t, res.RecoveryKey, "existing recovery key was reused")
	assert.Equal(t, backup.TrustTrusted, a.Controller().Status().Trust)
	assert.Equal(t, []string{"2"}, hs.BackupVersions(alice))
}

func TestScenario_CancelPassphraseLeavesNoBackup(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	require.Equal(t, backup.PhaseTrusted, a.setup(t).Phase)
	require.NoError(t, a.Controller().DeleteBackup(context.Background()))

	results := make(chan backup.Result, 1)
	go func() {
		res, err := a.Controller().StartSetup(context.Background())
		assert.NoError(t, err)
		results <- res
	}()
	a.waitFor(t, backup.KindPassphraseRequired)
	assert.Equal(t, backup.PhaseAwaitingPassphrase, a.Controller().Status().Phase)
	a.Controller().CancelSetup()

	var res backup.Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("setup did not finish")
	}
	assert.Equal(t, backup.PhaseFailed, res.Phase)
	assert.Equal(t, backup.ReasonNoPassphraseAvailable, res.Reason)
	assert.Equal(t, "Unable to create key backup", res.Reason.Message())

	failed := a.waitFor(t, backup.KindSetupFailed).(backup.SetupFailed)
	assert.Equal(t, backup.ReasonNoPassphraseAvailable, failed.Reason)

	assert.Empty(t, hs.BackupVersions(alice))
	v, err := a.Tracker().GetCurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)

	st := a.Controller().Status()
	assert.Equal(t, backup.PhaseIdle, st.Phase)
	assert.Equal(t, backup.ReasonNoPassphraseAvailable, st.LastFailure)
}

func TestScenario_WrongRecoveryKeyKeepsWaiting(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	first := a.setup(t)
	require.NoError(t, a.Controller().DeleteBackup(context.Background()))

	results := make(chan backup.Result, 1)
	go func() {
		res, _ := a.Controller().StartSetup(context.Background())
		results <- res
	}()
	a.waitFor(t, backup.KindPassphraseRequired)

	err := a.Controller().SubmitPassphrase(context.Background(), "EsTc LW2K PGiF wKEA 3As5 g5c4 BXwk qeeJ ZJV8 Q9fu gUMN UE4d")
	require.ErrorIs(t, err, backup.ErrInvalidRecoveryKey)
	assert.Equal(t, backup.PhaseAwaitingPassphrase, a.Controller().Status().Phase)

	require.NoError(t, a.Controller().SubmitPassphrase(context.Background(), first.RecoveryKey))
	res := <-results
	assert.Equal(t, backup.PhaseTrusted, res.Phase, "err: %v", res.Err)

	assert.ErrorIs(t, a.Controller().SubmitPassphrase(context.Background(), first.RecoveryKey), backup.ErrNotAwaitingPassphrase)
}

func TestScenario_RecoveryMethodRemovedOnce(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	b := newDevice(t, hs, "B")

	res := a.setup(t)
	require.Equal(t, backup.PhaseTrusted, res.Phase)
	trusted := *res.Version
	require.NoError(t, a.Uploader().Upload(context.Background(), trusted, sampleKeys()))
	assert.Equal(t, 1, hs.Uploads(alice, "1"))

	require.NoError(t, b.Controller().DeleteBackup(context.Background()))

	for i := 0; i < 3; i++ {
		err := a.Uploader().Upload(context.Background(), trusted, sampleKeys())
		require.ErrorIs(t, err, backup.ErrServerRejected)
	}
	assert.Equal(t, 1, a.count(backup.KindRecoveryMethodRemoved))
}

func TestScenario_NewRecoveryMethodThenReconcile(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	b := newDevice(t, hs, "B")
	ctx := context.Background()

	res := a.setup(t)
	require.Equal(t, backup.PhaseTrusted, res.Phase)
	stale := *res.Version

	// B creates a replacement protected by the same secret storage key.
	storage := secretstorage.New(b.Client().Mautrix(), slog.New(slog.DiscardHandler))
	key, err := storage.UnlockDefaultKey(ctx, res.RecoveryKey)
	require.NoError(t, err)
	crypto := backup.MegolmCrypto{}
	priv, err := crypto.GenerateBackupKey()
	require.NoError(t, err)
	pub, err := crypto.PublicKey(priv)
	require.NoError(t, err)
	v2, err := b.Client().CreateVersion(ctx, id.KeyBackupAlgorithmMegolmBackupV1, backup.AuthData{PublicKey: pub})
	require.NoError(t, err)
	require.Equal(t, id.KeyBackupVersion("2"), v2)
	require.NoError(t, storage.StoreSecret(ctx, key, secrets.MegolmBackupKey, priv))

	for i := 0; i < 3; i++ {
		require.Error(t, a.Uploader().Upload(ctx, stale, sampleKeys()))
	}
	assert.Equal(t, 1, a.count(backup.KindNewRecoveryMethod))

	st, err := a.Controller().Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, backup.TrustSuperseded, st.Trust)
	assert.Equal(t, backup.PromptUpgrade, st.Prompt())

	upgraded := a.setupWithRecoveryKey(t, res.RecoveryKey)
	require.Equal(t, backup.PhaseTrusted, upgraded.Phase, "err: %v", upgraded.Err)
	assert.Equal(t, v2, upgraded.Version.ID)
	assert.Equal(t, []string{"1", "2"}, hs.BackupVersions(alice), "adopting does not create a version")

	for i := 0; i < 3; i++ {
		require.Error(t, a.Uploader().Upload(ctx, stale, sampleKeys()))
	}
	assert.Zero(t, a.count(backup.KindNewRecoveryMethod))
	require.NoError(t, a.Uploader().Upload(ctx, *upgraded.Version, sampleKeys()))
	assert.Equal(t, 1, hs.Uploads(alice, "2"))
}

func TestScenario_SupersededPassesThroughUnverified(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	b := newDevice(t, hs, "B")

	res := a.setup(t)
	require.NoError(t, b.Controller().DeleteBackup(context.Background()))
	bRes := b.setupWithRecoveryKey(t, res.RecoveryKey)
	require.Equal(t, backup.PhaseTrusted, bRes.Phase, "err: %v", bRes.Err)

	_, err := a.Tracker().Check(context.Background(), backup.TriggerRequest)
	require.NoError(t, err)
	_, err = a.Controller().Refresh(context.Background())
	require.NoError(t, err)
	toSuperseded := a.waitFor(t, backup.KindTrustChanged).(backup.TrustChanged)
	for toSuperseded.To != backup.TrustSuperseded {
		toSuperseded = a.waitFor(t, backup.KindTrustChanged).(backup.TrustChanged)
	}

	a.setupWithRecoveryKey(t, res.RecoveryKey)
	first := a.waitFor(t, backup.KindTrustChanged).(backup.TrustChanged)
	second := a.waitFor(t, backup.KindTrustChanged).(backup.TrustChanged)
	assert.Equal(t, backup.TrustSuperseded, first.From)
	assert.Equal(t, backup.TrustUnverified, first.To)
	assert.Equal(t, backup.TrustUnverified, second.From)
	assert.Equal(t, backup.TrustTrusted, second.To)
}

func TestScenario_NetworkFailureLeavesBeliefUnknown(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	hs.SetOffline(true)

	st, err := a.Controller().Refresh(context.Background())
	require.ErrorIs(t, err, backup.ErrNetwork)
	assert.True(t, matrix.IsNetworkError(err))
	assert.False(t, st.Known)
	assert.Equal(t, backup.PromptNone, st.Prompt())

	res := a.setup(t)
	assert.Equal(t, backup.PhaseFailed, res.Phase)
	assert.Equal(t, backup.ReasonNetwork, res.Reason)
	assert.Equal(t, backup.PhaseIdle, a.Controller().Status().Phase)

	hs.SetOffline(false)
	assert.Empty(t, hs.BackupVersions(alice))
}

func TestScenario_SecretStorageFailureRollsBack(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	hs.FailAccountDataWrites(true)

	res := a.setup(t)
	assert.Equal(t, backup.PhaseFailed, res.Phase)
	assert.Equal(t, backup.ReasonServerRejected, res.Reason)
	assert.Empty(t, hs.BackupVersions(alice), "created version was rolled back")

	st := a.Controller().Status()
	assert.Equal(t, backup.TrustAbsent, st.Trust)
	assert.False(t, a.Secrets().Has(secrets.MegolmBackupKey))
}

func TestScenario_FailedRollbackIsCleanedUpOnRetry(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	ctx := context.Background()
	hs.FailAccountDataWrites(true)
	hs.FailDeletes(true)

	res := a.setup(t)
	assert.Equal(t, backup.PhaseFailed, res.Phase)
	assert.Equal(t, backup.ReasonRollbackFailure, res.Reason)
	assert.Equal(t, []string{"1"}, hs.BackupVersions(alice))

	st, err := a.Controller().Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, backup.TrustUnverified, st.Trust)
	assert.True(t, st.HasOrphan)
	assert.Equal(t, backup.PromptSetUp, st.Prompt())

	hs.FailAccountDataWrites(false)
	hs.FailDeletes(false)

	res = a.setup(t)
	require.Equal(t, backup.PhaseTrusted, res.Phase, "err: %v", res.Err)
	assert.Equal(t, id.KeyBackupVersion("2"), res.Version.ID)
	assert.Equal(t, []string{"2"}, hs.BackupVersions(alice))
	assert.False(t, a.Controller().Status().HasOrphan)
}

func TestScenario_SetupNotAllowedWhileTrustedElsewhere(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	b := newDevice(t, hs, "B")
	require.Equal(t, backup.PhaseTrusted, a.setup(t).Phase)

	_, err := b.Controller().StartSetup(context.Background())
	require.ErrorIs(t, err, backup.ErrSetupNotAllowed)
	st := b.Controller().Status()
	assert.Equal(t, backup.TrustUnverified, st.Trust)
	assert.Equal(t, backup.PromptVerify, st.Prompt())
	assert.Equal(t, []string{"1"}, hs.BackupVersions(alice))
}

func TestScenario_ConcurrentSetupSharesOneFlow(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	first := a.setup(t)
	require.NoError(t, a.Controller().DeleteBackup(context.Background()))

	var wg sync.WaitGroup
	results := make([]backup.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Controller().StartSetup(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	a.waitFor(t, backup.KindPassphraseRequired)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Controller().SubmitPassphrase(context.Background(), first.RecoveryKey))
	wg.Wait()

	assert.Equal(t, backup.PhaseTrusted, results[0].Phase)
	assert.Equal(t, results[0].Version.ID, results[1].Version.ID)
	assert.Equal(t, []string{"2"}, hs.BackupVersions(alice))
	assert.Zero(t, a.count(backup.KindPassphraseRequired))
}

func TestScenario_DeleteWithoutBackup(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")

	err := a.Controller().DeleteBackup(context.Background())
	require.ErrorIs(t, err, backup.ErrNoBackup)
	assert.Equal(t, backup.PhaseIdle, a.Controller().Status().Phase)
}

func TestScenario_DeleteFailureKeepsTrust(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	require.Equal(t, backup.PhaseTrusted, a.setup(t).Phase)
	hs.FailDeletes(true)

	err := a.Controller().DeleteBackup(context.Background())
	require.ErrorIs(t, err, backup.ErrServerRejected)
	st := a.Controller().Status()
	assert.Equal(t, backup.PhaseTrusted, st.Phase)
	assert.Equal(t, backup.TrustTrusted, st.Trust)
	assert.True(t, a.Secrets().Has(secrets.MegolmBackupKey))
}

func TestScenario_VersionIDsAreNeverReused(t *testing.T) {
	hs := testutil.NewHomeserver(t)
	a := newDevice(t, hs, "A")
	first := a.setup(t)

	seen := map[id.KeyBackupVersion]bool{first.Version.ID: true}
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Controller().DeleteBackup(context.Background()))
		res := a.setupWithRecoveryKey(t, first.RecoveryKey)
		require.Equal(t, backup.PhaseTrusted, res.Phase, "err: %v", res.Err)
		assert.False(t, seen[res.Version.ID], "version %s reused", res.Version.ID)
		seen[res.Version.ID] = true
	}
}
