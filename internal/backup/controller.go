package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arko-chat/arko-backup/internal/secrets"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/id"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSettingUp
	PhaseAwaitingPassphrase
	PhaseVerifying
	PhaseTrusted
	PhaseFailed
	PhaseDeleting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSettingUp:
		return "SettingUp"
	case PhaseAwaitingPassphrase:
		return "AwaitingPassphrase"
	case PhaseVerifying:
		return "Verifying"
	case PhaseTrusted:
		return "Trusted"
	case PhaseFailed:
		return "Failed"
	case PhaseDeleting:
		return "Deleting"
	}
	return "Unknown"
}

func (p Phase) busy() bool {
	switch p {
	case PhaseSettingUp, PhaseAwaitingPassphrase, PhaseVerifying, PhaseDeleting:
		return true
	}
	return false
}

// Result is the outcome of one setup flow. Phase is PhaseTrusted or
// PhaseFailed.
type Result struct {
	Phase   Phase
	Reason  Reason
	Err     error
	Version *Version
	// RecoveryKey is set when the flow generated a new one.
	RecoveryKey string
}

type ControllerConfig struct {
	UserID  id.UserID
	API     VersionAPI
	Storage SecretStorage
	Secrets SecretCache
	Crypto  Crypto
	Tracker *Tracker
	Events  *Events
	Logger  *slog.Logger
}

// Controller runs the setup and delete flows for one account and keeps the
// current trust verdict.
type Controller struct {
	userID    id.UserID
	api       VersionAPI
	storage   SecretStorage
	secrets   SecretCache
	crypto    Crypto
	evaluator *Evaluator
	tracker   *Tracker
	events    *Events
	logger    *slog.Logger

	setup singleflight.Group

	// reconcileMu orders reading the tracker's belief with applying it.
	reconcileMu sync.Mutex

	mu           sync.Mutex
	phase        Phase
	verdict      Verdict
	verdictKnown bool
	lastFailure  *Result
	prompt       *passphrasePrompt
	cancelFlow   context.CancelFunc
	// orphan is a version this device created but could not roll back.
	orphan         id.KeyBackupVersion
	trustedHistory map[id.KeyBackupVersion]struct{}
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Crypto == nil {
		cfg.Crypto = MegolmCrypto{}
	}
	c := &Controller{
		userID:         cfg.UserID,
		api:            cfg.API,
		storage:        cfg.Storage,
		secrets:        cfg.Secrets,
		crypto:         cfg.Crypto,
		evaluator:      NewEvaluator(cfg.Crypto, cfg.UserID),
		tracker:        cfg.Tracker,
		events:         cfg.Events,
		logger:         cfg.Logger.With("user", cfg.UserID),
		trustedHistory: make(map[id.KeyBackupVersion]struct{}),
	}
	if v := cfg.Secrets.TrustedVersion(); v != "" {
		c.trustedHistory[v] = struct{}{}
	}
	return c
}

// WasTrusted reports whether this device ever verified the version.
func (c *Controller) WasTrusted(version id.KeyBackupVersion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.trustedHistory[version]
	return ok
}

// Status is a point-in-time view of the lifecycle.
type Status struct {
	Phase          Phase
	Known          bool
	Trust          TrustState
	Version        *Version
	SignatureValid bool
	HasOrphan      bool
	LastFailure    Reason
	LastError      error
}

// Prompt says which setup entry point the UI should offer.
func (s Status) Prompt() PromptKind {
	if !s.Known || s.Phase.busy() {
		return PromptNone
	}
	switch s.Trust {
	case TrustAbsent:
		return PromptSetUp
	case TrustSuperseded:
		return PromptUpgrade
	case TrustUnverified:
		if s.HasOrphan {
			return PromptSetUp
		}
		return PromptVerify
	}
	return PromptNone
}

type PromptKind int

const (
	PromptNone PromptKind = iota
	PromptSetUp
	PromptUpgrade
	PromptVerify
)

func (k PromptKind) String() string {
	switch k {
	case PromptSetUp:
		return "set_up_encryption"
	case PromptUpgrade:
		return "upgrade_encryption"
	case PromptVerify:
		return "verify_this_session"
	}
	return "none"
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Phase:          c.phase,
		Known:          c.verdictKnown,
		Trust:          c.verdict.State,
		Version:        c.verdict.Version.clone(),
		SignatureValid: c.verdict.SignatureValid,
		HasOrphan:      c.orphan != "" && c.verdict.Version != nil && c.verdict.Version.ID == c.orphan,
	}
	if c.lastFailure != nil {
		st.LastFailure = c.lastFailure.Reason
		st.LastError = c.lastFailure.Err
	}
	return st
}

// Refresh re-evaluates trust against the tracker's current belief.
func (c *Controller) Refresh(ctx context.Context) (Status, error) {
	if _, err := c.tracker.GetCurrentVersion(ctx); err != nil {
		return c.Status(), err
	}
	c.reconcile()
	return c.Status(), nil
}

// Reconcile re-evaluates trust after a tracker observation. The
// observation only signals a change: a newer check may already have
// replaced obs.Current, so the tracker's belief is what gets applied.
func (c *Controller) Reconcile(obs Observation) {
	c.logger.Debug("backup version observed",
		"previous", versionLabel(obs.Previous),
		"current", versionLabel(obs.Current),
		"trigger", obs.Trigger,
	)
	c.reconcile()
}

// reconcile applies the tracker's newest belief. Whoever runs last reads
// the newest belief, so a slow caller cannot restore a stale verdict.
func (c *Controller) reconcile() Verdict {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	version, known := c.tracker.Current()
	if !known {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.verdict
	}
	v := c.evaluate(version)
	c.applyVerdict(v)
	return v
}

func (c *Controller) evaluate(version *Version) Verdict {
	return c.evaluator.Evaluate(c.secrets.Snapshot(), version)
}

// applyVerdict records a new verdict and emits TrustChanged. A move from
// Superseded straight to Trusted is reported as passing through
// Unverified.
func (c *Controller) applyVerdict(v Verdict) {
	c.mu.Lock()
	prev, known := c.verdict.State, c.verdictKnown
	c.verdict = v
	c.verdictKnown = true
	if v.State == TrustTrusted {
		c.trustedHistory[v.Version.ID] = struct{}{}
	}
	if !c.phase.busy() {
		c.phase = restingPhase(v.State)
	}
	c.mu.Unlock()

	if v.State == TrustTrusted && c.secrets.TrustedVersion() != v.Version.ID {
		if err := c.secrets.SetTrustedVersion(v.Version.ID); err != nil {
			c.logger.Error("failed to persist trusted backup version", "version", v.Version.ID, "err", err)
		}
	}

	if known && prev == v.State {
		return
	}
	if !known {
		prev = TrustAbsent
		if v.State == TrustAbsent {
			return
		}
	}
	if prev == TrustSuperseded && v.State == TrustTrusted {
		c.events.Publish(TrustChanged{From: TrustSuperseded, To: TrustUnverified, Version: v.Version.clone()})
		prev = TrustUnverified
	}
	c.logger.Info("key backup trust changed", "from", prev, "to", v.State, "version", versionLabel(v.Version))
	c.events.Publish(TrustChanged{From: prev, To: v.State, Version: v.Version.clone()})
}

func restingPhase(state TrustState) Phase {
	if state == TrustTrusted {
		return PhaseTrusted
	}
	return PhaseIdle
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}

// StartSetup runs the setup flow and blocks until it finishes. Concurrent
// callers share one flow and receive the same Result. The returned error
// is non-nil only when setup could not start.
func (c *Controller) StartSetup(ctx context.Context) (Result, error) {
	res, err, _ := c.setup.Do("setup", func() (any, error) {
		return c.runSetup(ctx)
	})
	if err != nil {
		return Result{}, err
	}
	return res.(Result), nil
}

func (c *Controller) runSetup(parent context.Context) (Result, error) {
	c.mu.Lock()
	if c.phase == PhaseDeleting {
		c.mu.Unlock()
		return Result{}, ErrFlowInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.phase = PhaseSettingUp
	c.cancelFlow = cancel
	c.mu.Unlock()

	c.logger.Info("starting key backup setup")

	if _, err := c.tracker.Check(ctx, TriggerRequest); err != nil {
		return c.finish(c.failed(err)), nil
	}
	verdict := c.reconcile()
	current := verdict.Version

	c.mu.Lock()
	orphan := c.orphan != "" && current != nil && current.ID == c.orphan
	allowed := verdict.State == TrustAbsent || verdict.State == TrustSuperseded ||
		(verdict.State == TrustUnverified && orphan)
	if !allowed {
		c.phase = restingPhase(verdict.State)
		c.cancelFlow = nil
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w (backup is %s)", ErrSetupNotAllowed, verdict.State)
	}
	c.mu.Unlock()

	if orphan {
		if err := c.api.DeleteVersion(ctx, current.ID); err != nil && !IsServerError(err, ErrCodeNotFound) {
			return c.finish(c.failed(fmt.Errorf("remove orphaned backup %s: %w", current.ID, err))), nil
		}
		c.logger.Info("removed orphaned backup version", "version", current.ID)
		c.mu.Lock()
		c.orphan = ""
		c.mu.Unlock()
		current = nil
	}

	return c.finish(c.setupFlow(ctx, current)), nil
}

func (c *Controller) setupFlow(ctx context.Context, current *Version) Result {
	hasKey, err := c.storage.HasDefaultKey(ctx)
	if err != nil {
		return c.failed(err)
	}
	if !hasKey {
		return c.freshSetup(ctx)
	}

	key, err := c.awaitPassphrase(ctx)
	if err != nil {
		return c.failed(err)
	}
	c.setPhase(PhaseVerifying)
	return c.restoreOrCreate(ctx, key, current)
}

// freshSetup creates a new secret storage key and a new backup version.
func (c *Controller) freshSetup(ctx context.Context) Result {
	ssssKey, err := c.storage.GenerateKey()
	if err != nil {
		return c.failed(err)
	}
	backupKey, auth, err := c.newBackupKey()
	if err != nil {
		return c.failed(err)
	}
	recoveryKey := ssssKey.RecoveryKey()
	c.events.Publish(RecoveryKeyReady{RecoveryKey: recoveryKey})

	c.setPhase(PhaseVerifying)
	version, err := c.createVersion(ctx, auth)
	if err != nil {
		return c.failed(err)
	}

	// The version exists on the server now; it is finished or undone even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if err := c.storage.PublishKey(ctx, ssssKey); err != nil {
		return c.rollback(ctx, version, err)
	}
	if err := c.storage.StoreSecret(ctx, ssssKey, secrets.MegolmBackupKey, backupKey); err != nil {
		return c.rollback(ctx, version, err)
	}
	if err := c.cacheKeys(backupKey, recoveryKey); err != nil {
		return c.failed(err)
	}

	res := c.verify(ctx, version)
	if res.Phase == PhaseTrusted {
		res.RecoveryKey = recoveryKey
	}
	return res
}

// restoreOrCreate adopts the backup key kept in secret storage when it
// matches the current version and otherwise creates a new version
// protected by the existing secret storage key.
func (c *Controller) restoreOrCreate(ctx context.Context, key *ssss.Key, current *Version) Result {
	stored, err := c.storage.FetchSecret(ctx, key, secrets.MegolmBackupKey)
	switch {
	case err == nil:
		if current != nil && current.Algorithm == id.KeyBackupAlgorithmMegolmBackupV1 {
			pub, pubErr := c.crypto.PublicKey(stored)
			if pubErr == nil && pub == current.AuthData.PublicKey {
				c.logger.Info("restored backup key from secret storage", "version", current.ID)
				if err := c.cacheKeys(stored, key.RecoveryKey()); err != nil {
					return c.failed(err)
				}
				return c.verify(ctx, current.ID)
			}
		}
	case errors.Is(err, ErrSecretNotFound):
	default:
		return c.failed(err)
	}

	backupKey, auth, err := c.newBackupKey()
	if err != nil {
		return c.failed(err)
	}
	version, err := c.createVersion(ctx, auth)
	if err != nil {
		return c.failed(err)
	}

	ctx = context.WithoutCancel(ctx)
	if err := c.storage.StoreSecret(ctx, key, secrets.MegolmBackupKey, backupKey); err != nil {
		return c.rollback(ctx, version, err)
	}
	if err := c.cacheKeys(backupKey, key.RecoveryKey()); err != nil {
		return c.failed(err)
	}
	return c.verify(ctx, version)
}

func (c *Controller) newBackupKey() ([]byte, AuthData, error) {
	priv, err := c.crypto.GenerateBackupKey()
	if err != nil {
		return nil, AuthData{}, err
	}
	pub, err := c.crypto.PublicKey(priv)
	if err != nil {
		return nil, AuthData{}, err
	}
	auth := AuthData{PublicKey: pub}
	if master, ok := c.secrets.Get(secrets.CrossSigningMaster); ok {
		if err := c.crypto.SignAuthData(&auth, c.userID, master.Key); err != nil {
			c.logger.Warn("failed to sign backup auth data", "err", err)
		}
	}
	return priv, auth, nil
}

// createVersion posts a new version. When the request was cut off by
// cancellation the server may still have created it, so the latest
// version is checked and removed if it carries our public key.
func (c *Controller) createVersion(ctx context.Context, auth AuthData) (id.KeyBackupVersion, error) {
	version, err := c.api.CreateVersion(ctx, id.KeyBackupAlgorithmMegolmBackupV1, auth)
	if err == nil {
		c.logger.Info("created backup version", "version", version)
		return version, nil
	}
	if ctx.Err() == nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	latest, checkErr := c.api.GetLatestVersion(bg)
	if checkErr != nil || latest == nil || latest.AuthData.PublicKey != auth.PublicKey {
		return "", err
	}
	if delErr := c.api.DeleteVersion(bg, latest.ID); delErr != nil {
		c.recordOrphan(latest.ID, delErr)
		return "", fmt.Errorf("%w: %w", ErrRollbackFailure, errors.Join(err, delErr))
	}
	return "", err
}

// rollback deletes a version whose secret storage writes failed.
func (c *Controller) rollback(ctx context.Context, version id.KeyBackupVersion, cause error) Result {
	c.logger.Warn("secret storage write failed, rolling back backup version",
		"version", version,
		"err", cause,
	)
	delErr := c.api.DeleteVersion(ctx, version)
	if IsServerError(delErr, ErrCodeNotFound) {
		delErr = nil
	}
	if delErr != nil {
		c.recordOrphan(version, delErr)
	}

	if _, err := c.tracker.Check(ctx, TriggerRequest); err != nil {
		c.logger.Debug("could not refresh backup version after rollback", "err", err)
	} else {
		c.reconcile()
	}

	if delErr != nil {
		return c.failed(fmt.Errorf("%w: %w", ErrRollbackFailure, errors.Join(cause, delErr)))
	}
	return c.failed(cause)
}

func (c *Controller) recordOrphan(version id.KeyBackupVersion, err error) {
	c.logger.Error("backup version could not be rolled back", "version", version, "err", err)
	c.mu.Lock()
	c.orphan = version
	c.mu.Unlock()
}

func (c *Controller) cacheKeys(backupKey []byte, recoveryKey string) error {
	if err := c.secrets.Put(secrets.MegolmBackupKey, backupKey); err != nil {
		return err
	}
	return c.secrets.Put(secrets.RecoveryKey, []byte(recoveryKey))
}

// verify re-reads the server version and requires it to be the expected
// one and trusted by the cached key.
func (c *Controller) verify(ctx context.Context, expected id.KeyBackupVersion) Result {
	if _, err := c.tracker.Check(ctx, TriggerRequest); err != nil {
		return c.failed(err)
	}
	verdict := c.reconcile()
	current := verdict.Version

	if current == nil || current.ID != expected {
		return c.failed(fmt.Errorf("%w: backup %s was replaced by %s during setup",
			ErrServerRejected, expected, versionLabel(current)))
	}
	if verdict.State != TrustTrusted {
		return c.failed(fmt.Errorf("%w: backup %s does not match the cached key", ErrServerRejected, expected))
	}
	return Result{Phase: PhaseTrusted, Version: current}
}

func (c *Controller) failed(err error) Result {
	return Result{Phase: PhaseFailed, Reason: ReasonOf(err), Err: err}
}

// finish settles the phase and reports the outcome.
func (c *Controller) finish(res Result) Result {
	c.mu.Lock()
	c.prompt = nil
	c.cancelFlow = nil
	if res.Phase == PhaseFailed {
		failure := res
		c.lastFailure = &failure
	} else {
		c.lastFailure = nil
	}
	c.phase = restingPhase(c.verdict.State)
	c.mu.Unlock()

	if res.Phase == PhaseFailed {
		c.logger.Warn("key backup setup failed", "reason", res.Reason, "err", res.Err)
		c.events.Publish(SetupFailed{Reason: res.Reason, Err: res.Err})
		return res
	}
	c.logger.Info("key backup setup completed", "version", res.Version.ID)
	c.events.Publish(SetupCompleted{Version: *res.Version, NewRecoveryKey: res.RecoveryKey != ""})
	return res
}

type submission struct {
	recoveryKey string
	reply       chan error
}

type passphrasePrompt struct {
	submissions chan submission
	cancelled   chan struct{}
	cancelOnce  sync.Once
	done        chan struct{}
}

func (p *passphrasePrompt) cancel() {
	p.cancelOnce.Do(func() { close(p.cancelled) })
}

// awaitPassphrase waits for a recovery key that unlocks the default
// secret storage key. Wrong keys are reported to the submitter and the
// wait continues.
func (c *Controller) awaitPassphrase(ctx context.Context) (*ssss.Key, error) {
	p := &passphrasePrompt{
		submissions: make(chan submission),
		cancelled:   make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.mu.Lock()
	c.prompt = p
	c.phase = PhaseAwaitingPassphrase
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.prompt == p {
			c.prompt = nil
		}
		c.mu.Unlock()
		close(p.done)
	}()

	c.events.Publish(PassphraseRequired{})

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoPassphraseAvailable, ctx.Err())
		case <-p.cancelled:
			return nil, fmt.Errorf("%w: cancelled by user", ErrNoPassphraseAvailable)
		case sub := <-p.submissions:
			key, err := c.storage.UnlockDefaultKey(ctx, sub.recoveryKey)
			sub.reply <- err
			if errors.Is(err, ErrInvalidRecoveryKey) {
				c.logger.Debug("recovery key rejected")
				continue
			}
			if err != nil {
				return nil, err
			}
			return key, nil
		}
	}
}

// SubmitPassphrase offers a recovery key to a flow waiting in
// AwaitingPassphrase. Spaces are ignored. It returns once the key was
// accepted or rejected; the flow continues in the background.
func (c *Controller) SubmitPassphrase(ctx context.Context, recoveryKey string) error {
	c.mu.Lock()
	p := c.prompt
	c.mu.Unlock()
	if p == nil {
		return ErrNotAwaitingPassphrase
	}

	sub := submission{
		recoveryKey: strings.Join(strings.Fields(recoveryKey), ""),
		reply:       make(chan error, 1),
	}
	select {
	case p.submissions <- sub:
	case <-p.done:
		return ErrNotAwaitingPassphrase
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sub.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelSetup aborts a running setup flow. A flow waiting for a recovery
// key fails with NoPassphraseAvailable. It is a no-op when nothing runs.
func (c *Controller) CancelSetup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt != nil {
		c.prompt.cancel()
		return
	}
	if c.cancelFlow != nil {
		c.cancelFlow()
	}
}

// DeleteBackup removes the server's current backup version.
func (c *Controller) DeleteBackup(ctx context.Context) error {
	c.mu.Lock()
	if c.phase.busy() {
		c.mu.Unlock()
		return ErrFlowInProgress
	}
	c.phase = PhaseDeleting
	c.mu.Unlock()

	err := c.deleteBackup(ctx)

	c.mu.Lock()
	c.phase = restingPhase(c.verdict.State)
	c.mu.Unlock()
	return err
}

func (c *Controller) deleteBackup(ctx context.Context) error {
	if _, err := c.tracker.Check(ctx, TriggerRequest); err != nil {
		return err
	}
	current := c.reconcile().Version
	if current == nil {
		return ErrNoBackup
	}

	err := c.api.DeleteVersion(ctx, current.ID)
	if err != nil && !IsServerError(err, ErrCodeNotFound) {
		c.logger.Warn("failed to delete backup version", "version", current.ID, "err", err)
		if _, checkErr := c.tracker.Check(ctx, TriggerRequest); checkErr == nil {
			c.reconcile()
		}
		return fmt.Errorf("delete backup %s: %w", current.ID, err)
	}

	if err := c.secrets.Delete(secrets.MegolmBackupKey); err != nil {
		c.logger.Error("failed to forget cached backup key", "err", err)
	}
	if err := c.secrets.SetTrustedVersion(""); err != nil {
		c.logger.Error("failed to forget trusted backup version", "err", err)
	}
	c.mu.Lock()
	if c.orphan == current.ID {
		c.orphan = ""
	}
	c.mu.Unlock()

	if _, err := c.tracker.Check(ctx, TriggerRequest); err != nil {
		c.reconcileMu.Lock()
		c.applyVerdict(c.evaluate(nil))
		c.reconcileMu.Unlock()
	} else {
		c.reconcile()
	}

	c.logger.Info("deleted backup version", "version", current.ID)
	c.events.Publish(DeleteCompleted{Version: current.ID})
	return nil
}

// RecoveryKey returns the cached recovery key, if any.
func (c *Controller) RecoveryKey() (secrets.Secret, bool) {
	return c.secrets.Get(secrets.RecoveryKey)
}

func (c *Controller) MarkRecoveryKeyCopied() error {
	return c.secrets.MarkCopied(secrets.RecoveryKey)
}

func (c *Controller) MarkRecoveryKeyDownloaded() error {
	return c.secrets.MarkDownloaded(secrets.RecoveryKey)
}
