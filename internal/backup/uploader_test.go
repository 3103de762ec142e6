package backup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

type fakeKeyUploader struct {
	mu    sync.Mutex
	err   error
	calls []id.KeyBackupVersion
}

func (f *fakeKeyUploader) UploadKeys(_ context.Context, version id.KeyBackupVersion, _ RoomKeys) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, version)
	return f.err
}

func (f *fakeKeyUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sampleKeys() RoomKeys {
	return RoomKeys{
		"!room:example.org": {
			"session1": {FirstMessageIndex: 0, SessionData: json.RawMessage(`{"ciphertext":"x"}`)},
		},
	}
}

type uploaderHarness struct {
	src      *fakeSource
	keys     *fakeKeyUploader
	tracker  *Tracker
	uploader *Uploader
	events   <-chan Event
}

func newUploaderHarness(t *testing.T, trusted ...id.KeyBackupVersion) *uploaderHarness {
	t.Helper()
	src := &fakeSource{}
	keys := &fakeKeyUploader{}
	events := NewEvents(testLogger())
	ch, unsubscribe := events.Subscribe(16)
	t.Cleanup(unsubscribe)

	tracker := NewTracker(src, testLogger(), TrackerOptions{})
	bridge := NewBridge(events, trustedSet(trusted...), testLogger())
	return &uploaderHarness{
		src:      src,
		keys:     keys,
		tracker:  tracker,
		uploader: NewUploader(keys, tracker, bridge, testLogger()),
		events:   ch,
	}
}

func TestUploader_Success(t *testing.T) {
	h := newUploaderHarness(t, "1")
	v := megolmVersion("1", "pub")
	h.src.set(v, nil)
	_, err := h.tracker.Check(context.Background(), TriggerRequest)
	require.NoError(t, err)

	require.NoError(t, h.uploader.Upload(context.Background(), *v, sampleKeys()))
	assert.Equal(t, 1, h.keys.callCount())
	assertNothing(t, h.events)
}

func TestUploader_KnownMismatchSkipsUpload(t *testing.T) {
	h := newUploaderHarness(t, "1")
	h.src.set(megolmVersion("2", "other"), nil)
	_, err := h.tracker.Check(context.Background(), TriggerRequest)
	require.NoError(t, err)

	err = h.uploader.Upload(context.Background(), *megolmVersion("1", "pub"), sampleKeys())
	require.ErrorIs(t, err, ErrVersionMismatch)
	assert.ErrorIs(t, err, ErrServerRejected)
	assert.Zero(t, h.keys.callCount())

	ev := receive(t, h.events)
	assert.Equal(t, KindNewRecoveryMethod, ev.Kind())
}

func TestUploader_RemovedBackupReportedOnceAcrossUploads(t *testing.T) {
	h := newUploaderHarness(t, "1")
	expected := *megolmVersion("1", "pub")
	h.src.set(&expected, nil)
	_, err := h.tracker.Check(context.Background(), TriggerRequest)
	require.NoError(t, err)

	h.src.set(nil, nil)
	h.keys.err = &ServerError{StatusCode: 404, Code: ErrCodeNotFound}

	for i := 0; i < 3; i++ {
		err := h.uploader.Upload(context.Background(), expected, sampleKeys())
		require.Error(t, err)
	}

	ev := receive(t, h.events)
	assert.Equal(t, KindRecoveryMethodRemoved, ev.Kind())
	assertNothing(t, h.events)
}

func TestUploader_WrongVersionRechecksServer(t *testing.T) {
	h := newUploaderHarness(t, "1")
	expected := *megolmVersion("1", "pub")
	h.keys.err = &ServerError{StatusCode: 403, Code: ErrCodeWrongRoomKeysVersion, CurrentVersion: "2"}
	h.src.set(megolmVersion("2", "other"), nil)

	err := h.uploader.Upload(context.Background(), expected, sampleKeys())
	require.ErrorIs(t, err, ErrServerRejected)
	assert.True(t, IsServerError(err, ErrCodeWrongRoomKeysVersion))
	assert.Equal(t, 1, h.src.callCount())

	ev := receive(t, h.events).(NewRecoveryMethod)
	assert.Equal(t, id.KeyBackupVersion("2"), ev.Observed.ID)
}

func TestUploader_FailedRecheckEmitsNothing(t *testing.T) {
	h := newUploaderHarness(t, "1")
	h.keys.err = &ServerError{StatusCode: 404, Code: ErrCodeNotFound}
	h.src.set(nil, ErrNetwork)

	err := h.uploader.Upload(context.Background(), *megolmVersion("1", "pub"), sampleKeys())
	require.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrServerRejected)

	_, known := h.tracker.Current()
	assert.False(t, known)
	assertNothing(t, h.events)
}

func TestUploader_OtherErrorsPassThrough(t *testing.T) {
	h := newUploaderHarness(t, "1")
	h.keys.err = &ServerError{StatusCode: 429, Code: ErrCodeLimitExceeded}

	err := h.uploader.Upload(context.Background(), *megolmVersion("1", "pub"), sampleKeys())
	require.True(t, IsServerError(err, ErrCodeLimitExceeded))
	assert.Zero(t, h.src.callCount())
}
