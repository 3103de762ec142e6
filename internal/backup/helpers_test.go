package backup

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeSource answers GetLatestVersion from a settable value, or from fn
// when set.
type fakeSource struct {
	mu      sync.Mutex
	version *Version
	err     error
	calls   int
	fn      func(ctx context.Context, call int) (*Version, error)
}

func (f *fakeSource) GetLatestVersion(ctx context.Context) (*Version, error) {
	f.mu.Lock()
	f.calls++
	call, fn := f.calls, f.fn
	version, err := f.version.clone(), f.err
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	return version, err
}

func (f *fakeSource) set(v *Version, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version, f.err = v, err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func megolmVersion(ver string, publicKey id.Ed25519) *Version {
	return &Version{
		ID:        id.KeyBackupVersion(ver),
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  AuthData{PublicKey: publicKey},
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func assertNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %#v", v)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
