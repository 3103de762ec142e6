// Package testutil provides an in-process homeserver implementing the key
// backup and account data endpoints.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/btree"
)

const serverName = "example.org"

type storedVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

type account struct {
	// Version IDs are never reused, so the latest version is the max key.
	versions    btree.Map[int, *storedVersion]
	nextID      int
	accountData map[string]json.RawMessage
	uploads     map[int]int
}

// Homeserver is a fake Matrix homeserver for tests. Each user has an
// independent backup history.
type Homeserver struct {
	*httptest.Server

	mu        sync.Mutex
	tokens    map[string]string
	accounts  map[string]*account
	passwords map[string]string
	issued    int

	offline           atomic.Bool
	failAccountWrites atomic.Bool
	failDeletes       atomic.Bool
	versionGets       atomic.Int64
	versions          []string
	unstable          map[string]bool
}

func NewHomeserver(t testing.TB) *Homeserver {
	t.Helper()

	hs := &Homeserver{
		tokens:    make(map[string]string),
		accounts:  make(map[string]*account),
		passwords: make(map[string]string),
		versions:  []string{"v1.1", "v1.11"},
		unstable:  map[string]bool{},
	}

	r := chi.NewRouter()
	r.Use(hs.offlineMiddleware)
	r.Get("/_matrix/client/versions", hs.handleVersions)
	r.Route("/_matrix/client/v3", func(r chi.Router) {
		r.Post("/login", hs.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(hs.authMiddleware)
			r.Post("/logout", hs.handleLogout)
			r.Get("/room_keys/version", hs.handleGetLatestVersion)
			r.Post("/room_keys/version", hs.handleCreateVersion)
			r.Get("/room_keys/version/{version}", hs.handleGetVersion)
			r.Delete("/room_keys/version/{version}", hs.handleDeleteVersion)
			r.Put("/room_keys/keys", hs.handleUploadKeys)
			r.Get("/user/{userID}/account_data/{type}", hs.handleGetAccountData)
			r.Put("/user/{userID}/account_data/{type}", hs.handleSetAccountData)
		})
	})

	hs.Server = httptest.NewServer(r)
	t.Cleanup(hs.Close)
	return hs
}

// Login registers a device for userID and returns its access token.
func (hs *Homeserver) Login(userID, deviceID string) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.login(userID, deviceID)
}

// login must be called with hs.mu held.
func (hs *Homeserver) login(userID, deviceID string) string {
	hs.issued++
	token := "syt_" + deviceID + "_" + strconv.Itoa(hs.issued)
	hs.tokens[token] = userID
	if _, ok := hs.accounts[userID]; !ok {
		hs.accounts[userID] = &account{
			nextID:      1,
			accountData: make(map[string]json.RawMessage),
			uploads:     make(map[int]int),
		}
	}
	return token
}

// SetPassword enables password login for userID.
func (hs *Homeserver) SetPassword(userID, password string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.passwords[userID] = password
}

// Sessions counts the access tokens currently valid for userID.
func (hs *Homeserver) Sessions(userID string) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	n := 0
	for _, u := range hs.tokens {
		if u == userID {
			n++
		}
	}
	return n
}

// SetOffline makes every request fail with 503.
func (hs *Homeserver) SetOffline(offline bool) { hs.offline.Store(offline) }

// FailAccountDataWrites makes account data PUTs fail with 500.
func (hs *Homeserver) FailAccountDataWrites(fail bool) { hs.failAccountWrites.Store(fail) }

// FailDeletes makes version deletes fail with 500.
func (hs *Homeserver) FailDeletes(fail bool) { hs.failDeletes.Store(fail) }

// SetSpecVersions replaces the versions advertised on /versions.
func (hs *Homeserver) SetSpecVersions(versions []string, unstable map[string]bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.versions = versions
	hs.unstable = unstable
}

// BackupVersions lists the user's live backup versions in ascending order.
func (hs *Homeserver) BackupVersions(userID string) []string {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	acct := hs.accounts[userID]
	if acct == nil {
		return nil
	}
	var out []string
	acct.versions.Scan(func(_ int, v *storedVersion) bool {
		out = append(out, v.Version)
		return true
	})
	return out
}

// Uploads returns how many successful key uploads version received.
func (hs *Homeserver) Uploads(userID, version string) int {
	n, err := strconv.Atoi(version)
	if err != nil {
		return 0
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if acct := hs.accounts[userID]; acct != nil {
		return acct.uploads[n]
	}
	return 0
}

// AccountData returns the raw account data stored for userID.
func (hs *Homeserver) AccountData(userID, eventType string) (json.RawMessage, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if acct := hs.accounts[userID]; acct != nil {
		data, ok := acct.accountData[eventType]
		return data, ok
	}
	return nil, false
}

// LatestVersionRequests counts GET /room_keys/version calls.
func (hs *Homeserver) LatestVersionRequests() int64 {
	return hs.versionGets.Load()
}

func (hs *Homeserver) offlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hs.offline.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (hs *Homeserver) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token", nil)
			return
		}
		hs.mu.Lock()
		userID, ok := hs.tokens[token]
		hs.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token", nil)
			return
		}
		r.Header.Set("X-Test-User", userID)
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

// account must be called with hs.mu held.
func (hs *Homeserver) account(r *http.Request) *account {
	return hs.accounts[r.Header.Get("X-Test-User")]
}

func (hs *Homeserver) handleVersions(w http.ResponseWriter, _ *http.Request) {
	hs.mu.Lock()
	body := map[string]any{"versions": hs.versions, "unstable_features": hs.unstable}
	hs.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (hs *Homeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			Type string `json:"type"`
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type != "m.login.password" {
		writeError(w, http.StatusBadRequest, "M_UNKNOWN", "Unsupported login", nil)
		return
	}

	userID := req.Identifier.User
	if !strings.HasPrefix(userID, "@") {
		userID = "@" + userID + ":" + serverName
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	if password, ok := hs.passwords[userID]; !ok || password != req.Password {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid username or password", nil)
		return
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = "DEV" + strconv.Itoa(hs.issued+1)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":      userID,
		"access_token": hs.login(userID, deviceID),
		"device_id":    deviceID,
	})
}

func (hs *Homeserver) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	hs.mu.Lock()
	delete(hs.tokens, token)
	hs.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (hs *Homeserver) handleGetLatestVersion(w http.ResponseWriter, r *http.Request) {
	hs.versionGets.Add(1)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	_, v, ok := hs.account(r).versions.Max()
	if !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "No current backup version", nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (hs *Homeserver) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	v, ok := hs.account(r).versions.Get(n)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version", nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (hs *Homeserver) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string          `json:"algorithm"`
		AuthData  json.RawMessage `json:"auth_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Algorithm == "" || len(req.AuthData) == 0 {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid backup version", nil)
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	acct := hs.account(r)
	n := acct.nextID
	acct.nextID++
	version := strconv.Itoa(n)
	acct.versions.Set(n, &storedVersion{
		Algorithm: req.Algorithm,
		AuthData:  req.AuthData,
		ETag:      "0",
		Version:   version,
	})
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (hs *Homeserver) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	if hs.failDeletes.Load() {
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error", nil)
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version", nil)
		return
	}
	if _, ok := hs.account(r).versions.Delete(n); !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (hs *Homeserver) handleUploadKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rooms map[string]struct {
			Sessions map[string]json.RawMessage `json:"sessions"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "Invalid key upload", nil)
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	acct := hs.account(r)
	latestID, latest, ok := acct.versions.Max()
	if !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version", nil)
		return
	}
	requested, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil || requested != latestID {
		writeError(w, http.StatusForbidden, "M_WRONG_ROOM_KEYS_VERSION",
			"Wrong backup version.", map[string]any{"current_version": latest.Version})
		return
	}

	for _, room := range req.Rooms {
		latest.Count += len(room.Sessions)
	}
	acct.uploads[latestID]++
	latest.ETag = strconv.Itoa(acct.uploads[latestID])
	writeJSON(w, http.StatusOK, map[string]any{"count": latest.Count, "etag": latest.ETag})
}

func (hs *Homeserver) handleGetAccountData(w http.ResponseWriter, r *http.Request) {
	eventType, ok := hs.checkAccountDataPath(w, r)
	if !ok {
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	data, ok := hs.account(r).accountData[eventType]
	if !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "Account data not found", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (hs *Homeserver) handleSetAccountData(w http.ResponseWriter, r *http.Request) {
	eventType, ok := hs.checkAccountDataPath(w, r)
	if !ok {
		return
	}
	if hs.failAccountWrites.Load() {
		writeError(w, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error", nil)
		return
	}

	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Content must be JSON", nil)
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.account(r).accountData[eventType] = content
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (hs *Homeserver) checkAccountDataPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := url.PathUnescape(chi.URLParam(r, "userID"))
	if err != nil || userID != r.Header.Get("X-Test-User") {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "Cannot access another user's account data", nil)
		return "", false
	}
	eventType, err := url.PathUnescape(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "Invalid account data type", nil)
		return "", false
	}
	return eventType, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{"errcode": code, "error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
