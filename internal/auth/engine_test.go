package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/nicemail/internal/credential"
	"github.com/nhle/nicemail/internal/model"
	"github.com/nhle/nicemail/internal/store"
	"github.com/nhle/nicemail/tests/testutil"
)

// memStore is an in-memory SecureStore for tests. Load returns a deep copy
// so engine mutations only land via Save, like the real store.
type memStore struct {
	data  map[string]any
	saves int
}

func newMemStore(initial map[string]any) *memStore {
	if initial == nil {
		initial = map[string]any{}
	}
	return &memStore{data: initial}
}

func (m *memStore) Load() (map[string]any, error) {
	encoded, err := json.Marshal(m.data)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(encoded, &copied); err != nil {
		return nil, err
	}
	if copied == nil {
		copied = map[string]any{}
	}
	return copied, nil
}

func (m *memStore) Save(data map[string]any) error {
	m.data = data
	m.saves++
	return nil
}

func (m *memStore) tokenRecord(t *testing.T, key string) model.TokenRecord {
	t.Helper()
	var record model.TokenRecord
	require.True(t, credential.Get(m.data, key, &record), "no token record under %q", key)
	return record
}

// testProvider points a provider descriptor at a test server.
func testProvider(baseURL string) Provider {
	return Provider{
		Name:          "test",
		DeviceAuthURL: baseURL + "/device",
		TokenURL:      baseURL + "/token",
		DefaultScopes: []string{"scope-a"},
		Keys: StoreKeys{
			TokenCache:   "test_token_cache",
			ClientID:     "test_client_id",
			ClientSecret: "test_client_secret",
			Config:       "test_config",
			Username:     "test_username",
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestEngine(t *testing.T, s SecureStore, baseURL string, opts ...Option) *Engine {
	t.Helper()
	engine, err := NewEngine(testProvider(baseURL), s, opts...)
	require.NoError(t, err)
	engine.sleep = func(time.Duration) {}
	return engine
}

func TestAcquireReturnsCachedTokenWithoutNetwork(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "unexpected"})
	}))
	defer srv.Close()

	data := map[string]any{"test_client_id": "cid"}
	require.NoError(t, credential.Put(data, "test_token_cache", model.TokenRecord{
		AccessToken: "cached-token",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}))

	engine := newTestEngine(t, newMemStore(data), srv.URL)

	token, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.NoError(t, err)
	assert.Equal(t, "cached-token", token)
	assert.Zero(t, calls, "cache hit must not touch the network")
}

func TestAcquireRefreshPreservesRefreshToken(t *testing.T) {
	var refreshCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		refreshCalls++

		// No refresh_token in the response: the old one must be kept.
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "new-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	data := map[string]any{"test_client_id": "cid"}
	require.NoError(t, credential.Put(data, "test_token_cache", model.TokenRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().UTC().Add(-time.Hour),
	}))

	ms := newMemStore(data)
	engine := newTestEngine(t, ms, srv.URL)

	token, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
	assert.Equal(t, 1, refreshCalls)

	saved := ms.tokenRecord(t, "test_token_cache")
	assert.Equal(t, "new-token", saved.AccessToken)
	assert.Equal(t, "old-refresh", saved.RefreshToken)
	assert.True(t, saved.Valid(time.Now()))
}

func TestAcquireRefreshAdoptsRotatedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "new-token",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	data := map[string]any{"test_client_id": "cid"}
	require.NoError(t, credential.Put(data, "test_token_cache", model.TokenRecord{
		AccessToken:  "old-token",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().UTC().Add(-time.Hour),
	}))

	ms := newMemStore(data)
	engine := newTestEngine(t, ms, srv.URL)

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.NoError(t, err)

	assert.Equal(t, "rotated-refresh", ms.tokenRecord(t, "test_token_cache").RefreshToken)
}

func TestAcquireNoninteractiveFailsBeforeDeviceFlow(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL)

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.Error(t, err)
	assert.Equal(t, ReasonNoninteractive, TerminalReason(err))
	assert.Zero(t, calls, "non-interactive failure must precede any network call")
}

func TestAcquireRefreshFailureFallsThrough(t *testing.T) {
	var tokenCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	data := map[string]any{"test_client_id": "cid"}
	require.NoError(t, credential.Put(data, "test_token_cache", model.TokenRecord{
		AccessToken:  "old-token",
		RefreshToken: "dead-refresh",
		ExpiresAt:    time.Now().UTC().Add(-time.Hour),
	}))

	engine := newTestEngine(t, newMemStore(data), srv.URL)

	// With interactive disabled, the failed refresh falls through to the
	// non-interactive guard rather than surfacing the refresh error.
	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.Error(t, err)
	assert.Equal(t, ReasonNoninteractive, TerminalReason(err))
	assert.Equal(t, 1, tokenCalls)
}

func TestAcquireDeviceFlowPollSequence(t *testing.T) {
	flow := map[string]any{
		"device_code":      "device-123",
		"user_code":        "CODE-XYZ",
		"verification_uri": "https://example.test/device",
		"expires_in":       600,
		"interval":         1,
	}

	var tokenCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, flow)
		case "/token":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", r.Form.Get("grant_type"))
			require.Equal(t, "device-123", r.Form.Get("device_code"))

			tokenCalls++
			switch tokenCalls {
			case 1, 2:
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "authorization_pending"})
			case 3:
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "slow_down"})
			default:
				writeJSON(w, http.StatusOK, map[string]any{
					"access_token":  "device-token",
					"refresh_token": "device-refresh",
					"expires_in":    3600,
				})
			}
		}
	}))
	defer srv.Close()

	ms := newMemStore(map[string]any{"test_client_id": "cid"})

	var notified []model.DeviceAuthorization
	engine := newTestEngine(t, ms, srv.URL, WithNotify(func(f model.DeviceAuthorization) {
		notified = append(notified, f)
	}))

	var sleeps []time.Duration
	engine.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	token, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.NoError(t, err)
	assert.Equal(t, "device-token", token)

	// Exactly 4 token calls: pending, pending, slow_down, success.
	assert.Equal(t, 4, tokenCalls)

	// slow_down compounds the interval before sleeping.
	assert.Equal(t, []time.Duration{time.Second, time.Second, 6 * time.Second}, sleeps)

	// The display callback fires exactly once, with the flow details.
	require.Len(t, notified, 1)
	assert.Equal(t, "device-123", notified[0].DeviceCode)
	assert.Equal(t, "CODE-XYZ", notified[0].UserCode)

	saved := ms.tokenRecord(t, "test_token_cache")
	assert.Equal(t, "device-refresh", saved.RefreshToken)
	assert.Equal(t, []string{"scope-a"}, saved.Scopes)
	assert.True(t, saved.Valid(time.Now()))
}

func TestAcquireAccessDeniedStopsImmediately(t *testing.T) {
	var tokenCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			tokenCalls++
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "access_denied"})
		}
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL,
		WithNotify(func(model.DeviceAuthorization) {}))

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.Error(t, err)
	assert.Equal(t, ReasonAccessDenied, TerminalReason(err))
	assert.Equal(t, 1, tokenCalls)
}

func TestAcquireExpiredTokenStopsPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expired_token"})
		}
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL,
		WithNotify(func(model.DeviceAuthorization) {}))

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.Error(t, err)
	assert.Equal(t, ReasonExpired, TerminalReason(err))
}

func TestAcquireDeadlineTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  2,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "authorization_pending"})
		}
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL,
		WithNotify(func(model.DeviceAuthorization) {}))

	// Virtual clock: sleeping advances time, so the 2s window elapses
	// after two pending polls.
	current := time.Now()
	engine.now = func() time.Time { return current }
	engine.sleep = func(d time.Duration) { current = current.Add(d) }

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.Error(t, err)
	assert.Equal(t, ReasonTimeout, TerminalReason(err))
}

func TestAcquireMalformedFlowResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flow response without a device code is unusable.
		writeJSON(w, http.StatusOK, map[string]any{"user_code": "CODE"})
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL)

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.Error(t, err)
	assert.Equal(t, ReasonMalformedResponse, TerminalReason(err))
}

func TestAcquireUnexpectedServerErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":             "org_internal",
				"error_description": "the client is restricted",
			})
		}
	}))
	defer srv.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL,
		WithNotify(func(model.DeviceAuthorization) {}))

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.Error(t, err)
	assert.Equal(t, ReasonServerError, TerminalReason(err))

	// The raw payload is carried for diagnostics.
	assert.Contains(t, err.Error(), "org_internal")
	assert.Contains(t, err.Error(), "the client is restricted")
}

func TestAcquireRecordsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "device-token",
				"expires_in":   3600,
			})
		}
	}))
	defer srv.Close()

	events, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), "test")
	require.NoError(t, err)
	defer events.Close()

	engine := newTestEngine(t, newMemStore(map[string]any{"test_client_id": "cid"}), srv.URL,
		WithNotify(func(model.DeviceAuthorization) {}),
		WithRecorder(events.Recorder()))

	_, err = engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.NoError(t, err)

	recorded, err := events.GetEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)

	var kinds []store.EventKind
	for _, e := range recorded {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, store.KindFlowStarted)
	assert.Contains(t, kinds, store.KindFlowCompleted)
}

// keyedMemStore reports a key source, like credential.SecureStore does.
type keyedMemStore struct{ *memStore }

func (keyedMemStore) KeySource() credential.KeySource { return credential.KeySourceKeyring }

func TestNewEngineRecordsKeySource(t *testing.T) {
	events, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), "test")
	require.NoError(t, err)
	defer events.Close()

	_, err = NewEngine(testProvider("http://unused.example"),
		keyedMemStore{newMemStore(map[string]any{"test_client_id": "cid"})},
		WithRecorder(events.Recorder()))
	require.NoError(t, err)

	kind := store.KindKeySource
	recorded, err := events.GetEvents(context.Background(), store.EventFilter{Kind: &kind})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, "keyring", recorded[0].Detail)
}

func TestAcquireScopeResolutionOrder(t *testing.T) {
	var requestedScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			require.NoError(t, r.ParseForm())
			requestedScope = r.Form.Get("scope")
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "tok",
				"expires_in":   3600,
			})
		}
	}))
	defer srv.Close()

	ms := newMemStore(map[string]any{"test_client_id": "cid"})
	engine := newTestEngine(t, ms, srv.URL,
		WithScopes([]string{"instance-scope"}),
		WithNotify(func(model.DeviceAuthorization) {}))

	// Per-call scopes override the instance default.
	_, err := engine.Acquire(context.Background(), AcquireOptions{
		Interactive: true,
		Scopes:      []string{"call-scope"},
	})
	require.NoError(t, err)
	assert.Equal(t, "call-scope", requestedScope)
	assert.Equal(t, []string{"call-scope"}, ms.tokenRecord(t, "test_token_cache").Scopes)
}

func TestAcquirePersistsThroughEncryptedStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  "sealed-token",
				"refresh_token": "sealed-refresh",
				"expires_in":    3600,
			})
		}
	}))
	defer srv.Close()

	secure := testutil.NewSecureStore(t)
	engine := newTestEngine(t, secure, srv.URL,
		WithClientID("cid"),
		WithNotify(func(model.DeviceAuthorization) {}))

	token, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.NoError(t, err)
	assert.Equal(t, "sealed-token", token)

	// The record survives a decrypt round trip through the real store.
	data, err := secure.Load()
	require.NoError(t, err)

	var record model.TokenRecord
	require.True(t, credential.Get(data, "test_token_cache", &record))
	assert.Equal(t, "sealed-token", record.AccessToken)
	assert.Equal(t, "sealed-refresh", record.RefreshToken)
	assert.Equal(t, "cid", data["test_client_id"])

	// A follow-up acquisition is a pure cache hit.
	again, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: false})
	require.NoError(t, err)
	assert.Equal(t, "sealed-token", again)
}

func TestNewEngineMissingClientID(t *testing.T) {
	_, err := NewEngine(testProvider("http://unused.example"), newMemStore(nil))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestPersistTokenMirrorsNestedConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/device":
			writeJSON(w, http.StatusOK, map[string]any{
				"device_code": "device-123",
				"user_code":   "CODE",
				"expires_in":  600,
				"interval":    1,
			})
		case "/token":
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "tok",
				"expires_in":   3600,
			})
		}
	}))
	defer srv.Close()

	ms := newMemStore(map[string]any{
		"test_config": map[string]any{"client_id": "nested-cid"},
	})
	engine := newTestEngine(t, ms, srv.URL, WithNotify(func(model.DeviceAuthorization) {}))

	_, err := engine.Acquire(context.Background(), AcquireOptions{Interactive: true})
	require.NoError(t, err)

	cfg, ok := ms.data["test_config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tok", cfg["token_value"])
	assert.NotEmpty(t, cfg["token_timestamp"])

	// The flat client id is written back for future constructions.
	assert.Equal(t, "nested-cid", ms.data["test_client_id"])
}
