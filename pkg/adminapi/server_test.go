package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/gv50ingest/pkg/adminapi/auth"
	"github.com/protei/gv50ingest/pkg/device"
	"github.com/protei/gv50ingest/pkg/fleet"
)

type memStore struct {
	mu      sync.Mutex
	devices map[string]*device.Device
	updates []device.Update
}

func (m *memStore) LoadDevice(_ context.Context, imei string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[imei], nil
}

func (m *memStore) UpsertDevice(_ context.Context, upd device.Update) error {
	m.mu.Lock()
	m.updates = append(m.updates, upd)
	m.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) (*Server, *memStore, string) {
	t.Helper()
	authSvc := auth.NewService(auth.Config{JWTSecret: "test-secret", TokenTTL: time.Minute})
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	authSvc.RegisterUser("operator", hash)

	store := &memStore{devices: make(map[string]*device.Device)}
	srv := New(Config{Auth: authSvc, Store: store, Registry: fleet.New(time.Hour)})

	token, err := authSvc.Authenticate("operator", "hunter2")
	require.NoError(t, err)
	return srv, store, token
}

func TestLoginIssuesToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"username": "operator", "password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
}

func TestDeviceEndpointsRequireAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/865083030049613/block", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBlockActionSetsPendingIntent(t *testing.T) {
	srv, store, token := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/865083030049613/block", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.updates, 1)
	upd := store.updates[0]
	assert.Equal(t, "865083030049613", upd.IMEI)
	require.NotNil(t, upd.BlockCmdPending)
	assert.True(t, *upd.BlockCmdPending)
}

func TestUnblockActionSetsPendingFalse(t *testing.T) {
	srv, store, token := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/865083030049613/unblock", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.updates, 1)
	require.NotNil(t, store.updates[0].BlockCmdPending)
	assert.False(t, *store.updates[0].BlockCmdPending)
}

func TestMigrateActionSetsIPChangePending(t *testing.T) {
	srv, store, token := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/865083030049613/migrate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.updates, 1)
	require.NotNil(t, store.updates[0].IPChangePending)
	assert.True(t, *store.updates[0].IPChangePending)
}

func TestGetUnknownDeviceReturns404(t *testing.T) {
	srv, _, token := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/devices/000000000000000", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
