package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staging-engine/internal/domain"
	"staging-engine/internal/repository/sqlite"
	"staging-engine/internal/service"
	"staging-engine/internal/staging"
	"staging-engine/internal/transfer"
)

// fakeManager records coordinator calls.
type fakeManager struct {
	mu       sync.Mutex
	enqueued []string
	canceled []string
	purged   map[string]bool
	live     map[string]transfer.Info
	svc      service.TransferService
}

func (m *fakeManager) Start(context.Context) error { return nil }
func (m *fakeManager) Shutdown()                   {}
func (m *fakeManager) Resume(context.Context) error {
	return nil
}

func (m *fakeManager) Enqueue(_ context.Context, id string) error {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) Cancel(ctx context.Context, id string) error {
	if _, err := m.svc.GetTransfer(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.canceled = append(m.canceled, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) Info(id string) (transfer.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.live[id]
	return info, ok
}

func (m *fakeManager) Purge(ctx context.Context, id string, deleteRemote bool) error {
	if err := m.svc.DeleteTransfer(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.purged[id] = deleteRemote
	m.mu.Unlock()
	return nil
}

type apiHarness struct {
	router  *gin.Engine
	svc     service.TransferService
	manager *fakeManager
}

func newAPI(t *testing.T, secret string) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	transfers := sqlite.NewTransferRepository(db)
	files := sqlite.NewTransferFileRepository(db)
	require.NoError(t, sqlite.Migrate(context.Background(), transfers, files))
	svc := service.NewTransferService(transfers, files, nil)

	manager := &fakeManager{purged: map[string]bool{}, live: map[string]transfer.Info{}, svc: svc}
	router := gin.New()
	NewHandler(svc, manager, staging.DefaultRegistry(), secret).RegisterRoutes(router)
	return &apiHarness{router: router, svc: svc, manager: manager}
}

func (a *apiHarness) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

var ingestRequest = map[string]any{
	"kind":        "INGEST",
	"destination": "file:///repo/run-1",
	"files": []map[string]string{
		{"source": "file:///incoming/a.bin"},
		{"source": "file:///incoming/b.bin", "path": "raw/b.bin"},
	},
	"processors": []map[string]any{
		{"name": "hash", "properties": map[string]string{"hash": "SHA512"}},
	},
}

func TestCreateAndGetTransfer(t *testing.T) {
	api := newAPI(t, "")

	rec := api.do(t, http.MethodPost, "/api/transfers", ingestRequest, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, []string{created.ID}, api.manager.enqueued)

	api.manager.live[created.ID] = transfer.Info{TransferID: created.ID, Status: domain.StatusTransferring, Tasks: 3, Running: 1}
	rec = api.do(t, http.MethodGet, "/api/transfers/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "file:///repo/run-1", got.Destination)
	assert.Len(t, got.Files, 2)
	require.NotNil(t, got.Live)
	assert.Equal(t, domain.StatusTransferring, got.Live.Status)

	rec = api.do(t, http.MethodGet, "/api/transfers/"+created.ID+"/files", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []domain.TransferFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	assert.Equal(t, "raw/b.bin", files[1].Path)

	rec = api.do(t, http.MethodGet, "/api/transfers", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = api.do(t, http.MethodGet, "/api/transfers?status=SUCCEEDED", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/transfers?status=DONE", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTransferRejectsInvalidInput(t *testing.T) {
	api := newAPI(t, "")
	rec := api.do(t, http.MethodPost, "/api/transfers", map[string]any{"kind": "INGEST", "destination": "file:///x"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, api.manager.enqueued)
}

func TestCancelAndDelete(t *testing.T) {
	api := newAPI(t, "")
	rec := api.do(t, http.MethodPost, "/api/transfers", ingestRequest, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created TransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = api.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{created.ID}, api.manager.canceled)

	rec = api.do(t, http.MethodPost, "/api/transfers/missing/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/transfers/"+created.ID+"?delete_remote=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/transfers/"+created.ID+"?delete_remote=true", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, api.manager.purged[created.ID])

	rec = api.do(t, http.MethodGet, "/api/transfers/"+created.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProcessors(t *testing.T) {
	api := newAPI(t, "")
	rec := api.do(t, http.MethodGet, "/api/processors", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var descriptions []staging.Description
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &descriptions))
	require.Len(t, descriptions, 2)
	assert.Equal(t, "archive", descriptions[0].Name)
	assert.Equal(t, "hash", descriptions[1].Name)
}

func TestAuthentication(t *testing.T) {
	secret := "test-secret"
	api := newAPI(t, secret)

	rec := api.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/transfers", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/transfers", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	foreign, err := GenerateToken([]byte("other-secret"), "ops", time.Minute)
	require.NoError(t, err)
	rec = api.do(t, http.MethodGet, "/api/transfers", nil, foreign)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := GenerateToken([]byte(secret), "ops", -time.Minute)
	require.NoError(t, err)
	rec = api.do(t, http.MethodGet, "/api/transfers", nil, expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")

	token, err := GenerateToken([]byte(secret), "ops", time.Minute)
	require.NoError(t, err)
	rec = api.do(t, http.MethodGet, "/api/transfers", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)
}
