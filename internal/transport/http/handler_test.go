package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fwdmail/backend/internal/directory"
	"fwdmail/backend/internal/domain"
	"fwdmail/backend/internal/ledger"
	"fwdmail/backend/internal/storage/memory"
)

func testRouter(t *testing.T, store *memory.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir, err := directory.New(store, time.Minute, zap.NewNop())
	require.NoError(t, err)

	handler := NewHandler(ledger.NewService(store, zap.NewNop()), dir, nil, zap.NewNop())

	router := gin.New()
	router.GET("/v1/attempts", handler.listAttempts)
	router.GET("/v1/attempts/:id", handler.getAttempt)
	router.GET("/v1/domains/:name/status", handler.getDomainStatus)
	return router
}

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()

	require.NoError(t, store.SaveDomain(&domain.Domain{
		ID:           "dom-1",
		Name:         "inbox.example",
		Status:       domain.DomainStatusVerified,
		IsActive:     true,
		MXVerified:   true,
		DKIMVerified: true,
	}))
	require.NoError(t, store.SaveAlias(&domain.Alias{
		ID:           "alias-1",
		DomainID:     "dom-1",
		LocalPart:    "sales",
		Destinations: []string{"team@corp.example"},
		IsActive:     true,
	}))
	require.NoError(t, store.SaveAttempt(&domain.DeliveryAttempt{
		ID:          "att-1",
		MessageID:   "msg-1",
		DomainID:    "dom-1",
		Recipient:   "sales@inbox.example",
		Destination: "team@corp.example",
		Status:      domain.AttemptStatusDelivered,
	}))
	require.NoError(t, store.SaveAttempt(&domain.DeliveryAttempt{
		ID:          "att-2",
		MessageID:   "msg-2",
		DomainID:    "dom-2",
		Recipient:   "x@other.example",
		Destination: "y@corp.example",
		Status:      domain.AttemptStatusPending,
	}))
	return store
}

func doRequest(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestListAttempts(t *testing.T) {
	router := testRouter(t, seedStore(t))

	w, resp := doRequest(t, router, "/v1/attempts")
	assert.Equal(t, http.StatusOK, w.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var attempts []*domain.DeliveryAttempt
	require.NoError(t, json.Unmarshal(data, &attempts))
	assert.Len(t, attempts, 2)
}

func TestListAttemptsFiltered(t *testing.T) {
	router := testRouter(t, seedStore(t))

	w, resp := doRequest(t, router, "/v1/attempts?domain_id=dom-1&status=delivered")
	assert.Equal(t, http.StatusOK, w.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var attempts []*domain.DeliveryAttempt
	require.NoError(t, json.Unmarshal(data, &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "att-1", attempts[0].ID)
}

func TestListAttemptsRejectsBadParams(t *testing.T) {
	router := testRouter(t, seedStore(t))

	w, _ := doRequest(t, router, "/v1/attempts?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(t, router, "/v1/attempts?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAttempt(t *testing.T) {
	router := testRouter(t, seedStore(t))

	w, _ := doRequest(t, router, "/v1/attempts/att-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doRequest(t, router, "/v1/attempts/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDomainStatus(t *testing.T) {
	router := testRouter(t, seedStore(t))

	w, resp := doRequest(t, router, "/v1/domains/Inbox.Example/status")
	assert.Equal(t, http.StatusOK, w.Code)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var view domainStatusView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, "inbox.example", view.Name)
	assert.True(t, view.CanReceive)
	assert.True(t, view.DKIMVerified)
	assert.Equal(t, 1, view.Aliases)

	w, _ = doRequest(t, router, "/v1/domains/unknown.example/status")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
