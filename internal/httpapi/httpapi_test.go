package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/models"
)

// fakeStore is a narrow stand-in for *store.Store covering only the reads
// ListExecutions/GetExecution need.
type fakeStore struct {
	execs map[int64]*models.Execution
	byScr map[int64][]*models.Execution
}

func (f *fakeStore) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	exec, ok := f.execs[id]
	if !ok {
		return nil, apierrors.NotFound("execution")
	}
	return exec, nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, scriptID int64, limit, offset int) ([]*models.Execution, error) {
	return f.byScr[scriptID], nil
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(apierrors.ErrorHandler())
	h.RegisterRoutes(r.Group("/"))
	return r
}

func TestGetExecution_Found(t *testing.T) {
	st := &fakeStore{execs: map[int64]*models.Execution{
		5: {ID: 5, ScriptID: 1, Status: models.StatusSuccess},
	}}
	h := New(nil, nil, nil, st)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/executions/5", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Status":"SUCCESS"`)
}

func TestGetExecution_NotFound(t *testing.T) {
	st := &fakeStore{execs: map[int64]*models.Execution{}}
	h := New(nil, nil, nil, st)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/executions/99", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListExecutions(t *testing.T) {
	st := &fakeStore{byScr: map[int64][]*models.Execution{
		1: {{ID: 1, ScriptID: 1, Status: models.StatusSuccess}, {ID: 2, ScriptID: 1, Status: models.StatusFailure}},
	}}
	h := New(nil, nil, nil, st)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/scripts/1/executions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ID":1`)
	assert.Contains(t, w.Body.String(), `"ID":2`)
}

func TestPathInt64_RejectsNonInteger(t *testing.T) {
	st := &fakeStore{}
	h := New(nil, nil, nil, st)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/executions/not-a-number", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
