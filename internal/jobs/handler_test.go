package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmgen/backend/internal/middleware"
	"github.com/filmgen/backend/internal/models"
)

func TestHandler(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/{id}/generations", h.Create)
	mux.HandleFunc("POST /projects/{id}/generations/batch", h.CreateBatch)
	mux.HandleFunc("GET /projects/{id}/generations", h.List)
	mux.HandleFunc("GET /generations/{id}", h.Get)

	do := func(user uuid.UUID, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if user != uuid.Nil {
			req = req.WithContext(middleware.WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}
	base := "/projects/" + f.project.String() + "/generations"

	rec := do(f.owner, http.MethodPost, base, `{"kind":"image","input":{"prompt":"harbour"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job models.GenerationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusQueued, job.Status)

	rec = do(f.owner, http.MethodGet, "/generations/"+job.ID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(f.reader, http.MethodGet, base+"?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), job.ID.String())

	rec = do(f.owner, http.MethodPost, base+"/batch", `{"items":[{"kind":"image","input":{"prompt":"a"}},{"kind":"image","input":{"prompt":"b"}}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.ledger.balances[f.owner] = 0
	rec = do(f.owner, http.MethodPost, base, `{"kind":"image","input":{"prompt":"harbour"}}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"insufficient credits","code":"INSUFFICIENT_CREDITS","details":{"required":10,"balance":0}}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(f.owner, http.MethodPost, "/projects/nope/generations", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(f.owner, http.MethodPost, base, `{`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(uuid.Nil, http.MethodGet, base, "").Code)
}
