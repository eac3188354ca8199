package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *Service, *echo.Echo) {
	t.Helper()
	svc := NewService(&mockRepo{})
	return NewHandler(svc), svc, echo.New()
}

func TestHandler_ListEntries(t *testing.T) {
	h, svc, e := newTestHandler(t)
	entry := validEntry()
	require.NoError(t, svc.Record(context.Background(), entry, validEntry()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?case_id="+entry.CaseID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListEntries(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Data, 1)
	assert.Equal(t, entry.EntityID, body.Data[0].EntityID)
	assert.Equal(t, "duplicate invoice", body.Data[0].Reason)
}

func TestHandler_ListEntries_Empty(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?entity_type=receipt", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.ListEntries(c))
	assert.JSONEq(t, `[]`, mustField(t, rec.Body.Bytes(), "data"))
}

func TestHandler_ListEntries_InvalidIDs(t *testing.T) {
	for _, q := range []string{"case_id=nope", "entity_id=" + uuid.New().String()[:8]} {
		h, _, e := newTestHandler(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-log?"+q, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := h.ListEntries(c)
		httpErr, ok := err.(*echo.HTTPError)
		require.True(t, ok, "expected echo.HTTPError for %s", q)
		assert.Equal(t, http.StatusBadRequest, httpErr.Code)
	}
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return string(m[field])
}
