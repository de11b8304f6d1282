package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesync-io/forgesync/internal/errkind"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestOkWrapsPayloadInData(t *testing.T) {
	rec := httptest.NewRecorder()
	Ok(rec, map[string]string{"name": "tools"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeEnvelope(t, rec)
	assert.JSONEq(t, `{"name":"tools"}`, string(body["data"]))
	assert.NotContains(t, body, "error")
}

func TestCreatedAndNoContent(t *testing.T) {
	rec := httptest.NewRecorder()
	Created(rec, map[string]int{"total": 3})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	NoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	cases := []struct {
		write func(http.ResponseWriter)
		code  int
		slug  string
	}{
		{func(w http.ResponseWriter) { ErrBadRequest(w, "nope") }, http.StatusBadRequest, "bad_request"},
		{func(w http.ResponseWriter) { ErrUnauthorized(w) }, http.StatusUnauthorized, "unauthorized"},
		{func(w http.ResponseWriter) { ErrForbidden(w) }, http.StatusForbidden, "forbidden"},
		{func(w http.ResponseWriter) { ErrNotFound(w) }, http.StatusNotFound, "not_found"},
		{func(w http.ResponseWriter) { ErrConflict(w, "dup") }, http.StatusConflict, "conflict"},
		{func(w http.ResponseWriter) { ErrUnprocessable(w, "bad") }, http.StatusUnprocessableEntity, "validation_error"},
		{func(w http.ResponseWriter) { ErrInternal(w) }, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.write(rec)
		assert.Equal(t, tc.code, rec.Code)

		var body struct {
			Error errorResponse `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.slug, body.Error.Code)
		assert.NotEmpty(t, body.Error.Message)
	}
}

func TestErrKindMapping(t *testing.T) {
	cases := []struct {
		kind errkind.Kind
		code int
	}{
		{errkind.ConfigInvalid, http.StatusUnprocessableEntity},
		{errkind.SourceAuthInvalid, http.StatusBadGateway},
		{errkind.DestinationAuthInvalid, http.StatusBadGateway},
		{errkind.RateLimited, http.StatusTooManyRequests},
		{errkind.NotFound, http.StatusNotFound},
		{errkind.Conflict, http.StatusConflict},
		{errkind.Cancelled, http.StatusRequestTimeout},
		{errkind.Transient, http.StatusInternalServerError},
		{errkind.Fatal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		ErrKind(rec, errkind.New(tc.kind, "something happened"))
		assert.Equal(t, tc.code, rec.Code, tc.kind.String())
	}
}

func TestErrKindSanitizesUnclassifiedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrKind(rec, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Contains(t, rec.Body.String(), "internal error")
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"tools"}`))
	rec := httptest.NewRecorder()
	var p payload
	require.True(t, decodeJSON(rec, req, &p))
	assert.Equal(t, "tools", p.Name)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":true}`))
	rec := httptest.NewRecorder()
	var p payload
	assert.False(t, decodeJSON(rec, req, &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	var p struct{}
	assert.False(t, decodeJSON(rec, req, &p))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
