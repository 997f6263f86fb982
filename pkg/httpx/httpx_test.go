package httpx_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingportal/pkg/httpx"
)

func TestJSONWritesSuccessEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	httpx.JSON(rec, http.StatusCreated, map[string]string{"id": "42"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var env httpx.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
}

func TestErrorWritesErrorEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("http error controls status and code", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		httpx.Error(rec, httpx.NewHTTPError(http.StatusConflict, "email_taken", "email is already registered"))

		assert.Equal(t, http.StatusConflict, rec.Code)
		var env httpx.Envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.False(t, env.Success)
		require.NotNil(t, env.Error)
		assert.Equal(t, "email_taken", env.Error.Code)
	})

	t.Run("wrapped http error is unwrapped", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		httpx.Error(rec, errors.Join(httpx.ErrNotFound, errors.New("details")))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown error never leaks its message", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		httpx.Error(rec, errors.New("pq: connection refused on 10.0.0.5"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	})
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
		var p payload
		require.NoError(t, httpx.Decode(req, &p))
		assert.Equal(t, "x", p.Name)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
		var p payload
		err := httpx.Decode(req, &p)
		require.Error(t, err)

		var httpErr httpx.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
		var p payload
		require.Error(t, httpx.Decode(req, &p))
	})
}
