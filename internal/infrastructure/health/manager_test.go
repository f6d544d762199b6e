package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Aggregation(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.Healthy(), "no checks is healthy")

	m.Register("poll_loop", func() error { return nil })
	assert.True(t, m.Healthy())

	m.Register("ledger", func() error { return errors.New("2 symbols quarantined") })
	assert.False(t, m.Healthy())

	status := m.Status()
	assert.Equal(t, "ok", status["poll_loop"])
	assert.Equal(t, "unhealthy: 2 symbols quarantined", status["ledger"])

	m.Register("ledger", func() error { return nil })
	assert.True(t, m.Healthy(), "register replaces the check")
}

func TestManager_ServeHTTP(t *testing.T) {
	m := NewManager(nil)
	failing := true
	m.Register("poll_loop", func() error {
		if failing {
			return errors.New("stale")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Healthy    bool              `json:"healthy"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Healthy)
	assert.Equal(t, "unhealthy: stale", body.Components["poll_loop"])

	failing = false
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
