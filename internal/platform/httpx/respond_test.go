package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsWrappedSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("settings: mapping 42: %w", ErrConflict), http.StatusConflict},
		{fmt.Errorf("ledger: source: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("mirror: %w", ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Status)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"entity_type":"products","bogus":1}`))
	var dst struct {
		EntityType string `json:"entity_type"`
	}
	err := DecodeJSON(req, &dst)
	require.ErrorIs(t, err, ErrValidation)
}

func TestDecodeJSONAllowsEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(""))
	var dst struct {
		EntityType string `json:"entity_type"`
	}
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Empty(t, dst.EntityType)
}
