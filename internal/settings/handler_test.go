package settings

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (http.Handler, *memoryRepo, *memoryAudit) {
	svc, repo, audit := newTestService()
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)
	return r, repo, audit
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Actor", "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMappingEndpoints(t *testing.T) {
	h, _, audit := newTestRouter()

	rr := do(h, http.MethodPost, "/mappings", `{"upstream_account_id":"6132","coa_code":"613200","upstream_label":"Fees"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created Mapping
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Fees", created.UpstreamLabel)
	assert.Equal(t, "alice", audit.logs[0].Actor)

	rr = do(h, http.MethodPost, "/mappings", `{"upstream_account_id":"6132","coa_code":"601000"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = do(h, http.MethodGet, "/mappings?active=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"coa_code":"613200"`)

	rr = do(h, http.MethodDelete, "/mappings/"+strconv.FormatInt(created.ID, 10), "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(h, http.MethodDelete, "/mappings/999", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMappingEndpointValidation(t *testing.T) {
	h, _, _ := newTestRouter()
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing coa code", http.MethodPost, "/mappings", `{"upstream_account_id":"6132"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/mappings", `{"upstream_account_id":"6132","coa_code":"613200","extra":1}`, http.StatusBadRequest},
		{"inactive account", http.MethodPost, "/mappings", `{"upstream_account_id":"6132","coa_code":"999999"}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/mappings/abc", "", http.StatusBadRequest},
		{"missing mapping", http.MethodGet, "/mappings/42", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
		})
	}
}

func TestAccountEndpoints(t *testing.T) {
	h, _, _ := newTestRouter()

	rr := do(h, http.MethodPost, "/accounts", `{"account_code":"625100","account_name":"Travel","account_type":"expense"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(h, http.MethodPost, "/accounts", `{"account_code":"625100","account_name":"Travel","account_type":"expense"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(h, http.MethodPost, "/accounts", `{"account_code":"625300","account_name":"Gifts","account_type":"cost"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, http.MethodPut, "/accounts/625100", `{"account_name":"Travel and lodging","account_type":"expense","display_order":9}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var updated Account
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &updated))
	assert.Equal(t, "Travel and lodging", updated.Name)
	assert.Equal(t, 9, updated.DisplayOrder)

	rr = do(h, http.MethodDelete, "/accounts/625100", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(h, http.MethodGet, "/accounts/625100", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"is_active":false`)

	rr = do(h, http.MethodGet, "/accounts/000000", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConfigEndpoints(t *testing.T) {
	h, repo, _ := newTestRouter()

	rr := do(h, http.MethodPut, "/config/vat_output_15_account", `{"value":"999999"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(h, http.MethodPut, "/config/vat_output_15_account", `{"value":"401000","description":"Output VAT at 15%"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "401000", repo.config["vat_output_15_account"].Value)

	rr = do(h, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Config []ConfigEntry `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Config, 2)
	assert.Equal(t, "default_bank_account", body.Config[0].Key)

	rr = do(h, http.MethodDelete, "/config/vat_output_15_account", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(h, http.MethodGet, "/config/vat_output_15_account", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
