package dolibarr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) (*Client, *recordedSleeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sleeps := &recordedSleeps{}
	client, err := New(Config{BaseURL: srv.URL + "/api/index.php/", APIKey: "secret", MaxRetries: retries}, WithSleeper(sleeps.sleep))
	require.NoError(t, err)
	return client, sleeps
}

func TestFetchPageSendsKeyAndPagination(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/index.php/products", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("DOLAPIKEY"))
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "3", q.Get("page"))
		assert.Equal(t, "t.rowid", q.Get("sortfield"))
		assert.Equal(t, "DESC", q.Get("sortorder"))
		assert.Equal(t, "(t.tms:>=:'2024-01-01')", q.Get("sqlfilters"))
		_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
	}, 0)

	page, err := client.FetchPage(context.Background(), ResourceProducts, PageRequest{
		Page: 3, PageSize: 2, SortDir: "desc", SQLFilters: "(t.tms:>=:'2024-01-01')",
	})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
}

func TestFetchPageShortPageEndsPagination(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1"}]`))
	}, 0)
	page, err := client.FetchPage(context.Background(), ResourceProducts, PageRequest{PageSize: 50})
	require.NoError(t, err)
	assert.False(t, page.HasMore)
}

func TestFetchPageValidatesBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, 0)
	for _, size := range []int{0, 201, -1} {
		_, err := client.FetchPage(context.Background(), ResourceProducts, PageRequest{PageSize: size})
		require.ErrorIs(t, err, ErrInvalidRequest)
		require.ErrorIs(t, err, httpx.ErrValidation)
	}
	_, err := client.FetchPage(context.Background(), ResourceProducts, PageRequest{PageSize: 10, SortDir: "sideways"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, calls.Load())
}

func TestFetchPageNotFoundIsEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
	}, 3)
	page, err := client.FetchPage(context.Background(), ResourceContacts, PageRequest{PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.False(t, page.HasMore)
}

func TestRetriesServerErrorsWithExponentialBackoff(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, 3)

	_, err := client.FetchPage(context.Background(), ResourceInvoices, PageRequest{PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestRetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":"9"}`))
	}, 3)
	_, err := client.FetchByID(context.Background(), ResourceInvoices, "9")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExhaustedRetriesReturnUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	client, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 3)

	_, err := client.FetchPage(context.Background(), ResourceSalaries, PageRequest{PageSize: 10})
	var unavailable *UpstreamUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 4, unavailable.Attempts)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, httpx.ErrUnavailable)
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}, 3)

	_, err := client.FetchPage(context.Background(), ResourceProducts, PageRequest{PageSize: 10})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchByIDNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 3)
	_, err := client.FetchByID(context.Background(), ResourceProducts, "404")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestWalkStopsOnShortPage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "0", "1":
			_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
		default:
			_, _ = w.Write([]byte(`[{"id":"c"}]`))
		}
	}, 0)
	var total, pages int
	err := client.Walk(context.Background(), ResourceThirdparties, PageRequest{PageSize: 2}, func(p Page) error {
		pages++
		total += len(p.Records)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, 5, total)
}

func TestWalkPropagatesCallbackError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	}, 0)
	stop := errors.New("stop")
	err := client.Walk(context.Background(), ResourceThirdparties, PageRequest{PageSize: 2}, func(Page) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestFetchInvoicePayments(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/index.php/supplierinvoices/12/payments", r.URL.Path)
		_, _ = fmt.Fprint(w, `[{"ref":"PAY-1","amount":"50.00"}]`)
	}, 0)
	payments, err := client.FetchInvoicePayments(context.Background(), ResourceSupplierInvoices, "12")
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	_, err = client.FetchInvoicePayments(context.Background(), ResourceProducts, "12")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPingReadsVersion(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":{"code":200,"dolibarr_version":"19.0.2"}}`))
	}, 0)
	status, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "19.0.2", status.Version)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{BaseURL: "http://erp.local"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = New(Config{APIKey: "k"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}
