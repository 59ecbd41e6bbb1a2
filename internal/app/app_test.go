package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/finmirror/internal/observability"
	"github.com/odyssey-erp/finmirror/jobs"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DOLIBARR_API_URL", "https://erp.example.com/api/index.php")
	t.Setenv("DOLIBARR_API_KEY", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.DolibarrPageSize)
	assert.Equal(t, 3, cfg.DolibarrRetries)
	assert.Equal(t, 2*time.Hour, cfg.SyncLockTTL)
	assert.Equal(t, 5*time.Minute, cfg.JournalLockTTL)
	assert.Equal(t, "0 */4 * * *", cfg.SyncCron)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"page size too large": {"DOLIBARR_PAGE_SIZE", "500"},
		"page size zero":      {"DOLIBARR_PAGE_SIZE", "0"},
		"bad cron":            {"SYNC_CRON", "every four hours"},
		"bad timezone":        {"DOLIBARR_TIMEZONE", "Mars/Olympus"},
		"negative retries":    {"DOLIBARR_API_RETRIES", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfigRedisSettings(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("REDIS_DB", "3")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "pw", cfg.RedisOptions().Password)
	opt := cfg.AsynqRedis()
	assert.Equal(t, "redis:6380", opt.Addr)
	assert.Equal(t, 3, opt.DB)

	t.Setenv("REDIS_DB", "-1")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerLevel(t *testing.T) {
	ctx := context.Background()
	logger := NewLogger(&Config{LogLevel: "warn"})
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	logger = NewLogger(&Config{LogLevel: "chatty"})
	assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestLoadConfigRequiresUpstream(t *testing.T) {
	t.Setenv("DOLIBARR_API_URL", "")
	t.Setenv("DOLIBARR_API_KEY", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigEmptyCronDisablesSchedule(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JOURNAL_CRON", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	regs, err := jobs.CronRegistrations(jobs.ScheduleConfig{SyncCron: cfg.SyncCron, JournalCron: cfg.JournalCron})
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouterHealthAndMetrics(t *testing.T) {
	var dbErr error
	router := NewRouter(RouterParams{
		Config:     &Config{RateLimitPerMinute: 1000},
		Metrics:    observability.NewMetrics(),
		JobHandler: jobs.NewHandler(nil, nil),
		Database:   pingerFunc(func(context.Context) error { return dbErr }),
	})

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	dbErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz").Code)

	assert.Equal(t, http.StatusOK, get("/jobs/health").Code)

	rr = get("/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "finmirror_http_requests_total")

	rr = get("/nowhere")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRouterRateLimit(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{RateLimitPerMinute: 2}})
	var last int
	for range 3 {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		router.ServeHTTP(rr, req)
		last = rr.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	assert.False(t, InTestMode())
	t.Setenv(testModeEnv, "yes")
	RefreshTestMode()
	assert.False(t, InTestMode())
}
