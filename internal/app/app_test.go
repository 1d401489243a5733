package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paybridge/gateway/internal/infra/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "epay"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "epay", "plugin.yaml"),
		[]byte("adapter: epay\ndisplay_name: Easy Pay\noptions:\n  gateway: https://pay.example/\n"), 0o644))

	return &config.Config{
		Server: config.ServerConfig{SiteURL: "https://shop.example", MaxBodyBytes: 1 << 16},
		HTTPClient: config.HTTPClientConfig{
			InteractiveTimeout: 5 * time.Second,
			BackgroundTimeout:  10 * time.Second,
		},
		Plugins: config.PluginsConfig{Dir: dir},
	}
}

func newTestApp(t *testing.T) (*App, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	a, err := New(context.Background(), testConfig(t), Options{
		Logger:     zaptest.NewLogger(t),
		DB:         db,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a, mock
}

func get(a *App, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestApp_Health(t *testing.T) {
	a, _ := newTestApp(t)

	w := get(a, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["plugins"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestApp_ListChannels(t *testing.T) {
	a, _ := newTestApp(t)

	w := get(a, "/channels")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"display_name":"Easy Pay"`)
}

func TestApp_UnknownOrder(t *testing.T) {
	a, mock := newTestApp(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "pay_order"`)).
		WillReturnRows(sqlmock.NewRows([]string{"trade_no"}))

	w := get(a, "/pay/epay/query/T404")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"NOT_FOUND"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApp_Run(t *testing.T) {
	a, _ := newTestApp(t)
	a.config.Server.Address = "127.0.0.1:0"
	a.config.Plugins.Watch = true
	a.config.Reconcile = config.ReconcileConfig{Enabled: true, Interval: time.Hour, BatchSize: 10}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
