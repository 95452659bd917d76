package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"topup/internal/config"
	"topup/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"product": {"id": 1, "sku": "RD-CHIP", "name": "Royal Dreams Chip", "active": true},
		 "tiers": [
			{"id": 10, "label": "1B", "qty": 1, "price": 65000, "active": true},
			{"id": 11, "label": "old", "qty": 1, "price": 1000, "active": false}
		 ]}
	]`), 0o600))

	c, err := loadCatalog(path)
	require.NoError(t, err)

	p, tier, err := c.Tier(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "Royal Dreams Chip", p.Name)
	assert.Equal(t, int64(65000), tier.Price)

	_, _, err = c.Tier(context.Background(), 1, 11)
	assert.Error(t, err)

	_, err = loadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestNewInMemory(t *testing.T) {
	cfg := config.Load()
	cfg.DatabaseURL = ""
	cfg.RabbitURL = ""
	cfg.ChannelBridgeURL = ""
	cfg.ChannelAuthDir = t.TempDir()
	cfg.AdminToken = "tok"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, logger, logger, events.NewBus(logger))
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.httpSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/products", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"products":[]}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/products", strings.NewReader(`{"sku":"RD-CHIP","name":"Chip"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	a.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	a.httpSrv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "PRODUCT_CREATE")

	assert.Nil(t, a.exporter)
	assert.Nil(t, a.consumer)
}
