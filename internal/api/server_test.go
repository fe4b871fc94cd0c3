// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growkey/growkey/internal/api/handlers"
	"github.com/growkey/growkey/internal/codec"
	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/database"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/internal/services/license"
	"github.com/growkey/growkey/internal/services/session"
)

const (
	testAdminKey      = "admin-secret"
	testEncryptionKey = "bot-shared-key"
)

func newTestDependencies(t *testing.T) *Dependencies {
	t.Helper()
	t.Setenv("GROWKEY__ADMIN_API_KEY", testAdminKey)
	t.Setenv("GROWKEY__ENCRYPTION_KEY", testEncryptionKey)
	t.Setenv("GROWKEY__CORS_ALLOWED_ORIGINS", "https://example.com")

	dir := t.TempDir()
	appConfig, err := config.New(dir, "test")
	require.NoError(t, err)

	db, err := database.New(filepath.Join(dir, "growkey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := database.NewStore(db)
	locker := lock.NewLocal()
	cfg := appConfig.Snapshot()

	return &Dependencies{
		Config: appConfig,
		Engine: session.NewEngine(store, nil, session.Config{
			EncryptionKey:   cfg.EncryptionKey,
			SessionDuration: cfg.SessionDuration,
		}, session.WithLocker(locker)),
		Licenses:     license.NewService(store, locker, nil),
		HealthChecks: map[string]handlers.Pinger{"store": store},
	}
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	router, err := NewServer(newTestDependencies(t)).Handler()
	require.NoError(t, err)
	return router
}

func serve(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCORSPreflightBypassesAuth(t *testing.T) {
	router := newTestRouter(t)

	rec := serve(router, http.MethodOptions, "/api/admin/licenses", "", map[string]string{
		"Origin":                        "https://example.com",
		"Access-Control-Request-Method": http.MethodGet,
	})

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestAdminRequiresAPIKey(t *testing.T) {
	router := newTestRouter(t)

	rec := serve(router, http.MethodGet, "/api/admin/licenses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodGet, "/api/admin/licenses", "", map[string]string{"X-API-Key": testAdminKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/admin/version", "", map[string]string{"X-API-Key": testAdminKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestTokenIssuanceEndToEnd(t *testing.T) {
	router := newTestRouter(t)
	admin := map[string]string{"X-API-Key": testAdminKey}

	rec := serve(router, http.MethodPost, "/api/admin/licenses", `{"licenseKey":"GROW-E2E0-0001-AA"}`, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	creds := `{"license":"grow-e2e0-0001-aa","bot_userid":"u1","hwid":"d1"}`
	rec = serve(router, http.MethodPost, "/api/auth/token", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var encoded string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encoded))
	raw, err := codec.Decode(encoded, testEncryptionKey)
	require.NoError(t, err)

	var payload struct {
		Status    string `json:"status"`
		Token     string `json:"token"`
		ExpiredAt string `json:"expired_at"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "success", payload.Status)
	assert.NotEmpty(t, payload.Token)
	assert.NotEmpty(t, payload.ExpiredAt)

	rec = serve(router, http.MethodPost, "/api/auth/token", `{"license":"GROW-E2E0-0001-AA","bot_userid":"u1","hwid":"other"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"License is bound to another device."}`, rec.Body.String())

	rec = serve(router, http.MethodPost, "/api/auth/logout", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","message":"Logout successful."}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/api/admin/licenses?status="+models.LicenseStatusActive, "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"boundUserId":"u1"`)
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/health/liveness", "", nil).Code)

	rec := serve(router, http.MethodGet, "/health/readiness", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store":{"status":"ok"}`)
}

func TestShutdownBeforeListenAndServe(t *testing.T) {
	srv := NewServer(newTestDependencies(t))
	require.NoError(t, srv.Shutdown(t.Context()))

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe kept running after Shutdown")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestListenAndServeStopsOnShutdown(t *testing.T) {
	port := freePort(t)
	t.Setenv("GROWKEY__HOST", "127.0.0.1")
	t.Setenv("GROWKEY__PORT", strconv.Itoa(port))
	srv := NewServer(newTestDependencies(t))

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health/liveness"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
