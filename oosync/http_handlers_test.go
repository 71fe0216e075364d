// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, cfg *ServiceConfig, hub *Hub) (http.Handler, *JWTAuth) {
	t.Helper()
	svc := newTestService(t, cfg)
	j := NewJWTAuth("test-secret")
	handlers := NewHTTPSyncHandlers(svc, j, nil)
	return NewRouter(RouterConfig{
		Handlers:       handlers,
		Auth:           j,
		Hub:            hub,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		DevTokens:      true,
	}), j
}

func postJSON(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_HealthAndSchemaVersion(t *testing.T) {
	h, _ := newTestRouter(t, &ServiceConfig{AppName: "tunes", MaxSupportedSchemaVersion: 4}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "tunes", health.AppName)
	require.Contains(t, health.RegisteredTables, "playlist_tune")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/schema-version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ver SchemaVersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ver))
	require.Equal(t, 4, ver.Version)
}

func TestHandlers_SyncRequiresAuth(t *testing.T) {
	h, _ := newTestRouter(t, nil, nil)
	rec := postJSON(t, h, "/api/sync", "", SyncRequest{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "authentication_failed", errResp.Error)
}

func TestHandlers_SyncErrorMapping(t *testing.T) {
	h, j := newTestRouter(t, &ServiceConfig{MaxUploadBatchSize: 1}, nil)
	token, err := j.GenerateToken("u1", "d1", time.Hour)
	require.NoError(t, err)

	rec := postJSON(t, h, "/api/sync", token, SyncRequest{SchemaVersion: 99})
	require.Equal(t, http.StatusConflict, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/api/sync", token, SyncRequest{Changes: []OutboxChange{
		{ID: "a", TableName: "note", RowID: "1", Operation: OpDelete},
		{ID: "b", TableName: "note", RowID: "2", Operation: OpDelete},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.Equal(t, ReasonBatchTooLarge, resp.Results[1].Reason)
}

func TestHandlers_DevToken(t *testing.T) {
	h, j := newTestRouter(t, nil, nil)

	rec := postJSON(t, h, "/dev/token", "", DevTokenRequest{UserID: "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/dev/token", "", DevTokenRequest{UserID: "u1", DeviceID: "d1", TTLSeconds: 60})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DevTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := j.ValidateToken(resp.Token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "d1", claims.DeviceID)
}

func TestRouter_DevTokenDisabled(t *testing.T) {
	svc := newTestService(t, nil)
	j := NewJWTAuth("s")
	h := NewRouter(RouterConfig{Handlers: NewHTTPSyncHandlers(svc, j, nil), Auth: j})
	rec := postJSON(t, h, "/dev/token", "", DevTokenRequest{UserID: "u1", DeviceID: "d1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
