// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/internal/auth"
)

func TestJWT_RoundTrip(t *testing.T) {
	j := NewJWTAuth("secret")
	token, err := j.GenerateToken("u1", "d1", time.Hour)
	require.NoError(t, err)

	claims, err := j.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "d1", claims.DeviceID)
	require.Equal(t, tokenIssuer, claims.Issuer)

	_, err = NewJWTAuth("other").ValidateToken(token)
	require.Error(t, err)

	expired, err := j.GenerateToken("u1", "d1", -time.Minute)
	require.NoError(t, err)
	_, err = j.ValidateToken(expired)
	require.Error(t, err)

	noDevice, err := j.GenerateToken("u1", "", time.Hour)
	require.NoError(t, err)
	_, err = j.ValidateToken(noDevice)
	require.ErrorContains(t, err, "did")
}

func TestJWT_Middleware(t *testing.T) {
	j := NewJWTAuth("secret")
	var gotUser, gotDevice string
	h := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserID(r.Context())
		gotDevice, _ = auth.DeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := j.GenerateToken("u1", "d1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "u1", gotUser)
	require.Equal(t, "d1", gotDevice)

	// websocket clients pass the token as a query parameter
	req = httptest.NewRequest(http.MethodGet, "/api/sync/realtime?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestJWT_GetIDsFromRequest(t *testing.T) {
	j := NewJWTAuth("secret")
	token, err := j.GenerateToken("u9", "d9", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	uid, err := j.GetUserID(req)
	require.NoError(t, err)
	require.Equal(t, "u9", uid)
	did, err := j.GetSourceID(req)
	require.NoError(t, err)
	require.Equal(t, "d9", did)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	_, err = j.GetUserID(req)
	require.Error(t, err)
}
