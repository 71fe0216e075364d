// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tunetrees/oosync/internal/auth"
	"github.com/tunetrees/oosync/synctable"
)

// maxRequestBytes caps a sync request body.
const maxRequestBytes = 16 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleSync processes POST /api/sync: push, then an optional pull page
func (h *HTTPSyncHandlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	deviceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	caller := auth.Identity{UserID: userID, DeviceID: deviceID}
	response, err := h.service.ProcessSync(r.Context(), userID, deviceID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadPayload), errors.Is(err, synctable.ErrUnregisteredTable):
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, ErrUnsupportedSchemaVersion):
			h.writeError(w, http.StatusConflict, "unsupported_schema_version", err.Error())
		case errors.Is(err, ErrServiceClosed):
			h.writeError(w, http.StatusServiceUnavailable, "service_closed", err.Error())
		default:
			h.logger.Error("Failed to process sync", "error", err, "caller", caller)
			h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode sync response", "error", err, "caller", caller)
	}
}

// HandleSchemaVersion returns the current schema version
func (h *HTTPSyncHandlers) HandleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	response := SchemaVersionResponse{
		Version: h.service.GetSchemaVersion(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// HandleHealth reports whether the canonical store is reachable
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "healthy",
		AppName:          h.service.config.AppName,
		RegisteredTables: h.service.registry.Names(),
	}
	code := http.StatusOK
	if pool := h.service.Pool(); pool != nil {
		if err := pool.Ping(r.Context()); err != nil {
			h.logger.Warn("Health check ping failed", "error", err)
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// DevTokenRequest is the body of POST /dev/token
type DevTokenRequest struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

// DevTokenResponse is returned by POST /dev/token
type DevTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// HandleDevToken issues a token for any user. Mounted only in development.
func (h *HTTPSyncHandlers) HandleDevToken(jwtAuth *JWTAuth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DevTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.DeviceID == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "userId and deviceId are required")
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := jwtAuth.GenerateToken(req.UserID, req.DeviceID, ttl)
		if err != nil {
			h.logger.Error("Failed to issue dev token", "error", err)
			h.writeError(w, http.StatusInternalServerError, "token_failed", "Failed to issue token")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DevTokenResponse{
			Token:     token,
			ExpiresAt: synctable.FormatTimestamp(time.Now().Add(ttl)),
		})
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
