// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tunetrees/oosync/oosync"
)

// Transport sends one sync request to the server.
type Transport interface {
	Sync(ctx context.Context, req *oosync.SyncRequest) (*oosync.SyncResponse, error)
}

// TokenFunc returns the current bearer token.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport talks to POST {BaseURL}/api/sync.
type HTTPTransport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport using http.DefaultClient semantics with no timeout of
// its own; the engine bounds every call with RequestTimeout.
func NewHTTPTransport(baseURL string, token TokenFunc) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

func (t *HTTPTransport) Sync(ctx context.Context, req *oosync.SyncRequest) (*oosync.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, &SyncError{Kind: KindAuth, Op: "sync", Err: fmt.Errorf("failed to get token: %w", err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, &SyncError{Kind: KindNetwork, Op: "sync", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp oosync.ErrorResponse
		if json.Unmarshal(msg, &errResp) == nil && errResp.Error != "" {
			msg = []byte(errResp.Error + ": " + errResp.Message)
		}
		return nil, &SyncError{
			Kind:   kindForStatus(resp.StatusCode),
			Op:     "sync",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	var out oosync.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &SyncError{Kind: KindNetwork, Op: "sync", Err: fmt.Errorf("failed to decode sync response: %w", err)}
	}
	return &out, nil
}
