// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oosync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/synctable"
)

func TestNewService_Defaults(t *testing.T) {
	svc := newTestService(t, nil)
	require.Equal(t, "public", svc.config.Schema)
	require.Equal(t, 1, svc.GetSchemaVersion())
	require.Equal(t, DefaultPageSize, svc.config.DefaultPageSize)
	require.Equal(t, MaxPageSize, svc.config.MaxPageSize)
	require.Equal(t, synctable.Default().Names(), svc.Registry().Names())
}

func TestNewService_RejectsMissingCollectionSource(t *testing.T) {
	_, err := newService(&ServiceConfig{Collections: []CollectionSource{DefaultCollections()[0]}}, nil)
	require.ErrorContains(t, err, `collection "genres" has no source`)

	_, err = newService(&ServiceConfig{Schema: "bad schema"}, nil)
	require.Error(t, err)
}

func TestProcessSync_SchemaVersion(t *testing.T) {
	svc := newTestService(t, &ServiceConfig{MaxSupportedSchemaVersion: 2})
	_, err := svc.ProcessSync(context.Background(), "u1", "d1", &SyncRequest{SchemaVersion: 3})
	require.ErrorIs(t, err, ErrUnsupportedSchemaVersion)
}

func TestProcessSync_BatchTooLarge(t *testing.T) {
	svc := newTestService(t, &ServiceConfig{MaxUploadBatchSize: 2})
	req := &SyncRequest{
		Pull: true,
		Changes: []OutboxChange{
			{ID: "a", TableName: "note", RowID: "1", Operation: OpDelete},
			{ID: "b", TableName: "note", RowID: "2", Operation: OpDelete},
			{ID: "c", TableName: "note", RowID: "3", Operation: OpDelete},
		},
	}
	resp, err := svc.ProcessSync(context.Background(), "u1", "d1", req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	for i, r := range resp.Results {
		require.Equal(t, req.Changes[i].ID, r.ID)
		require.Equal(t, StInvalid, r.Status)
		require.Equal(t, ReasonBatchTooLarge, r.Reason)
	}
	// nothing was pulled; the client retries with a smaller batch
	require.Empty(t, resp.Changes)
	require.Empty(t, resp.Cursor)
}

func TestProcessSync_Closed(t *testing.T) {
	svc := newTestService(t, nil)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	_, err := svc.ProcessSync(context.Background(), "u1", "d1", &SyncRequest{})
	require.ErrorIs(t, err, ErrServiceClosed)
}

func TestRetryClassification(t *testing.T) {
	require.True(t, isRetryablePGTxError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	require.True(t, isRetryablePGTxError(&pgconn.PgError{Code: "40P01"}))
	require.False(t, isRetryablePGTxError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGTxError(errors.New("boom")))

	require.True(t, isItemPGError(&pgconn.PgError{Code: "23503"}))
	require.True(t, isItemPGError(&pgconn.PgError{Code: "22P02"}))
	require.True(t, isItemPGError(&pgconn.PgError{Code: "42703"}))
	require.False(t, isItemPGError(&pgconn.PgError{Code: "40001"}))
	require.False(t, isItemPGError(&pgconn.PgError{Code: "2"}))

	require.Equal(t, 25*time.Millisecond, txBackoff(1))
	require.Equal(t, 50*time.Millisecond, txBackoff(2))
	require.Equal(t, 500*time.Millisecond, txBackoff(10))
}

func TestTimeStage(t *testing.T) {
	var got []StageTiming
	svc := newTestService(t, &ServiceConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			got = append(got, timing)
		}),
	})

	done := svc.timeStage(context.Background(), StagePushTx, 2)
	done(5, errors.New("boom"))
	require.Len(t, got, 1)
	require.Equal(t, StagePushTx, got[0].Stage)
	require.Equal(t, 5, got[0].Rows)
	require.Equal(t, 2, got[0].Attempt)
	require.EqualError(t, got[0].Err, "boom")

	// without a recorder nothing is measured
	newTestService(t, nil).timeStage(context.Background(), StagePullPage, 1)(1, nil)
	require.Len(t, got, 1)
}
