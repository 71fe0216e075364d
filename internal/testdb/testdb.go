// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package testdb provides PostgreSQL and SQLite fixtures for tests. PostgreSQL comes from
// TEST_DATABASE_URL when set, otherwise from a throwaway testcontainers instance shared by
// the test binary. Every caller gets its own schema so tests can run side by side.
package testdb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tunetrees/oosync/synctable"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once    sync.Once
	connStr string
	initErr error
)

func databaseURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	once.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("oosync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			initErr = err
			return
		}
		connStr, initErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, initErr)
	return connStr
}

// Postgres returns a pool and a freshly created schema holding the default business tables.
// The schema is dropped when the test ends.
func Postgres(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, databaseURL(t))
	require.NoError(t, err)

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	_, err = pool.Exec(ctx, PostgresDDL(schema))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		pool.Close()
	})
	return pool, schema
}

// PostgresDDL creates the default business tables in schema.
func PostgresDDL(schema string) string {
	return synctable.DefaultPostgresDDL(schema)
}

// SQLiteDDL creates the default business tables in a local SQLite database.
const SQLiteDDL = synctable.DefaultSQLiteDDL
