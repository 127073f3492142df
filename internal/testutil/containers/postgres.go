//go:build integration

// Package containers starts throwaway infrastructure for integration tests.
package containers

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Ramsey-B/fern/pkg/database"
)

const (
	postgresImage = "postgres:16-alpine"
	databaseName  = "fern"
)

// NewPostgres starts a postgres container, applies the migrations and
// returns a connected DB. The container is terminated when the test ends.
func NewPostgres(t *testing.T, logger ectologger.Logger) database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase(databaseName),
		tcpostgres.WithUsername("fern"),
		tcpostgres.WithPassword("fern"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}

	db, err := database.Open(ctx, database.Config{
		Host:            host,
		Port:            port.Port(),
		User:            "fern",
		Password:        "fern",
		Name:            databaseName,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: migrationsPath(),
	})
	if err := migrations.MigratePostgres(db, databaseName); err != nil {
		t.Fatalf("failed to migrate postgres: %v", err)
	}

	return db
}

// migrationsPath resolves db/pg relative to this file so tests can run from any package.
func migrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}
