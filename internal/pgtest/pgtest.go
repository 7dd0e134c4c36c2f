//go:build integration

// Package pgtest starts a disposable Postgres container for integration tests.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Instance is a running Postgres container.
type Instance struct {
	Container testcontainers.Container
	DSN       string
}

// Start launches postgres and waits until it accepts connections.
func Start(ctx context.Context) (*Instance, error) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pricefeed",
				"POSTGRES_PASSWORD": "pricefeed",
				"POSTGRES_DB":       "pricefeed",
			},
			// postgres logs readiness twice: once for the init server, once for the real one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &Instance{
		Container: container,
		DSN:       fmt.Sprintf("postgres://pricefeed:pricefeed@%s:%s/pricefeed?sslmode=disable", host, port.Port()),
	}, nil
}

// Pool opens a connection pool against the instance.
func (i *Instance) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, i.DSN)
}

// Terminate stops the container.
func (i *Instance) Terminate(ctx context.Context) {
	_ = i.Container.Terminate(ctx)
}
