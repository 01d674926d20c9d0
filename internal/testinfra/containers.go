// Package testinfra starts disposable backing services for integration tests.
package testinfra

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresUser     = "user"
	PostgresPassword = "password"
	PostgresDatabase = "fern"
)

// Endpoint is where a started container can be reached from the test
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// SkipIfShort skips integration tests under -short
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
}

// StartPostgres starts PostgreSQL and terminates it when the test ends
func StartPostgres(t *testing.T) Endpoint {
	return start(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDatabase,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")
}

// StartRedis starts Redis and terminates it when the test ends
func StartRedis(t *testing.T) Endpoint {
	return start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}, "6379")
}

// StartMemgraph starts Memgraph and terminates it when the test ends
func StartMemgraph(t *testing.T) Endpoint {
	return start(t, testcontainers.ContainerRequest{
		Image:        "memgraph/memgraph:2.14.0",
		ExposedPorts: []string{"7687/tcp"},
		WaitingFor: wait.ForListeningPort("7687/tcp").
			WithStartupTimeout(60 * time.Second),
	}, "7687")
}

func start(t *testing.T, req testcontainers.ContainerRequest, port string) Endpoint {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to read host of %s: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to read port of %s: %v", req.Image, err)
	}
	p, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatalf("bad port %q for %s: %v", mapped.Port(), req.Image, err)
	}
	return Endpoint{Host: host, Port: p}
}
