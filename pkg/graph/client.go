// Package graph projects canonical codes into Memgraph or Neo4j over Bolt.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const dependencyName = "graph"

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Client is a Bolt driver shared by the projections. The driver dials lazily
// so a Client can exist while the server is down.
type Client struct {
	driver neo4j.DriverWithContext
	logger ectologger.Logger
	uri    string
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	uri := fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)

	// Memgraph runs without auth by default
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("invalid graph address %s: %w", uri, err)
	}

	logger.WithField("uri", uri).Info("Graph driver created")
	return &Client{driver: driver, logger: logger, uri: uri}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity pings the server. Failures are reported as an
// unavailable dependency.
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		return apperrors.DependencyUnavailable(dependencyName, err).With("uri", c.uri)
	}
	return nil
}

func (c *Client) ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, "graph.Client.ExecuteWrite", neo4j.AccessModeWrite, work)
}

func (c *Client) ExecuteRead(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return c.execute(ctx, "graph.Client.ExecuteRead", neo4j.AccessModeRead, work)
}

func (c *Client) execute(ctx context.Context, name string, mode neo4j.AccessMode, work neo4j.ManagedTransactionWork) (any, error) {
	ctx, span := tracing.StartSpan(ctx, name)
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
	defer session.Close(ctx)

	var (
		result any
		err    error
	)
	if mode == neo4j.AccessModeWrite {
		result, err = session.ExecuteWrite(ctx, work)
	} else {
		result, err = session.ExecuteRead(ctx, work)
	}
	return result, tracing.Fail(span, err)
}
