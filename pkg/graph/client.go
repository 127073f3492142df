// Package graph projects resolution results into a Neo4j compatible graph
// database over Bolt.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// record_id is the merge key of every projected patient.
const patientConstraintCypher = `CREATE CONSTRAINT patient_record_id IF NOT EXISTS
FOR (p:Patient) REQUIRE p.record_id IS UNIQUE`

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Database selects a named database; empty uses the server default.
	Database string
}

type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   ectologger.Logger
}

// NewClient creates the driver. No connection is made until first use.
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port), auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	return &Client{driver: driver, database: cfg.Database, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint the projection MERGEs on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.write(ctx, patientConstraintCypher, nil); err != nil {
		return fmt.Errorf("failed to create patient constraint: %w", err)
	}
	c.logger.WithContext(ctx).Info("Graph schema ready")
	return nil
}

// ExecuteWrite runs work in a managed write transaction, retried by the driver
// on transient errors.
func (c *Client) ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.ExecuteWrite")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.database,
	})
	defer session.Close(ctx)

	return session.ExecuteWrite(ctx, work)
}

func (c *Client) write(ctx context.Context, cypher string, params map[string]any) error {
	_, err := c.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}
