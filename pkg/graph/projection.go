package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const upsertCodeCypher = `
	MERGE (p:Project {id: $project_id})
	MERGE (c:Code {id: $id})
	SET c.project_id = $project_id,
		c.label = $label,
		c.normalized_key = $normalized_key,
		c.candidate_id = $candidate_id,
		c.updated_at = $updated_at
	MERGE (c)-[:BELONGS_TO]->(p)
`

const countCodesCypher = `
	MATCH (c:Code {project_id: $project_id})
	RETURN count(c) AS total
`

// CodeProjection writes canonical codes into the graph. Writes are idempotent
// upserts, so replaying a code is harmless.
type CodeProjection struct {
	name   string
	client *Client
	logger ectologger.Logger
}

// NewCodeProjection creates a projection writer over client
func NewCodeProjection(name string, client *Client, logger ectologger.Logger) *CodeProjection {
	return &CodeProjection{
		name:   name,
		client: client,
		logger: logger,
	}
}

func (p *CodeProjection) Name() string {
	return p.name
}

// Ping checks that the graph server accepts connections
func (p *CodeProjection) Ping(ctx context.Context) error {
	return p.client.VerifyConnectivity(ctx)
}

// UpsertCode creates or updates the code node and its project edge
func (p *CodeProjection) UpsertCode(ctx context.Context, code *models.CanonicalCode) error {
	ctx, span := tracing.StartSpan(ctx, "graph.CodeProjection.UpsertCode")
	defer span.End()

	params := map[string]any{
		"id":             code.ID,
		"project_id":     code.ProjectID,
		"label":          code.Label,
		"normalized_key": code.NormalizedKey,
		"candidate_id":   code.CreatedFromCandidateID,
		"updated_at":     code.UpdatedAt.UTC().Format(time.RFC3339),
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, upsertCodeCypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"code_id":    code.ID,
			"project_id": code.ProjectID,
			"writer":     p.name,
		}).Warn("Failed to upsert code in graph")
		return fmt.Errorf("failed to upsert code %s in graph: %w", code.ID, err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"code_id": code.ID,
		"writer":  p.name,
	}).Debug("Upserted code in graph")
	return nil
}

// CountCodes returns how many code nodes the graph holds for a project
func (p *CodeProjection) CountCodes(ctx context.Context, projectID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.CodeProjection.CountCodes")
	defer span.End()

	result, err := p.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, countCodesCypher, map[string]any{"project_id": projectID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		total, _ := record.Get("total")
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	total, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count type %T", result)
	}
	return total, nil
}
