package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	RelSameAs        = "SAME_AS"
	RelPossibleMatch = "POSSIBLE_MATCH"
	RelMergedInto    = "MERGED_INTO"

	defaultBatchSize = 500
)

const upsertPatientsCypher = `
UNWIND $rows AS row
MERGE (p:Patient {record_id: row.record_id})
SET p.first_name = row.first_name,
    p.last_name = row.last_name,
    p.date_of_birth = row.date_of_birth,
    p.active = row.active,
    p.cluster_id = row.cluster_id,
    p.run_id = row.run_id`

// %s is one of the fixed relationship names above, never user input.
const upsertLinksCypher = `
UNWIND $rows AS row
MATCH (a:Patient {record_id: row.id1})
MATCH (b:Patient {record_id: row.id2})
MERGE (a)-[r:%s {run_id: row.run_id}]->(b)
SET r.score = row.score, r.reason = row.reason`

const mergeCypher = `
MATCH (m:Patient {record_id: $master})
UNWIND $merged AS dup
MATCH (d:Patient {record_id: dup})
SET d.active = false
MERGE (d)-[:MERGED_INTO]->(m)
WITH m, d
OPTIONAL MATCH (d)-[r:SAME_AS|POSSIBLE_MATCH]-()
DELETE r`

// Projector mirrors patients, links and merges into the graph. A nil
// *Projector is valid and does nothing.
type Projector struct {
	client    *Client
	logger    ectologger.Logger
	batchSize int
}

func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{client: client, logger: logger, batchSize: defaultBatchSize}
}

// ProjectRun writes every patient of the run as a node, then its match and
// review links as SAME_AS and POSSIBLE_MATCH edges.
func (p *Projector) ProjectRun(ctx context.Context, runID int64, patients []models.Patient, assignments []models.ClusterAssignment, links []models.Link) error {
	if p == nil || p.client == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectRun")
	defer span.End()

	nodes := patientRows(runID, patients, assignments)
	for _, batch := range chunk(nodes, p.batchSize) {
		if err := p.client.write(ctx, upsertPatientsCypher, map[string]any{"rows": batch}); err != nil {
			return fmt.Errorf("failed to project patients: %w", err)
		}
	}

	byRel := linkRows(links)
	for _, rel := range []string{RelSameAs, RelPossibleMatch} {
		cypher := fmt.Sprintf(upsertLinksCypher, rel)
		for _, batch := range chunk(byRel[rel], p.batchSize) {
			if err := p.client.write(ctx, cypher, map[string]any{"rows": batch}); err != nil {
				return fmt.Errorf("failed to project %s links: %w", rel, err)
			}
		}
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":         runID,
		"patients":       len(nodes),
		"same_as":        len(byRel[RelSameAs]),
		"possible_match": len(byRel[RelPossibleMatch]),
	}).Info("Projected run into graph")
	return nil
}

// ProjectMerge deactivates the merged nodes and points them at the master.
func (p *Projector) ProjectMerge(ctx context.Context, masterID string, mergedIDs []string) error {
	if p == nil || p.client == nil || len(mergedIDs) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectMerge")
	defer span.End()

	if err := p.client.write(ctx, mergeCypher, map[string]any{"master": masterID, "merged": mergedIDs}); err != nil {
		return fmt.Errorf("failed to project merge: %w", err)
	}
	return nil
}

func patientRows(runID int64, patients []models.Patient, assignments []models.ClusterAssignment) []map[string]any {
	clusterOf := make(map[string]string, len(assignments))
	for _, a := range assignments {
		clusterOf[a.RecordID] = a.PatientID
	}

	rows := make([]map[string]any, 0, len(patients))
	for i := range patients {
		pt := &patients[i]
		var cluster any
		if c, ok := clusterOf[pt.RecordID]; ok {
			cluster = c
		}
		rows = append(rows, map[string]any{
			"record_id":     pt.RecordID,
			"first_name":    pt.FirstName,
			"last_name":     pt.LastName,
			"date_of_birth": pt.DateOfBirth,
			"active":        pt.IsActive(),
			"cluster_id":    cluster,
			"run_id":        runID,
		})
	}
	return rows
}

// linkRows groups links by relationship type. Non-matches are not projected.
func linkRows(links []models.Link) map[string][]map[string]any {
	out := make(map[string][]map[string]any, 2)
	for _, l := range links {
		rel := relationshipFor(l.Decision)
		if rel == "" {
			continue
		}
		out[rel] = append(out[rel], map[string]any{
			"id1":    l.RecordID1,
			"id2":    l.RecordID2,
			"run_id": l.RunID,
			"score":  l.Score,
			"reason": string(l.Reason),
		})
	}
	return out
}

func relationshipFor(d models.Decision) string {
	switch d {
	case models.DecisionMatch:
		return RelSameAs
	case models.DecisionReview:
		return RelPossibleMatch
	default:
		return ""
	}
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
