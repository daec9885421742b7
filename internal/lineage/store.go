// Package lineage records finished missions as a graph in Neo4j:
// mission and task nodes, dependency edges between tasks, and execution
// edges to the workers that ran them. The graph answers provenance
// questions the relational archive cannot, such as which workers a
// failed task's output flowed through.
package lineage

import (
	"context"
	"fmt"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Store handles Neo4j operations for the lineage graph.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j lineage store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// RecordMission writes the mission, its tasks, DEPENDS_ON edges and
// EXECUTED_BY edges in one session. Safe to call more than once for the
// same mission.
func (s *Store) RecordMission(ctx context.Context, snap mission.Snapshot) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (m:Mission {id: $id})
		 SET m.request = $request, m.status = $status,
		     m.started_at = datetime($startedAt)`,
		map[string]interface{}{
			"id":        snap.ID,
			"request":   snap.Request,
			"status":    string(snap.Status),
			"startedAt": snap.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	if err != nil {
		return fmt.Errorf("record mission node: %w", err)
	}

	for _, w := range snap.Workers {
		_, err := session.Run(ctx,
			`MERGE (w:Worker {id: $id})
			 SET w.name = $name`,
			map[string]interface{}{"id": w.ID, "name": w.Name})
		if err != nil {
			return fmt.Errorf("record worker node: %w", err)
		}
	}

	for _, t := range snap.Tasks {
		code := ""
		if t.Error != nil {
			code = string(t.Error.Code)
		}
		_, err := session.Run(ctx,
			`MATCH (m:Mission {id: $missionId})
			 MERGE (t:Task {mission_id: $missionId, id: $id})
			 SET t.description = $desc, t.status = $status,
			     t.attempts = $attempts, t.error_code = $errorCode
			 MERGE (m)-[:CONTAINS]->(t)`,
			map[string]interface{}{
				"missionId": snap.ID,
				"id":        t.ID,
				"desc":      t.Description,
				"status":    string(t.Status),
				"attempts":  t.Attempts,
				"errorCode": code,
			})
		if err != nil {
			return fmt.Errorf("record task node %s: %w", t.ID, err)
		}

		for _, dep := range t.DependsOn {
			_, err := session.Run(ctx,
				`MATCH (t:Task {mission_id: $missionId, id: $id}),
				       (d:Task {mission_id: $missionId, id: $dep})
				 MERGE (t)-[:DEPENDS_ON]->(d)`,
				map[string]interface{}{"missionId": snap.ID, "id": t.ID, "dep": dep})
			if err != nil {
				return fmt.Errorf("record dependency %s->%s: %w", t.ID, dep, err)
			}
		}
		if t.AssignedTo != "" {
			_, err := session.Run(ctx,
				`MATCH (t:Task {mission_id: $missionId, id: $id}), (w:Worker {id: $workerId})
				 MERGE (t)-[:EXECUTED_BY]->(w)`,
				map[string]interface{}{"missionId": snap.ID, "id": t.ID, "workerId": t.AssignedTo})
			if err != nil {
				return fmt.Errorf("record execution edge %s: %w", t.ID, err)
			}
		}
	}

	s.logger.Debug("lineage recorded",
		zap.String("mission", snap.ID),
		zap.Int("tasks", len(snap.Tasks)))
	return nil
}

// WorkerHistory returns the ids of the missions a worker has executed
// tasks in, most recent first, up to limit.
func (s *Store) WorkerHistory(ctx context.Context, workerID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (t:Task)-[:EXECUTED_BY]->(w:Worker {id: $workerId})
		 MATCH (m:Mission)-[:CONTAINS]->(t)
		 RETURN m.id AS mission, max(m.started_at) AS started
		 ORDER BY started DESC LIMIT $limit`,
		map[string]interface{}{"workerId": workerID, "limit": limit})
	if err != nil {
		return nil, err
	}

	var out []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("mission")
		out = append(out, id.(string))
	}
	return out, result.Err()
}

// Attach records lineage once the mission settles.
func (s *Store) Attach(ctx context.Context, st *mission.Store) {
	events, cancel := st.Watch(mission.Filter{}, 64)

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Mission == mission.StatusCompleted || ev.Mission == mission.StatusFailed {
					if err := s.RecordMission(ctx, st.Snapshot()); err != nil {
						s.logger.Warn("lineage record failed",
							zap.String("mission", st.ID()), zap.Error(err))
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
