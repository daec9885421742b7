// Package archive persists finished missions and their activity logs
// to PostgreSQL for later inspection.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveMission upserts the mission row from a snapshot.
func (s *Store) SaveMission(ctx context.Context, snap mission.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO missions (id, request, status, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET status = $3, ended_at = $5`,
		snap.ID, snap.Request, string(snap.Status), snap.StartedAt, snap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save mission: %w", err)
	}
	return nil
}

// SaveTasks upserts every task of a mission.
func (s *Store) SaveTasks(ctx context.Context, missionID string, tasks []mission.Task) error {
	for _, t := range tasks {
		var errJSON []byte
		if t.Error != nil {
			var err error
			errJSON, err = json.Marshal(t.Error)
			if err != nil {
				return fmt.Errorf("marshal task error: %w", err)
			}
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO mission_tasks
				(mission_id, task_id, description, requires, depends_on,
				 status, assigned_to, attempts, result, error,
				 started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (mission_id, task_id)
			DO UPDATE SET status = $6, assigned_to = $7, attempts = $8,
				result = $9, error = $10, started_at = $11, completed_at = $12`,
			missionID, t.ID, t.Description, t.Requires, t.DependsOn,
			string(t.Status), t.AssignedTo, t.Attempts, t.Result, errJSON,
			t.StartedAt, t.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}
	return nil
}

// AppendLog stores one activity log entry.
func (s *Store) AppendLog(ctx context.Context, missionID string, e mission.LogEntry) error {
	var payload []byte
	if len(e.Payload) > 0 {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO activity_log (mission_id, seq, ts, task_id, worker_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mission_id, seq) DO NOTHING`,
		missionID, e.Seq, e.Timestamp, e.TaskID, e.WorkerID, string(e.Kind), payload,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// MissionLog retrieves a mission's activity log with seq > after,
// ordered by seq.
func (s *Store) MissionLog(ctx context.Context, missionID string, after uint64) ([]mission.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, ts, task_id, worker_id, kind, payload
		FROM activity_log
		WHERE mission_id = $1 AND seq > $2
		ORDER BY seq ASC`, missionID, after)
	if err != nil {
		return nil, fmt.Errorf("mission log: %w", err)
	}
	defer rows.Close()

	var out []mission.LogEntry
	for rows.Next() {
		var e mission.LogEntry
		var kind string
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.TaskID, &e.WorkerID, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Kind = mission.EventKind(kind)
		if len(payload) > 0 {
			json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentMissions lists archived missions, newest first.
func (s *Store) RecentMissions(ctx context.Context, limit int) ([]mission.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, request, status, started_at, ended_at
		FROM missions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent missions: %w", err)
	}
	defer rows.Close()

	var out []mission.Snapshot
	for rows.Next() {
		var snap mission.Snapshot
		var status string
		if err := rows.Scan(&snap.ID, &snap.Request, &status, &snap.StartedAt, &snap.EndedAt); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		snap.Status = mission.Status(status)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
