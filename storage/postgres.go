package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DyNATgIT/ARK/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS onboarding_workflows (
	workflow_id  TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	progress     INT NOT NULL DEFAULT 0,
	record       JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS onboarding_workflows_status_idx ON onboarding_workflows (status);

CREATE TABLE IF NOT EXISTS onboarding_checkpoints (
	workflow_id  TEXT NOT NULL,
	phase        TEXT NOT NULL,
	run_id       BIGINT NOT NULL,
	sequence     INT NOT NULL,
	output       JSONB,
	completed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, phase)
);`

const upsertRecordSQL = `
INSERT INTO onboarding_workflows
	(workflow_id, customer_id, status, current_phase, progress, record, started_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (workflow_id) DO UPDATE SET
	customer_id = EXCLUDED.customer_id,
	status = EXCLUDED.status,
	current_phase = EXCLUDED.current_phase,
	progress = EXCLUDED.progress,
	record = EXCLUDED.record,
	updated_at = EXCLUDED.updated_at,
	completed_at = EXCLUDED.completed_at`

const upsertCheckpointSQL = `
INSERT INTO onboarding_checkpoints (workflow_id, phase, run_id, sequence, output, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workflow_id, phase) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	sequence = EXCLUDED.sequence,
	output = EXCLUDED.output,
	completed_at = EXCLUDED.completed_at`

// PostgresStorage is a PostgreSQL implementation of the Storage interface. The full record is
// kept as JSONB next to the columns dashboards filter on.
type PostgresStorage struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStorage creates a new PostgresStorage.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db, now: time.Now}
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStorage) loadRecord(row pgx.Row) (*types.WorkflowRecord, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var rec types.WorkflowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStorage) upsertRecord(ctx context.Context, tx pgx.Tx, rec types.WorkflowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.WorkflowID, err)
	}
	_, err = tx.Exec(ctx, upsertRecordSQL,
		rec.WorkflowID, rec.CustomerID, string(rec.Status), string(rec.CurrentPhase), rec.Progress,
		data, rec.StartedAt, rec.UpdatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *PostgresStorage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WriteCheckpoint upserts the checkpoint row and the workflow row in one transaction.
func (s *PostgresStorage) WriteCheckpoint(ctx context.Context, workflowID string, phase types.Phase, snapshot types.WorkflowState) error {
	now := s.now()
	cp := NewCheckpoint(workflowID, phase, snapshot, now)
	output, err := json.Marshal(cp.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s/%s: %w", workflowID, phase, err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertCheckpointSQL,
			cp.WorkflowID, string(cp.Phase), int64(cp.RunID), cp.Sequence, output, cp.CompletedAt); err != nil {
			return fmt.Errorf("failed to upsert checkpoint %s/%s: %w", workflowID, phase, err)
		}
		existing, err := s.loadRecord(tx.QueryRow(ctx,
			`SELECT record FROM onboarding_workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID))
		if err != nil {
			return err
		}
		return s.upsertRecord(ctx, tx, advanceRecord(existing, workflowID, snapshot, now))
	})
}

// SaveRecord upserts a record.
func (s *PostgresStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.upsertRecord(ctx, tx, rec)
	})
}

// TransitionRecord locks the row and upserts rec only if the stored status is from.
func (s *PostgresStorage) TransitionRecord(ctx context.Context, rec types.WorkflowRecord, from types.Status) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := s.loadRecord(tx.QueryRow(ctx,
			`SELECT record FROM onboarding_workflows WHERE workflow_id = $1 FOR UPDATE`, rec.WorkflowID))
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, rec.WorkflowID)
		}
		if cur.Status != from {
			return fmt.Errorf("%w: id=%s status=%s want=%s", ErrStatusConflict, rec.WorkflowID, cur.Status, from)
		}
		return s.upsertRecord(ctx, tx, rec)
	})
}

// Finalize applies the outcome to the stored record.
func (s *PostgresStorage) Finalize(ctx context.Context, workflowID string, final types.WorkflowState, outcome types.Outcome) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.loadRecord(tx.QueryRow(ctx,
			`SELECT record FROM onboarding_workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID))
		if err != nil {
			return err
		}
		return s.upsertRecord(ctx, tx, finalizeRecord(existing, workflowID, final, outcome))
	})
}

// GetRecord retrieves a record by workflow ID.
func (s *PostgresStorage) GetRecord(ctx context.Context, workflowID string) (types.WorkflowRecord, error) {
	rec, err := s.loadRecord(s.db.QueryRow(ctx,
		`SELECT record FROM onboarding_workflows WHERE workflow_id = $1`, workflowID))
	if err != nil {
		return types.WorkflowRecord{}, err
	}
	if rec == nil {
		return types.WorkflowRecord{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, workflowID)
	}
	return *rec, nil
}

// ListCheckpoints returns the checkpoints of a workflow in sequence order.
func (s *PostgresStorage) ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workflow_id, phase, run_id, sequence, output, completed_at
		FROM onboarding_checkpoints WHERE workflow_id = $1
		ORDER BY sequence, completed_at`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var (
			cp     types.Checkpoint
			phase  string
			runID  int64
			output []byte
		)
		if err := rows.Scan(&cp.WorkflowID, &phase, &runID, &cp.Sequence, &output, &cp.CompletedAt); err != nil {
			return nil, err
		}
		cp.Phase = types.Phase(phase)
		cp.RunID = uint64(runID)
		if len(output) > 0 {
			if err := json.Unmarshal(output, &cp.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checkpoint output: %w", err)
			}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ListRecords returns records with the given status (all when empty), newest first.
func (s *PostgresStorage) ListRecords(ctx context.Context, status types.Status) ([]types.WorkflowRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT record FROM onboarding_workflows
		WHERE $1 = '' OR status = $1
		ORDER BY started_at DESC, workflow_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowRecord
	for rows.Next() {
		rec, err := s.loadRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
