// Package persistence is the gateway to the relational store: batched
// upserts of pipeline output and reads of the latest market snapshots.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"valuation-pipeline/internal/common/database"
	apperrors "valuation-pipeline/internal/common/errors"
	"valuation-pipeline/internal/models"
)

const (
	TableProperties   = "properties"
	TableValuations   = "valuations"
	TableScores       = "scores"
	TablePipelineRuns = "pipeline_runs"
)

var upsertTables = map[string]bool{
	TableProperties:   true,
	TableValuations:   true,
	TableScores:       true,
	TablePipelineRuns: true,
}

var ErrNotFound = errors.New("SNAPSHOT_NOT_FOUND")

// Record is one row to upsert. Payload is stored as jsonb.
type Record struct {
	ID      string
	RunID   string
	Payload interface{}
}

// RecordError marks a record that was not written and must be reprocessed.
type RecordError struct {
	ID  string
	Err error
}

type UpsertResult struct {
	Inserted int
	Updated  int
	Errors   []RecordError
}

// Snapshot is the latest stored document for a key.
type Snapshot struct {
	Key     string
	Payload []byte
	AsOf    time.Time
}

type Store interface {
	BulkUpsert(ctx context.Context, table string, records []Record) (UpsertResult, error)
	ReadLatest(ctx context.Context, key string) (Snapshot, error)
}

type PostgresStore struct {
	db        *database.PostgresClient
	batchSize int
	now       func() time.Time
}

func NewPostgresStore(db *database.PostgresClient, batchSize int) *PostgresStore {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PostgresStore{db: db, batchSize: batchSize, now: time.Now}
}

// BulkUpsert writes records in batches of batchSize, one multi-row statement
// per batch. A failed batch marks each of its records with a
// PERSISTENCE_ERROR and the remaining batches still run. The returned error
// is reserved for calls that cannot proceed at all.
func (s *PostgresStore) BulkUpsert(ctx context.Context, table string, records []Record) (UpsertResult, error) {
	var res UpsertResult
	if !upsertTables[table] {
		return res, apperrors.NewValidationError(fmt.Sprintf("unknown table %q", table))
	}

	rows := make([]encodedRecord, 0, len(records))
	for _, r := range dedupeByID(records) {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			res.Errors = append(res.Errors, RecordError{ID: r.ID, Err: apperrors.NewPersistenceError(table, err)})
			continue
		}
		rows = append(rows, encodedRecord{id: r.ID, runID: r.RunID, payload: payload})
	}

	for start := 0; start < len(rows); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		inserted, updated, err := s.upsertBatch(ctx, table, batch)
		if err != nil {
			perr := apperrors.NewPersistenceError(table, err)
			for _, r := range batch {
				res.Errors = append(res.Errors, RecordError{ID: r.id, Err: perr})
			}
			continue
		}
		res.Inserted += inserted
		res.Updated += updated
	}
	return res, nil
}

type encodedRecord struct {
	id      string
	runID   string
	payload []byte
}

func (s *PostgresStore) upsertBatch(ctx context.Context, table string, batch []encodedRecord) (int, int, error) {
	now := s.now().UTC()
	var sb strings.Builder
	args := make([]interface{}, 0, len(batch)*4)

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (id, run_id, payload, updated_at) VALUES ")
	for i, r := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, r.id, r.runID, r.payload, now)
	}
	sb.WriteString(" ON CONFLICT (id) DO UPDATE SET run_id = EXCLUDED.run_id, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at")
	sb.WriteString(" RETURNING id, (xmax = 0) AS inserted")

	var inserted, updated int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var isInsert bool
			if err := rows.Scan(&id, &isInsert); err != nil {
				return err
			}
			if isInsert {
				inserted++
			} else {
				updated++
			}
		}
		return rows.Err()
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

// dedupeByID keeps the last record per id; one statement cannot touch a row twice.
func dedupeByID(records []Record) []Record {
	pos := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// ReadLatest returns the newest snapshot stored under key.
func (s *PostgresStore) ReadLatest(ctx context.Context, key string) (Snapshot, error) {
	row := s.db.DB.QueryRowContext(ctx,
		"SELECT payload, as_of FROM latest_snapshots WHERE key = $1 ORDER BY as_of DESC LIMIT 1", key)

	snap := Snapshot{Key: key}
	if err := row.Scan(&snap.Payload, &snap.AsOf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Snapshot{}, apperrors.NewExternalServiceError("store", err)
	}
	return snap, nil
}

// SaveRun upserts the run record keyed by run id.
func SaveRun(ctx context.Context, store Store, run *models.PipelineRun) error {
	res, err := store.BulkUpsert(ctx, TablePipelineRuns, []Record{{ID: run.RunID, RunID: run.RunID, Payload: run.Summary()}})
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return res.Errors[0].Err
	}
	return nil
}
