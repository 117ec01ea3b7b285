package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// EnsurePartition creates the partition if missing and reports whether it did.
func (s *SQLiteStore) EnsurePartition(ctx context.Context, resourceName string) (bool, error) {
	query := `
		INSERT INTO partitions (resource_name, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource_name) DO NOTHING
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, resourceName, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to create partition: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

const partitionColumns = `resource_name,
	COALESCE(length(state), 0),
	created_at, updated_at`

// GetPartition returns partition metadata.
func (s *SQLiteStore) GetPartition(ctx context.Context, resourceName string) (*engine.Partition, error) {
	query := `SELECT ` + partitionColumns + ` FROM partitions WHERE resource_name = ?`

	p, err := scanPartition(s.db.QueryRowContext(ctx, query, resourceName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("partition %s: %w", resourceName, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partition: %w", err)
	}

	return p, nil
}

// ListPartitions returns metadata for every partition.
func (s *SQLiteStore) ListPartitions(ctx context.Context) ([]*engine.Partition, error) {
	query := `SELECT ` + partitionColumns + ` FROM partitions ORDER BY resource_name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	partitions := []*engine.Partition{}
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partitions: %w", err)
	}

	return partitions, nil
}

func scanPartition(row rowScanner) (*engine.Partition, error) {
	p := &engine.Partition{}
	if err := row.Scan(&p.ResourceName, &p.StateSize, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.HasState = p.StateSize > 0
	return p, nil
}

// LoadState returns the working state, or nil when none was saved.
func (s *SQLiteStore) LoadState(ctx context.Context, resourceName string) ([]byte, error) {
	return s.loadBlob(ctx, "state", resourceName)
}

// SaveState replaces the working state.
func (s *SQLiteStore) SaveState(ctx context.Context, resourceName string, state []byte) error {
	return s.saveBlob(ctx, "state", resourceName, state)
}

// LoadCheckpoint returns the stage checkpoint, or nil when none was saved.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, resourceName string) ([]byte, error) {
	return s.loadBlob(ctx, "checkpoint", resourceName)
}

// SaveCheckpoint replaces the checkpoint. A nil checkpoint clears it.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, resourceName string, data []byte) error {
	return s.saveBlob(ctx, "checkpoint", resourceName, data)
}

// column is one of the fixed blob column names above, never user input.
func (s *SQLiteStore) loadBlob(ctx context.Context, column, resourceName string) ([]byte, error) {
	query := `SELECT ` + column + ` FROM partitions WHERE resource_name = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, resourceName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("partition %s: %w", resourceName, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", column, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	return data, nil
}

func (s *SQLiteStore) saveBlob(ctx context.Context, column, resourceName string, data []byte) error {
	query := `UPDATE partitions SET ` + column + ` = ?, updated_at = ? WHERE resource_name = ?`

	var value interface{}
	if len(data) > 0 {
		value = data
	}

	result, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), resourceName)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", column, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("partition %s: %w", resourceName, engine.ErrRecordNotFound)
	}

	return nil
}

// AppendLog appends a stage-tagged log entry and sets its sequence number.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *engine.LogEntry) error {
	query := `
		INSERT INTO log_entries (resource_name, job_id, stage, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	content := entry.Content
	if content == nil {
		content = []byte{}
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.ResourceName,
		entry.JobID,
		entry.Stage,
		content,
		entry.CreatedAt,
	)
	if sqliteErrorCode(err) == sqlite3lib.SQLITE_CONSTRAINT {
		return fmt.Errorf("partition %s: %w", entry.ResourceName, engine.ErrRecordNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log entry sequence: %w", err)
	}

	entry.Seq = seq
	return nil
}

// ReadLogs returns every log entry of a resource in append order.
func (s *SQLiteStore) ReadLogs(ctx context.Context, resourceName string) ([]*engine.LogEntry, error) {
	query := `
		SELECT seq, resource_name, job_id, stage, content, created_at
		FROM log_entries
		WHERE resource_name = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, resourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	defer rows.Close()

	entries := []*engine.LogEntry{}
	for rows.Next() {
		entry := &engine.LogEntry{}
		err := rows.Scan(
			&entry.Seq,
			&entry.ResourceName,
			&entry.JobID,
			&entry.Stage,
			&entry.Content,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

// DeletePartition removes the partition; its logs go with it.
func (s *SQLiteStore) DeletePartition(ctx context.Context, resourceName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM partitions WHERE resource_name = ?`, resourceName); err != nil {
		return fmt.Errorf("failed to delete partition: %w", err)
	}
	return nil
}

// RecordAudit creates a new audit log entry
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit (id, action, actor, resource_name, job_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var details sql.NullString
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Action,
		entry.Actor,
		entry.ResourceName,
		entry.JobID,
		details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListAudit lists audit entries, newest first, optionally for one resource.
func (s *SQLiteStore) ListAudit(ctx context.Context, resourceName string, limit int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, action, actor, resource_name, job_id, details, timestamp
		FROM audit
		WHERE (? = '' OR resource_name = ?)
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceName, resourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var details sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.ResourceName,
			&entry.JobID,
			&details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
