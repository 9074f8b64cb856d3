package store

import (
	"context"
	"time"
)

// AppendLogChunk mirrors a raw log chunk to durable storage. This is the
// best-effort durable mirror described for the Message Store: callers run
// it from a bounded background writer and must never let it block the
// in-memory push path.
func (db *DB) AppendLogChunk(ctx context.Context, processID, stream string, chunk []byte) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO execution_process_logs (execution_process_id, stream, chunk, created_at)
		VALUES (?, ?, ?, ?)`, processID, stream, chunk, fmtTime(time.Now()))
	return err
}

// LogChunk is one row of a process's durable log mirror.
type LogChunk struct {
	Stream string
	Chunk  []byte
}

// ReadLogChunks returns the durable log mirror for a process in order.
func (db *DB) ReadLogChunks(ctx context.Context, processID string) ([]LogChunk, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT stream, chunk FROM execution_process_logs
		WHERE execution_process_id = ? ORDER BY id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogChunk
	for rows.Next() {
		var c LogChunk
		if err := rows.Scan(&c.Stream, &c.Chunk); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
