package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"lectern/internal/sqlitedb"
)

// Enqueue inserts every node of the flow in one transaction and returns the
// root job id. Leaves are immediately claimable; inner nodes wait on their
// children.
func (s *Store) Enqueue(ctx context.Context, root FlowNode, opts EnqueueOptions) (string, error) {
	if err := validateNode(root); err != nil {
		return "", err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	flowID := uuid.NewString()
	rootID := uuid.NewString()
	ts := s.timestamp()

	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return insertNode(ctx, tx, root, rootID, "", flowID, opts, ts)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue flow: %w", err)
	}
	s.wake()
	return rootID, nil
}

func validateNode(node FlowNode) error {
	if strings.TrimSpace(node.Queue) == "" {
		return fmt.Errorf("flow node %q: queue required", node.Name)
	}
	for _, child := range node.Children {
		if err := validateNode(child); err != nil {
			return err
		}
	}
	return nil
}

func insertNode(ctx context.Context, tx *sql.Tx, node FlowNode, id, parentID, flowID string, opts EnqueueOptions, ts string) error {
	payload, err := json.Marshal(node.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	name := node.Name
	if name == "" {
		name = node.Queue
	}
	maxAttempts := opts.MaxAttempts
	if node.MaxAttempts > 0 {
		maxAttempts = node.MaxAttempts
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO jobs (
            id, flow_id, parent_id, queue, name, book_id, payload, status, pending_children,
            priority, attempts_made, max_attempts, backoff_ms, run_at, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, flowID, sqlitedb.NullableString(parentID), node.Queue, name, node.Payload.BookID, string(payload),
		string(StatusWaiting), len(node.Children), opts.Priority, maxAttempts, opts.Backoff.Milliseconds(), ts, ts,
	); err != nil {
		return err
	}
	for _, child := range node.Children {
		if err := insertNode(ctx, tx, child, uuid.NewString(), id, flowID, opts, ts); err != nil {
			return err
		}
	}
	return nil
}
