package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
	"bypassd/internal/store"
)

// WorkflowStore keeps each workflow as a JSONB document next to the columns
// the scheduler and list queries filter on.
type WorkflowStore struct {
	pool *Pool
}

func NewWorkflowStore(pool *Pool) *WorkflowStore {
	return &WorkflowStore{pool: pool}
}

func scanDoc(row pgx.Row) (*model.Workflow, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var w model.Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &w, nil
}

func (s *WorkflowStore) LoadByID(ctx context.Context, id string) (*model.Workflow, error) {
	w, err := scanDoc(s.pool.QueryRow(ctx, "SELECT doc FROM workflows WHERE id = $1", id))
	if err != nil {
		return nil, classify(err, "failed to load workflow")
	}
	return w, nil
}

func (s *WorkflowStore) LoadByRequestID(ctx context.Context, requestID string) (*model.Workflow, error) {
	w, err := scanDoc(s.pool.QueryRow(ctx, "SELECT doc FROM workflows WHERE request_id = $1", requestID))
	if err != nil {
		return nil, classify(err, "failed to load workflow")
	}
	return w, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *WorkflowStore) CASUpsert(ctx context.Context, w *model.Workflow) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if w.Version == 1 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO workflows (
				id, request_id, tenant_id, status, version, timeout_at, assigned_to,
				urgency, created_at, updated_at, undelivered, doc
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT DO NOTHING`,
			w.ID, w.RequestID, w.TenantID, string(w.Status), w.Version, w.Timing.TimeoutAt, nullable(w.AssignedTo()),
			string(w.Urgency), w.CreatedAt, w.UpdatedAt, w.Undelivered(), doc,
		)
		if err != nil {
			return classify(err, "failed to insert workflow")
		}
		if tag.RowsAffected() == 0 {
			return apperr.ErrAlreadyExists
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE workflows SET
				status = $3, version = $4, timeout_at = $5, assigned_to = $6, urgency = $7,
				updated_at = $8, undelivered = $9, doc = $10, claimed_by = NULL, claimed_at = NULL
			WHERE id = $1 AND version = $2`,
			w.ID, w.Version-1, string(w.Status), w.Version, w.Timing.TimeoutAt, nullable(w.AssignedTo()), string(w.Urgency),
			w.UpdatedAt, w.Undelivered(), doc,
		)
		if err != nil {
			return classify(err, "failed to update workflow")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)", w.ID).Scan(&exists); err != nil {
				return classify(err, "failed to check workflow")
			}
			if !exists {
				return apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, "workflow not found")
			}
			return apperr.ErrStaleVersion
		}
	}

	if err := insertAudit(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "failed to commit workflow")
	}
	return nil
}

// insertAudit writes the entries this version appended. The primary key
// makes a replayed commit a no-op.
func insertAudit(ctx context.Context, tx pgx.Tx, w *model.Workflow) error {
	batch := &pgx.Batch{}
	idx := 0
	for _, e := range w.Audit {
		if e.Sequence != w.Version {
			continue
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		actor, err := json.Marshal(e.Actor)
		if err != nil {
			return fmt.Errorf("failed to encode audit actor: %w", err)
		}
		batch.Queue(
			`INSERT INTO workflow_audit (workflow_id, sequence, idx, action, actor_id, at, details, actor)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			w.ID, e.Sequence, idx, e.Action, e.ActorID, e.Timestamp, details, actor,
		)
		idx++
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(err, "failed to write audit log")
	}
	return nil
}

func (s *WorkflowStore) ListByDeadline(ctx context.Context, now time.Time, limit int) ([]store.Due, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, timeout_at FROM workflows
		WHERE status = 'Pending' AND timeout_at <= $1
		ORDER BY timeout_at
		LIMIT $2`,
		now, limitOrAll(limit),
	)
	if err != nil {
		return nil, classify(err, "failed to list due workflows")
	}
	return collectDue(rows)
}

// ClaimExpired leases due workflows to c.Host. A lease older than LeaseTTL
// may be taken over by another replica.
func (s *WorkflowStore) ClaimExpired(ctx context.Context, c store.Claim) ([]store.Due, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE workflows SET claimed_by = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM workflows
			WHERE status = 'Pending' AND timeout_at <= $2
				AND (claimed_at IS NULL OR claimed_at <= $3)
			ORDER BY timeout_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, timeout_at`,
		c.Host, c.Now, c.Now.Add(-c.LeaseTTL), limitOrAll(c.Limit),
	)
	if err != nil {
		return nil, classify(err, "failed to claim due workflows")
	}
	due, err := collectDue(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TimeoutAt.Before(due[j].TimeoutAt) })
	return due, nil
}

func collectDue(rows pgx.Rows) ([]store.Due, error) {
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Due, error) {
		var d store.Due
		err := row.Scan(&d.ID, &d.TimeoutAt)
		return d, err
	})
	if err != nil {
		return nil, classify(err, "failed to read due workflows")
	}
	return due, nil
}

// limitOrAll turns a non-positive limit into Postgres' LIMIT ALL
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *WorkflowStore) ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration, max, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM workflows
		WHERE status = 'Pending' AND timeout_at IS NOT NULL AND timeout_at <= $1
			AND COALESCE((doc->'steps'->((doc->>'currentLevel')::int - 1)->>'remindersSent')::int, 0) < $2
		ORDER BY id
		LIMIT $3`,
		now.Add(window), max, limitOrAll(limit),
	)
	if err != nil {
		return nil, classify(err, "failed to list reminder candidates")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err, "failed to read reminder candidates")
	}
	return ids, nil
}

func (s *WorkflowStore) List(ctx context.Context, tenantID string, f store.Filter) (store.Page, error) {
	f = f.Normalize()
	const where = `WHERE tenant_id = $1
		AND ($2::text = '' OR status = $2::text)
		AND ($3::text = '' OR urgency = $3::text)
		AND ($4::text = '' OR assigned_to = $4::text)`
	args := []interface{}{tenantID, string(f.Status), string(f.Urgency), f.AssignedTo}

	page := store.Page{Limit: f.Limit, Offset: f.Offset, Items: []model.WorkflowSummary{}}
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM workflows "+where, args...).Scan(&page.Total); err != nil {
		return store.Page{}, classify(err, "failed to count workflows")
	}

	rows, err := s.pool.Query(ctx,
		"SELECT doc FROM workflows "+where+" ORDER BY updated_at DESC, id DESC LIMIT $5 OFFSET $6",
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return store.Page{}, classify(err, "failed to list workflows")
	}
	list, err := collectDocs(rows)
	if err != nil {
		return store.Page{}, err
	}
	for _, w := range list {
		page.Items = append(page.Items, w.Summary())
	}
	return page, nil
}

func collectDocs(rows pgx.Rows) ([]*model.Workflow, error) {
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Workflow, error) {
		return scanDoc(row)
	})
	if err != nil {
		return nil, classify(err, "failed to read workflows")
	}
	return list, nil
}

func (s *WorkflowStore) ListCreatedSince(ctx context.Context, tenantID string, since time.Time) ([]*model.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT doc FROM workflows WHERE tenant_id = $1 AND created_at >= $2",
		tenantID, since,
	)
	if err != nil {
		return nil, classify(err, "failed to list workflows")
	}
	return collectDocs(rows)
}

// ListUndelivered returns the oldest workflows holding a record that may
// still be retried. Records at maxAttempts are skipped so they cannot crowd
// the batch.
func (s *WorkflowStore) ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*model.Workflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM workflows
		WHERE undelivered > 0 AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(doc->'notifications') n
			WHERE NOT COALESCE((n->>'delivered')::boolean, false)
			  AND NOT COALESCE((n->>'exhausted')::boolean, false)
			  AND ($1::int <= 0 OR COALESCE((n->>'attempts')::int, 0) < $1::int)
		)
		ORDER BY updated_at LIMIT $2`,
		maxAttempts, limitOrAll(limit),
	)
	if err != nil {
		return nil, classify(err, "failed to list undelivered")
	}
	return collectDocs(rows)
}

// DeleteTerminalBefore removes up to limit closed workflows created before
// cutoff. Their audit rows go with them.
func (s *WorkflowStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM workflows WHERE id IN (
			SELECT id FROM workflows
			WHERE status <> 'Pending' AND created_at < $1
			LIMIT $2
		)`,
		cutoff, limitOrAll(limit),
	)
	if err != nil {
		return 0, classify(err, "failed to delete workflows")
	}
	return int(tag.RowsAffected()), nil
}

func (s *WorkflowStore) AuditLog(ctx context.Context, workflowID string) ([]model.AuditEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)", workflowID).Scan(&exists); err != nil {
		return nil, classify(err, "failed to check workflow")
	}
	if !exists {
		return nil, apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, "workflow not found")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT sequence, action, actor_id, at, details, actor FROM workflow_audit
		WHERE workflow_id = $1
		ORDER BY sequence, idx`,
		workflowID,
	)
	if err != nil {
		return nil, classify(err, "failed to read audit log")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		var (
			e       model.AuditEntry
			details []byte
			actor   []byte
		)
		if err := row.Scan(&e.Sequence, &e.Action, &e.ActorID, &e.Timestamp, &details, &actor); err != nil {
			return e, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return e, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		if len(actor) > 0 {
			if err := json.Unmarshal(actor, &e.Actor); err != nil {
				return e, fmt.Errorf("failed to decode audit actor: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		return e, nil
	})
	if err != nil {
		return nil, classify(err, "failed to read audit log")
	}
	return entries, nil
}

var _ store.WorkflowStore = (*WorkflowStore)(nil)
