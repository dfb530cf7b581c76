package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chapohq/chapo/internal/store"
)

// DelegationStore implements store.DelegationStore on Postgres.
type DelegationStore struct {
	db *sql.DB
}

func NewDelegationStore(db *sql.DB) *DelegationStore {
	return &DelegationStore{db: db}
}

func (s *DelegationStore) Record(ctx context.Context, rec *store.DelegationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var errText sql.NullString
	if rec.ErrorText != nil {
		errText = sql.NullString{String: *rec.ErrorText, Valid: true}
	}
	var completed sql.NullTime
	if rec.Completed != nil {
		completed = sql.NullTime{Time: *rec.Completed, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegation_history (id, session_id, turn_id, target, domain, objective, status, response, evidence, error, duration_ms, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.SessionID, rec.TurnID, rec.Target, rec.Domain,
		rec.Objective, rec.Status, rec.Response, rec.Evidence,
		errText, rec.DurationMS, rec.CreatedAt, completed,
	)
	return err
}

func (s *DelegationStore) List(ctx context.Context, opts store.DelegationListOpts) ([]store.DelegationRecord, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argN := 0

	nextArg := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if opts.SessionID != "" {
		where += " AND session_id = " + nextArg(opts.SessionID)
	}
	if opts.Target != "" {
		where += " AND target = " + nextArg(opts.Target)
	}
	if opts.Status != "" {
		where += " AND status = " + nextArg(opts.Status)
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM delegation_history " + where
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(
		`SELECT id, session_id, turn_id, target, domain, objective, status,
		 response, evidence, error, duration_ms, created_at, completed_at
		 FROM delegation_history
		 %s
		 ORDER BY created_at DESC
		 LIMIT %s OFFSET %s`,
		where, nextArg(limit), nextArg(offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []store.DelegationRecord
	for rows.Next() {
		var rec store.DelegationRecord
		var evidence, errText sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.TurnID, &rec.Target, &rec.Domain,
			&rec.Objective, &rec.Status, &rec.Response, &evidence, &errText,
			&rec.DurationMS, &rec.CreatedAt, &completed,
		); err != nil {
			return nil, 0, err
		}
		rec.Evidence = evidence.String
		if errText.Valid {
			rec.ErrorText = &errText.String
		}
		if completed.Valid {
			t := completed.Time
			rec.Completed = &t
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}
