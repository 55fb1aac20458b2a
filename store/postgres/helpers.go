package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// marshalDraft serializes a draft for a JSONB column; nil maps to SQL NULL.
func marshalDraft(d *workitem.Draft) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("execution/postgres: marshal draft: %w", err)
	}
	return data, nil
}

// unmarshalDraft deserializes a JSONB column; SQL NULL maps to nil.
func unmarshalDraft(data []byte) (*workitem.Draft, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d workitem.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("execution/postgres: unmarshal draft: %w", err)
	}
	return &d, nil
}
