package repo

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// NextSequence increments and returns the counter for category in one statement. The row
// lock it takes is held by x until commit, so concurrent callers serialize on it.
func (r Repo) NextSequence(ctx context.Context, x sqlx.ExtContext, category string) (int64, error) {
	var v int64
	err := get(ctx, x, &v, `INSERT INTO reference_sequences(category,value) VALUES (?,1)
ON CONFLICT(category) DO UPDATE SET value=reference_sequences.value+1 RETURNING value`, category)
	return v, err
}

// SequenceValue returns the last value handed out for category, 0 if none.
func (r Repo) SequenceValue(ctx context.Context, x sqlx.ExtContext, category string) (int64, error) {
	var v int64
	err := get(ctx, r.ext(x), &v, `SELECT value FROM reference_sequences WHERE category=?`, category)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return v, err
}
