// Package reference issues the sequential numbers behind case, licence, certificate and
// mailshot references, and renders them for humans.
package reference

import (
	"context"
	"fmt"

	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/metrics"
	"caseline/internal/repo"
)

type Category string

const (
	CategoryCase          Category = "case"
	CategoryLicence       Category = "licence"
	CategoryCertificate   Category = "certificate"
	CategoryMailshot      Category = "mailshot"
	CategoryAccessRequest Category = "access_request"
)

func Categories() []Category {
	return []Category{CategoryCase, CategoryLicence, CategoryCertificate, CategoryMailshot, CategoryAccessRequest}
}

func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Number is a raw per-category counter value.
type Number int64

type Allocator struct {
	Repo    repo.Repo
	Metrics *metrics.Metrics
}

// Allocate increments the category counter inside h's transaction. The number becomes
// visible to others only when that transaction commits, and rolls back with it. The
// allocation metric is counted on commit.
func (a Allocator) Allocate(ctx context.Context, h *lock.Handle, category Category) (Number, error) {
	if !category.Valid() {
		return 0, fmt.Errorf("%w: unknown category %q", domain.ErrAllocationFailure, category)
	}
	v, err := a.Repo.NextSequence(ctx, h.Tx(), string(category))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrAllocationFailure, category, err)
	}
	h.AfterCommit(func() { a.Metrics.IncReference(string(category)) })
	return Number(v), nil
}

// Last returns the most recent number issued for category. It takes no lock.
func (a Allocator) Last(ctx context.Context, category Category) (Number, error) {
	v, err := a.Repo.SequenceValue(ctx, nil, string(category))
	return Number(v), err
}
