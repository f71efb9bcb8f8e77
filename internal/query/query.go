// Package query is the read/delete surface over captured mail used by the
// inbox UI.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/store"
)

// ErrNotFound is returned by Get and Delete for an unknown id.
var ErrNotFound = errors.New("email not found")

// Filter narrows List results. The zero value matches everything.
type Filter struct {
	// To keeps records with at least one recipient containing this
	// substring, compared case-insensitively.
	To string
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec email.Email) bool {
	if f.To == "" {
		return true
	}
	needle := strings.ToLower(f.To)
	for _, addr := range rec.To {
		if strings.Contains(strings.ToLower(addr), needle) {
			return true
		}
	}
	return false
}

// Service answers queries against a store.
type Service struct {
	store store.Store
}

// New creates a Service backed by s.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// List returns matching records, newest first.
func (q *Service) List(ctx context.Context, f Filter) ([]email.Email, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing emails: %w", err)
	}
	if f.To == "" {
		return all, nil
	}

	out := make([]email.Email, 0, len(all))
	for _, rec := range all {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get returns the record with the given id.
func (q *Service) Get(ctx context.Context, id string) (email.Email, error) {
	rec, err := q.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return email.Email{}, ErrNotFound
	}
	if err != nil {
		return email.Email{}, fmt.Errorf("getting email %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes the record with the given id.
func (q *Service) Delete(ctx context.Context, id string) error {
	ok, err := q.store.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting email %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteAll removes every record.
func (q *Service) DeleteAll(ctx context.Context) error {
	if err := q.store.Clear(ctx); err != nil {
		return fmt.Errorf("deleting all emails: %w", err)
	}
	return nil
}
