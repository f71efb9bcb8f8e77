// Package store holds captured mail in memory for the lifetime of the process.
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailsandbox/internal/email"
)

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("email not found")
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("store closed")
)

// Store is the set of operations every producer and consumer of captured
// mail depends on.
type Store interface {
	// Create assigns an id and a creation timestamp, appends the record and
	// returns the finalized copy.
	Create(ctx context.Context, e email.Email) (email.Email, error)
	// List returns every record, newest first.
	List(ctx context.Context) ([]email.Email, error)
	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (email.Email, error)
	// Remove deletes the record with the given id and reports whether it existed.
	Remove(ctx context.Context, id string) (bool, error)
	// Clear deletes every record.
	Clear(ctx context.Context) error
	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
}

// Options customizes a Memory store.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// NewID returns a fresh record id. Defaults to a random UUID.
	NewID func() string
}

// Memory is a Store whose collection is owned by a single goroutine.
// Every operation is shipped to that goroutine and runs to completion
// there, so the collection needs no lock.
type Memory struct {
	now   func() time.Time
	newID func() string

	reqs chan func(*collection)
	done chan struct{}
	once sync.Once
}

type collection struct {
	emails []email.Email
}

// New starts a Memory store. Call Close to stop its owner goroutine.
func New(opts Options) *Memory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	m := &Memory{
		now:   opts.Now,
		newID: opts.NewID,
		reqs:  make(chan func(*collection)),
		done:  make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Memory) loop() {
	c := &collection{}
	for {
		select {
		case fn := <-m.reqs:
			fn(c)
		case <-m.done:
			return
		}
	}
}

// Close stops the owner goroutine. Later operations fail with ErrClosed.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}

// do hands fn to the owner goroutine and waits for it to finish.
func (m *Memory) do(ctx context.Context, fn func(*collection)) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	finished := make(chan struct{})
	req := func(c *collection) {
		defer close(finished)
		fn(c)
	}

	select {
	case m.reqs <- req:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once accepted, the request always runs to completion.
	<-finished
	return nil
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, e email.Email) (email.Email, error) {
	rec := e.Clone()
	var out email.Email
	err := m.do(ctx, func(c *collection) {
		rec.ID = m.newID()
		rec.CreatedAt = m.now().UnixMilli()
		c.emails = append(c.emails, rec)
		out = rec.Clone()
	})
	if err != nil {
		return email.Email{}, err
	}
	return out, nil
}

// List implements Store. Records sharing a timestamp keep insertion order.
func (m *Memory) List(ctx context.Context) ([]email.Email, error) {
	var out []email.Email
	err := m.do(ctx, func(c *collection) {
		out = make([]email.Email, 0, len(c.emails))
		for _, e := range c.emails {
			out = append(out, e.Clone())
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b email.Email) int {
		return cmp.Compare(b.CreatedAt, a.CreatedAt)
	})
	return out, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, id string) (email.Email, error) {
	var (
		out   email.Email
		found bool
	)
	err := m.do(ctx, func(c *collection) {
		if i := c.index(id); i >= 0 {
			out = c.emails[i].Clone()
			found = true
		}
	})
	if err != nil {
		return email.Email{}, err
	}
	if !found {
		return email.Email{}, ErrNotFound
	}
	return out, nil
}

// Remove implements Store.
func (m *Memory) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := m.do(ctx, func(c *collection) {
		if i := c.index(id); i >= 0 {
			c.emails = slices.Delete(c.emails, i, i+1)
			removed = true
		}
	})
	return removed, err
}

// Clear implements Store.
func (m *Memory) Clear(ctx context.Context) error {
	return m.do(ctx, func(c *collection) {
		c.emails = nil
	})
}

// Len implements Store.
func (m *Memory) Len(ctx context.Context) (int, error) {
	var n int
	err := m.do(ctx, func(c *collection) {
		n = len(c.emails)
	})
	return n, err
}

func (c *collection) index(id string) int {
	return slices.IndexFunc(c.emails, func(e email.Email) bool {
		return e.ID == id
	})
}
