package storage

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// maxPageSize caps ListMessages page sizes
	maxPageSize = 1000

	// maxSearchLimit caps the number of SearchByTag results
	maxSearchLimit = 100
)

// Option is a functional option for configuring a DynamoDBRepository
type Option func(*Options)

// Options holds the tunables of a DynamoDBRepository
type Options struct {
	logger            *slog.Logger
	clock             func() time.Time
	tiebreaker        func() string
	conflictRetries   int
	defaultPageSize   int
	searchLimit       int
	deleteConcurrency int
}

func newOptions() *Options {
	return &Options{
		logger:            slog.Default(),
		clock:             time.Now,
		tiebreaker:        newTiebreaker,
		conflictRetries:   3,
		defaultPageSize:   100,
		searchLimit:       50,
		deleteConcurrency: 4,
	}
}

func (o *Options) validate() error {
	if o.logger == nil {
		return errors.New("logger cannot be nil")
	}
	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}
	if o.tiebreaker == nil {
		return errors.New("tiebreaker cannot be nil")
	}
	if o.conflictRetries < 0 {
		return errors.New("conflict retries cannot be negative")
	}
	if o.defaultPageSize <= 0 || o.defaultPageSize > maxPageSize {
		return errors.New("default page size must be between 1 and 1000")
	}
	if o.searchLimit <= 0 || o.searchLimit > maxSearchLimit {
		return errors.New("search limit must be between 1 and 100")
	}
	if o.deleteConcurrency <= 0 {
		return errors.New("delete concurrency must be greater than zero")
	}
	return nil
}

// newTiebreaker returns a UUIDv7, which sorts by creation time within a process.
func newTiebreaker() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for CreatedAt, UpdatedAt and DeletingAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}

// WithTiebreaker sets the generator for the unique suffix of message sort keys.
func WithTiebreaker(fn func() string) Option {
	return func(o *Options) {
		o.tiebreaker = fn
	}
}

// WithConflictRetries sets how many times a read-modify-write is retried after
// a version conflict when the caller did not pin an expected version.
func WithConflictRetries(n int) Option {
	return func(o *Options) {
		o.conflictRetries = n
	}
}

// WithDefaultPageSize sets the ListMessages page size used when none is given.
func WithDefaultPageSize(n int) Option {
	return func(o *Options) {
		o.defaultPageSize = n
	}
}

// WithSearchLimit sets the SearchByTag limit used when none is given.
func WithSearchLimit(n int) Option {
	return func(o *Options) {
		o.searchLimit = n
	}
}

// WithDeleteConcurrency sets how many BatchWriteItem calls a delete sweep
// may have in flight.
func WithDeleteConcurrency(n int) Option {
	return func(o *Options) {
		o.deleteConcurrency = n
	}
}
