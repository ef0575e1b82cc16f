// Package store persists team runtime state: templates, deployments, agents,
// workflow state, run logs and messages. SQL is written to run on both the
// SQLite and Postgres pools.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/db"
)

var (
	// ErrNotFound is returned when a requested row does not exist or is not
	// visible in the caller's workspace.
	ErrNotFound = errors.New("not found")

	// ErrOptimisticLock is returned when a workflow state write raced a
	// concurrent writer. Callers reload and retry.
	ErrOptimisticLock = errors.New("workflow state was modified concurrently")

	// ErrSystemTemplate is returned on attempts to mutate a system template.
	ErrSystemTemplate = errors.New("system templates are read-only")
)

const (
	// DefaultRunLogCap bounds retained run logs per deployment.
	DefaultRunLogCap = 200
	// DefaultMessageCap bounds retained messages per deployment.
	DefaultMessageCap = 500
)

// Store provides SQL-backed team storage.
type Store struct {
	db         *sqlx.DB // writer
	ro         *sqlx.DB // reader
	log        *logger.Logger
	runLogCap  int
	messageCap int
}

// Options tune retention bounds. Zero values fall back to the defaults.
type Options struct {
	RunLogCap  int
	MessageCap int
}

// New creates a store on the shared pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger, opts Options) (*Store, error) {
	s := &Store{
		db:         pool.Writer(),
		ro:         pool.Reader(),
		log:        log,
		runLogCap:  opts.RunLogCap,
		messageCap: opts.MessageCap,
	}
	if s.runLogCap <= 0 {
		s.runLogCap = DefaultRunLogCap
	}
	if s.messageCap <= 0 {
		s.messageCap = DefaultMessageCap
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize team schema: %w", err)
	}
	return s, nil
}

// rebind adapts ?-style placeholders to the writer's driver.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) rebindRO(query string) string {
	return s.ro.Rebind(query)
}

// marshalJSON serializes a value for a JSON column; nil becomes SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// unmarshalJSON deserializes a nullable JSON column into dst. NULL and empty
// strings leave dst untouched.
func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
