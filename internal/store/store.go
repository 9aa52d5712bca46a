// Package store keeps the LLD rule state seen by workers in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// RuleState is the supported state of a discovery rule.
type RuleState int

const (
	StateNormal RuleState = iota
	StateNotSupported
)

func (s RuleState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrRuleNotFound = errors.New("discovery rule not found")

// Rule is a configured discovery rule and its last processing outcome.
type Rule struct {
	ID   uint64
	Host string
	Key  string

	State       RuleState
	Error       string
	LastLogSize uint64
	Mtime       int32
	Discovered  int
	UpdatedAt   time.Time
}

// DiffFlags selects the fields a Diff updates.
type DiffFlags uint8

const (
	DiffState DiffFlags = 1 << iota
	DiffError
	DiffLastLogSize
	DiffMtime
	DiffDiscovered

	DiffUnset DiffFlags = 0
)

// Diff is a partial update of a rule.
type Diff struct {
	RuleID uint64
	Flags  DiffFlags

	State       RuleState
	Error       string
	LastLogSize uint64
	Mtime       int32
	Discovered  int
}

// Store wraps the SQLite connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS lld_rule_state (
	rule_id INTEGER PRIMARY KEY,
	host TEXT NOT NULL,
	key_ TEXT NOT NULL,
	state INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	lastlogsize INTEGER NOT NULL DEFAULT 0,
	mtime INTEGER NOT NULL DEFAULT 0,
	discovered INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_lld_rule_state_state ON lld_rule_state(state);
`

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; workers in other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRule creates or reconfigures a rule. The processing state of an
// existing rule is kept.
func (s *Store) PutRule(ctx context.Context, id uint64, host, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lld_rule_state (rule_id, host, key_, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET host = excluded.host, key_ = excluded.key_
	`, int64(id), host, key, s.timestamp())
	if err != nil {
		return fmt.Errorf("put rule %d: %w", id, err)
	}
	return nil
}

// Rule returns the rule with the given id or ErrRuleNotFound.
func (s *Store) Rule(ctx context.Context, id uint64) (*Rule, error) {
	var (
		r         Rule
		ruleID    int64
		lastlog   int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, host, key_, state, error, lastlogsize, mtime, discovered, updated_at
		FROM lld_rule_state
		WHERE rule_id = ?
	`, int64(id)).Scan(&ruleID, &r.Host, &r.Key, &r.State, &r.Error, &lastlog, &r.Mtime, &r.Discovered, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %d: %w", id, err)
	}

	r.ID = uint64(ruleID)
	r.LastLogSize = uint64(lastlog)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

// Rules returns all rules ordered by id.
func (s *Store) Rules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, host, key_, state, error, lastlogsize, mtime, discovered, updated_at
		FROM lld_rule_state
		ORDER BY rule_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			r         Rule
			ruleID    int64
			lastlog   int64
			updatedAt string
		)
		if err := rows.Scan(&ruleID, &r.Host, &r.Key, &r.State, &r.Error, &lastlog, &r.Mtime, &r.Discovered, &updatedAt); err != nil {
			return nil, err
		}
		r.ID = uint64(ruleID)
		r.LastLogSize = uint64(lastlog)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Apply writes the fields selected by d.Flags. A diff without flags is a
// no-op.
func (s *Store) Apply(ctx context.Context, d Diff) error {
	if d.Flags == DiffUnset {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if d.Flags&DiffState != 0 {
		sets = append(sets, "state = ?")
		args = append(args, int(d.State))
	}
	if d.Flags&DiffError != 0 {
		sets = append(sets, "error = ?")
		args = append(args, d.Error)
	}
	if d.Flags&DiffLastLogSize != 0 {
		sets = append(sets, "lastlogsize = ?")
		args = append(args, int64(d.LastLogSize))
	}
	if d.Flags&DiffMtime != 0 {
		sets = append(sets, "mtime = ?")
		args = append(args, d.Mtime)
	}
	if d.Flags&DiffDiscovered != 0 {
		sets = append(sets, "discovered = ?")
		args = append(args, d.Discovered)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.timestamp(), int64(d.RuleID))

	res, err := s.db.ExecContext(ctx,
		"UPDATE lld_rule_state SET "+strings.Join(sets, ", ")+" WHERE rule_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", d.RuleID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, d.RuleID)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
