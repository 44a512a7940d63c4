// Package audit records security-relevant gateway events (authentication
// outcomes, tool executions with their permission decisions, vault control
// operations, reloads) in a sqlite table. Each row carries an HMAC chained
// to the previous row so that edits to the trail can be detected.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sipeed/picogate/pkg/logger"
	"github.com/sipeed/picogate/pkg/redaction"
)

// EventType is the category of an event.
type EventType string

const (
	EventTypeAuth          EventType = "auth"
	EventTypeToolExecution EventType = "tool_execution"
	EventTypeVault         EventType = "vault"
	EventTypeConfigChange  EventType = "config_change"
)

// Auth actions.
const (
	ActionAuthSuccess = "auth_success"
	ActionAuthFailure = "auth_failure"
	ActionAuthLocked  = "auth_locked"
)

// Event is one audit row.
type Event struct {
	ID       int64
	Time     time.Time
	Type     EventType
	Session  string
	Source   string
	Action   string
	Resource string
	Success  bool
	Detail   string
	Hash     string
}

// Recorder accepts audit events. Implementations must not block the
// caller for long and never fail the caller's operation.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Config selects the audit database.
type Config struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Path    string `json:"path" toml:"path"`
	// Key signs the hash chain. A random key is generated when empty, which
	// makes the chain verifiable only within one process lifetime.
	Key string `json:"-" toml:"-" env:"PICOGATE_AUDIT_KEY"`
}

const schema = `CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	type TEXT NOT NULL,
	session TEXT,
	source TEXT,
	action TEXT NOT NULL,
	resource TEXT,
	success INTEGER NOT NULL,
	detail TEXT,
	hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_type_ts ON events(type, ts);`

// Store is the sqlite-backed Recorder.
type Store struct {
	db  *sql.DB
	key []byte

	mu       sync.Mutex
	lastHash string
}

// Open returns a Recorder for cfg: a Store when enabled, Nop otherwise.
func Open(cfg Config) (Recorder, func() error, error) {
	if !cfg.Enabled {
		return Nop{}, func() error { return nil }, nil
	}
	s, err := OpenStore(cfg.Path, []byte(cfg.Key))
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// OpenStore opens or creates the database at path.
func OpenStore(path string, key []byte) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// modernc sqlite serializes writers; one connection keeps :memory: shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to generate audit key: %w", err)
		}
	}

	s := &Store{db: db, key: key}
	row := db.QueryRow(`SELECT hash FROM events ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&s.lastHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.Close()
		return nil, fmt.Errorf("failed to read audit chain head: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts e. Failures are logged, not returned.
func (s *Store) Record(ctx context.Context, e Event) {
	if err := s.insert(ctx, e); err != nil {
		logger.WarnCF("audit", "Failed to record audit event", map[string]any{
			"type":   string(e.Type),
			"action": e.Action,
			"error":  err.Error(),
		})
	}
}

func (s *Store) insert(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC()
	if e.Type == EventTypeToolExecution && e.Resource == "execute_command" {
		e.Detail = RedactCommand(e.Detail)
	}
	e.Detail = redaction.Redact(e.Detail)

	s.mu.Lock()
	defer s.mu.Unlock()

	e.Hash = s.computeHash(s.lastHash, e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, type, session, source, action, resource, success, detail, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.Format(time.RFC3339Nano), string(e.Type), e.Session, e.Source,
		e.Action, e.Resource, e.Success, e.Detail, e.Hash)
	if err != nil {
		return err
	}
	s.lastHash = e.Hash
	return nil
}

func (s *Store) computeHash(prev string, e Event) string {
	signData := strings.Join([]string{
		prev,
		e.Time.Format(time.RFC3339Nano),
		string(e.Type),
		e.Session,
		e.Source,
		e.Action,
		e.Resource,
		fmt.Sprint(e.Success),
		e.Detail,
	}, "|")
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(signData))
	return hex.EncodeToString(h.Sum(nil))
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	Type    EventType
	Session string
	Since   time.Time
	Limit   int
}

// Query returns matching events, oldest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	q := `SELECT id, ts, type, session, source, action, resource, success, detail, hash FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			ts string
			typ string
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &e.Session, &e.Source, &e.Action, &e.Resource, &e.Success, &e.Detail, &e.Hash); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyChain recomputes every row's hash and reports the first row that
// does not match its predecessor.
func (s *Store) VerifyChain(ctx context.Context) error {
	events, err := s.Query(ctx, Filter{})
	if err != nil {
		return err
	}
	prev := ""
	for _, e := range events {
		if want := s.computeHash(prev, e); want != e.Hash {
			return fmt.Errorf("audit chain broken at event %d", e.ID)
		}
		prev = e.Hash
	}
	return nil
}
