package trace

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxSessions bounds how many sessions are retained; older ones are pruned
// on insert.
const maxSessions = 500

var ErrNotFound = errors.New("trace: not found")

// Store persists call traces to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the trace database at connStr and applies pending
// migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session in the CONNECTING state and prunes the
// oldest sessions beyond the retention limit.
func (s *Store) CreateSession(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, started_at) VALUES ($1, 'CONNECTING', $2)`,
		id, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	return nil
}

// SetStream records the telephony identifiers once the stream has started.
func (s *Store) SetStream(ctx context.Context, id, streamSID, callSID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stream_sid = $1, call_sid = $2, state = 'ACTIVE' WHERE id = $3`,
		streamSID, callSID, id,
	)
	return err
}

// EndSession stores the final state and end time.
func (s *Store) EndSession(ctx context.Context, id, state string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = $1, ended_at = $2 WHERE id = $3`,
		state, endedAt.UTC(), id,
	)
	return err
}

func (s *Store) CreateTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, response_id, started_at, status) VALUES ($1, $2, $3, $4, 'in_progress')`,
		t.ID, t.SessionID, t.ResponseID, t.StartedAt.UTC(),
	)
	return err
}

func (s *Store) EndTurn(ctx context.Context, id string, durationMs float64, status string, audioChunks int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET duration_ms = $1, status = $2, audio_chunks = $3 WHERE id = $4`,
		durationMs, status, audioChunks, id,
	)
	return err
}

func (s *Store) CreateToolCall(ctx context.Context, c ToolCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, session_id, call_id, name, query, answer, status, error_msg, started_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.SessionID, c.CallID, c.Name, c.Query, c.Answer, c.Status, c.Error, c.StartedAt.UTC(), c.DurationMs,
	)
	return err
}

// ListSessions returns sessions newest first together with the total count.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.stream_sid, s.call_sid, s.state, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id) AS turn_count,
		       (SELECT COUNT(*) FROM tool_calls c WHERE c.session_id = s.id) AS tool_count
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err = rows.Scan(&sess.ID, &sess.StreamSID, &sess.CallSID, &sess.State, &sess.StartedAt, &endedAt, &sess.TurnCount, &sess.ToolCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns one session with its turns and tool calls in order.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Turn, []ToolCall, error) {
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, stream_sid, call_sid, state, started_at, ended_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.StreamSID, &sess.CallSID, &sess.State, &sess.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	turns, err := s.turns(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	calls, err := s.toolCalls(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	sess.TurnCount = len(turns)
	sess.ToolCount = len(calls)
	return &sess, turns, calls, nil
}

func (s *Store) turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, response_id, started_at, duration_ms, status, audio_chunks
		 FROM turns WHERE session_id = $1 ORDER BY started_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		if err = rows.Scan(&t.ID, &t.SessionID, &t.ResponseID, &t.StartedAt, &t.DurationMs, &t.Status, &t.AudioChunks); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) toolCalls(ctx context.Context, sessionID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, call_id, name, query, answer, status, error_msg, started_at, duration_ms
		 FROM tool_calls WHERE session_id = $1 ORDER BY started_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := []ToolCall{}
	for rows.Next() {
		var c ToolCall
		if err = rows.Scan(&c.ID, &c.SessionID, &c.CallID, &c.Name, &c.Query, &c.Answer, &c.Status, &c.Error, &c.StartedAt, &c.DurationMs); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
