package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tinyland-inc/drumline/pkg/pipeline"
	"github.com/tinyland-inc/drumline/pkg/preference"
)

// ErrNotFound is returned for missing runs; fact lookups return
// preference.ErrNotFound so the state machine can match on it.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	group_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	degraded     INTEGER NOT NULL DEFAULT 0,
	response     TEXT NOT NULL DEFAULT '',
	steps_json   TEXT NOT NULL,
	data_json    TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_events (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL,
	step    TEXT NOT NULL,
	status  TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON run_events(run_id, seq);

CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	language   TEXT NOT NULL DEFAULT '',
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS impressions (
	user_id            TEXT PRIMARY KEY,
	interaction_count  INTEGER NOT NULL DEFAULT 0,
	relationship       TEXT NOT NULL DEFAULT 'new',
	learned_facts_json TEXT NOT NULL DEFAULT '[]',
	last_interaction   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	group_id   TEXT NOT NULL,
	message    TEXT NOT NULL,
	response   TEXT NOT NULL,
	degraded   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_conversations_age ON conversations(created_at);

CREATE TABLE IF NOT EXISTS preference_facts (
	user_id     TEXT NOT NULL,
	fact_key    TEXT NOT NULL,
	fact_value  TEXT NOT NULL,
	state       TEXT NOT NULL,
	proposed_at INTEGER NOT NULL,
	resolved_at INTEGER,
	PRIMARY KEY (user_id, fact_key)
);

CREATE TABLE IF NOT EXISTS preference_transitions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	fact_key   TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	value      TEXT NOT NULL,
	signal     TEXT NOT NULL DEFAULT '',
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_fact ON preference_transitions(user_id, fact_key, at);
`

// SQLite is the durable Store backend.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- pipeline.Journal ---

func (s *SQLite) SaveRun(ctx context.Context, run *pipeline.Run) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return err
	}
	data, err := json.Marshal(run.Data)
	if err != nil {
		return err
	}
	var completed any
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, user_id, group_id, status, degraded, response, steps_json, data_json, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			degraded = excluded.degraded,
			response = excluded.response,
			steps_json = excluded.steps_json,
			data_json = excluded.data_json,
			completed_at = excluded.completed_at`,
		run.ID, run.UserID, run.GroupID, string(run.Status), boolInt(run.Degraded),
		run.Response, string(steps), string(data), run.CreatedAt.UnixMilli(), completed)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLite) AppendEvent(ctx context.Context, ev pipeline.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, step, status, attempt, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Step, string(ev.Status), ev.Attempt, ev.Detail, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("appending event for %s: %w", ev.RunID, err)
	}
	return nil
}

func (s *SQLite) OpenRuns(ctx context.Context) ([]*pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, user_id, group_id, status, degraded, response, steps_json, data_json, created_at, completed_at
		FROM runs
		WHERE status IN (?, ?)
		ORDER BY created_at ASC`,
		string(pipeline.RunPending), string(pipeline.RunRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// --- Reader ---

func (s *SQLite) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, user_id, group_id, status, degraded, response, steps_json, data_json, created_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

func (s *SQLite) ListRunsByUser(ctx context.Context, userID string, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, user_id, group_id, status, degraded, response, steps_json, data_json, created_at, completed_at
		FROM runs WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*pipeline.Run, error) {
	var out []*pipeline.Run
	for rows.Next() {
		var (
			run       pipeline.Run
			status    string
			degraded  int
			steps     string
			data      string
			created   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.UserID, &run.GroupID, &status, &degraded,
			&run.Response, &steps, &data, &created, &completed); err != nil {
			return nil, err
		}
		run.Status = pipeline.RunStatus(status)
		run.Degraded = degraded != 0
		if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps for %s: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(data), &run.Data); err != nil {
			return nil, fmt.Errorf("decoding data for %s: %w", run.ID, err)
		}
		run.CreatedAt = time.UnixMilli(created).UTC()
		if completed.Valid {
			run.CompletedAt = time.UnixMilli(completed.Int64).UTC()
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// --- preference.Store ---

func (s *SQLite) GetFact(ctx context.Context, userID, key string) (*preference.Fact, error) {
	var (
		fact     preference.Fact
		state    string
		proposed int64
		resolved sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, fact_key, fact_value, state, proposed_at, resolved_at
		FROM preference_facts WHERE user_id = ? AND fact_key = ?`,
		userID, key).Scan(&fact.UserID, &fact.Key, &fact.Value, &state, &proposed, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, preference.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fact.State = preference.State(state)
	fact.ProposedAt = time.UnixMilli(proposed).UTC()
	if resolved.Valid {
		fact.ResolvedAt = time.UnixMilli(resolved.Int64).UTC()
	}
	return &fact, nil
}

func (s *SQLite) PutFact(ctx context.Context, fact *preference.Fact) error {
	var resolved any
	if !fact.ResolvedAt.IsZero() {
		resolved = fact.ResolvedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preference_facts (user_id, fact_key, fact_value, state, proposed_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, fact_key) DO UPDATE SET
			fact_value = excluded.fact_value,
			state = excluded.state,
			proposed_at = excluded.proposed_at,
			resolved_at = excluded.resolved_at`,
		fact.UserID, fact.Key, fact.Value, string(fact.State),
		fact.ProposedAt.UnixMilli(), resolved)
	if err != nil {
		return fmt.Errorf("writing fact %s/%s: %w", fact.UserID, fact.Key, err)
	}
	return nil
}

func (s *SQLite) ListFactsByState(ctx context.Context, userID string, state preference.State) ([]preference.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, fact_key, fact_value, state, proposed_at, resolved_at
		FROM preference_facts WHERE user_id = ? AND state = ?
		ORDER BY proposed_at ASC`, userID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *SQLite) ListFacts(ctx context.Context, userID string) ([]preference.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, fact_key, fact_value, state, proposed_at, resolved_at
		FROM preference_facts WHERE user_id = ?
		ORDER BY proposed_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]preference.Fact, error) {
	var out []preference.Fact
	for rows.Next() {
		var (
			fact     preference.Fact
			state    string
			proposed int64
			resolved sql.NullInt64
		)
		if err := rows.Scan(&fact.UserID, &fact.Key, &fact.Value, &state, &proposed, &resolved); err != nil {
			return nil, err
		}
		fact.State = preference.State(state)
		fact.ProposedAt = time.UnixMilli(proposed).UTC()
		if resolved.Valid {
			fact.ResolvedAt = time.UnixMilli(resolved.Int64).UTC()
		}
		out = append(out, fact)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendTransition(ctx context.Context, tr preference.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preference_transitions (id, user_id, fact_key, from_state, to_state, value, signal, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, tr.Key, string(tr.From), string(tr.To), tr.Value, tr.Signal, tr.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("appending transition for %s/%s: %w", tr.UserID, tr.Key, err)
	}
	return nil
}

// --- ContextStore ---

func (s *SQLite) GetUser(ctx context.Context, userID string) (*User, error) {
	var (
		u     User
		first int64
		last  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, language, first_seen, last_seen FROM users WHERE user_id = ?`,
		userID).Scan(&u.UserID, &u.Language, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.FirstSeen = time.UnixMilli(first).UTC()
	u.LastSeen = time.UnixMilli(last).UTC()
	return &u, nil
}

func (s *SQLite) PutUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, language, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			language = excluded.language,
			last_seen = excluded.last_seen`,
		u.UserID, u.Language, u.FirstSeen.UnixMilli(), u.LastSeen.UnixMilli())
	return err
}

func (s *SQLite) GetImpression(ctx context.Context, userID string) (*Impression, error) {
	var (
		im    Impression
		facts string
		last  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, interaction_count, relationship, learned_facts_json, last_interaction
		FROM impressions WHERE user_id = ?`,
		userID).Scan(&im.UserID, &im.InteractionCount, &im.Relationship, &facts, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(facts), &im.LearnedFacts); err != nil {
		return nil, fmt.Errorf("decoding learned facts for %s: %w", userID, err)
	}
	im.LastInteraction = time.UnixMilli(last).UTC()
	return &im, nil
}

func (s *SQLite) PutImpression(ctx context.Context, im *Impression) error {
	facts, err := json.Marshal(im.LearnedFacts)
	if err != nil {
		return err
	}
	if im.LearnedFacts == nil {
		facts = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO impressions (user_id, interaction_count, relationship, learned_facts_json, last_interaction)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			interaction_count = excluded.interaction_count,
			relationship = excluded.relationship,
			learned_facts_json = excluded.learned_facts_json,
			last_interaction = excluded.last_interaction`,
		im.UserID, im.InteractionCount, im.Relationship, string(facts), im.LastInteraction.UnixMilli())
	return err
}

func (s *SQLite) RecentConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, group_id, message, response, degraded, created_at
		FROM conversations WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c        Conversation
			degraded int
			created  int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.GroupID, &c.Message, &c.Response, &degraded, &created); err != nil {
			return nil, err
		}
		c.Degraded = degraded != 0
		c.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveConversation(ctx context.Context, c *Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, group_id, message, response, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.UserID, c.GroupID, c.Message, c.Response, boolInt(c.Degraded), c.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

func (s *SQLite) PurgeConversations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
