package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/store"

	"github.com/oklog/ulid/v2"
)

// FrameRepository implements store.Repository with SQLite. The mutex is the
// per-process append serialization point; seq gives the total order.
type FrameRepository struct {
	db      *sql.DB
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func NewFrameRepository(db *sql.DB) *FrameRepository {
	return &FrameRepository{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

var _ store.Repository = (*FrameRepository)(nil)

func (r *FrameRepository) Append(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	if err := f.Validate(); err != nil {
		return frame.Frame{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("begin append", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", f.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return frame.Frame{}, heroErrors.Storage("append frame", heroErrors.NotFound(fmt.Sprintf("session %s", f.SessionID)))
	}
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("lookup session", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(ts) FROM frames WHERE session_id = ?", f.SessionID).Scan(&last); err != nil {
		return frame.Frame{}, heroErrors.Storage("read last timestamp", err)
	}

	ts := r.now().UTC()
	if last.Valid && ts.UnixNano() < last.Int64 {
		ts = time.Unix(0, last.Int64).UTC()
	}

	id, err := ulid.New(ulid.Timestamp(ts), r.entropy)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("generate frame id", err)
	}
	f.ID = id.String()
	f.Timestamp = ts

	targets, err := json.Marshal(nonNil(f.TargetIDs))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("marshal targets: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO frames (id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, f.ParentID, string(targets), ts.UnixNano(), string(f.Type), string(f.AuthorType), f.AuthorID, nullablePayload(f.Payload),
	)
	if err != nil {
		return frame.Frame{}, heroErrors.Storage("insert frame", err)
	}
	if err := tx.Commit(); err != nil {
		return frame.Frame{}, heroErrors.Storage("commit frame", err)
	}
	return f, nil
}

func (r *FrameRepository) List(ctx context.Context, sessionID string, filter frame.Filter) ([]frame.Frame, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	where := []string{"session_id = ?"}
	args := []any{sessionID}

	if filter.FromLatestCompact {
		where = append(where, "seq >= COALESCE((SELECT MAX(seq) FROM frames WHERE session_id = ? AND type = ?), 0)")
		args = append(args, sessionID, string(frame.TypeCompact))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.AuthorType != "" {
		where = append(where, "author_type = ?")
		args = append(args, string(filter.AuthorType))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := "SELECT seq, id, session_id, parent_id, target_ids, ts, type, author_type, author_id, payload FROM frames WHERE " +
		strings.Join(where, " AND ") + " ORDER BY seq"
	if filter.Limit > 0 {
		query = "SELECT * FROM (" + strings.Replace(query, "ORDER BY seq", "ORDER BY seq DESC LIMIT ?", 1) + ") ORDER BY seq"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, heroErrors.Storage("list frames", err)
	}
	defer rows.Close()

	frames := make([]frame.Frame, 0)
	for rows.Next() {
		var (
			seq     int64
			f       frame.Frame
			targets string
			ts      int64
			ftype   string
			author  string
			payload sql.NullString
		)
		if err := rows.Scan(&seq, &f.ID, &f.SessionID, &f.ParentID, &targets, &ts, &ftype, &author, &f.AuthorID, &payload); err != nil {
			return nil, heroErrors.Storage("scan frame", err)
		}
		if err := json.Unmarshal([]byte(targets), &f.TargetIDs); err != nil {
			return nil, heroErrors.Storage("decode targets", err)
		}
		if len(f.TargetIDs) == 0 {
			f.TargetIDs = nil
		}
		f.Timestamp = time.Unix(0, ts).UTC()
		f.Type = frame.Type(ftype)
		f.AuthorType = frame.AuthorType(author)
		if payload.Valid {
			f.Payload = json.RawMessage(payload.String)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, heroErrors.Storage("iterate frames", err)
	}
	return frames, nil
}

func (r *FrameRepository) SaveSession(ctx context.Context, s store.SessionMeta) error {
	participants, err := json.Marshal(nonNilParticipants(s.Participants))
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, status, owner_id, participants, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			owner_id = excluded.owner_id,
			participants = excluded.participants,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		s.ID, s.Title, string(s.Status), s.OwnerID, string(participants), string(metadata), s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return heroErrors.Storage("save session", err)
	}
	return nil
}

func (r *FrameRepository) GetSession(ctx context.Context, id string) (store.SessionMeta, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, title, status, owner_id, participants, metadata, created_at, updated_at FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return store.SessionMeta{}, heroErrors.NotFound(fmt.Sprintf("session %s", id))
	}
	if err != nil {
		return store.SessionMeta{}, heroErrors.Storage("get session", err)
	}
	return s, nil
}

func (r *FrameRepository) ListSessions(ctx context.Context) ([]store.SessionMeta, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, title, status, owner_id, participants, metadata, created_at, updated_at FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, heroErrors.Storage("list sessions", err)
	}
	defer rows.Close()

	out := make([]store.SessionMeta, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, heroErrors.Storage("scan session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *FrameRepository) SaveAgent(ctx context.Context, a store.AgentMeta) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, owner_id, sealed_credential, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id, sealed_credential = excluded.sealed_credential`,
		a.ID, a.Name, a.OwnerID, a.SealedCredential, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return heroErrors.Storage("save agent", err)
	}
	return nil
}

func (r *FrameRepository) GetAgent(ctx context.Context, id string) (store.AgentMeta, error) {
	var (
		a       store.AgentMeta
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, sealed_credential, created_at FROM agents WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &a.OwnerID, &a.SealedCredential, &created)
	if err == sql.ErrNoRows {
		return store.AgentMeta{}, heroErrors.NotFound(fmt.Sprintf("agent %s", id))
	}
	if err != nil {
		return store.AgentMeta{}, heroErrors.Storage("get agent", err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (r *FrameRepository) ListAgents(ctx context.Context) ([]store.AgentMeta, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, name, owner_id, sealed_credential, created_at FROM agents ORDER BY id")
	if err != nil {
		return nil, heroErrors.Storage("list agents", err)
	}
	defer rows.Close()

	out := make([]store.AgentMeta, 0)
	for rows.Next() {
		var (
			a       store.AgentMeta
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.OwnerID, &a.SealedCredential, &created); err != nil {
			return nil, heroErrors.Storage("scan agent", err)
		}
		a.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (store.SessionMeta, error) {
	var (
		s            store.SessionMeta
		status       string
		participants string
		metadata     string
		created      int64
		updated      int64
	)
	if err := row.Scan(&s.ID, &s.Title, &status, &s.OwnerID, &participants, &metadata, &created, &updated); err != nil {
		return store.SessionMeta{}, err
	}
	s.Status = store.SessionStatus(status)
	if err := json.Unmarshal([]byte(participants), &s.Participants); err != nil {
		return store.SessionMeta{}, fmt.Errorf("decode participants: %w", err)
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return store.SessionMeta{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	s.UpdatedAt = time.Unix(0, updated).UTC()
	return s, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilParticipants(p []store.Participant) []store.Participant {
	if p == nil {
		return []store.Participant{}
	}
	return p
}

func nullablePayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
