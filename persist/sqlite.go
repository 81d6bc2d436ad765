// ABOUTME: SQLite-backed Persistence Adapter for transcripts and canvas objects.
// ABOUTME: Messages upsert on (project, client ID) and receive ULID server IDs; objects upsert on their own ID.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/adcanvas/canvas"
	"github.com/2389-research/adcanvas/chat"
	"github.com/2389-research/adcanvas/ids"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is an Adapter backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create parent dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			role TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			image_urls TEXT NOT NULL DEFAULT '[]',
			job_id TEXT NOT NULL DEFAULT '',
			bubble_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE (project_id, client_id)
		);

		CREATE TABLE IF NOT EXISTS canvas_objects (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			width REAL NOT NULL,
			height REAL NOT NULL,
			src TEXT NOT NULL,
			placeholder INTEGER NOT NULL DEFAULT 0,
			job_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_project ON messages (project_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_objects_project ON canvas_objects (project_id, created_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveMessage implements Adapter.
func (s *SQLite) SaveMessage(ctx context.Context, projectID string, msg chat.Message) (chat.Message, error) {
	if !msg.Persistable() {
		return chat.Message{}, ErrNotPersistable
	}
	serverID := msg.ID
	if msg.IsLocal() || serverID == "" {
		serverID = ids.New()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	urls, err := json.Marshal(nonNil(msg.ImageURLs))
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal image urls: %w", err)
	}

	var storedID string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, project_id, client_id, role, type, content, image_urls, job_id, bubble_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, client_id) DO UPDATE SET
			content = excluded.content,
			image_urls = excluded.image_urls
		 RETURNING id`,
		serverID, projectID, msg.ID, string(msg.Role), string(msg.Type), msg.Content,
		string(urls), msg.JobID, msg.BubbleID, ts.UTC().Format(timeLayout),
	).Scan(&storedID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("upsert message: %w", err)
	}

	saved := msg
	saved.ID = storedID
	saved.Timestamp = ts
	return saved, nil
}

// LoadMessages implements Adapter.
func (s *SQLite) LoadMessages(ctx context.Context, projectID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, type, content, image_urls, job_id, bubble_id, created_at
		 FROM messages WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var (
			m             chat.Message
			role, typ     string
			urls, created string
		)
		if err := rows.Scan(&m.ID, &role, &typ, &m.Content, &urls, &m.JobID, &m.BubbleID, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = chat.Role(role)
		m.Type = chat.Type(typ)
		if err := json.Unmarshal([]byte(urls), &m.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image urls for %s: %w", m.ID, err)
		}
		if len(m.ImageURLs) == 0 {
			m.ImageURLs = nil
		}
		if m.Timestamp, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveCanvasObject implements Adapter.
func (s *SQLite) SaveCanvasObject(ctx context.Context, projectID string, obj canvas.Object) (canvas.Object, error) {
	if obj.ID == "" {
		obj.ID = ids.New()
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canvas_objects (id, project_id, x, y, width, height, src, placeholder, job_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			x = excluded.x,
			y = excluded.y,
			width = excluded.width,
			height = excluded.height,
			src = excluded.src,
			placeholder = excluded.placeholder,
			updated_at = excluded.updated_at`,
		obj.ID, projectID, obj.X, obj.Y, obj.Width, obj.Height, obj.Src, boolInt(obj.Placeholder),
		obj.JobID, obj.CreatedAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return canvas.Object{}, fmt.Errorf("upsert canvas object: %w", err)
	}
	return obj, nil
}

// UpdateCanvasObject implements Adapter.
func (s *SQLite) UpdateCanvasObject(ctx context.Context, projectID string, obj canvas.Object) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canvas_objects SET x = ?, y = ?, width = ?, height = ?, src = ?, placeholder = ?, updated_at = ?
		 WHERE id = ? AND project_id = ?`,
		obj.X, obj.Y, obj.Width, obj.Height, obj.Src, boolInt(obj.Placeholder),
		time.Now().UTC().Format(timeLayout), obj.ID, projectID,
	)
	if err != nil {
		return fmt.Errorf("update canvas object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update canvas object: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update canvas object %s: %w", obj.ID, ErrNotFound)
	}
	return nil
}

// DeleteCanvasObject implements Adapter.
func (s *SQLite) DeleteCanvasObject(ctx context.Context, projectID, objectID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM canvas_objects WHERE id = ? AND project_id = ?", objectID, projectID); err != nil {
		return fmt.Errorf("delete canvas object: %w", err)
	}
	return nil
}

// LoadCanvasObjects implements Adapter.
func (s *SQLite) LoadCanvasObjects(ctx context.Context, projectID string) ([]canvas.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, x, y, width, height, src, placeholder, job_id, created_at
		 FROM canvas_objects WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query canvas objects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []canvas.Object
	for rows.Next() {
		var (
			o           canvas.Object
			placeholder int
			created     string
		)
		if err := rows.Scan(&o.ID, &o.X, &o.Y, &o.Width, &o.Height, &o.Src, &placeholder, &o.JobID, &created); err != nil {
			return nil, fmt.Errorf("scan canvas object row: %w", err)
		}
		o.Placeholder = placeholder != 0
		if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
