package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilcrawl/veilcrawl/dbopen"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Action          string         `json:"action"`
	Actor           string         `json:"actor,omitempty"`
	InvestigationID string         `json:"investigationId,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	action           TEXT NOT NULL,
	actor            TEXT NOT NULL DEFAULT '',
	investigation_id TEXT NOT NULL DEFAULT '',
	details          TEXT NOT NULL DEFAULT '{}',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_investigation ON audit_log(investigation_id);
`

// auditLog appends to SQLite when a path is configured; entries are
// always mirrored in memory so filtering works without a database.
type auditLog struct {
	mu  sync.Mutex
	db  *sql.DB
	mem []AuditEntry
}

func newAuditLog(dbPath string) (*auditLog, error) {
	a := &auditLog{}
	if dbPath == "" {
		return a, nil
	}
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(auditSchema))
	if err != nil {
		return nil, fmt.Errorf("evidence: audit store: %w", err)
	}
	a.db = db
	return a, nil
}

func (a *auditLog) close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *auditLog) append(ctx context.Context, action, actor, invID string, details map[string]any) {
	entry := AuditEntry{
		Action:          action,
		Actor:           actor,
		InvestigationID: invID,
		Details:         details,
		Timestamp:       time.Now(),
	}
	a.mu.Lock()
	a.mem = append(a.mem, entry)
	db := a.db
	a.mu.Unlock()

	if db == nil {
		return
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	_, _ = dbopen.Exec(ctx, db,
		`INSERT INTO audit_log (action, actor, investigation_id, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		action, actor, invID, string(raw), entry.Timestamp.UTC().Format(time.RFC3339Nano))
}

// entries returns audit records, optionally filtered by investigation.
func (a *auditLog) entries(invID string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if invID == "" {
		return append([]AuditEntry(nil), a.mem...)
	}
	var out []AuditEntry
	for _, e := range a.mem {
		if e.InvestigationID == invID {
			out = append(out, e)
		}
	}
	return out
}

// AuditLog returns audit records, optionally filtered by investigation id.
func (m *Manager) AuditLog(invID string) []AuditEntry {
	return m.audit.entries(invID)
}

// ExportAuditLog writes the (optionally filtered) audit log to
// <dir>/audit-<timestamp>.jsonl, one JSON record per line.
func (m *Manager) ExportAuditLog(dir, invID string) (string, error) {
	if dir == "" {
		dir = m.cfg.BasePath
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("evidence: export audit: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("audit-%d.jsonl", time.Now().UnixMilli()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("evidence: export audit: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range m.audit.entries(invID) {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("evidence: export audit: %w", err)
		}
	}
	return path, nil
}
