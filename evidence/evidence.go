// Package evidence implements chain-of-custody for forensic artifacts:
// content-addressed evidence items, sealable packages, append-only custody
// entries, tamper detection, and an SQLite-backed audit log.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/events"
	"github.com/veilcrawl/veilcrawl/idgen"
)

// Error kinds.
var (
	ErrNotFound            = errors.New("evidence: not found")
	ErrSealed              = errors.New("evidence: sealed and immutable")
	ErrUnknownExportFormat = errors.New("evidence: unknown export format")
)

// CustodyAction tags a custody chain entry.
type CustodyAction string

const (
	CustodyCreated  CustodyAction = "created"
	CustodyVerified CustodyAction = "verified"
	CustodyAccessed CustodyAction = "accessed"
	CustodySealed   CustodyAction = "sealed"
)

// CustodyEntry is one append-only chain-of-custody record.
type CustodyEntry struct {
	Action    CustodyAction `json:"action"`
	Actor     string        `json:"actor,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Details   string        `json:"details,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Investigation groups evidence under one case.
type Investigation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CaseID       string    `json:"caseId"`
	Investigator string    `json:"investigator,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Item is one content-addressed evidence artifact.
type Item struct {
	ID              string            `json:"id"`
	InvestigationID string            `json:"investigationId"`
	Type            string            `json:"type"` // screenshot, recording, pdf, html, note...
	Description     string            `json:"description,omitempty"`
	Data            []byte            `json:"data,omitempty"`
	Hash            string            `json:"hash"` // SHA-256 over Data at collection
	CollectedAt     time.Time         `json:"collectedAt"`
	CollectedBy     string            `json:"collectedBy,omitempty"`
	Verified        bool              `json:"verified"`
	Sealed          bool              `json:"sealed"`
	SealedBy        string            `json:"sealedBy,omitempty"`
	SealedAt        time.Time         `json:"sealedAt,omitempty"`
	CustodyChain    []CustodyEntry    `json:"custodyChain"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Package is a sealable set of items.
type Package struct {
	ID              string    `json:"id"`
	InvestigationID string    `json:"investigationId"`
	Name            string    `json:"name"`
	ItemIDs         []string  `json:"itemIds"`
	Hash            string    `json:"hash,omitempty"` // set at seal time
	Sealed          bool      `json:"sealed"`
	SealedBy        string    `json:"sealedBy,omitempty"`
	SealedAt        time.Time `json:"sealedAt,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Stats counts manager activity.
type Stats struct {
	EvidenceCollected   int `json:"evidenceCollected"`
	ItemsSealed         int `json:"itemsSealed"`
	VerificationsFailed int `json:"verificationsFailed"`
	PackagesCreated     int `json:"packagesCreated"`
}

// Config tunes the manager.
type Config struct {
	// BasePath is the vault root; items persist under <BasePath>/items/.
	BasePath string
	// AutoVerify runs an immediate verification after collection.
	AutoVerify bool
	// AuditDBPath is the SQLite audit log location. Empty disables
	// durable audit (entries are still kept in memory).
	AuditDBPath string
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.BasePath == "" {
		c.BasePath = "evidence-vault"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns investigations, items, packages, the vault and the audit log.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	investigations map[string]*Investigation
	items          map[string]*Item
	packages       map[string]*Package
	stats          Stats
	bus            *events.Bus
	audit          *auditLog
}

// NewManager creates a Manager. The vault directory is created eagerly so
// collection failures surface at startup, not mid-investigation.
func NewManager(cfg Config, bus *events.Bus) (*Manager, error) {
	cfg.defaults()
	if err := os.MkdirAll(filepath.Join(cfg.BasePath, "items"), 0o755); err != nil {
		return nil, fmt.Errorf("evidence: vault: %w", err)
	}
	audit, err := newAuditLog(cfg.AuditDBPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:            cfg,
		investigations: make(map[string]*Investigation),
		items:          make(map[string]*Item),
		packages:       make(map[string]*Package),
		bus:            bus,
		audit:          audit,
	}, nil
}

// Close releases the audit store.
func (m *Manager) Close() error {
	return m.audit.close()
}

// CreateInvestigation opens a new case.
func (m *Manager) CreateInvestigation(ctx context.Context, name, caseID, investigator, description string) (*Investigation, error) {
	inv := &Investigation{
		ID:           idgen.Prefixed("inv_", idgen.Default)(),
		Name:         name,
		CaseID:       caseID,
		Investigator: investigator,
		Description:  description,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.investigations[inv.ID] = inv
	m.mu.Unlock()

	m.audit.append(ctx, "investigation-created", investigator, inv.ID, map[string]any{"name": name, "caseId": caseID})
	return inv, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Collect builds an evidence item, appends the created custody entry,
// persists it to the vault, and optionally auto-verifies.
func (m *Manager) Collect(ctx context.Context, invID, itemType, description string, data []byte, actor string) (*Item, error) {
	m.mu.Lock()
	if _, ok := m.investigations[invID]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: investigation %s", ErrNotFound, invID)
	}
	now := time.Now()
	item := &Item{
		ID:              idgen.Prefixed("ev_", idgen.Default)(),
		InvestigationID: invID,
		Type:            itemType,
		Description:     description,
		Data:            data,
		Hash:            hashBytes(data),
		CollectedAt:     now,
		CollectedBy:     actor,
		CustodyChain: []CustodyEntry{
			{Action: CustodyCreated, Actor: actor, Timestamp: now},
		},
	}
	m.items[item.ID] = item
	m.stats.EvidenceCollected++
	m.mu.Unlock()

	if err := m.persist(item); err != nil {
		return nil, err
	}
	m.emit("evidence-collected", map[string]any{"id": item.ID, "type": itemType, "hash": item.Hash})
	m.audit.append(ctx, "evidence-collected", actor, invID, map[string]any{"id": item.ID, "hash": item.Hash})

	if m.cfg.AutoVerify {
		if _, err := m.Verify(ctx, item.ID, actor); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	out := m.copyItemLocked(item.ID)
	m.mu.Unlock()
	return out, nil
}

// persist writes the item to the vault under a deterministic filename.
func (m *Manager) persist(item *Item) error {
	m.mu.Lock()
	raw, err := json.MarshalIndent(item, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("evidence: persist %s: %w", item.ID, err)
	}
	path := m.itemPath(item.ID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("evidence: persist %s: %w", item.ID, err)
	}
	return nil
}

func (m *Manager) itemPath(id string) string {
	return filepath.Join(m.cfg.BasePath, "items", id+".json")
}

// Verify recomputes the item's content hash and appends a verified
// custody entry. A mismatch marks the item unverified and is counted.
func (m *Manager) Verify(ctx context.Context, id, actor string) (bool, error) {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	current := hashBytes(item.Data)
	passed := current == item.Hash
	item.Verified = passed
	detail := "hash match"
	if !passed {
		detail = fmt.Sprintf("hash mismatch: stored %s, computed %s", item.Hash, current)
		m.stats.VerificationsFailed++
	}
	item.CustodyChain = append(item.CustodyChain, CustodyEntry{
		Action:    CustodyVerified,
		Actor:     actor,
		Details:   detail,
		Timestamp: time.Now(),
	})
	invID := item.InvestigationID
	m.mu.Unlock()

	if !passed {
		m.emit("verification-failed", map[string]any{"id": id})
	}
	m.audit.append(ctx, "evidence-verified", actor, invID, map[string]any{"id": id, "passed": passed})
	_ = m.persist(item)
	return passed, nil
}

// Get returns an item copy, appending an accessed custody entry.
func (m *Manager) Get(ctx context.Context, id, actor, reason string) (*Item, error) {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	item.CustodyChain = append(item.CustodyChain, CustodyEntry{
		Action:    CustodyAccessed,
		Actor:     actor,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	out := m.copyItemLocked(id)
	invID := item.InvestigationID
	m.mu.Unlock()

	m.audit.append(ctx, "evidence-accessed", actor, invID, map[string]any{"id": id, "reason": reason})
	_ = m.persist(item)
	return out, nil
}

func (m *Manager) copyItemLocked(id string) *Item {
	item := m.items[id]
	out := *item
	out.Data = append([]byte(nil), item.Data...)
	out.CustodyChain = append([]CustodyEntry(nil), item.CustodyChain...)
	return &out
}

// Seal makes an item immutable. Re-sealing is rejected.
func (m *Manager) Seal(ctx context.Context, id, actor string) error {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err := m.sealItemLocked(item, actor); err != nil {
		m.mu.Unlock()
		return err
	}
	invID := item.InvestigationID
	m.mu.Unlock()

	m.audit.append(ctx, "evidence-sealed", actor, invID, map[string]any{"id": id})
	_ = m.persist(item)
	return nil
}

func (m *Manager) sealItemLocked(item *Item, actor string) error {
	if item.Sealed {
		return fmt.Errorf("%w: item %s", ErrSealed, item.ID)
	}
	now := time.Now()
	item.Sealed = true
	item.SealedBy = actor
	item.SealedAt = now
	item.CustodyChain = append(item.CustodyChain, CustodyEntry{
		Action:    CustodySealed,
		Actor:     actor,
		Timestamp: now,
	})
	m.stats.ItemsSealed++
	return nil
}

// UpdateMetadata mutates an unsealed item's metadata. Sealed items
// reject all mutation.
func (m *Manager) UpdateMetadata(id string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if item.Sealed {
		return fmt.Errorf("%w: item %s", ErrSealed, id)
	}
	item.Metadata = metadata
	return nil
}

// CreatePackage opens a new evidence package.
func (m *Manager) CreatePackage(ctx context.Context, invID, name, actor string) (*Package, error) {
	m.mu.Lock()
	if _, ok := m.investigations[invID]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: investigation %s", ErrNotFound, invID)
	}
	pkg := &Package{
		ID:              idgen.Prefixed("pkg_", idgen.Default)(),
		InvestigationID: invID,
		Name:            name,
		CreatedAt:       time.Now(),
	}
	m.packages[pkg.ID] = pkg
	m.stats.PackagesCreated++
	m.mu.Unlock()

	m.audit.append(ctx, "package-created", actor, invID, map[string]any{"id": pkg.ID, "name": name})
	out := *pkg
	return &out, nil
}

// AddToPackage adds an item to an unsealed package.
func (m *Manager) AddToPackage(pkgID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[pkgID]
	if !ok {
		return fmt.Errorf("%w: package %s", ErrNotFound, pkgID)
	}
	if pkg.Sealed {
		return fmt.Errorf("%w: package %s", ErrSealed, pkgID)
	}
	if _, ok := m.items[itemID]; !ok {
		return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	for _, existing := range pkg.ItemIDs {
		if existing == itemID {
			return nil
		}
	}
	pkg.ItemIDs = append(pkg.ItemIDs, itemID)
	return nil
}

// SealPackage seals the package and every contained item atomically.
// The package hash covers the sorted item hashes, so identical item sets
// produce identical package hashes regardless of insertion order.
func (m *Manager) SealPackage(ctx context.Context, pkgID, actor string) error {
	m.mu.Lock()
	pkg, ok := m.packages[pkgID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: package %s", ErrNotFound, pkgID)
	}
	if pkg.Sealed {
		m.mu.Unlock()
		return fmt.Errorf("%w: package %s", ErrSealed, pkgID)
	}

	hashes := make([]string, 0, len(pkg.ItemIDs))
	var sealedNow []*Item
	for _, id := range pkg.ItemIDs {
		item, ok := m.items[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: item %s", ErrNotFound, id)
		}
		hashes = append(hashes, item.Hash)
		if !item.Sealed {
			if err := m.sealItemLocked(item, actor); err != nil {
				m.mu.Unlock()
				return err
			}
			sealedNow = append(sealedNow, item)
		}
	}
	sort.Strings(hashes)
	now := time.Now()
	pkg.Hash = hashBytes([]byte(strings.Join(hashes, "")))
	pkg.Sealed = true
	pkg.SealedBy = actor
	pkg.SealedAt = now
	m.stats.ItemsSealed++ // the package seal itself
	invID := pkg.InvestigationID
	m.mu.Unlock()

	for _, item := range sealedNow {
		_ = m.persist(item)
	}
	m.emit("package-sealed", map[string]any{"id": pkgID, "hash": pkg.Hash, "items": len(pkg.ItemIDs)})
	m.audit.append(ctx, "package-sealed", actor, invID, map[string]any{"id": pkgID, "hash": pkg.Hash})
	return nil
}

// GetPackage returns a package copy.
func (m *Manager) GetPackage(id string) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.packages[id]
	if !ok {
		return nil, fmt.Errorf("%w: package %s", ErrNotFound, id)
	}
	out := *pkg
	out.ItemIDs = append([]string(nil), pkg.ItemIDs...)
	return &out, nil
}

// Stats returns a snapshot of the activity counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) emit(kind string, data map[string]any) {
	if m.bus != nil {
		m.bus.Emit("evidence", kind, data)
	}
}
