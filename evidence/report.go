package evidence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportFormat names a package export representation.
type ExportFormat string

const (
	ExportFormatJSON  ExportFormat = "json"
	ExportFormatSWGDE ExportFormat = "swgde-report"
)

// ExportOptions controls ExportPackage.
type ExportOptions struct {
	// IncludeAudit appends the investigation-filtered audit log to the
	// JSON export.
	IncludeAudit bool
}

type packageExport struct {
	Package       *Package       `json:"package"`
	Investigation *Investigation `json:"investigation,omitempty"`
	Items         []*Item        `json:"items"`
	ExportedAt    time.Time      `json:"exportedAt"`
	Audit         []AuditEntry   `json:"audit,omitempty"`
}

// ExportPackage renders a package with its items in the requested format.
func (m *Manager) ExportPackage(pkgID string, format ExportFormat, opts ExportOptions) (string, error) {
	m.mu.Lock()
	pkg, ok := m.packages[pkgID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: package %s", ErrNotFound, pkgID)
	}
	inv := m.investigations[pkg.InvestigationID]
	items := make([]*Item, 0, len(pkg.ItemIDs))
	for _, id := range pkg.ItemIDs {
		if item, ok := m.items[id]; ok {
			items = append(items, m.copyItemLocked(item.ID))
		}
	}
	pkgCopy := *pkg
	pkgCopy.ItemIDs = append([]string(nil), pkg.ItemIDs...)
	m.mu.Unlock()

	switch format {
	case ExportFormatJSON:
		exp := packageExport{Package: &pkgCopy, Investigation: inv, Items: items, ExportedAt: time.Now()}
		if opts.IncludeAudit {
			exp.Audit = m.audit.entries(pkgCopy.InvestigationID)
		}
		raw, err := json.MarshalIndent(exp, "", "  ")
		if err != nil {
			return "", fmt.Errorf("evidence: export package: %w", err)
		}
		return string(raw), nil
	case ExportFormatSWGDE:
		return swgdeReport(&pkgCopy, inv, items), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownExportFormat, format)
	}
}

// swgdeReport renders the human-readable examination report.
func swgdeReport(pkg *Package, inv *Investigation, items []*Item) string {
	var b strings.Builder
	line := strings.Repeat("=", 72)

	b.WriteString(line + "\n")
	b.WriteString("DIGITAL FORENSIC EXAMINATION REPORT\n")
	b.WriteString("SWGDE Requirements for Report Writing Compliant\n")
	b.WriteString(line + "\n\n")

	fmt.Fprintf(&b, "Package:        %s\n", pkg.Name)
	if inv != nil {
		fmt.Fprintf(&b, "Case ID:        %s\n", inv.CaseID)
		fmt.Fprintf(&b, "Investigation:  %s\n", inv.Name)
		if inv.Investigator != "" {
			fmt.Fprintf(&b, "Examiner:       %s\n", inv.Investigator)
		}
	}
	fmt.Fprintf(&b, "Hash Algorithm: SHA-256\n")
	if pkg.Sealed {
		fmt.Fprintf(&b, "Package Hash:   %s\n", pkg.Hash)
		fmt.Fprintf(&b, "Sealed By:      %s at %s\n", pkg.SealedBy, pkg.SealedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Generated:      %s\n\n", time.Now().Format(time.RFC3339))

	fmt.Fprintf(&b, "EVIDENCE ITEMS (%d)\n%s\n", len(items), strings.Repeat("-", 72))
	for i, item := range items {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, item.ID)
		fmt.Fprintf(&b, "    Type:        %s\n", item.Type)
		if item.Description != "" {
			fmt.Fprintf(&b, "    Description: %s\n", item.Description)
		}
		fmt.Fprintf(&b, "    SHA-256:     %s\n", item.Hash)
		fmt.Fprintf(&b, "    Collected:   %s by %s\n", item.CollectedAt.Format(time.RFC3339), item.CollectedBy)

		b.WriteString("    Chain of Custody:\n")
		for _, entry := range item.CustodyChain {
			fmt.Fprintf(&b, "      - %s  %-9s %s", entry.Timestamp.Format(time.RFC3339), entry.Action, entry.Actor)
			if entry.Reason != "" {
				fmt.Fprintf(&b, " (%s)", entry.Reason)
			}
			if entry.Details != "" {
				fmt.Fprintf(&b, " [%s]", entry.Details)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n" + line + "\nEND OF REPORT\n")
	return b.String()
}
