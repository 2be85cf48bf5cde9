package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crescendo-labs/podium/pkg/archive"
	"github.com/crescendo-labs/podium/pkg/canonicalize"
)

var (
	// ErrEmptyTenantID is returned when an export names no tenant.
	ErrEmptyTenantID = errors.New("audit: tenantId must not be empty")
	// ErrInvalidTimeRange is returned when from is after to.
	ErrInvalidTimeRange = errors.New("audit: from must be before to")
	// ErrNoArchive is returned when export is invoked without an archive
	// store (fail-closed: evidence must be persisted, not just returned).
	ErrNoArchive = errors.New("audit: archive store not configured")
)

// ExportRequest scopes an evidence export to one tenant and an optional
// time window and entry kind.
type ExportRequest struct {
	TenantID string    `json:"tenantId"`
	Kind     Kind      `json:"kind,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
}

// EvidencePack describes a stored export. Checksum is both the SHA-256 of
// the zip and its key in the archive store.
type EvidencePack struct {
	Checksum    string    `json:"checksum"`
	EntryCount  int       `json:"entryCount"`
	SizeBytes   int       `json:"sizeBytes"`
	TenantID    string    `json:"tenantId"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Exporter builds evidence packs from a journal and persists them to a
// content-addressed archive.
type Exporter struct {
	journal Journal
	store   archive.Store
	now     func() time.Time
}

// ExporterOption customizes an Exporter.
type ExporterOption func(*Exporter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

func NewExporter(journal Journal, store archive.Store, opts ...ExporterOption) *Exporter {
	e := &Exporter{journal: journal, store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export gathers the matching entries, zips them with a manifest and
// README, stores the zip, and returns the pack descriptor.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*EvidencePack, error) {
	if req.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, ErrNoArchive
	}

	entries, err := e.journal.Entries(ctx, Query{
		Kind:     req.Kind,
		TenantID: req.TenantID,
		From:     req.From,
		To:       req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query journal: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}

	generatedAt := e.now().UTC()
	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: encode events: %w", err)
	}

	packManifest := map[string]any{
		"tenantId":       req.TenantID,
		"generatedAt":    generatedAt,
		"entryCount":     len(entries),
		"eventsChecksum": canonicalize.HashBytes(eventsJSON),
		"period": map[string]any{
			"from": req.From,
			"to":   req.To,
		},
	}
	manifestJSON, err := json.MarshalIndent(packManifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: encode pack manifest: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf(
			"Policy governance evidence pack\nTenant: %s\nGenerated: %s\nEntries: %d\n\nVerify events.json against eventsChecksum in manifest.json.\n",
			req.TenantID, generatedAt.Format(time.RFC3339), len(entries)))},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("audit: zip %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("audit: zip %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close zip: %w", err)
	}

	checksum, err := e.store.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("audit: store evidence pack: %w", err)
	}

	return &EvidencePack{
		Checksum:    checksum,
		EntryCount:  len(entries),
		SizeBytes:   buf.Len(),
		TenantID:    req.TenantID,
		GeneratedAt: generatedAt,
	}, nil
}
