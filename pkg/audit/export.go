package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/selene-os/selene/core/pkg/ledger"
)

var (
	// ErrEmptyTenantID is returned when the tenant id is empty.
	ErrEmptyTenantID = errors.New("audit: tenant_id must not be empty")
	// ErrInvalidTimeRange is returned when start is after end.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export runs without a ledger.
	ErrStoreNotConfigured = errors.New("audit: ledger not configured (fail-closed)")
)

// ExportRequest selects which ledger slice to package.
type ExportRequest struct {
	TenantID string `json:"tenant_id"`
	// EngineIDs limits the pack to specific partitions. Empty means all
	// known engines.
	EngineIDs []string  `json:"engine_ids,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds evidence packs: a zip of the tenant's ledger events
// and recorded refusals plus a manifest, checksummed as a whole. The
// hash chain of every included partition is verified before packaging;
// a pack is never produced from a partition that fails verification.
type Exporter struct {
	store    ledger.Store
	refusals *Recorder
	engines  []string
	clock    func() time.Time
}

// NewExporter creates an Exporter. engines is the full partition list
// used when a request does not narrow it; refusals may be nil.
func NewExporter(store ledger.Store, refusals *Recorder, engines []string) *Exporter {
	return &Exporter{
		store:    store,
		refusals: refusals,
		engines:  engines,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the manifest timestamp source.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack builds the zip and returns its bytes and sha256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.TenantID == "" {
		return nil, "", ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	engines := req.EngineIDs
	if len(engines) == 0 {
		engines = e.engines
	}

	var events []*ledger.Event
	chainHeads := map[string]string{}
	for _, engineID := range engines {
		partition, err := e.store.ReadByScope(ctx, ledger.ScopeFilter{
			TenantID: req.TenantID,
			EngineID: engineID,
		})
		if err != nil {
			return nil, "", fmt.Errorf("audit: read %s: %w", engineID, err)
		}
		if err := ledger.VerifyChain(partition); err != nil {
			return nil, "", fmt.Errorf("audit: partition %s failed verification: %w", engineID, err)
		}
		if len(partition) > 0 {
			chainHeads[engineID] = partition[len(partition)-1].EntryHash
		}
		for _, ev := range partition {
			if !req.StartTime.IsZero() && ev.CreatedAt.Before(req.StartTime) {
				continue
			}
			if !req.EndTime.IsZero() && ev.CreatedAt.After(req.EndTime) {
				continue
			}
			events = append(events, ev)
		}
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	var refusals []Refusal
	if e.refusals != nil {
		refusals = e.refusals.Recent(req.TenantID)
	}
	refusalsJSON, err := json.MarshalIndent(refusals, "", "  ")
	if err != nil {
		return nil, "", err
	}

	now := e.clock()
	manifest := map[string]any{
		"tenant_id":     req.TenantID,
		"generated_at":  now,
		"event_count":   len(events),
		"refusal_count": len(refusals),
		"chain_heads":   chainHeads,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"refusals.json", refusalsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(entry.data); err != nil {
			return nil, "", err
		}
	}
	readme, err := w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	fmt.Fprintf(readme, "Evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, now.Format(time.RFC3339))
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
