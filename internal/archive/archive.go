// Package archive exports finished-event data as gzip blobs with
// deterministic paths, so downstream analysis never needs the live store.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/store"
)

// BlobPutter writes one blob under a key. The S3 implementation is the
// production target; the memory implementation serves tests.
type BlobPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// MemoryPutter stores blobs in a map.
type MemoryPutter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryPutter returns an empty blob sink.
func NewMemoryPutter() *MemoryPutter {
	return &MemoryPutter{objects: make(map[string][]byte)}
}

// Put implements BlobPutter.
func (p *MemoryPutter) Put(_ context.Context, key string, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make([]byte, len(body))
	copy(copied, body)
	p.objects[key] = copied
	return nil
}

// Get returns one stored blob.
func (p *MemoryPutter) Get(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.objects[key]
	return body, ok
}

// Keys lists stored blob keys.
func (p *MemoryPutter) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.objects))
	for key := range p.objects {
		keys = append(keys, key)
	}
	return keys
}

// SanitizeCarNumber maps a car number to its blob-path form: "#" becomes
// "No", letters, digits, "-", "_" and spaces pass through, anything else
// becomes "_".
func SanitizeCarNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r == '#':
			b.WriteString("No")
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Exporter renders event data into the archive path layout.
type Exporter struct {
	blobs   BlobPutter
	eventID int
}

// NewExporter builds an exporter for one event.
func NewExporter(blobs BlobPutter, eventID int) (*Exporter, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob putter is required")
	}
	if eventID <= 0 {
		return nil, fmt.Errorf("event_id must be > 0")
	}
	return &Exporter{blobs: blobs, eventID: eventID}, nil
}

func (e *Exporter) put(ctx context.Context, key string, payload any) error {
	body, err := gzipJSON(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := e.blobs.Put(ctx, key, body, "application/gzip"); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// ExportSessionLaps archives every lap record of one session.
func (e *Exporter) ExportSessionLaps(ctx context.Context, sessionID int, records []store.CarLapLog) error {
	key := fmt.Sprintf("event-%d-session-%d-laps.gz", e.eventID, sessionID)
	return e.put(ctx, key, records)
}

// ExportCarLaps archives one car's lap snapshots under the per-car layout.
func (e *Exporter) ExportCarLaps(ctx context.Context, sessionID int, carNumber string, laps []timing.CarPosition) error {
	key := fmt.Sprintf("event-%d-session-%d-car-laps/car-%s-laps.gz", e.eventID, sessionID, SanitizeCarNumber(carNumber))
	return e.put(ctx, key, laps)
}

// ExportLoops archives the event's section crossings.
func (e *Exporter) ExportLoops(ctx context.Context, crossings []timing.SectionCrossing) error {
	return e.put(ctx, fmt.Sprintf("event-%d-loops.gz", e.eventID), crossings)
}

// ExportPassings archives the event's transponder passings.
func (e *Exporter) ExportPassings(ctx context.Context, passings []timing.X2Passing) error {
	return e.put(ctx, fmt.Sprintf("event-%d-passings.gz", e.eventID), passings)
}

// ExportCompetitorMetadata archives the event roster.
func (e *Exporter) ExportCompetitorMetadata(ctx context.Context, entries []timing.EventEntry) error {
	return e.put(ctx, fmt.Sprintf("event-%d-competitor-metadata.gz", e.eventID), entries)
}

func gzipJSON(payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(encoded); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
