package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/orrn/cloudspool/internal/core"
)

// snapshotPrinter is the on-disk descriptor shape. Capabilities and defaults
// are embedded verbatim so a snapshot round-trips without re-encoding.
type snapshotPrinter struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Status       string          `json:"status,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Defaults     json.RawMessage `json:"defaults,omitempty"`
}

// SnapshotSource replays printer descriptors from a JSON file instead of a
// live CUPS endpoint. The file is re-read on every enumeration, so edits show
// up at the next reconcile pass.
type SnapshotSource struct {
	path string
}

func NewSnapshotSource(path string) *SnapshotSource {
	return &SnapshotSource{path: path}
}

func (s *SnapshotSource) Printers() ([]*core.Printer, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read printer snapshot: %w", err)
	}

	var entries []snapshotPrinter
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse printer snapshot %s: %w", s.path, err)
	}

	printers := make([]*core.Printer, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("printer snapshot %s: entry without a name", s.path)
		}
		status := e.Status
		if status == "" {
			status = "IDLE"
		}
		p := &core.Printer{
			Name:         e.Name,
			Description:  e.Description,
			Status:       status,
			Capabilities: []byte(e.Capabilities),
			Defaults:     []byte(e.Defaults),
		}
		p.CapsHash = core.HashCapabilities(p.Capabilities)
		printers = append(printers, p)
	}
	return printers, nil
}
