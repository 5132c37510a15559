package core

import (
	"sync"
)

// Registry tracks the currently known local printers by queue name and
// computes the diff against a fresh enumeration.
type Registry struct {
	source PrinterSource

	mu       sync.Mutex
	printers map[string]*Printer
}

func NewRegistry(source PrinterSource) *Registry {
	return &Registry{
		source:   source,
		printers: make(map[string]*Printer),
	}
}

// Printer returns a known printer by local queue name.
func (r *Registry) Printer(name string) (*Printer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.printers[name]
	return p, ok
}

// PrinterByRemoteID finds a known printer by its service-assigned ID.
func (r *Registry) PrinterByRemoteID(id string) (*Printer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.printers {
		if p.RemoteID() == id {
			return p, true
		}
	}
	return nil, false
}

// Enumerate asks the source for the live printer set without touching the
// known-printer state.
func (r *Registry) Enumerate() ([]*Printer, error) {
	return r.source.Printers()
}

// Snapshot returns the current printer set.
func (r *Registry) Snapshot() []*Printer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Printer, 0, len(r.printers))
	for _, p := range r.printers {
		out = append(out, p)
	}
	return out
}

// Diff is one reconciliation delta between the live local enumeration and the
// remote service's view.
type Diff struct {
	// Register holds local printers the service does not know yet.
	Register []*Printer
	// Update holds printers whose capability hash or status changed since the
	// service last saw them. Each carries its remote ID already.
	Update []*Printer
	// Delete holds remote IDs of printers no longer present locally.
	Delete []string
}

// Refresh re-enumerates local printers and diffs them against the remote
// view, keyed by queue name. Printers carried over keep their remote IDs;
// descriptors are refreshed from the live enumeration.
func (r *Registry) Refresh(remote map[string]RemotePrinter) (*Diff, error) {
	local, err := r.source.Printers()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Printer, len(local))
	diff := &Diff{}
	seen := make(map[string]bool, len(local))

	for _, lp := range local {
		seen[lp.Name] = true

		if prev, ok := r.printers[lp.Name]; ok && prev.RemoteID() != "" {
			// carry the immutable remote ID onto the fresh descriptor
			lp.SetRemoteID(prev.RemoteID())
		}

		rp, known := remote[lp.Name]
		switch {
		case !known && lp.RemoteID() == "":
			diff.Register = append(diff.Register, lp)
		case known:
			if lp.RemoteID() == "" {
				if err := lp.SetRemoteID(rp.ID); err != nil {
					return nil, err
				}
			}
			if lp.CapsHash != rp.CapsHash || lp.Status != rp.Status {
				diff.Update = append(diff.Update, lp)
			}
		}
		next[lp.Name] = lp
	}

	for name, rp := range remote {
		if !seen[name] {
			diff.Delete = append(diff.Delete, rp.ID)
		}
	}

	r.printers = next
	return diff, nil
}

// RemotePrinter is the service's view of one registered printer, reduced to
// what reconciliation needs.
type RemotePrinter struct {
	ID       string
	Name     string
	CapsHash string
	Status   string
}
