package core

import (
	"errors"
	"testing"
)

type fakeSource struct {
	printers []*Printer
	err      error
}

func (f *fakeSource) Printers() ([]*Printer, error) {
	return f.printers, f.err
}

func descriptor(name, capsHash, status string) *Printer {
	return &Printer{Name: name, CapsHash: capsHash, Status: status}
}

func TestRegistryRefreshClassifies(t *testing.T) {
	src := &fakeSource{printers: []*Printer{
		descriptor("office", "h1", "IDLE"),
		descriptor("lobby", "h2", "IDLE"),
		descriptor("lab", "h3-new", "IDLE"),
	}}
	reg := NewRegistry(src)

	remote := map[string]RemotePrinter{
		"lobby":   {ID: "r-lobby", Name: "lobby", CapsHash: "h2", Status: "IDLE"},
		"lab":     {ID: "r-lab", Name: "lab", CapsHash: "h3", Status: "IDLE"},
		"retired": {ID: "r-retired", Name: "retired", CapsHash: "h4", Status: "IDLE"},
	}

	diff, err := reg.Refresh(remote)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if len(diff.Register) != 1 || diff.Register[0].Name != "office" {
		t.Fatalf("Register = %v, want [office]", printerNames(diff.Register))
	}
	if len(diff.Update) != 1 || diff.Update[0].Name != "lab" {
		t.Fatalf("Update = %v, want [lab]", printerNames(diff.Update))
	}
	if diff.Update[0].RemoteID() != "r-lab" {
		t.Fatalf("updated printer remote ID = %q, want r-lab", diff.Update[0].RemoteID())
	}
	if len(diff.Delete) != 1 || diff.Delete[0] != "r-retired" {
		t.Fatalf("Delete = %v, want [r-retired]", diff.Delete)
	}
}

func TestRegistryRefreshCarriesRemoteIDs(t *testing.T) {
	src := &fakeSource{printers: []*Printer{descriptor("office", "h1", "IDLE")}}
	reg := NewRegistry(src)

	if _, err := reg.Refresh(map[string]RemotePrinter{
		"office": {ID: "r-office", Name: "office", CapsHash: "h1", Status: "IDLE"},
	}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Fresh descriptors from the next enumeration must inherit the ID.
	src.printers = []*Printer{descriptor("office", "h1", "IDLE")}
	if _, err := reg.Refresh(nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	p, ok := reg.Printer("office")
	if !ok {
		t.Fatal("printer office missing after refresh")
	}
	if p.RemoteID() != "r-office" {
		t.Fatalf("remote ID = %q, want r-office", p.RemoteID())
	}

	if _, ok := reg.PrinterByRemoteID("r-office"); !ok {
		t.Fatal("lookup by remote ID failed")
	}
}

func TestRegistryRefreshSourceError(t *testing.T) {
	wantErr := errors.New("cups unreachable")
	src := &fakeSource{err: wantErr}
	reg := NewRegistry(src)

	if _, err := reg.Refresh(nil); !errors.Is(err, wantErr) {
		t.Fatalf("Refresh err = %v, want %v", err, wantErr)
	}
}

func TestPrinterRemoteIDImmutable(t *testing.T) {
	p := descriptor("office", "h1", "IDLE")
	if err := p.SetRemoteID("a"); err != nil {
		t.Fatalf("first SetRemoteID: %v", err)
	}
	if err := p.SetRemoteID("a"); err != nil {
		t.Fatalf("idempotent SetRemoteID: %v", err)
	}
	if err := p.SetRemoteID("b"); !errors.Is(err, ErrPrinterIDAssigned) {
		t.Fatalf("conflicting SetRemoteID = %v, want ErrPrinterIDAssigned", err)
	}
}

func printerNames(printers []*Printer) []string {
	names := make([]string, 0, len(printers))
	for _, p := range printers {
		names = append(names, p.Name)
	}
	return names
}
