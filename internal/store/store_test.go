package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if _, err := s.Setting(ctx, SettingRefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing setting err = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, SettingRefreshToken, "tok-1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, SettingRefreshToken, "tok-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.Setting(ctx, SettingRefreshToken)
	if err != nil {
		t.Fatalf("Setting: %v", err)
	}
	if got != "tok-2" {
		t.Fatalf("value = %q, want tok-2", got)
	}

	if err := s.DeleteSetting(ctx, SettingRefreshToken); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.Setting(ctx, SettingRefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted setting err = %v, want ErrNotFound", err)
	}
}

func TestPrinterIDWriteOnce(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.AssignPrinterID(ctx, "office", "r-1"); err != nil {
		t.Fatalf("AssignPrinterID: %v", err)
	}
	if err := s.AssignPrinterID(ctx, "office", "r-1"); err != nil {
		t.Fatalf("idempotent assign: %v", err)
	}
	if err := s.AssignPrinterID(ctx, "office", "r-2"); !errors.Is(err, ErrPrinterIDAssigned) {
		t.Fatalf("conflicting assign = %v, want ErrPrinterIDAssigned", err)
	}

	id, err := s.PrinterID(ctx, "office")
	if err != nil {
		t.Fatalf("PrinterID: %v", err)
	}
	if id != "r-1" {
		t.Fatalf("id = %q, want r-1", id)
	}

	ids, err := s.PrinterIDs(ctx)
	if err != nil {
		t.Fatalf("PrinterIDs: %v", err)
	}
	if len(ids) != 1 || ids["office"] != "r-1" {
		t.Fatalf("ids = %v", ids)
	}

	if err := s.RemovePrinter(ctx, "office"); err != nil {
		t.Fatalf("RemovePrinter: %v", err)
	}
	if _, err := s.PrinterID(ctx, "office"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed printer err = %v, want ErrNotFound", err)
	}
}

func TestUserAuthentication(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, "alice@example.com", "hunter22"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.CreateUser(ctx, "alice@example.com", "other"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate user err = %v, want ErrUserExists", err)
	}

	ok, err := s.Authenticate(ctx, "alice@example.com", "hunter22")
	if err != nil || !ok {
		t.Fatalf("Authenticate = %v, %v; want true, nil", ok, err)
	}

	// a wrong password is a negative answer, not an error
	ok, err = s.Authenticate(ctx, "alice@example.com", "wrong")
	if err != nil {
		t.Fatalf("Authenticate wrong password err = %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}

	ok, err = s.Authenticate(ctx, "nobody@example.com", "x")
	if err != nil || ok {
		t.Fatalf("unknown user = %v, %v; want false, nil", ok, err)
	}

	known, err := s.UserKnown(ctx, "alice@example.com")
	if err != nil || !known {
		t.Fatalf("UserKnown = %v, %v", known, err)
	}
	known, err = s.UserKnown(ctx, "nobody@example.com")
	if err != nil || known {
		t.Fatalf("UserKnown unknown = %v, %v", known, err)
	}
}

func TestJournalAppendAndRead(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for _, e := range []JournalEntry{
		{JobID: "j1", Status: "QUEUED"},
		{JobID: "j1", Status: "IN_PROGRESS"},
		{JobID: "j1", Status: "ERROR", ErrorCode: "print_failure", ErrorMessage: "paper jam"},
		{JobID: "j2", Status: "QUEUED"},
	} {
		if err := s.AppendJournal(ctx, e); err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
	}

	entries, err := s.Journal(ctx, "j1")
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[2].Status != "ERROR" || entries[2].ErrorCode != "print_failure" {
		t.Fatalf("last entry = %+v", entries[2])
	}
}
