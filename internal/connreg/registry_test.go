package connreg

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// recordingOpener returns an Opener that hands out sqlmock-backed handles and
// records every DSN it was asked to open.
func recordingOpener(t *testing.T) (Opener, *[]string) {
	t.Helper()
	var dsns []string
	open := func(dsn string) (*sql.DB, error) {
		db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			return nil, err
		}
		dsns = append(dsns, dsn)
		return db, nil
	}
	return open, &dsns
}

func baseDescriptor() Descriptor {
	return Descriptor{
		Host:       "localhost",
		Port:       5432,
		Database:   "tc_main",
		Username:   "postgres",
		Password:   "secret",
		SSLMode:    "disable",
		SearchPath: "prod,log",
	}
}

func TestDSNIncludesSearchPath(t *testing.T) {
	dsn := baseDescriptor().DSN()
	for _, want := range []string{"host=localhost", "dbname=tc_main", "search_path=prod,log", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

func TestWithHelpersDoNotMutateReceiver(t *testing.T) {
	base := baseDescriptor()
	derived := base.WithDatabase("tc_acme_corp").WithCredentials("sand_acme_corp", "pw").WithSearchPath("sand")

	if base.Database != "tc_main" || base.Username != "postgres" || base.SearchPath != "prod,log" {
		t.Errorf("base descriptor mutated: %+v", base)
	}
	if derived.Database != "tc_acme_corp" || derived.Username != "sand_acme_corp" || derived.SearchPath != "sand" {
		t.Errorf("derived descriptor wrong: %+v", derived)
	}
}

func TestResolveUnknownName(t *testing.T) {
	open, _ := recordingOpener(t)
	r := NewWithOpener(open)

	if _, err := r.Resolve("nope"); err == nil {
		t.Fatal("expected error for unknown name")
	}
}

func TestResolveOpensOnceAndReuses(t *testing.T) {
	open, dsns := recordingOpener(t)
	r := NewWithOpener(open)
	r.Register("main", baseDescriptor())

	db1, err := r.Resolve("main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db2, err := r.Resolve("main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db1 != db2 {
		t.Error("expected the same pool on repeated Resolve")
	}
	if len(*dsns) != 1 {
		t.Errorf("opener called %d times, want 1", len(*dsns))
	}
}

// Replacing a descriptor and purging must yield a pool opened from the new
// descriptor, never the old one.
func TestRegisterPurgeResolveReflectsNewDescriptor(t *testing.T) {
	open, dsns := recordingOpener(t)
	r := NewWithOpener(open)

	r.Register("tenant", baseDescriptor().WithDatabase("tc_old"))
	if _, err := r.Resolve("tenant"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Register("tenant", baseDescriptor().WithDatabase("tc_new"))
	r.Purge("tenant")

	if _, err := r.Resolve("tenant"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := (*dsns)[len(*dsns)-1]
	if !strings.Contains(got, "dbname=tc_new") {
		t.Errorf("resolved from stale descriptor: %q", got)
	}
	if strings.Contains(got, "dbname=tc_old") {
		t.Errorf("resolved from stale descriptor: %q", got)
	}
}

func TestPurgeUnknownNameIsNoOp(t *testing.T) {
	open, _ := recordingOpener(t)
	r := NewWithOpener(open)
	r.Purge("never-registered") // must not panic
}

func TestReconnectPingsEagerly(t *testing.T) {
	var mock sqlmock.Sqlmock
	open := func(dsn string) (*sql.DB, error) {
		db, m, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			return nil, err
		}
		mock = m
		mock.ExpectPing()
		return db, nil
	}
	r := NewWithOpener(open)
	r.Register("sand", baseDescriptor().WithSearchPath("sand"))

	if err := r.Reconnect(context.Background(), "sand"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("ping not issued: %v", err)
	}
}

func TestReconnectUnknownName(t *testing.T) {
	open, _ := recordingOpener(t)
	r := NewWithOpener(open)

	if err := r.Reconnect(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown name")
	}
}

func TestCloseDiscardsPools(t *testing.T) {
	open, dsns := recordingOpener(t)
	r := NewWithOpener(open)
	r.Register("a", baseDescriptor())
	r.Register("b", baseDescriptor().WithDatabase("tc_b"))

	if _, err := r.Resolve("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Resolve("b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Close()

	// Descriptors survive; pools reopen on demand.
	if _, err := r.Resolve("a"); err != nil {
		t.Fatalf("unexpected error after Close: %v", err)
	}
	if len(*dsns) != 3 {
		t.Errorf("opener called %d times, want 3", len(*dsns))
	}
}
